package chttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerSubmitBeforeStartFails(t *testing.T) {
	t.Parallel()

	m, err := NewManager()
	require.NoError(t, err)
	_, err = m.Submit(NewRequest("http://example.com"))
	assertKind(t, err, KindManagerNotStarted)
}

func TestManagerRoundTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Served", "1")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m, err := NewManager(WithWorkerCount(2), WithMaxClients(4))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Stop(ctx)
	}()

	h, err := m.Submit(NewRequest(srv.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "ok", string(resp.Body))
	assert.NoError(t, resp.Err())
}

func TestManagerManyConcurrentRequests(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, err := NewManager(WithWorkerCount(3), WithMaxClients(4), WithMaxQueueSize(64))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Stop(ctx)
	}()

	const n = 30
	handles := make([]*Handle, n)
	for i := 0; i < n; i++ {
		h, err := m.Submit(NewRequest(srv.URL))
		require.NoError(t, err)
		handles[i] = h
	}

	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	for i, h := range handles {
		go func(i int, h *Handle) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			resp, err := h.Wait(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			if resp.Code != http.StatusOK {
				errs[i] = newError(KindTransportError, "unexpected code", nil)
			}
		}(i, h)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoErrorf(t, err, "request #%d", i)
	}
}

func TestManagerQueueFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	m, err := NewManager(WithWorkerCount(1), WithMaxClients(1), WithMaxQueueSize(1))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Stop(ctx)
	}()

	// First occupies the single client slot, second fills the one-deep
	// queue, third must be rejected.
	_, err = m.Submit(NewRequest(srv.URL))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond) // let the worker dispatch #1 into flight
	_, err = m.Submit(NewRequest(srv.URL))
	require.NoError(t, err)

	_, err = m.Submit(NewRequest(srv.URL))
	assertKind(t, err, KindQueueFull)
}

func TestManagerStopFulfillsQueuedItems(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, err := NewManager(WithWorkerCount(1), WithMaxClients(1), WithMaxQueueSize(4))
	require.NoError(t, err)
	require.NoError(t, m.Start())

	// #1 occupies the only client slot (and blocks on the server); #2 sits
	// queued behind it.
	_, err = m.Submit(NewRequest(srv.URL))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	h2, err := m.Submit(NewRequest(srv.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
	close(block)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	_, err = h2.Wait(waitCtx)
	assertKind(t, err, KindManagerStopped)
}

func TestManagerStopFulfillsInFlightItems(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	m, err := NewManager(WithWorkerCount(1), WithMaxClients(1))
	require.NoError(t, err)
	require.NoError(t, m.Start())

	h, err := m.Submit(NewRequest(srv.URL))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond) // let the worker dispatch it in flight

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	_, err = h.Wait(waitCtx)
	assertKind(t, err, KindManagerStopped)
}

func TestManagerHTTPStatusErrorStillFulfilsResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m, err := NewManager(WithWorkerCount(1))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Stop(ctx)
	}()

	h, err := m.Submit(NewRequest(srv.URL))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := h.Wait(ctx)
	require.NoError(t, err, "a non-2xx status still fulfils with a Response, not a Wait error")
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assertKind(t, resp.Err(), KindHTTPStatusError)
}
