package chttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-concurrent-http/driver"
	"github.com/joeycumines/go-concurrent-http/eventloop"
	"github.com/joeycumines/go-concurrent-http/transfer"
)

// workerContext is the explicit per-worker state passed as a closure
// argument to each worker's goroutine: there is never a thread-id lookup,
// because each worker goroutine already has direct access to its own
// loop/driver/waker.
type workerContext struct {
	id     int
	loop   *eventloop.Loop
	driver *driver.Driver
	waker  *eventloop.Waker
	// done is closed by runWorker when its goroutine returns, letting Stop
	// join each worker individually instead of one shared wait across the
	// whole pool.
	done chan struct{}
}

// Manager is the fixed worker-pool HTTP client engine: Submit enqueues a
// Request onto a bounded FIFO queue and returns a Handle; a fixed number of
// worker goroutines, each running its own eventloop.Loop and driver.Driver
// over a net/http-backed transfer.Engine, dispatch queued requests onto
// their per-worker transfer-handle pool.
type Manager struct {
	opts *managerOptions

	state   *lifecycleState
	queue   *boundedQueue
	workers []*workerContext

	idSeq atomic.Uint64
}

// NewManager constructs a Manager. Start must be called before Submit.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	cfg, err := resolveManagerOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Manager{
		opts:  cfg,
		state: newLifecycleState(),
		queue: newBoundedQueue(cfg.maxQueueSize),
	}, nil
}

// Start constructs WorkerCount workers (each its own Loop, NetHTTPEngine,
// and Driver) and starts their goroutines.
func (m *Manager) Start() error {
	started, err := m.state.Start(func() (bool, error) { return true, nil })
	if err != nil {
		return err
	}
	if !started {
		return newError(KindManagerNotStarted, "Manager already started", nil)
	}

	m.workers = make([]*workerContext, m.opts.workerCount)
	for i := 0; i < m.opts.workerCount; i++ {
		wc, err := m.newWorker(i)
		if err != nil {
			return err
		}
		m.workers[i] = wc
		go m.runWorker(wc)
	}
	return nil
}

func (m *Manager) newWorker(id int) (*workerContext, error) {
	loop, err := eventloop.New(eventloop.WithLogger(m.opts.logger))
	if err != nil {
		return nil, fmt.Errorf("chttp: worker %d: %w", id, err)
	}
	engine, err := transfer.NewNetHTTPEngine(m.opts.maxClients)
	if err != nil {
		loop.Close(false)
		return nil, fmt.Errorf("chttp: worker %d: %w", id, err)
	}

	wc := &workerContext{id: id, loop: loop, done: make(chan struct{})}

	drv, err := driver.New(loop, engine, m.makeDequeue(wc), driver.WithLogger(m.opts.logger))
	if err != nil {
		engine.Close()
		loop.Close(false)
		return nil, fmt.Errorf("chttp: worker %d: %w", id, err)
	}
	wc.driver = drv

	waker, err := eventloop.NewWaker()
	if err != nil {
		engine.Close()
		loop.Close(false)
		return nil, fmt.Errorf("chttp: worker %d: %w", id, err)
	}
	wc.waker = waker
	if err := loop.RegisterFD(waker.FD(), eventloop.InterestRead, func(eventloop.ReadyEvents) {
		waker.Drain()
		drv.Wake()
	}); err != nil {
		waker.Close()
		engine.Close()
		loop.Close(false)
		return nil, fmt.Errorf("chttp: worker %d: %w", id, err)
	}

	return wc, nil
}

// makeDequeue returns the driver.Dequeue this worker's driver polls: pop the
// shared queue's oldest item, claiming its handle (skipping any already
// cancelled before dispatch) and translating it into a driver.Job.
func (m *Manager) makeDequeue(wc *workerContext) driver.Dequeue {
	return func() (driver.Job, bool) {
		for {
			item, ok := m.queue.pop()
			if !ok {
				return driver.Job{}, false
			}
			if !item.handle.TryClaim() {
				// Cancelled before a worker reached it; drop silently, the
				// caller already observed cancellation via Handle.Wait.
				continue
			}
			opts, err := translateRequest(item.request)
			if err != nil {
				item.handle.Fulfil(nil, err)
				continue
			}
			job := driver.Job{
				ID:          m.idSeq.Add(1),
				Options:     opts,
				SubmittedAt: item.submittedAt,
				Complete:    m.completionFunc(item, wc),
			}
			return job, true
		}
	}
}

// completionFunc closes over the original Request/Handle/submit-time so the
// driver (which only knows transfer.Result) never needs chttp's types.
func (m *Manager) completionFunc(item queuedItem, wc *workerContext) func(transfer.Result, error, time.Time) {
	return func(result transfer.Result, err error, dispatchedAt time.Time) {
		if errors.Is(err, driver.ErrShutdown) {
			// Still in flight when the worker's driver was closed: fulfil
			// with manager-stopped, not a transport error, and carry no
			// Response at all (the transfer never completed enough to have
			// one).
			item.handle.Fulfil(nil, newError(KindManagerStopped, "manager stopped with transfer in flight", err))
			return
		}

		now := time.Now()
		resp := &Response{
			Request:       item.request,
			Code:          result.Code,
			Reason:        result.Reason,
			Headers:       result.Headers,
			Body:          result.Body,
			EffectiveURL:  result.EffectiveURL,
			StartTime:     item.submittedAt,
			RequestTime:   now.Sub(item.submittedAt),
			PrimaryIP:     result.PrimaryIP,
			SpeedDownload: result.SpeedDownload,
			SpeedUpload:   result.SpeedUpload,
			TimeInfo: TimeInfo{
				Queue:         dispatchedAt.Sub(item.submittedAt),
				NameLookup:    result.TimeInfo.NameLookup,
				Connect:       result.TimeInfo.Connect,
				AppConnect:    result.TimeInfo.AppConnect,
				PreTransfer:   result.TimeInfo.PreTransfer,
				StartTransfer: result.TimeInfo.StartTransfer,
				Total:         result.TimeInfo.Total,
				Redirect:      result.TimeInfo.Redirect,
			},
		}

		if err != nil {
			resp.Code = 599
			resp.Error = &Error{Kind: KindTransportError, Cause: err, Code: 599, Message: "transport error"}
		} else if !isSuccessStatus(result.Code) {
			resp.Error = newHTTPStatusError(resp)
		}

		item.handle.Fulfil(resp, nil)
		_ = wc
	}
}

// translateRequest materializes a chttp.Request into a transfer.Options,
// the one place the chttp<->transfer type boundary is crossed.
func translateRequest(r *Request) (transfer.Options, error) {
	if err := r.Validate(); err != nil {
		return transfer.Options{}, err
	}

	headers := make(http.Header, len(r.Headers)+1)
	for k, vs := range r.Headers {
		headers[k] = append([]string(nil), vs...)
	}
	if r.UserAgent != "" {
		headers.Set("User-Agent", r.UserAgent)
	}

	opts := transfer.Options{
		Method:             r.Method,
		URL:                r.URL,
		Headers:            headers,
		Body:               r.Body,
		ConnectTimeout:     r.ConnectTimeout,
		RequestTimeout:     r.RequestTimeout,
		FollowRedirects:    r.FollowRedirects,
		MaxRedirects:       r.MaxRedirects,
		NetworkInterface:   r.NetworkInterface,
		ForceIPv4:          !r.AllowIPv6,
		DecompressResponse: r.DecompressResponse,
		StreamingCallback:  r.StreamingCallback,
		MaxBodyLength:      r.MaxBodyLength,
		PrepareCallback:    r.PrepareCallback,
		TLS: transfer.TLSConfig{
			ValidateCert: r.ValidateCert,
			CACerts:      r.CACerts,
			ClientCert:   r.ClientCert,
			ClientKey:    r.ClientKey,
		},
		DNS: transfer.DNSConfig{
			ResolveList:    r.ResolveList,
			ConnectToList:  r.ConnectToList,
			Servers:        r.DNSServers,
			CacheTimeout:   r.DNSCacheTimeout,
			UseGlobalCache: r.DNSUseGlobalCache,
		},
	}
	if r.HasProxy() {
		opts.Proxy = &transfer.ProxyConfig{
			Host:     r.ProxyHost,
			Port:     r.ProxyPort,
			Username: r.ProxyUsername,
			Password: r.ProxyPassword,
			Digest:   r.ProxyAuthMode == AuthModeDigest,
		}
	}
	if r.HasAuth() {
		opts.Auth = &transfer.AuthConfig{
			Username: r.AuthUsername,
			Password: r.AuthPassword,
			Digest:   r.AuthMode == AuthModeDigest,
		}
	}
	opts.HeaderCallback = r.HeaderCallback
	return opts, nil
}

func (m *Manager) runWorker(wc *workerContext) {
	defer close(wc.done)
	if err := wc.driver.Start(); err != nil {
		m.opts.logger.Error("chttp: driver failed to start", err, eventloop.Fields{WorkerID: workerID(wc.id)})
		return
	}
	if err := wc.loop.Run(); err != nil {
		m.opts.logger.Error("chttp: worker loop exited with error", err, eventloop.Fields{WorkerID: workerID(wc.id)})
	}
}

func workerID(id int) string { return "worker-" + strconv.Itoa(id) }

// Submit enqueues req and returns its completion Handle immediately.
// Returns KindManagerNotStarted if Start has not been called, or
// KindQueueFull if the bounded queue is at capacity.
func (m *Manager) Submit(req *Request) (*Handle, error) {
	if m.state.Load() != eventloop.StateStarted {
		return nil, newError(KindManagerNotStarted, "Manager not started", nil)
	}
	h := NewHandle()
	item := queuedItem{request: req, handle: h, submittedAt: time.Now()}
	if !m.queue.tryPush(item) {
		return nil, newError(KindQueueFull, "submission queue is full", nil)
	}
	for _, wc := range m.workers {
		wc.waker.Wake()
	}
	return h, nil
}

// Stop transitions the Manager to STOPPING, wakes and waits for every
// worker until ctx is done, then drains and fails any items still queued
// with KindManagerStopped, and transitions to STOPPED. All workers share
// ctx's single deadline: once it has passed, each remaining worker gets only
// an immediate check, so the wait is one aggregate budget rather than a
// budget per worker. Workers that have not exited are left running and do
// not hold back the move to STOPPED.
func (m *Manager) Stop(ctx context.Context) error {
	m.state.TransitionToStoppingIfNecessary()

	for _, wc := range m.workers {
		wc.loop.Stop()
	}

	var stopErr error
	for _, wc := range m.workers {
		exited := false
		select {
		case <-wc.done:
			exited = true
		default:
			select {
			case <-wc.done:
				exited = true
			case <-ctx.Done():
				stopErr = ctx.Err()
			}
		}
		if exited {
			// driver.Close's contract requires the owning loop to have
			// already stopped running; wc.done only closes after
			// wc.loop.Run() has returned, so it's safe here.
			wc.driver.Close()
			wc.waker.Close()
			wc.loop.Close(false)
		}
		// If this worker hasn't confirmed exit, its loop may still be
		// running, so its driver/waker/loop are left open rather than
		// closed out from under it. Remaining workers still each get their
		// own check against the same (now expired) deadline.
	}

	for _, item := range m.queue.drain() {
		if item.handle.TryClaim() {
			item.handle.Fulfil(nil, newError(KindManagerStopped, "manager stopped before dispatch", nil))
		}
	}

	m.state.TransitionToStopped()
	return stopErr
}
