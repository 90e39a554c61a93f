package chttp

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrHandleCancelled is returned by Handle.Wait for a handle that reached
// the cancelled state before the driver could claim it.
var ErrHandleCancelled = errors.New("chttp: handle cancelled")

type handleState int32

const (
	handlePending handleState = iota
	handleRunning
	handleFulfilled
	handleCancelled
)

// Handle is the one-shot completion future returned by Manager.Submit. It
// moves pending -> running (claimed by a worker) -> fulfilled, or
// pending -> cancelled if the caller cancels before a worker claims it;
// those two terminal states are mutually exclusive and the transition is
// decided by an atomic compare-and-swap, never a race the caller can
// observe as "both".
type Handle struct {
	state atomic.Int32
	done  chan struct{}

	response *Response
	err      error
}

// NewHandle constructs a pending Handle. Exported so driver/manager in
// sibling packages can construct one without an import cycle back into
// chttp; most callers only ever see a *Handle returned from Submit.
func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// TryClaim attempts the pending/running -> running transition the driver
// performs just before it starts fulfilling the handle. It returns false if
// the handle was already cancelled, in which case the caller must not
// fulfil it.
func (h *Handle) TryClaim() bool {
	for {
		cur := handleState(h.state.Load())
		switch cur {
		case handlePending:
			if h.state.CompareAndSwap(int32(handlePending), int32(handleRunning)) {
				return true
			}
		case handleRunning:
			return true
		default:
			return false
		}
	}
}

// Fulfil sets the terminal response/error exactly once and closes done. It
// must only be called after a successful TryClaim.
func (h *Handle) Fulfil(resp *Response, err error) {
	if h.state.CompareAndSwap(int32(handleRunning), int32(handleFulfilled)) {
		h.response = resp
		h.err = err
		close(h.done)
		return
	}
	// Already fulfilled or cancelled from elsewhere; TryClaim's contract
	// means this shouldn't happen, but don't double-close done.
}

// Cancel attempts an atomic claim: it returns true if cancellation "won"
// the race against the driver fulfilling the handle (pending -> cancelled),
// false if the handle was already running/fulfilled/cancelled.
func (h *Handle) Cancel() bool {
	if h.state.CompareAndSwap(int32(handlePending), int32(handleCancelled)) {
		close(h.done)
		return true
	}
	return false
}

// Cancelled reports whether the handle reached the cancelled state.
func (h *Handle) Cancelled() bool {
	return handleState(h.state.Load()) == handleCancelled
}

// Wait blocks until the handle is fulfilled or cancelled, or ctx is done,
// returning the terminal (response, error) pair. If ctx is done first, err
// is ctx.Err() and resp is nil; the handle itself is left untouched (still
// pending/running) so a later fulfilment or cancellation does not race a
// freed value.
func (h *Handle) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-h.done:
		return h.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed exactly once, when the handle reaches a
// terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) result() (*Response, error) {
	if handleState(h.state.Load()) == handleCancelled {
		return nil, ErrHandleCancelled
	}
	return h.response, h.err
}
