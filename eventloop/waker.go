package eventloop

import "sync/atomic"

// Waker is a cross-thread wakeup primitive backed by a platform-specific
// self-pipe (eventfd on Linux, a pipe(2) pair elsewhere). Calling Wake from
// any goroutine causes a blocked poll on the Waker's FD to return readable;
// Drain must be called from the poller's goroutine once that happens.
//
// Wake is idempotent between Drain calls: any number of Wake calls that
// occur before the next Drain collapse into a single readiness edge, so a
// flood of submitters never queues more than one wakeup.
type Waker struct {
	fd      int
	pending atomic.Bool
	impl    wakerImpl
}

// wakerImpl is the platform hook implemented by waker_linux.go/waker_darwin.go
// (and, for anything else, waker_other.go).
type wakerImpl interface {
	fd() int
	raise() error
	drain() error
	close() error
}

// NewWaker constructs a platform Waker.
func NewWaker() (*Waker, error) {
	impl, err := newWakerImpl()
	if err != nil {
		return nil, err
	}
	return &Waker{fd: impl.fd(), impl: impl}, nil
}

// FD returns the file descriptor to register with a Poller for read
// readiness.
func (w *Waker) FD() int { return w.fd }

// Wake schedules a single wakeup edge if one is not already pending.
func (w *Waker) Wake() error {
	if !w.pending.CompareAndSwap(false, true) {
		return nil
	}
	return w.impl.raise()
}

// Drain consumes the pending wakeup, clearing the edge so that a subsequent
// Wake raises a fresh one. It must be called from the loop's own goroutine
// after the poller reports the Waker's fd readable.
func (w *Waker) Drain() error {
	w.pending.Store(false)
	return w.impl.drain()
}

// Close releases the underlying fd(s).
func (w *Waker) Close() error {
	return w.impl.close()
}
