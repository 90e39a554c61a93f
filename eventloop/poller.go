package eventloop

import "time"

// Interest is the set of readiness conditions registered for an fd.
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// ReadyEvents reports which conditions a poller observed on a given fd.
// Error folds in hangup/error conditions (kqueue's EV_EOF, epoll's
// EPOLLERR|EPOLLHUP) so callers have one bit to check regardless of
// platform.
type ReadyEvents uint8

const (
	ReadyRead ReadyEvents = 1 << iota
	ReadyWrite
	ReadyError
)

func (e ReadyEvents) Has(bit ReadyEvents) bool { return e&bit != 0 }

// pollEvent is a single fd's readiness result from one Poll call.
type pollEvent struct {
	fd     int
	events ReadyEvents
}

// poller is the platform readiness backend contract implemented by
// poller_linux.go (epoll), poller_darwin.go (kqueue), and poller_other.go
// (select, via golang.org/x/sys/unix), per doc.go's platform-support table.
type poller interface {
	// Add registers fd for the given interest set.
	Add(fd int, interest Interest) error
	// Modify changes the interest set for an already-registered fd.
	Modify(fd int, interest Interest) error
	// Remove unregisters fd. It is not an error to Remove an fd that was
	// never Added (the driver's "always remove, then add" fd-recycling
	// defense relies on this).
	Remove(fd int) error
	// Poll blocks for up to timeout (zero means return immediately, a
	// negative timeout means block indefinitely) and returns the fds that
	// became ready. EINTR is retried internally and never surfaces as an
	// error.
	Poll(timeout time.Duration) ([]pollEvent, error)
	// Close releases the poller's own fd (epoll/kqueue instance). It does
	// not close any registered fd.
	Close() error
}

// pollTimeoutMillis converts a Go duration to the millisecond int the
// epoll_wait/kqueue-via-timespec/select backends expect, clamping negative
// values to -1 (block indefinitely) since the loop never asks for that but
// the poller contract allows it.
func pollTimeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	const maxInt = int(^uint(0) >> 1)
	ms := d.Milliseconds()
	if ms > int64(maxInt) {
		return maxInt
	}
	return int(ms)
}
