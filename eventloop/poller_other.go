//go:build unix && !linux && !darwin

package eventloop

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// selectPoller implements poller via select(2) for platforms without a
// readiness-notification syscall wired up above (doc.go's "everything else"
// tier). Unlike epoll/kqueue, select has no persistent registration, so the
// interest set is kept in Go and an fd_set pair rebuilt on every Poll call.
type selectPoller struct {
	mu       sync.Mutex
	interest map[int]Interest
	closed   bool
}

func newPoller() (poller, error) {
	return &selectPoller{interest: make(map[int]Interest)}, nil
}

func (p *selectPoller) Add(fd int, interest Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interest[fd] = interest
	return nil
}

func (p *selectPoller) Modify(fd int, interest Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interest[fd] = interest
	return nil
}

func (p *selectPoller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.interest, fd)
	return nil
}

func (p *selectPoller) Poll(timeout time.Duration) ([]pollEvent, error) {
	p.mu.Lock()
	snapshot := make(map[int]Interest, len(p.interest))
	for fd, in := range p.interest {
		snapshot[fd] = in
	}
	p.mu.Unlock()

	var readFDs, writeFDs unix.FdSet
	nfds := 0
	for fd, in := range snapshot {
		if in&InterestRead != 0 {
			fdSetSet(&readFDs, fd)
		}
		if in&InterestWrite != 0 {
			fdSetSet(&writeFDs, fd)
		}
		if fd+1 > nfds {
			nfds = fd + 1
		}
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	for {
		_, err := unix.Select(nfds, &readFDs, &writeFDs, nil, tv)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	out := make([]pollEvent, 0, len(snapshot))
	for fd, in := range snapshot {
		var ev ReadyEvents
		if in&InterestRead != 0 && fdSetIsSet(&readFDs, fd) {
			ev |= ReadyRead
		}
		if in&InterestWrite != 0 && fdSetIsSet(&writeFDs, fd) {
			ev |= ReadyWrite
		}
		if ev != 0 {
			out = append(out, pollEvent{fd: fd, events: ev})
		}
	}
	return out, nil
}

func (p *selectPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.interest = nil
	return nil
}

// fdSetSet/fdSetIsSet manipulate a unix.FdSet's Bits array directly, since
// unix.FdSet exposes no helper methods of its own. Bits is an array of
// int64 words on every platform golang.org/x/sys/unix defines FdSet for.
const fdSetBitsPerWord = 64

func fdSetSet(set *unix.FdSet, fd int) {
	set.Bits[fd/fdSetBitsPerWord] |= 1 << (uint(fd) % fdSetBitsPerWord)
}

func fdSetIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/fdSetBitsPerWord]&(1<<(uint(fd)%fdSetBitsPerWord)) != 0
}
