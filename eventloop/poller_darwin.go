//go:build darwin

package eventloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller implements poller using kqueue(2). Read and write interest
// are tracked as independent filters (EVFILT_READ/EVFILT_WRITE) since kqueue
// has no combined "in or out" registration the way epoll does.
type kqueuePoller struct {
	kq int
}

func newPoller() (poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &kqueuePoller{kq: fd}, nil
}

func (p *kqueuePoller) changeInterest(fd int, interest Interest) error {
	var changes []unix.Kevent_t
	if interest&InterestRead != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if interest&InterestWrite != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ENABLE})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	// EV_DELETE on a filter that was never added returns ENOENT; that's
	// expected whenever only one of read/write was registered, so each
	// change is applied individually and ENOENT is swallowed.
	for i := range changes {
		_, err := unix.Kevent(p.kq, changes[i:i+1], nil, nil)
		if err != nil && err != unix.ENOENT {
			return err
		}
	}
	return nil
}

func (p *kqueuePoller) Add(fd int, interest Interest) error {
	return p.changeInterest(fd, interest)
}

func (p *kqueuePoller) Modify(fd int, interest Interest) error {
	return p.changeInterest(fd, interest)
}

func (p *kqueuePoller) Remove(fd int) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	for i := range changes {
		_, err := unix.Kevent(p.kq, changes[i:i+1], nil, nil)
		if err != nil && err != unix.ENOENT {
			return err
		}
	}
	return nil
}

func (p *kqueuePoller) Poll(timeout time.Duration) ([]pollEvent, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	buf := make([]unix.Kevent_t, 128)
	for {
		n, err := unix.Kevent(p.kq, nil, buf, ts)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		byFD := make(map[int]ReadyEvents, n)
		for i := 0; i < n; i++ {
			k := buf[i]
			fd := int(k.Ident)
			ev := byFD[fd]
			switch k.Filter {
			case unix.EVFILT_READ:
				ev |= ReadyRead
			case unix.EVFILT_WRITE:
				ev |= ReadyWrite
			}
			if k.Flags&unix.EV_EOF != 0 || k.Flags&unix.EV_ERROR != 0 {
				ev |= ReadyError
			}
			byFD[fd] = ev
		}
		out := make([]pollEvent, 0, len(byFD))
		for fd, ev := range byFD {
			out = append(out, pollEvent{fd: fd, events: ev})
		}
		return out, nil
	}
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.kq)
}
