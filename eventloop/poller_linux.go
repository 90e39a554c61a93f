//go:build linux

package eventloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller implements poller using Linux epoll(7), level-triggered (the
// driver's bridging policy always removes+re-adds rather than leaving stale
// registrations around, so level-triggering plus idempotent Remove is
// simpler and safer than edge-triggering here).
type epollPoller struct {
	epfd int
}

func newPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: fd}, nil
}

func toEpollEvents(interest Interest) uint32 {
	var ev uint32
	if interest&InterestRead != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) Add(fd int, interest Interest) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: toEpollEvents(interest),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) Modify(fd int, interest Interest) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: toEpollEvents(interest),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *epollPoller) Poll(timeout time.Duration) ([]pollEvent, error) {
	ms := pollTimeoutMillis(timeout)
	buf := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(p.epfd, buf, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		out := make([]pollEvent, 0, n)
		for i := 0; i < n; i++ {
			raw := buf[i].Events
			var ev ReadyEvents
			if raw&unix.EPOLLIN != 0 {
				ev |= ReadyRead
			}
			if raw&unix.EPOLLOUT != 0 {
				ev |= ReadyWrite
			}
			if raw&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				ev |= ReadyError
			}
			out = append(out, pollEvent{fd: int(buf[i].Fd), events: ev})
		}
		return out, nil
	}
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
