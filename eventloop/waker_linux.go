//go:build linux

package eventloop

import "golang.org/x/sys/unix"

// eventfdWaker implements wakerImpl using Linux eventfd(2) in non-blocking,
// semaphore-less counter mode.
type eventfdWaker struct {
	efd int
}

func newWakerImpl() (wakerImpl, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &eventfdWaker{efd: fd}, nil
}

func (w *eventfdWaker) fd() int { return w.efd }

func (w *eventfdWaker) raise() error {
	var buf [8]byte
	buf[7] = 1
	for {
		_, err := unix.Write(w.efd, buf[:])
		if err == unix.EINTR {
			continue
		}
		// EAGAIN means the counter is already saturated (a wake is already
		// pending as far as the kernel is concerned); treat as success.
		if err == unix.EAGAIN {
			return nil
		}
		return err
	}
}

func (w *eventfdWaker) drain() error {
	var buf [8]byte
	for {
		_, err := unix.Read(w.efd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		return err
	}
}

func (w *eventfdWaker) close() error {
	return unix.Close(w.efd)
}
