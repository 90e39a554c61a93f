//go:build unix && !linux && !darwin

package eventloop

import "golang.org/x/sys/unix"

// pipeWaker implements wakerImpl as a self-pipe, for platforms lacking
// eventfd(2) (the poller_other.go select-based fallback's sibling).
type pipeWaker struct {
	readFD, writeFD int
}

func newWakerImpl() (wakerImpl, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	return &pipeWaker{readFD: fds[0], writeFD: fds[1]}, nil
}

func (w *pipeWaker) fd() int { return w.readFD }

func (w *pipeWaker) raise() error {
	for {
		_, err := unix.Write(w.writeFD, []byte{0})
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		return err
	}
}

func (w *pipeWaker) drain() error {
	var buf [64]byte
	for {
		_, err := unix.Read(w.readFD, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (w *pipeWaker) close() error {
	err1 := unix.Close(w.readFD)
	err2 := unix.Close(w.writeFD)
	if err1 != nil {
		return err1
	}
	return err2
}
