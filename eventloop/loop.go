package eventloop

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// fdRegistration is one entry in the loop's fd table: the interest the
// caller asked for and the handler to invoke on readiness.
type fdRegistration struct {
	interest Interest
	handler  func(ReadyEvents)
}

// Loop is a readiness-based, single-OS-thread-per-instance event loop. See
// the package doc for the iteration order and thread-safety contract.
type Loop struct {
	opts *loopOptions

	state  *lifecycleState
	timers *timerSet
	poller poller
	waker  *Waker

	pid int

	runningGID    int64 // guarded by cbMu; 0 when not running
	exceptionHook func(origin string, err error)

	cbMu    sync.Mutex
	cbQueue []func()

	fdMu sync.Mutex
	fds  map[int]fdRegistration
}

// New constructs a Loop bound to the calling process (Run will refuse to
// execute from a different process, e.g. after a fork, per doc.go's
// cross-process defense).
func New(opts ...Option) (*Loop, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	w, err := NewWaker()
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := p.Add(w.FD(), InterestRead); err != nil {
		w.Close()
		p.Close()
		return nil, err
	}

	hook := cfg.exceptionHook
	if hook == nil {
		hook = newRateLimitedExceptionHook(cfg.logger, cfg.errLogWindow)
	}

	l := &Loop{
		opts:          cfg,
		state:         newLifecycleState(),
		timers:        newTimerSet(),
		poller:        p,
		waker:         w,
		pid:           os.Getpid(),
		exceptionHook: hook,
		fds:           make(map[int]fdRegistration),
	}
	return l, nil
}

// getGoroutineID extracts the calling goroutine's id by parsing the header
// line of a runtime.Stack dump. Go exposes no supported API for this; the
// trick is the standard one used throughout the ecosystem for exactly this
// purpose (detecting reentrant/cross-goroutine misuse, never for scheduling
// decisions).
func getGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}

// Run blocks, executing the loop's main step repeatedly, until Stop is
// called (state reaches STOPPED) or the poller returns a non-EINTR error.
func (l *Loop) Run() error {
	gid := getGoroutineID()

	l.cbMu.Lock()
	reentrant := l.runningGID == gid && gid != 0
	l.cbMu.Unlock()
	if reentrant {
		return ErrReentrantRun
	}

	started, err := l.state.Start(func() (bool, error) {
		if os.Getpid() != l.pid {
			return false, ErrCrossProcessUse
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if !started {
		return ErrLoopAlreadyRunning
	}

	l.cbMu.Lock()
	l.runningGID = gid
	l.cbMu.Unlock()
	defer func() {
		l.cbMu.Lock()
		l.runningGID = 0
		l.cbMu.Unlock()
	}()

	for {
		stop, err := l.step()
		if err != nil {
			l.state.TransitionToStoppingIfNecessary()
			l.state.TransitionToStopped()
			return err
		}
		if stop {
			l.state.TransitionToStopped()
			return nil
		}
	}
}

// step runs one iteration of the documented order: due timers, a snapshot of
// queued callbacks, a stop check, a bounded poll, then fd dispatch. It
// returns (true, nil) when the loop should stop after this iteration.
func (l *Loop) step() (bool, error) {
	now := time.Now()

	for _, cb := range l.timers.drainDue(now) {
		if cb != nil {
			l.safeExecute("timer", cb)
		}
	}

	l.cbMu.Lock()
	n := len(l.cbQueue)
	if l.opts.callbackBudget > 0 && n > l.opts.callbackBudget {
		n = l.opts.callbackBudget
	}
	batch := l.cbQueue[:n]
	l.cbQueue = l.cbQueue[n:]
	l.cbMu.Unlock()
	for _, cb := range batch {
		l.safeExecute("callback", cb)
	}

	if l.state.Load() != StateStarted {
		return true, nil
	}

	timeout := l.opts.maxPollTimeout
	if deadline, ok := l.timers.nextDeadline(); ok {
		if d := deadline.Sub(time.Now()); d < timeout {
			if d < 0 {
				d = 0
			}
			timeout = d
		}
	}

	events, err := l.poller.Poll(timeout)
	if err != nil {
		return false, err
	}

	for _, ev := range events {
		if ev.fd == l.waker.FD() {
			l.waker.Drain()
			continue
		}
		l.fdMu.Lock()
		reg, ok := l.fds[ev.fd]
		l.fdMu.Unlock()
		if !ok {
			l.opts.logger.Debug("fd event for unregistered descriptor, skipping", Fields{FD: ev.fd})
			continue
		}
		readyEvents := ev.events
		handler := reg.handler
		l.safeExecute("fd", func() { handler(readyEvents) })
	}

	return false, nil
}

// safeExecute recovers a panic from f and routes it to the exception hook,
// tagging it with origin ("timer", "callback", or "fd") so a rate-limited
// hook can key on it. A broken-pipe (EPIPE) error from an fd handler is
// swallowed rather than routed to the hook.
func (l *Loop) safeExecute(origin string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			err := panicToError(r)
			if origin == "fd" && errors.Is(err, syscall.EPIPE) {
				return
			}
			l.exceptionHook(origin, err)
		}
	}()
	f()
}

// Expect acquires the loop's lifecycle lock and reports whether its current
// state is one of states, leaving the lock held until release is called.
// Callers that need to assert a state (e.g. STARTED) and act on it without
// racing a concurrent Stop should hold the lock for the whole check-and-act
// window: if ok is false, release must still be called.
func (l *Loop) Expect(states ...State) (release func(), ok bool) {
	return l.state.Expect(states...)
}

// SubmitCallback enqueues f to run on the loop's own goroutine during a
// future step, and wakes the loop if it is currently blocked in Poll.
func (l *Loop) SubmitCallback(f func()) error {
	if f == nil {
		return nil
	}
	if l.state.Load()&(StateStopping|StateStopped) != 0 {
		return ErrLoopStopped
	}
	l.cbMu.Lock()
	l.cbQueue = append(l.cbQueue, f)
	l.cbMu.Unlock()
	return l.waker.Wake()
}

// ScheduleAt schedules f to run once the loop observes deadline has passed.
func (l *Loop) ScheduleAt(deadline time.Time, f func()) (CancelToken, error) {
	if l.state.Load()&(StateStopping|StateStopped) != 0 {
		return CancelToken{}, ErrLoopStopped
	}
	token := l.timers.schedule(deadline, f)
	if err := l.waker.Wake(); err != nil {
		return token, err
	}
	return token, nil
}

// ScheduleAfter is ScheduleAt(time.Now().Add(delay), f).
func (l *Loop) ScheduleAfter(delay time.Duration, f func()) (CancelToken, error) {
	return l.ScheduleAt(time.Now().Add(delay), f)
}

// CancelTimer tombstones a pending timer. It is not an error to cancel a
// timer that has already fired or already been cancelled; in that case
// ErrTimerNotFound is returned so callers can distinguish a no-op from a
// successful cancellation, without it being fatal to ignore.
func (l *Loop) CancelTimer(token CancelToken) error {
	if !l.timers.cancel(token) {
		return ErrTimerNotFound
	}
	return nil
}

// RegisterFD registers fd for the given interest and handler, which runs on
// the loop's own goroutine whenever fd becomes ready. Safe to call from any
// goroutine.
func (l *Loop) RegisterFD(fd int, interest Interest, handler func(ReadyEvents)) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}
	l.fdMu.Lock()
	defer l.fdMu.Unlock()
	if _, exists := l.fds[fd]; exists {
		return ErrFDAlreadyRegistered
	}
	if err := l.poller.Add(fd, interest); err != nil {
		return err
	}
	l.fds[fd] = fdRegistration{interest: interest, handler: handler}
	return l.waker.Wake()
}

// ModifyFD changes the interest set for an already-registered fd.
func (l *Loop) ModifyFD(fd int, interest Interest) error {
	l.fdMu.Lock()
	defer l.fdMu.Unlock()
	reg, exists := l.fds[fd]
	if !exists {
		return ErrFDNotRegistered
	}
	if err := l.poller.Modify(fd, interest); err != nil {
		return err
	}
	reg.interest = interest
	l.fds[fd] = reg
	return nil
}

// UnregisterFD removes fd from the loop. It is idempotent in the face of the
// driver's "always remove, then add" fd-recycling defense: unregistering an
// fd that isn't registered returns ErrFDNotRegistered, which callers using
// that defense are expected to ignore.
func (l *Loop) UnregisterFD(fd int) error {
	l.fdMu.Lock()
	defer l.fdMu.Unlock()
	if _, exists := l.fds[fd]; !exists {
		return ErrFDNotRegistered
	}
	delete(l.fds, fd)
	return l.poller.Remove(fd)
}

// Stop requests an orderly shutdown: the running loop observes this at the
// top of its next step (after draining due timers and the callback
// snapshot already underway) and returns from Run. Safe to call from any
// goroutine, any number of times.
func (l *Loop) Stop() error {
	l.state.TransitionToStoppingIfNecessary()
	return l.waker.Wake()
}

// Close releases the loop's poller and waker resources. It must be called
// after Run has returned. If closeAllFDs is true, every still-registered fd
// is also closed (not merely unregistered); this is a convenience for
// callers that own those fds outright (the transfer driver does not, so it
// always unregisters first and passes false).
func (l *Loop) Close(closeAllFDs bool) error {
	l.fdMu.Lock()
	fds := make([]int, 0, len(l.fds))
	for fd := range l.fds {
		fds = append(fds, fd)
	}
	l.fds = make(map[int]fdRegistration)
	l.fdMu.Unlock()

	if closeAllFDs {
		for _, fd := range fds {
			closeFD(fd)
		}
	}

	err1 := l.waker.Close()
	err2 := l.poller.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
