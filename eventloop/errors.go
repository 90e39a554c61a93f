package eventloop

import "errors"

// Sentinel errors returned by Loop methods, kept as plain package-level
// errors.New values (there's no JavaScript-flavored surface here to mirror
// with typed errors).
var (
	// ErrLoopAlreadyRunning is returned by Run if called while the loop is
	// already STARTING or STARTED.
	ErrLoopAlreadyRunning = errors.New("eventloop: loop already running")
	// ErrLoopStopped is returned by operations attempted after the loop has
	// reached STOPPED.
	ErrLoopStopped = errors.New("eventloop: loop stopped")
	// ErrReentrantRun is returned if Run is called recursively from within
	// the loop's own callbacks, timers, or fd handlers.
	ErrReentrantRun = errors.New("eventloop: reentrant Run call")
	// ErrCrossProcessUse is returned by Run if called from a different OS
	// process than the one that constructed the Loop (e.g. after fork).
	ErrCrossProcessUse = errors.New("eventloop: loop used from a different process than its creator")
	// ErrCrossThreadUse names an operation attempted off the loop's own
	// goroutine. No operation in this package currently returns it.
	ErrCrossThreadUse = errors.New("eventloop: operation attempted off the loop's goroutine")
)

var (
	// ErrFDOutOfRange is returned by RegisterFD for a negative file
	// descriptor; no upper bound is checked.
	ErrFDOutOfRange = errors.New("eventloop: fd out of range")
	// ErrFDAlreadyRegistered is returned by RegisterFD for an fd that is
	// already registered.
	ErrFDAlreadyRegistered = errors.New("eventloop: fd already registered")
	// ErrFDNotRegistered is returned by ModifyFD/UnregisterFD for an fd
	// that is not currently registered.
	ErrFDNotRegistered = errors.New("eventloop: fd not registered")
	// ErrPollerClosed names a poller operation attempted after Close. No
	// operation in this package currently returns it.
	ErrPollerClosed = errors.New("eventloop: poller closed")
)

// ErrTimerNotFound is returned by CancelTimer for an id that no longer
// identifies a pending timer (already fired or already cancelled).
var ErrTimerNotFound = errors.New("eventloop: timer not found")
