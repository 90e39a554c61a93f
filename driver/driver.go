// Package driver implements the Multi-Transfer Driver: it bridges a
// transfer.Engine to an eventloop.Loop, maintaining the free-list/in-flight
// partition over the engine's fixed handle pool and the socket/timer
// bridging rules a libcurl-multi-style contract requires. It depends only on
// transfer and eventloop, never on the root chttp package — chttp.Manager
// owns the translation between its own Request/Response/Handle types and the
// Job/transfer.Options/transfer.Result types defined here, which keeps the
// import graph acyclic (chttp -> driver -> {transfer, eventloop}).
package driver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/joeycumines/go-concurrent-http/eventloop"
	"github.com/joeycumines/go-concurrent-http/transfer"
)

const defaultSweepInterval = 500 * time.Millisecond

// ErrShutdown marks a Job.Complete call made because the driver was closed
// with the job still in flight, distinct from a transfer's own
// transport-level failure: any transfer still in flight at shutdown must
// have its completion handle fulfilled with manager-stopped, not a
// transport error. The caller (chttp.Manager) checks errors.Is against this
// sentinel to tell the two apart.
var ErrShutdown = errors.New("driver: closed with job still in flight")

// Logger and Fields are the eventloop package's logging types, reused
// directly rather than duplicated: the driver always runs alongside a Loop
// and logs through the same sink.
type Logger = eventloop.Logger
type Fields = eventloop.Fields

// Job is one unit of dispatchable work: a materialized transfer.Options plus
// the callback the driver invokes exactly once, on completion or on setup
// failure. Complete's error is non-nil for a transport-level failure
// (Result.Err, a setup error from AddHandle, or ErrShutdown); its dispatchedAt
// argument echoes Job.DispatchedAt (the time this job left the queue and
// claimed a handle), letting the caller compute a queue timing phase
// without the driver needing to know about chttp.Response.
type Job struct {
	ID           uint64
	Options      transfer.Options
	SubmittedAt  time.Time
	DispatchedAt time.Time
	Complete     func(result transfer.Result, err error, dispatchedAt time.Time)
}

// Dequeue pops the next Job to dispatch, or reports none available. Supplied
// by the caller (chttp.Manager) so driver never needs to know about the
// submission queue's own locking or cancellation semantics.
type Dequeue func() (Job, bool)

// Driver owns one transfer.Engine and bridges it to one eventloop.Loop. It
// is constructed per worker, one event loop per worker OS thread.
type Driver struct {
	loop    *eventloop.Loop
	engine  transfer.Engine
	dequeue Dequeue
	logger  Logger

	mu        sync.Mutex
	freeList  []transfer.Handle
	inFlight  map[transfer.Handle]*inFlightJob
	timerTok  eventloop.CancelToken
	haveTimer bool

	sweep *eventloop.PeriodicCallback
}

type inFlightJob struct {
	job Job
	fd  int
}

// New constructs a Driver. The engine's fixed handle pool (engine.MaxHandles())
// becomes the driver's free-list; SetCallbacks is called immediately to wire
// the socket/timer bridge.
func New(loop *eventloop.Loop, engine transfer.Engine, dequeue Dequeue, opts ...Option) (*Driver, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	max := engine.MaxHandles()
	d := &Driver{
		loop:     loop,
		engine:   engine,
		dequeue:  dequeue,
		logger:   cfg.logger,
		freeList: make([]transfer.Handle, max),
		inFlight: make(map[transfer.Handle]*inFlightJob, max),
	}
	for i := 0; i < max; i++ {
		d.freeList[i] = transfer.Handle(i)
	}

	engine.SetCallbacks(d.onSocket, d.onTimer)
	d.sweep = eventloop.NewPeriodicCallback(loop, cfg.sweepInterval, 0, d.safetyNetSweep)
	return d, nil
}

// Start arms the periodic safety-net sweep and performs an initial dispatch
// pass, so a worker with queued work at startup doesn't wait for the first
// sweep to pick it up.
func (d *Driver) Start() error {
	if err := d.sweep.Start(); err != nil {
		return err
	}
	d.dispatch()
	return nil
}

// Close stops the safety-net sweep, fulfils every still-in-flight Job with
// ErrShutdown, and closes the underlying engine, releasing those
// transfers' resources. Must only be called once the
// owning Loop has stopped running (Manager.Stop calls it after its worker
// goroutine has returned), so no concurrent dispatch/drainCompletions call
// can race the in-flight snapshot taken here.
func (d *Driver) Close() error {
	d.sweep.Stop()

	d.mu.Lock()
	if d.haveTimer {
		d.loop.CancelTimer(d.timerTok)
		d.haveTimer = false
	}
	pending := make([]Job, 0, len(d.inFlight))
	for h, j := range d.inFlight {
		pending = append(pending, j.job)
		delete(d.inFlight, h)
	}
	d.mu.Unlock()

	for _, job := range pending {
		job.Complete(transfer.Result{}, ErrShutdown, job.DispatchedAt)
	}

	return d.engine.Close()
}

// Wake notifies the driver that new work may be available (called by the
// worker after the Manager enqueues an item and broadcasts to every
// worker's waker).
func (d *Driver) Wake() {
	d.dispatch()
}

// InFlightCount reports the number of handles currently claimed, for
// diagnostics and the free-list+in-flight=max_clients invariant tests.
func (d *Driver) InFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// dispatch pops jobs from the queue while a free handle is available,
// starting a transfer for each. Grounded on curl_async_http_client.py's
// _process_queue: pop from queue while free-list and queue both non-empty,
// claim a handle, materialize request options, AddHandle; on setup error
// return the handle to the free-list and fulfil with the error instead.
func (d *Driver) dispatch() {
	for {
		d.mu.Lock()
		if len(d.freeList) == 0 {
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		job, ok := d.dequeue()
		if !ok {
			return
		}
		job.DispatchedAt = time.Now()

		d.mu.Lock()
		if len(d.freeList) == 0 {
			d.mu.Unlock()
			// No free handle after all (a concurrent caller raced us); the
			// job is lost from this pass. The caller is expected to supply
			// a Dequeue that itself re-queues on this kind of rejection, or
			// to guarantee single-goroutine dispatch (Manager does the
			// latter: dispatch only ever runs on the worker's own loop
			// goroutine).
			return
		}
		h := d.freeList[len(d.freeList)-1]
		d.freeList = d.freeList[:len(d.freeList)-1]
		d.inFlight[h] = &inFlightJob{job: job}
		d.mu.Unlock()

		// dispatch runs either from Start (before the loop's first Run, so
		// still StateInitialization) or from a callback invoked on the
		// loop's own goroutine while it is StateStarted; either is a safe
		// window to touch the engine.
		release, started := d.loop.Expect(eventloop.StateInitialization, eventloop.StateStarted)
		if !started {
			release()
			d.returnHandle(h)
			job.Complete(transfer.Result{}, ErrShutdown, job.DispatchedAt)
			continue
		}
		err := d.engine.AddHandle(h, job.Options)
		release()
		if err != nil {
			d.returnHandle(h)
			job.Complete(transfer.Result{}, fmt.Errorf("driver: setup error: %w", err), job.DispatchedAt)
			continue
		}
	}
}

// returnHandle puts h back on the free-list, guarding against a double
// return (which would otherwise let two in-flight jobs share one engine
// slot) via a slices.Contains check — the free-list compaction helper
// golang.org/x/exp/slices contributes to this package.
func (d *Driver) returnHandle(h transfer.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, h)
	if slices.Contains(d.freeList, h) {
		d.logger.Warn("driver: handle already on free-list, ignoring double return", Fields{HandleID: fmt.Sprint(h)})
		return
	}
	d.freeList = append(d.freeList, h)
}

// onSocket is the transfer.SocketCallback: always unregister fd first (an
// fd number can be reused by the OS for an unrelated slot between
// activations, so every activation removes before it re-adds), then
// re-register per the requested interest.
func (d *Driver) onSocket(h transfer.Handle, event transfer.SocketEvent, fd int) {
	d.loop.UnregisterFD(fd) // idempotent; ErrFDNotRegistered is expected and ignored

	d.mu.Lock()
	if job, ok := d.inFlight[h]; ok {
		job.fd = fd
	}
	d.mu.Unlock()

	var interest eventloop.Interest
	switch event {
	case transfer.SocketRemove, transfer.SocketNone:
		return
	case transfer.SocketIn:
		interest = eventloop.InterestRead
	case transfer.SocketOut:
		interest = eventloop.InterestWrite
	case transfer.SocketInOut:
		interest = eventloop.InterestRead | eventloop.InterestWrite
	default:
		return
	}

	if err := d.loop.RegisterFD(fd, interest, func(ready eventloop.ReadyEvents) {
		d.onFDReady(fd, ready)
	}); err != nil {
		d.logger.Error("driver: failed to register fd", err, Fields{HandleID: fmt.Sprint(h), FD: fd})
	}
}

func (d *Driver) onFDReady(fd int, ready eventloop.ReadyEvents) {
	if err := d.engine.Action(fd, ready); err != nil {
		d.logger.Error("driver: engine.Action failed", err, Fields{FD: fd})
	}
	d.drainCompletions()
	d.dispatch()
}

// onTimer is the transfer.TimerCallback: re-arm the single outstanding
// timeout (cancelling any previous one first), or cancel it outright when
// active is false. Never more than one pending timer per driver regardless
// of how many transfers are in flight.
func (d *Driver) onTimer(timeout time.Duration, active bool) {
	d.mu.Lock()
	if d.haveTimer {
		d.loop.CancelTimer(d.timerTok)
		d.haveTimer = false
	}
	if active {
		tok, err := d.loop.ScheduleAfter(timeout, d.onTimerFire)
		if err == nil {
			d.timerTok = tok
			d.haveTimer = true
		}
	}
	d.mu.Unlock()
}

func (d *Driver) onTimerFire() {
	d.mu.Lock()
	d.haveTimer = false
	d.mu.Unlock()

	if err := d.engine.ActionTimeout(); err != nil {
		d.logger.Error("driver: engine.ActionTimeout failed", err, Fields{})
	}
	d.drainCompletions()
	d.dispatch()
}

// safetyNetSweep is the periodic fallback: re-check every in-flight handle
// regardless of reported readiness, recovering from a dropped fd or timer
// callback.
func (d *Driver) safetyNetSweep() {
	if err := d.engine.SocketAll(); err != nil {
		d.logger.Error("driver: engine.SocketAll failed", err, Fields{})
	}
	d.drainCompletions()
	d.dispatch()
}

// drainCompletions pulls every completion the engine has accumulated,
// removes the handle from the engine (skipping RemoveHandle would leave the
// engine's slot marked active forever, so a reused handle's next AddHandle
// would fail), returns it to the free-list, and fulfils the corresponding
// Job.
func (d *Driver) drainCompletions() {
	for _, c := range d.engine.InfoRead() {
		d.mu.Lock()
		job, ok := d.inFlight[c.Handle]
		d.mu.Unlock()
		if !ok {
			d.logger.Warn("driver: completion for unknown handle, dropping", Fields{HandleID: fmt.Sprint(c.Handle)})
			continue
		}
		d.engine.RemoveHandle(c.Handle)
		d.returnHandle(c.Handle)
		job.job.Complete(c.Result, c.Result.Err, job.job.DispatchedAt)
	}
}
