package driver

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-concurrent-http/eventloop"
	"github.com/joeycumines/go-concurrent-http/transfer"
)

// fakeEngine is a minimal transfer.Engine double: AddHandle only marks the
// slot active, and a Completion becomes available on the next InfoRead only
// once the test calls complete, so the driver's dispatch/complete
// bookkeeping can be tested without any real I/O or network.
type fakeEngine struct {
	mu          sync.Mutex
	max         int
	active      map[transfer.Handle]bool
	completions []transfer.Completion
	addErr      error
	closed      bool

	onAdd func(h transfer.Handle, opts transfer.Options)
}

func newFakeEngine(max int) *fakeEngine {
	return &fakeEngine{max: max, active: make(map[transfer.Handle]bool)}
}

func (f *fakeEngine) MaxHandles() int { return f.max }

func (f *fakeEngine) SetCallbacks(transfer.SocketCallback, transfer.TimerCallback) {}

func (f *fakeEngine) AddHandle(h transfer.Handle, opts transfer.Options) error {
	f.mu.Lock()
	if f.addErr != nil {
		err := f.addErr
		f.mu.Unlock()
		return err
	}
	if f.active[h] {
		f.mu.Unlock()
		return errors.New("fakeEngine: handle already active")
	}
	f.active[h] = true
	f.mu.Unlock()
	if f.onAdd != nil {
		f.onAdd(h, opts)
	}
	return nil
}

func (f *fakeEngine) RemoveHandle(h transfer.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, h)
}

func (f *fakeEngine) Action(fd int, ready eventloop.ReadyEvents) error { return nil }

func (f *fakeEngine) ActionTimeout() error { return nil }

func (f *fakeEngine) SocketAll() error { return nil }

func (f *fakeEngine) complete(c transfer.Completion) {
	f.mu.Lock()
	f.completions = append(f.completions, c)
	f.mu.Unlock()
}

func (f *fakeEngine) InfoRead() []transfer.Completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.completions
	f.completions = nil
	return out
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func newTestLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New() error = %v", err)
	}
	t.Cleanup(func() { l.Close(false) })
	return l
}

// queueOf builds a Dequeue that serves jobs in order then reports empty.
func queueOf(jobs ...Job) (Dequeue, *int32) {
	var i int32
	return func() (Job, bool) {
		if int(i) >= len(jobs) {
			return Job{}, false
		}
		j := jobs[int(i)]
		i++
		return j, true
	}, &i
}

func TestDriverDispatchClaimsFreeListSlot(t *testing.T) {
	t.Parallel()

	loop := newTestLoop(t)
	engine := newFakeEngine(2)

	dequeue, _ := queueOf(Job{ID: 1})
	d, err := New(loop, engine, dequeue)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	d.dispatch()

	if got := d.InFlightCount(); got != 1 {
		t.Fatalf("InFlightCount() = %d, want 1", got)
	}
}

func TestDriverDispatchSetupErrorReturnsHandleAndCompletes(t *testing.T) {
	t.Parallel()

	loop := newTestLoop(t)
	engine := newFakeEngine(1)
	engine.addErr = errors.New("boom")

	var gotErr error
	var wg sync.WaitGroup
	wg.Add(1)
	job := Job{ID: 1, Complete: func(result transfer.Result, err error, dispatchedAt time.Time) {
		gotErr = err
		wg.Done()
	}}
	dequeue, _ := queueOf(job)

	d, err := New(loop, engine, dequeue)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	d.dispatch()
	wg.Wait()

	if gotErr == nil {
		t.Fatal("Complete() err = nil, want setup error")
	}
	if got := d.InFlightCount(); got != 0 {
		t.Errorf("InFlightCount() = %d, want 0 (handle returned to free-list)", got)
	}
}

func TestDriverDispatchStopsWhenFreeListExhausted(t *testing.T) {
	t.Parallel()

	loop := newTestLoop(t)
	engine := newFakeEngine(1)

	jobs := []Job{{ID: 1}, {ID: 2}}
	dequeue, served := queueOf(jobs...)

	d, err := New(loop, engine, dequeue)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	d.dispatch()

	if got := d.InFlightCount(); got != 1 {
		t.Fatalf("InFlightCount() = %d, want 1 (only one handle available)", got)
	}
	if *served != 1 {
		t.Errorf("dequeue served %d jobs, want exactly 1 (second job left queued)", *served)
	}
}

func TestDriverDrainCompletionsReturnsHandleAndRemovesFromEngine(t *testing.T) {
	t.Parallel()

	loop := newTestLoop(t)
	engine := newFakeEngine(1)

	var gotResult transfer.Result
	var wg sync.WaitGroup
	wg.Add(1)
	job := Job{ID: 1, Complete: func(result transfer.Result, err error, dispatchedAt time.Time) {
		gotResult = result
		wg.Done()
	}}
	dequeue, _ := queueOf(job)

	d, err := New(loop, engine, dequeue)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	d.dispatch()

	// Simulate the engine completing the one in-flight handle.
	engine.complete(transfer.Completion{Handle: transfer.Handle(0), Result: transfer.Result{Code: 200}})
	d.drainCompletions()
	wg.Wait()

	if gotResult.Code != 200 {
		t.Errorf("Complete() result.Code = %d, want 200", gotResult.Code)
	}
	engine.mu.Lock()
	stillActive := engine.active[transfer.Handle(0)]
	engine.mu.Unlock()
	if stillActive {
		t.Error("engine still reports handle 0 active after completion; RemoveHandle was not called")
	}
	if got := d.InFlightCount(); got != 0 {
		t.Errorf("InFlightCount() = %d, want 0", got)
	}

	// Reset the fake engine's active-slot bookkeeping.
	engine.mu.Lock()
	engine.active = make(map[transfer.Handle]bool)
	engine.mu.Unlock()
}

func TestDriverDrainCompletionsUnknownHandleDropped(t *testing.T) {
	t.Parallel()

	loop := newTestLoop(t)
	engine := newFakeEngine(1)
	dequeue, _ := queueOf()

	d, err := New(loop, engine, dequeue)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	engine.complete(transfer.Completion{Handle: transfer.Handle(0), Result: transfer.Result{Code: 200}})
	d.drainCompletions() // must not panic despite no in-flight job for handle 0
}

func TestDriverCloseFulfillsInFlightWithErrShutdown(t *testing.T) {
	t.Parallel()

	loop := newTestLoop(t)
	engine := newFakeEngine(1)

	var gotErr error
	var wg sync.WaitGroup
	wg.Add(1)
	job := Job{ID: 1, Complete: func(result transfer.Result, err error, dispatchedAt time.Time) {
		gotErr = err
		wg.Done()
	}}
	dequeue, _ := queueOf(job)

	d, err := New(loop, engine, dequeue)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	d.dispatch()

	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	wg.Wait()

	if !errors.Is(gotErr, ErrShutdown) {
		t.Errorf("Complete() err = %v, want ErrShutdown", gotErr)
	}
	engine.mu.Lock()
	closed := engine.closed
	engine.mu.Unlock()
	if !closed {
		t.Error("engine.Close() was not called")
	}
}

func TestDriverCloseWithNoInFlightJobsIsQuiet(t *testing.T) {
	t.Parallel()

	loop := newTestLoop(t)
	engine := newFakeEngine(2)
	dequeue, _ := queueOf()

	d, err := New(loop, engine, dequeue)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
