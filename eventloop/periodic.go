package eventloop

import (
	"math/rand"
	"time"
)

// PeriodicCallback is a self-rescheduling timer: it calls fn roughly every
// period, correcting for clock skew rather than simply re-arming a fixed
// delay. A forward jump (or a slow callback) skips straight to the next
// aligned multiple of period instead of firing a burst of catch-up calls;
// a backward jump advances by exactly one period.
type PeriodicCallback struct {
	loop   *Loop
	period time.Duration
	jitter float64
	fn     func()

	next  time.Time
	token CancelToken
}

// NewPeriodicCallback constructs a PeriodicCallback bound to loop. jitter is
// a fraction (e.g. 0.1 for ±5%) applied to each scheduled interval; zero
// disables jitter.
func NewPeriodicCallback(loop *Loop, period time.Duration, jitter float64, fn func()) *PeriodicCallback {
	return &PeriodicCallback{loop: loop, period: period, jitter: jitter, fn: fn}
}

// Start arms the first invocation, one period from now.
func (p *PeriodicCallback) Start() error {
	p.next = time.Now()
	return p.scheduleNext()
}

// Stop cancels any pending invocation. Safe to call even if not started.
func (p *PeriodicCallback) Stop() {
	p.loop.CancelTimer(p.token)
}

// scheduleNext recomputes p.next for clock skew (updateNext) and arms a
// timer for that absolute deadline.
func (p *PeriodicCallback) scheduleNext() error {
	p.updateNext(time.Now())
	token, err := p.loop.ScheduleAt(p.next, p.run)
	if err != nil {
		return err
	}
	p.token = token
	return nil
}

func (p *PeriodicCallback) run() {
	p.fn()
	p.scheduleNext()
}

// updateNext advances p.next by one jittered period, correcting for clock
// skew: if the callback ran late (or the clock jumped forward) past the
// scheduled time, skip ahead to the next aligned multiple of the interval
// past now rather than firing repeatedly to catch up. If the clock jumped
// backward (next is still ahead of now), advance by exactly one interval.
func (p *PeriodicCallback) updateNext(now time.Time) {
	interval := p.period
	if p.jitter != 0 {
		interval = time.Duration(float64(interval) * (1 + p.jitter*(rand.Float64()-0.5)))
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	if !p.next.After(now) {
		behind := now.Sub(p.next)
		periods := behind/interval + 1
		p.next = p.next.Add(periods * interval)
	} else {
		p.next = p.next.Add(interval)
	}
}
