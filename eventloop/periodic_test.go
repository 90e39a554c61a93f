package eventloop

import (
	"testing"
	"time"
)

func TestPeriodicCallbackUpdateNextNormalAdvance(t *testing.T) {
	t.Parallel()

	p := &PeriodicCallback{period: 10 * time.Second}
	now := time.Now()
	prior := now.Add(10 * time.Second) // scheduled ahead, not yet due
	p.next = prior

	p.updateNext(now)

	want := prior.Add(10 * time.Second)
	if !p.next.Equal(want) {
		t.Errorf("next = %v, want %v (single period advance when still ahead of now)", p.next, want)
	}
}

func TestPeriodicCallbackUpdateNextBackwardClockJump(t *testing.T) {
	t.Parallel()

	p := &PeriodicCallback{period: time.Second}
	now := time.Now()
	prior := now.Add(5 * time.Second) // clock jumped backward relative to this
	p.next = prior

	p.updateNext(now)

	want := prior.Add(time.Second)
	if !p.next.Equal(want) {
		t.Errorf("next = %v, want %v (single period advance on backward jump)", p.next, want)
	}
}

func TestPeriodicCallbackUpdateNextForwardSkipAhead(t *testing.T) {
	t.Parallel()

	p := &PeriodicCallback{period: time.Second}
	now := time.Now()
	// next was scheduled far in the past (callback ran very late, or the
	// clock jumped forward): must skip to the next aligned deadline after
	// now, not fire a burst of catch-up periods.
	p.next = now.Add(-10500 * time.Millisecond)

	p.updateNext(now)

	if !p.next.After(now) {
		t.Fatalf("next = %v, want a deadline after now (%v)", p.next, now)
	}
	if gap := p.next.Sub(now); gap > time.Second || gap < 0 {
		t.Errorf("next is %v after now, want within one period", gap)
	}
}

func TestPeriodicCallbackUpdateNextExactlyDue(t *testing.T) {
	t.Parallel()

	p := &PeriodicCallback{period: time.Second}
	now := time.Now()
	p.next = now // exactly due

	p.updateNext(now)

	want := now.Add(time.Second)
	if !p.next.Equal(want) {
		t.Errorf("next = %v, want %v", p.next, want)
	}
}

func TestPeriodicCallbackUpdateNextNonPositiveIntervalFloorsToMillisecond(t *testing.T) {
	t.Parallel()

	p := &PeriodicCallback{period: 0}
	now := time.Now()
	p.next = now

	p.updateNext(now)

	if !p.next.After(now) {
		t.Error("next did not advance despite a zero period")
	}
	if gap := p.next.Sub(now); gap != time.Millisecond {
		t.Errorf("gap = %v, want exactly 1ms floor", gap)
	}
}
