package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
	seq     int
}

// NewFake returns a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{clock: f, fireAt: f.now.Add(d), fn: fn, active: true, seq: f.seq}
	f.timers = append(f.timers, t)
	return t
}

func (f *Fake) NewTicker(d time.Duration, fn func()) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{clock: f, period: d, next: f.now.Add(d), fn: fn, active: true}
	f.tickers = append(f.tickers, t)
	return t
}

// Advance moves the clock forward by d, firing any timers/tickers whose
// deadline falls within the new window, in deadline order. Handlers run
// synchronously on the calling goroutine, matching how a single-writer
// event loop would observe them.
func (f *Fake) Advance(d time.Duration) {
	end := f.Now().Add(d)
	for {
		fn, ok := f.nextDue(end)
		if !ok {
			break
		}
		fn()
	}
	f.mu.Lock()
	if f.now.Before(end) {
		f.now = end
	}
	f.mu.Unlock()
}

// nextDue pops the earliest pending timer/ticker callback due at or
// before end, advances the clock to its deadline, and returns it ready
// to invoke. Returns ok=false when nothing more is due.
func (f *Fake) nextDue(end time.Time) (func(), bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	type candidate struct {
		at   time.Time
		seq  int
		fire func()
	}
	var best *candidate

	for _, t := range f.timers {
		if !t.active || t.fireAt.After(end) {
			continue
		}
		c := candidate{at: t.fireAt, seq: t.seq, fire: func() {
			t.active = false
			t.fn()
		}}
		if best == nil || c.at.Before(best.at) || (c.at.Equal(best.at) && c.seq < best.seq) {
			cc := c
			best = &cc
		}
	}
	for _, t := range f.tickers {
		if !t.active || t.next.After(end) {
			continue
		}
		tt := t
		c := candidate{at: tt.next, seq: -1, fire: func() {
			tt.next = tt.next.Add(tt.period)
			tt.fn()
		}}
		if best == nil || c.at.Before(best.at) {
			cc := c
			best = &cc
		}
	}
	if best == nil {
		return nil, false
	}
	if best.at.After(f.now) {
		f.now = best.at
	}
	return best.fire, true
}

// PendingTimers returns the count of still-active one-shot timers, for
// assertions that a mode switch cancelled everything it should have.
func (f *Fake) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if t.active {
			n++
		}
	}
	return n
}

type fakeTimer struct {
	clock  *Fake
	fireAt time.Time
	fn     func()
	active bool
	seq    int
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.active = true
	t.fireAt = t.clock.now.Add(d)
	return was
}

type fakeTicker struct {
	clock  *Fake
	period time.Duration
	next   time.Time
	fn     func()
	active bool
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.active = false
}
