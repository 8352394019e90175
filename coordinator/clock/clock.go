// Package clock abstracts time so the coordinator's timers can be
// driven by a controllable clock in tests and by the OS monotonic
// clock in production, per the "timers as explicit commands" design
// note.
package clock

import "time"

// Clock is the minimal surface the coordinator needs from time.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run after d and returns a Timer that can
	// cancel or reschedule it.
	AfterFunc(d time.Duration, f func()) Timer
	// NewTicker returns a Ticker that fires f on a fixed period until
	// stopped.
	NewTicker(d time.Duration, f func()) Ticker
}

// Timer is a cancellable one-shot alarm.
type Timer interface {
	// Stop prevents the timer from firing, if it hasn't already.
	Stop() bool
	// Reset reschedules the timer to fire after d.
	Reset(d time.Duration) bool
}

// Ticker is a cancellable periodic alarm.
type Ticker interface {
	Stop()
}

// Real is the production Clock, backed by the standard library.
type Real struct{}

// New returns the production clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{t: time.AfterFunc(d, f)}
}

func (Real) NewTicker(d time.Duration, f func()) Ticker {
	t := time.NewTicker(d)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.C:
				f()
			case <-stop:
				return
			}
		}
	}()
	return &realTicker{t: t, stop: stop}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) Stop() bool             { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

type realTicker struct {
	t    *time.Ticker
	stop chan struct{}
}

func (r *realTicker) Stop() {
	r.t.Stop()
	close(r.stop)
}
