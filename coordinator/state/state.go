// Package state implements the autonomy state machine (§4.3): the
// sleep/idle/active lifecycle, its tick-driven transitions, and the
// invariants spec.md pins down (no sleep→idle, compaction on sleep
// entry, timers only while not asleep).
package state

import (
	"context"
	"log/slog"
	"time"

	"github.com/hrygo/crawd/coordinator/clock"
	"github.com/hrygo/crawd/coordinator/config"
)

// State is the coordinator's tagged lifecycle value.
type State string

const (
	Sleep  State = "sleep"
	Idle   State = "idle"
	Active State = "active"
)

// Compactor performs the context-compaction gateway call made on
// sleep entry (§4.3: "On entering sleep the engine must attempt a
// context-compaction call on the gateway before stopping timers").
type Compactor interface {
	Compact(ctx context.Context)
}

// Transition describes a single observed state change, for status
// feeds and the activity feed (SPEC_FULL §3.2).
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Machine owns the coordinator's sleep/idle/active lifecycle. It is not
// safe for concurrent use by multiple goroutines — callers must run it
// from the single-writer loop (coordinator/coord), per spec.md §5.
type Machine struct {
	clock     clock.Clock
	log       *slog.Logger
	compactor Compactor

	cfg config.CoordinatorConfig

	current        State
	lastActivityAt time.Time
	idleSince      time.Time

	sleepTicker    clock.Ticker
	onTransition   func(Transition)
	onEnterActive  func() // starts the autonomy nudge loop (§4.3)
}

// New creates a Machine starting in Sleep, matching a freshly booted
// coordinator (no chat has arrived yet).
func New(cl clock.Clock, log *slog.Logger, compactor Compactor, cfg config.CoordinatorConfig) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		clock:     cl,
		log:       log,
		compactor: compactor,
		cfg:       cfg,
		current:   Sleep,
	}
}

// OnTransition registers the callback invoked after every observed
// state transition (used to emit crawd:status and the activity feed).
func (m *Machine) OnTransition(fn func(Transition)) { m.onTransition = fn }

// OnEnterActiveFromSleep registers the callback that starts the
// autonomy nudge loop when sleep→active fires (§4.3).
func (m *Machine) OnEnterActiveFromSleep(fn func()) { m.onEnterActive = fn }

// Current returns the current state.
func (m *Machine) Current() State { return m.current }

// LastActivityAt returns the last time activity was recorded.
func (m *Machine) LastActivityAt() time.Time { return m.lastActivityAt }

// UpdateConfig swaps in a new config, restarting the sleep-check
// ticker with the new period whenever one is running.
func (m *Machine) UpdateConfig(cfg config.CoordinatorConfig) {
	m.cfg = cfg
	if m.sleepTicker != nil {
		m.sleepTicker.Stop()
		m.startSleepTicker()
	}
}

// Wake handles the `wake` event and first-message-after-sleep ingress:
// sleep→active, starting the sleep-check ticker and the autonomy nudge
// loop. From idle or active it just refreshes activity.
func (m *Machine) Wake(ctx context.Context) {
	if m.current == Sleep {
		m.transition(Sleep, Active)
		m.startSleepTicker()
		if m.onEnterActive != nil {
			m.onEnterActive()
		}
	}
	m.touch()
}

// NotifyActivity refreshes lastActivityAt and, if idle, returns to
// active (§4.3: "idle | speech / chat / manual wake | active"). It does
// not touch sleep — callers must go through Wake to leave sleep.
func (m *Machine) NotifyActivity() {
	if m.current == Idle {
		m.transition(Idle, Active)
	}
	m.touch()
}

func (m *Machine) touch() {
	m.lastActivityAt = m.clock.Now()
}

// Tick runs the §4.3 sleep-check evaluation. It is invoked by the
// sleep-check ticker on a fixed cadence; it is also exposed directly so
// tests can drive it without depending on ticker wiring.
func (m *Machine) Tick(ctx context.Context) {
	now := m.clock.Now()
	switch m.current {
	case Active:
		if now.Sub(m.lastActivityAt) >= m.cfg.IdleAfter() {
			m.idleSince = now
			m.transition(Active, Idle)
		}
	case Idle:
		if now.Sub(m.idleSince) >= m.cfg.SleepAfterIdle() {
			m.enterSleep(ctx)
		}
	}
}

// Stop handles the explicit stop() command: transitions to sleep,
// stops timers, but does not compact (§4.3 table: "any | stop() |
// sleep | stop timers; do not compact").
func (m *Machine) Stop() {
	if m.sleepTicker != nil {
		m.sleepTicker.Stop()
		m.sleepTicker = nil
	}
	if m.current != Sleep {
		m.transition(m.current, Sleep)
	}
}

// EnterSleep drives a sleep transition outside the idle-timeout tick
// path (e.g. autonomy's quiet-ack case in §4.5 mode=vibe step 5): same
// compacting entry as Tick's idle->sleep edge, invoked directly instead
// of waiting for the sleep-check ticker.
func (m *Machine) EnterSleep(ctx context.Context) {
	if m.current == Sleep {
		return
	}
	m.enterSleep(ctx)
}

func (m *Machine) enterSleep(ctx context.Context) {
	from := m.current
	// §4.3: attempt compaction before stopping timers.
	if m.compactor != nil {
		m.compactor.Compact(ctx)
	}
	if m.sleepTicker != nil {
		m.sleepTicker.Stop()
		m.sleepTicker = nil
	}
	m.transition(from, Sleep)
}

func (m *Machine) startSleepTicker() {
	m.sleepTicker = m.clock.NewTicker(m.cfg.SleepCheck(), func() {
		m.Tick(context.Background())
	})
}

func (m *Machine) transition(from, to State) {
	if m.current != from {
		// Stale transition request racing a concurrent change; ignore
		// rather than corrupt state (should not happen under the
		// single-writer discipline, but cheap to guard).
		return
	}
	m.current = to
	m.log.Info("coordinator state transition", "from", from, "to", to)
	if m.onTransition != nil {
		m.onTransition(Transition{From: from, To: to, At: m.clock.Now()})
	}
}
