// Package autonomy implements the C5 autonomy engine (§4.5): pluggable
// policy dispatch between vibe (periodic nudge), plan (goal-driven
// nudge), and none (chat-only, no nudges).
package autonomy

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hrygo/crawd/coordinator/clock"
	"github.com/hrygo/crawd/coordinator/config"
	"github.com/hrygo/crawd/coordinator/dispatcher"
	"github.com/hrygo/crawd/coordinator/gateway"
	"github.com/hrygo/crawd/coordinator/plan"
	"github.com/hrygo/crawd/coordinator/state"
)

// Mode selects the active policy.
type Mode string

const (
	ModeVibe Mode = "vibe"
	ModePlan Mode = "plan"
	ModeNone Mode = "none"
)

// Coordinator is the narrow surface the engine drives: state
// transitions and activity bookkeeping, satisfied by
// coordinator/state.Machine.
type Coordinator interface {
	Current() state.State
	NotifyActivity()
	Wake(ctx context.Context)
	Stop()
	EnterSleep(ctx context.Context)
}

// SkipReason labels why a scheduled nudge did not run, for status/telemetry.
type SkipReason string

const (
	SkipSleeping SkipReason = "sleeping"
	SkipBusy     SkipReason = "busy"
	SkipInactive SkipReason = "plan-not-active"
)

// Engine drives the §4.5 policy dispatch. Like state.Machine, it is not
// safe for concurrent external mutation — setPlan/markStepDone/
// abandonPlan and the timer callbacks all run on the single coordinator
// task (spec.md §5).
type Engine struct {
	clock   clock.Clock
	log     *slog.Logger
	disp    *dispatcher.Dispatcher
	coord   Coordinator
	trigger gateway.TriggerAgent

	mu  sync.RWMutex
	cfg config.CoordinatorConfig

	vibeTimer clock.Timer

	activePlan *plan.Plan
	planTimer  clock.Timer

	onSkip  func(kind string, reason SkipReason)
	onNudge func(kind string)
	onAlert func(misaligned []string)
	onPlan  func(*plan.Plan)
}

// New creates an Engine in the given initial config.
func New(cl clock.Clock, log *slog.Logger, disp *dispatcher.Dispatcher, coord Coordinator, cfg config.CoordinatorConfig) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{clock: cl, log: log, disp: disp, coord: coord, cfg: cfg}
}

// SetTrigger wires the gateway call the engine's nudges invoke.
func (e *Engine) SetTrigger(t gateway.TriggerAgent) {
	e.mu.Lock()
	e.trigger = t
	e.mu.Unlock()
}

// OnSkip registers the callback invoked whenever a nudge is skipped.
func (e *Engine) OnSkip(fn func(kind string, reason SkipReason)) { e.onSkip = fn }

// OnNudge registers the callback invoked whenever a nudge is actually
// dispatched.
func (e *Engine) OnNudge(fn func(kind string)) { e.onNudge = fn }

// OnMisalignment registers the callback invoked when a vibe or plan
// turn returns non-protocol replies (§7 misalignment correction).
func (e *Engine) OnMisalignment(fn func(misaligned []string)) { e.onAlert = fn }

// OnPlanChange registers the callback invoked whenever the active plan
// is created, advanced, completed, or abandoned — used to emit
// crawd:plan overlay frames and the activity feed.
func (e *Engine) OnPlanChange(fn func(*plan.Plan)) { e.onPlan = fn }

// UpdateConfig swaps in a new config.
func (e *Engine) UpdateConfig(cfg config.CoordinatorConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Mode(e.cfg.Mode)
}

// Start arms the autonomy loop for the current mode. In vibe mode this
// schedules the first nudge timer; other modes are no-ops here. Meant
// to be wired as state.Machine.OnEnterActiveFromSleep (§4.3).
func (e *Engine) Start(ctx context.Context) {
	if e.mode() == ModeVibe {
		e.scheduleVibe(ctx)
	}
}

// Stop cancels any outstanding timers without altering plan state,
// mirroring state.Machine.Stop's "stop timers, do not compact".
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.vibeTimer != nil {
		e.vibeTimer.Stop()
		e.vibeTimer = nil
	}
	if e.planTimer != nil {
		e.planTimer.Stop()
		e.planTimer = nil
	}
}

func (e *Engine) scheduleVibe(ctx context.Context) {
	e.mu.Lock()
	if e.vibeTimer != nil {
		e.vibeTimer.Stop()
	}
	interval := e.cfg.VibeInterval()
	e.vibeTimer = e.clock.AfterFunc(interval, func() { e.fireVibe(ctx) })
	e.mu.Unlock()
}

// fireVibe implements §4.5 mode=vibe's five-step fire handler.
func (e *Engine) fireVibe(ctx context.Context) {
	if e.coord.Current() == state.Sleep {
		e.skip("vibe", SkipSleeping)
		return
	}
	if e.disp.Busy() {
		e.skip("vibe", SkipBusy)
		e.scheduleVibe(ctx)
		return
	}

	e.coord.NotifyActivity()

	prompt := e.currentVibePrompt()
	trigger := e.currentTrigger()
	e.nudge("vibe")
	e.disp.Submit(dispatcher.KindVibe, func(ctx context.Context) ([]string, error) {
		if trigger == nil {
			return nil, nil
		}
		return trigger.Trigger(ctx, prompt)
	})
	// HandleVibeResult (wired by the owning coord via dispatcher.OnResult
	// for KindVibe jobs) implements step 5's branch on the reply.
}

func (e *Engine) currentVibePrompt() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.VibePrompt
}

func (e *Engine) currentTrigger() gateway.TriggerAgent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.trigger
}

// HandleVibeResult implements §4.5 mode=vibe step 5: branch on the
// classified replies from a completed vibe turn, then either stop, flag
// misalignment, or reschedule. Callers wire this from
// dispatcher.OnResult for jobs of KindVibe.
func (e *Engine) HandleVibeResult(ctx context.Context, replies []string, err error) {
	if err != nil {
		e.scheduleVibe(ctx)
		return
	}
	c := gateway.ClassifyAll(replies)
	if c.SawQuietAck {
		// A quiet ack is an autonomy-driven sleep entry (§4.5 step 5),
		// not an explicit stop(): it must still compact, so route
		// through EnterSleep rather than Stop.
		e.coord.EnterSleep(ctx)
		return
	}
	if len(c.Misaligned) > 0 && e.onAlert != nil {
		e.onAlert(c.Misaligned)
	}
	e.scheduleVibe(ctx)
}

// ErrNoActivePlan is returned by markStepDone/abandonPlan when no plan
// is active.
var ErrNoActivePlan = plan.ErrNotActive{}

// SetPlan implements §4.5 mode=plan's setPlan(goal, steps): abandon any
// active plan, create the new one, wake if sleeping, schedule the
// first nudge.
func (e *Engine) SetPlan(ctx context.Context, goal string, steps []string) *plan.Plan {
	e.mu.Lock()
	if e.activePlan != nil && e.activePlan.Status == plan.Active {
		_ = e.activePlan.Abandon()
	}
	p := plan.New(goal, steps)
	e.activePlan = p
	e.mu.Unlock()

	e.coord.Wake(ctx)
	e.notifyPlan(p)
	e.schedulePlanNudge(ctx)
	return p
}

// MarkStepDone implements markStepDone(i).
func (e *Engine) MarkStepDone(ctx context.Context, i int) (bool, error) {
	e.mu.Lock()
	p := e.activePlan
	e.mu.Unlock()
	if p == nil {
		return false, ErrNoActivePlan
	}
	completed, err := p.MarkStepDone(i)
	if err != nil {
		return false, err
	}
	e.notifyPlan(p)
	if !completed {
		e.schedulePlanNudge(ctx)
	}
	return completed, nil
}

// AbandonPlan implements abandonPlan().
func (e *Engine) AbandonPlan() error {
	e.mu.Lock()
	p := e.activePlan
	defer e.mu.Unlock()
	if p == nil {
		return ErrNoActivePlan
	}
	if err := p.Abandon(); err != nil {
		return err
	}
	if e.planTimer != nil {
		e.planTimer.Stop()
		e.planTimer = nil
	}
	e.notifyPlan(p)
	return nil
}

// GetPlan implements getPlan(): a read-only snapshot, or nil if no plan
// has ever been set.
func (e *Engine) GetPlan() *plan.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.activePlan == nil {
		return nil
	}
	snap := e.activePlan.Snapshot()
	return &snap
}

func (e *Engine) notifyPlan(p *plan.Plan) {
	if e.onPlan != nil {
		e.onPlan(p)
	}
}

// schedulePlanNudge arms the one-shot [CRAWD:PLAN] nudge timer.
func (e *Engine) schedulePlanNudge(ctx context.Context) {
	e.mu.Lock()
	if e.planTimer != nil {
		e.planTimer.Stop()
	}
	delay := e.cfg.PlanNudgeDelay()
	e.planTimer = e.clock.AfterFunc(delay, func() { e.firePlanNudge(ctx) })
	e.mu.Unlock()
}

// firePlanNudge implements the plan nudge skip conditions: dispatcher
// busy, plan no longer active, or state sleep.
func (e *Engine) firePlanNudge(ctx context.Context) {
	e.mu.RLock()
	p := e.activePlan
	e.mu.RUnlock()

	if p == nil || p.Status != plan.Active {
		e.skip("plan", SkipInactive)
		return
	}
	if e.coord.Current() == state.Sleep {
		e.skip("plan", SkipSleeping)
		return
	}
	if e.disp.Busy() {
		e.skip("plan", SkipBusy)
		return
	}

	trigger := e.currentTrigger()
	payload := "[CRAWD:PLAN]\n" + p.Render()
	e.nudge("plan")
	e.disp.Submit(dispatcher.KindPlan, func(ctx context.Context) ([]string, error) {
		if trigger == nil {
			return nil, nil
		}
		return trigger.Trigger(ctx, payload)
	})
}

// HandlePlanResult classifies a completed plan-nudge turn's replies for
// misalignment reporting. Unlike vibe, plan nudges are event-driven —
// there is no reschedule here; the next nudge is armed by
// MarkStepDone/SetPlan.
func (e *Engine) HandlePlanResult(replies []string, err error) {
	if err != nil {
		return
	}
	c := gateway.ClassifyAll(replies)
	if len(c.Misaligned) > 0 && e.onAlert != nil {
		e.onAlert(c.Misaligned)
	}
}

func (e *Engine) skip(kind string, reason SkipReason) {
	e.log.Debug("autonomy: nudge skipped", "kind", kind, "reason", reason)
	if e.onSkip != nil {
		e.onSkip(kind, reason)
	}
}

func (e *Engine) nudge(kind string) {
	if e.onNudge != nil {
		e.onNudge(kind)
	}
}
