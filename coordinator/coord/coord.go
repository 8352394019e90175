// Package coord wires C1 through C6 into the single-writer intent loop
// spec.md §9 calls for: state, batcher, autonomy, speech and gateway
// all communicate through this package rather than mutating each
// other's state directly.
package coord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hrygo/crawd/coordinator/activityfeed"
	"github.com/hrygo/crawd/coordinator/autonomy"
	"github.com/hrygo/crawd/coordinator/batcher"
	"github.com/hrygo/crawd/coordinator/chatbus"
	"github.com/hrygo/crawd/coordinator/chatmsg"
	"github.com/hrygo/crawd/coordinator/clock"
	"github.com/hrygo/crawd/coordinator/config"
	"github.com/hrygo/crawd/coordinator/dispatcher"
	"github.com/hrygo/crawd/coordinator/gateway"
	"github.com/hrygo/crawd/coordinator/opsalert"
	"github.com/hrygo/crawd/coordinator/overlay"
	"github.com/hrygo/crawd/coordinator/plan"
	"github.com/hrygo/crawd/coordinator/speech"
	"github.com/hrygo/crawd/coordinator/state"
	"github.com/hrygo/crawd/coordinator/telemetry"
)

// misalignQuoteLimit is the §7 agentMisaligned quote cap.
const misalignQuoteLimit = 80

// dispatchCompactor implements state.Compactor by enqueuing a
// KindCompact turn through the same dispatcher queue chat batches and
// vibe nudges use, so compaction shares the single-in-flight discipline
// rather than calling the gateway directly off the state machine.
type dispatchCompactor struct {
	disp    *dispatcher.Dispatcher
	trigger gateway.TriggerAgent
}

func (d *dispatchCompactor) Compact(ctx context.Context) {
	trigger := d.trigger
	d.disp.Submit(dispatcher.KindCompact, func(ctx context.Context) ([]string, error) {
		if trigger == nil {
			return nil, nil
		}
		return trigger.Trigger(ctx, "/compact")
	})
}

// Coordinator owns every C1–C6 subsystem and is the only place any of
// them is mutated from. All public methods here are safe to call from
// any goroutine (HTTP handlers, chat adapters, the overlay accept
// loop) — each one either enqueues work or reads a snapshot, matching
// the "external callers enqueue intents rather than mutate directly"
// rule in spec.md §5.
type Coordinator struct {
	log   *slog.Logger
	clock clock.Clock

	cfg config.CoordinatorConfig

	state   *state.Machine
	batcher *batcher.Batcher
	auto    *autonomy.Engine
	speech  *speech.Gate
	disp    *dispatcher.Dispatcher
	overlay *overlay.Bus
	chatbus *chatbus.Bus
	alerts  *opsalert.Tracker
	feed    *activityfeed.Feed
	metrics *telemetry.Telemetry
	trigger gateway.TriggerAgent
}

// New wires every subsystem together. trigger is the live
// gateway.TriggerAgent (persistent or one-shot transport), also used as
// the sleep-entry compaction turn's transport. alertSink may be nil, in
// which case operator alerts are logged but never delivered.
func New(cl clock.Clock, log *slog.Logger, cfg config.CoordinatorConfig, bus *overlay.Bus, trigger gateway.TriggerAgent, alertSink opsalert.Sink) *Coordinator {
	if log == nil {
		log = slog.Default()
	}

	disp := dispatcher.New(log, 0)
	sm := state.New(cl, log, &dispatchCompactor{disp: disp, trigger: trigger}, cfg)
	bat := batcher.New(cl, log, cfg)
	auto := autonomy.New(cl, log, disp, sm, cfg)
	auto.SetTrigger(trigger)
	alerts := opsalert.New(cl, log, alertSink, cfg.GatewayFailureThreshold, cfg.GatewayFailureWindow(), cfg.MisalignAlertThreshold)
	feed := activityfeed.New(50, "crawd coordinator activity", "/coordinator/feed.atom", "crawd")

	c := &Coordinator{
		log: log, clock: cl, cfg: cfg,
		state: sm, batcher: bat, auto: auto, disp: disp, overlay: bus, alerts: alerts, feed: feed,
		metrics: telemetry.New(), trigger: trigger,
	}
	c.chatbus = chatbus.New(cl, log, c.IngestChat)

	c.speech = speech.New(cl, log, bus, sm, func() int64 { return c.cfg.AckTimeoutMs })

	sm.OnEnterActiveFromSleep(func() { auto.Start(context.Background()) })
	sm.OnTransition(c.emitStatus)

	bat.OnBatch(func(b batcher.Batch) {
		c.metrics.ObserveBatch(len(b.Messages), 0)
		c.feed.Record(activityfeed.Event{Kind: activityfeed.KindBatch, Title: fmt.Sprintf("%d message(s) flushed", len(b.Messages)), At: cl.Now()})
		c.submitChatBatch(b)
	})

	auto.OnMisalignment(c.submitMisalignment)
	auto.OnPlanChange(c.emitPlan)

	disp.OnResult(c.onDispatchResult)

	bus.OnMockChat(func(mc overlay.MockChatFrame) {
		c.IngestChat(chatmsg.New(chatmsg.Pumpfun, mc.Username, mc.Message, cl.Now(), chatmsg.Metadata{}))
	})

	return c
}

// Run starts the dispatcher consumer. Must be called exactly once,
// from whatever goroutine owns the coordinator's lifetime (cmd/crawd's
// main starts it in its own goroutine before serving HTTP).
func (c *Coordinator) Run(ctx context.Context) { c.disp.Run(ctx) }

// Current, NotifyActivity, Wake, EnterSleep and Stop satisfy
// autonomy.Coordinator and speech.Activity, letting both subsystems
// drive the state machine without depending on *state.Machine directly.
func (c *Coordinator) Current() state.State     { return c.state.Current() }
func (c *Coordinator) NotifyActivity()          { c.state.NotifyActivity() }
func (c *Coordinator) Wake(ctx context.Context) { c.state.Wake(ctx) }
func (c *Coordinator) Stop()                    { c.state.Stop(); c.auto.Stop() }

// EnterSleep drives an autonomy-initiated sleep transition (§4.5 mode=
// vibe step 5's quiet-ack case): unlike Stop, it goes through the
// compacting sleep-entry path rather than skipping compaction.
func (c *Coordinator) EnterSleep(ctx context.Context) {
	c.state.EnterSleep(ctx)
	c.auto.Stop()
}

// IngestChat handles one inbound chat message from any adapter (§4.4).
// Never blocks the calling adapter.
func (c *Coordinator) IngestChat(m chatmsg.Message) {
	c.state.NotifyActivity()
	if c.state.Current() == state.Sleep {
		c.state.Wake(context.Background())
	}
	c.overlay.Emit(overlay.ChanChat, m)
	c.batcher.Ingest(m)
}

func (c *Coordinator) submitChatBatch(b batcher.Batch) {
	c.disp.Submit(dispatcher.KindChat, func(ctx context.Context) ([]string, error) {
		if c.trigger == nil {
			return nil, nil
		}
		return c.trigger.Trigger(ctx, b.Prompt)
	})
}

// submitMisalignment implements §7's agentMisaligned response: enqueue
// a [CRAWD:MISALIGNED] correction quoting up to 80 chars of each bad
// reply.
func (c *Coordinator) submitMisalignment(replies []string) {
	var sb strings.Builder
	sb.WriteString("[CRAWD:MISALIGNED]\n")
	sb.WriteString("Your previous response(s) did not follow protocol. You must respond with LIVESTREAM_REPLIED after using a tool, or NO_REPLY. You said:\n")
	for _, r := range replies {
		sb.WriteString("- \"")
		sb.WriteString(quote(r, misalignQuoteLimit))
		sb.WriteString("\"\n")
	}
	payload := strings.TrimRight(sb.String(), "\n")

	c.alerts.RecordMisalignment(context.Background(), replies)
	c.feed.Record(activityfeed.Event{
		Kind: activityfeed.KindMisalignment, Title: "correction issued",
		Detail: fmt.Sprintf("%d non-protocol repl(ies)", len(replies)), At: c.clock.Now(),
	})

	c.disp.Submit(dispatcher.KindMisalign, func(ctx context.Context) ([]string, error) {
		if c.trigger == nil {
			return nil, nil
		}
		return c.trigger.Trigger(ctx, payload)
	})
}

func quote(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func (c *Coordinator) onDispatchResult(j *dispatcher.Job, r dispatcher.Result) {
	c.metrics.ObserveTurn(string(j.Kind), 0, r.Err)
	c.metrics.SetQueueDepth(c.disp.QueueDepth())
	if r.Err != nil {
		c.alerts.RecordGatewayFailure(context.Background())
	}
	switch j.Kind {
	case dispatcher.KindVibe:
		c.auto.HandleVibeResult(context.Background(), r.Replies, r.Err)
	case dispatcher.KindPlan:
		c.auto.HandlePlanResult(r.Replies, r.Err)
	case dispatcher.KindChat:
		if r.Err == nil {
			classified := gateway.ClassifyAll(r.Replies)
			if len(classified.Misaligned) > 0 {
				c.submitMisalignment(classified.Misaligned)
			} else {
				c.alerts.ClearMisalignment()
			}
		}
	}
}

func (c *Coordinator) emitStatus(t state.Transition) {
	c.metrics.ObserveTransition(string(t.From), string(t.To))
	c.feed.Record(activityfeed.Event{
		Kind: activityfeed.KindTransition, Title: fmt.Sprintf("%s -> %s", t.From, t.To), At: t.At,
	})
	c.overlay.Emit(overlay.ChanStatus, map[string]any{
		"from": t.From,
		"to":   t.To,
		"at":   t.At,
	})
}

func (c *Coordinator) emitPlan(p *plan.Plan) {
	c.feed.Record(activityfeed.Event{
		Kind: activityfeed.KindPlan, Title: fmt.Sprintf("plan %s", p.Status), Detail: p.Goal, At: c.clock.Now(),
	})
	c.overlay.Emit(overlay.ChanPlan, p.Snapshot())
}

// OverlayBus exposes the overlay bus for the websocket bridge at
// GET /coordinator/overlay.
func (c *Coordinator) OverlayBus() *overlay.Bus { return c.overlay }

// Feed exposes the activity feed for GET /coordinator/feed.atom.
func (c *Coordinator) Feed() *activityfeed.Feed { return c.feed }

// Metrics exposes the Prometheus registry for GET /metrics.
func (c *Coordinator) Metrics() *telemetry.Telemetry { return c.metrics }

// UpdateConfig deep-merges a partial update into the live config and
// propagates it to every subsystem.
func (c *Coordinator) UpdateConfig(p config.Partial) config.CoordinatorConfig {
	c.cfg = config.Merge(c.cfg, p)
	c.state.UpdateConfig(c.cfg)
	c.batcher.UpdateConfig(c.cfg)
	c.auto.UpdateConfig(c.cfg)
	c.alerts.UpdateThresholds(c.cfg.GatewayFailureThreshold, c.cfg.GatewayFailureWindow(), c.cfg.MisalignAlertThreshold)
	return c.cfg
}

// RegisterChatAdapter adds a chat source to the C1 multiplexer. Must be
// called before ConnectChatAdapters.
func (c *Coordinator) RegisterChatAdapter(a chatbus.Adapter) { c.chatbus.RegisterAdapter(a) }

// ConnectChatAdapters connects every registered chat adapter (§4.1).
func (c *Coordinator) ConnectChatAdapters(ctx context.Context) error {
	return c.chatbus.ConnectAll(ctx)
}

// DisconnectChatAdapters tears down every connected chat adapter.
func (c *Coordinator) DisconnectChatAdapters(ctx context.Context) error {
	return c.chatbus.DisconnectAll(ctx)
}

// ChatAdapterStatus reports per-platform connection state for
// GET /chat/status.
func (c *Coordinator) ChatAdapterStatus() map[chatmsg.Platform]bool { return c.chatbus.Connected() }

// Config returns the live config snapshot.
func (c *Coordinator) Config() config.CoordinatorConfig { return c.cfg }

// Talk and Reply expose the C6 tool entry points to HTTP handlers and
// agent tool invocations alike.
func (c *Coordinator) Talk(ctx context.Context, text string) speech.Result {
	return c.speech.Talk(ctx, text)
}

func (c *Coordinator) Reply(ctx context.Context, text string, chat speech.ChatContext) speech.Result {
	return c.speech.Reply(ctx, text, chat)
}

// SetPlan, MarkStepDone, AbandonPlan and GetPlan expose the §4.5
// mode=plan tool surface.
func (c *Coordinator) SetPlan(ctx context.Context, goal string, steps []string) *plan.Plan {
	return c.auto.SetPlan(ctx, goal, steps)
}

func (c *Coordinator) MarkStepDone(ctx context.Context, i int) (bool, error) {
	return c.auto.MarkStepDone(ctx, i)
}

func (c *Coordinator) AbandonPlan() error { return c.auto.AbandonPlan() }

func (c *Coordinator) GetPlan() *plan.Snapshot { return c.auto.GetPlan() }

// Status is the read model for GET /coordinator/status.
type Status struct {
	State          state.State `json:"state"`
	LastActivityAt int64       `json:"lastActivityAtMs"`
	QueueDepth     int64       `json:"queueDepth"`
	Busy           bool        `json:"busy"`
}

func (c *Coordinator) Status() Status {
	return Status{
		State:          c.state.Current(),
		LastActivityAt: c.state.LastActivityAt().UnixMilli(),
		QueueDepth:     c.disp.QueueDepth(),
		Busy:           c.disp.Busy(),
	}
}
