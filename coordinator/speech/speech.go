// Package speech implements the speech turn gate (§4.6): every agent
// utterance becomes an overlay event whose caller suspends until the
// overlay acknowledges playback finished or a hard timeout fires.
package speech

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/crawd/coordinator/clock"
	"github.com/hrygo/crawd/coordinator/clog"
	"github.com/hrygo/crawd/coordinator/overlay"
	"github.com/hrygo/crawd/coordinator/state"
)

// ChatContext is the optional {username, message} pair a reply()
// addresses.
type ChatContext struct {
	Username string
	Message  string
}

// Activity is the narrow coordinator surface the gate needs: wake if
// asleep, otherwise refresh activity (§4.6 step 2's notifySpeech).
type Activity interface {
	Wake(ctx context.Context)
	NotifyActivity()
	Current() state.State
}

// pendingAck is one outstanding utterance awaiting an overlay ack,
// mirroring the §3 PendingAck record.
type pendingAck struct {
	done  chan struct{}
	once  sync.Once
	timer clock.Timer
}

func (p *pendingAck) resolve() {
	p.once.Do(func() { close(p.done) })
}

// Gate owns the pending-ack map (§3) and the two tool entry points
// (§4.6). Writes to the map happen only from Talk/Reply and the ack
// handler, satisfying the single-writer MPSC discipline spec.md §5
// calls for.
type Gate struct {
	clock   clock.Clock
	log     *slog.Logger
	overlay *overlay.Bus
	act     Activity

	ackTimeout func() int64

	mu      sync.Mutex
	pending map[string]*pendingAck
}

// New creates a Gate. ackTimeout is read lazily on every call so a live
// config update (CoordinatorConfig.AckTimeoutMs) takes effect
// immediately.
func New(cl clock.Clock, log *slog.Logger, bus *overlay.Bus, act Activity, ackTimeoutMs func() int64) *Gate {
	if log == nil {
		log = slog.Default()
	}
	g := &Gate{clock: cl, log: log, overlay: bus, act: act, pending: make(map[string]*pendingAck)}
	g.ackTimeout = ackTimeoutMs
	bus.OnAck(func(ack overlay.AckFrame) { g.Resolve(ack.ID) })
	return g
}

// Result is what a talk/reply tool call returns to the agent.
type Result struct {
	Spoken bool `json:"spoken"`
}

// Talk implements the `talk(text)` tool (§4.6).
func (g *Gate) Talk(ctx context.Context, text string) Result {
	if !validText(text) {
		return Result{Spoken: false}
	}
	ctx, id := g.begin(ctx)
	g.overlay.Emit(overlay.ChanTalk, map[string]any{"id": id, "message": text})
	g.await(ctx, id)
	return Result{Spoken: true}
}

// Reply implements the `reply(text, {username, message})` tool (§4.6).
func (g *Gate) Reply(ctx context.Context, text string, chat ChatContext) Result {
	if !validText(text) {
		return Result{Spoken: false}
	}
	ctx, id := g.begin(ctx)
	g.overlay.Emit(overlay.ChanReplyTurn, map[string]any{
		"id": id,
		"chat": map[string]string{
			"username": chat.Username,
			"message":  chat.Message,
		},
		"botMessage": text,
	})
	g.await(ctx, id)
	return Result{Spoken: true}
}

func validText(text string) bool {
	return text != ""
}

// begin runs step 2–4 of §4.6: notify activity, allocate an id, and
// register the pending ack before the event is emitted so a
// pathologically fast ack can never race registration. It also attaches
// a turn-scoped logger (coordinator/clog) to ctx so every downstream log
// line about this utterance — including the ack-timeout warning below —
// carries the same turn id.
func (g *Gate) begin(ctx context.Context) (context.Context, string) {
	if g.act.Current() == state.Sleep {
		g.act.Wake(ctx)
	} else {
		g.act.NotifyActivity()
	}

	id := uuid.NewString()
	p := &pendingAck{done: make(chan struct{})}
	g.mu.Lock()
	g.pending[id] = p
	g.mu.Unlock()

	ctx = clog.ToContext(ctx, clog.FromContext(ctx).WithTurn(id))
	return ctx, id
}

// await blocks until id's ack arrives or the hard timeout fires,
// resolving fail-open on timeout (§4.6 step 5, §7 ackTimeout).
func (g *Gate) await(ctx context.Context, id string) {
	g.mu.Lock()
	p, ok := g.pending[id]
	g.mu.Unlock()
	if !ok {
		return
	}

	turnLog := clog.FromContext(ctx)
	timeout := time.Duration(g.ackTimeout()) * time.Millisecond
	p.timer = g.clock.AfterFunc(timeout, func() {
		turnLog.Warn("speech: ack timed out")
		g.log.Warn("speech: ack timed out", "id", id)
		g.Resolve(id)
	})

	<-p.done
}

// Resolve signals id's pending ack exactly once, whether triggered by a
// genuine overlay ack or the hard timeout (§3 PendingAck invariant).
func (g *Gate) Resolve(id string) {
	g.mu.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.resolve()
}

// Pending reports whether id still has an outstanding ack, for tests.
func (g *Gate) Pending(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[id]
	return ok
}
