// Package batcher implements the chat batcher (§4.4): a leading-edge
// throttle that turns an unbounded chat stream into agent-facing
// batches, plus the bounded recentMessages short-id index.
package batcher

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/hrygo/crawd/coordinator/chatmsg"
	"github.com/hrygo/crawd/coordinator/clock"
	"github.com/hrygo/crawd/coordinator/config"
)

// Batch is a dispatched group of messages plus the rendered prompt
// body the dispatcher will send to the agent.
type Batch struct {
	Messages []chatmsg.Message
	Prompt   string
}

// Batcher owns the leading-edge throttle window and the recentMessages
// index. Not safe for concurrent mutation — driven from the
// coordinator's single-writer loop (spec.md §5); Ingest never blocks.
type Batcher struct {
	clock clock.Clock
	log   *slog.Logger
	cfg   config.CoordinatorConfig

	startedAt time.Time
	recent    *recentIndex

	buffer      []chatmsg.Message
	windowOpen  bool
	windowTimer clock.Timer

	onBatch func(Batch)
}

// New creates a Batcher. startedAt anchors the startup-grace cutoff
// (§4.4: messages older than startedAt-30s are dropped).
func New(cl clock.Clock, log *slog.Logger, cfg config.CoordinatorConfig) *Batcher {
	if log == nil {
		log = slog.Default()
	}
	return &Batcher{
		clock:     cl,
		log:       log,
		cfg:       cfg,
		startedAt: cl.Now(),
		recent:    newRecentIndex(cfg.RecentMessagesN),
	}
}

// OnBatch registers the callback invoked synchronously whenever a
// batch is ready to submit to the dispatcher.
func (b *Batcher) OnBatch(fn func(Batch)) { b.onBatch = fn }

// UpdateConfig swaps in new tuning values. It does not retroactively
// resize an already-open window; the new BatchWindowMs applies the
// next time a window opens.
func (b *Batcher) UpdateConfig(cfg config.CoordinatorConfig) { b.cfg = cfg }

// Recent exposes the short-id lookup for the "[msgId] your reply"
// addressing scheme.
func (b *Batcher) Recent() *recentIndex { return b.recent }

// Ingest handles one incoming chat message (§4.4). It never suspends:
// the buffer append is O(1) and dispatch, when it happens, is a
// synchronous callback into the dispatcher's non-blocking Submit.
func (b *Batcher) Ingest(m chatmsg.Message) {
	if b.tooOld(m) {
		b.log.Debug("batcher: dropping stale backlog message", "id", m.ID, "arrivedAt", m.ArrivedAt)
		return
	}

	if !b.windowOpen {
		b.dispatch([]chatmsg.Message{m})
		b.openWindow()
		return
	}
	b.buffer = append(b.buffer, m)
}

func (b *Batcher) tooOld(m chatmsg.Message) bool {
	cutoff := b.startedAt.Add(-b.cfg.StartupGrace())
	return m.Arrival().Before(cutoff)
}

func (b *Batcher) openWindow() {
	b.windowOpen = true
	b.windowTimer = b.clock.AfterFunc(b.cfg.BatchWindow(), b.onWindowExpiry)
}

// onWindowExpiry implements the intentional "trailing flush or close"
// asymmetry documented in spec.md §9: the window only re-opens when the
// trailing flush is non-empty. A message arriving just after an empty
// expiry waits for the next leading-edge dispatch, which can delay it
// up to 2×batchWindowMs in the worst case. This is preserved as
// specified, not a bug.
func (b *Batcher) onWindowExpiry() {
	if len(b.buffer) == 0 {
		b.windowOpen = false
		return
	}
	batch := b.buffer
	b.buffer = nil
	b.dispatch(batch)
	b.openWindow()
}

func (b *Batcher) dispatch(msgs []chatmsg.Message) {
	for _, m := range msgs {
		b.recent.Add(m)
	}
	b.onBatch(Batch{Messages: msgs, Prompt: render(msgs, b.clock.Now())})
}

// render formats the agent-facing batch body per §4.4's stable wire
// format.
func render(msgs []chatmsg.Message, now time.Time) string {
	var sb strings.Builder

	header := fmt.Sprintf("[CRAWD:CHAT - %d message", len(msgs))
	if len(msgs) != 1 {
		header += "s"
	}
	if len(msgs) > 0 {
		oldest := msgs[0].Arrival()
		for _, m := range msgs[1:] {
			if m.Arrival().Before(oldest) {
				oldest = m.Arrival()
			}
		}
		age := now.Sub(oldest)
		if age > 0 {
			header += fmt.Sprintf(", %ds", int(math.Round(age.Seconds())))
		}
	}
	header += "]"
	sb.WriteString(header)
	sb.WriteByte('\n')

	for _, m := range msgs {
		sb.WriteByte('[')
		sb.WriteString(m.ShortID)
		sb.WriteString("] ")
		if m.Platform != chatmsg.Pumpfun {
			sb.WriteByte('[')
			sb.WriteString(strings.ToUpper(string(m.Platform)))
			sb.WriteString("] ")
		}
		sb.WriteString(m.Username)
		sb.WriteString(": ")
		sb.WriteString(m.Body)
		sb.WriteByte('\n')
	}

	if len(msgs) > 1 {
		sb.WriteString("(To reply to a specific message, prefix with its ID: [msgId] your reply)\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}
