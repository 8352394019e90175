// Package chatbus implements the C1 chat source multiplexer (§4.1):
// holds one Adapter per platform, normalizes and fans every inbound
// message into a single callback, and reconnects a dropped adapter with
// exponential backoff. Grounded on the teacher's ChannelRouter/
// ChatChannel registry pattern (plugin/chat_apps/channels), adapted from
// a webhook-receiving shape into a long-lived connect/disconnect shape.
package chatbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hrygo/crawd/coordinator/chatmsg"
	"github.com/hrygo/crawd/coordinator/clock"
)

// reconnect backoff parameters (§4.1): start at 5s, double, cap at 60s,
// give up after 5 attempts.
const (
	backoffStart = 5 * time.Second
	backoffCap   = 60 * time.Second
	maxAttempts  = 5
)

// disconnectDebounce limits how often a single adapter's repeated
// disconnect signal is allowed to arm a fresh reconnect sequence,
// protecting the bus from a flapping adapter that fires onDisconnect
// faster than backoff can reasonably track.
const disconnectDebounce = 1 * time.Second

// Adapter is one chat source's connection lifecycle. Implementations
// live under plugin/chatadapters/<platform>. Connect must block until
// the adapter is ready to deliver messages or returns an error; once
// connected the adapter drives onMessage/onDisconnect itself from its
// own goroutine(s) until Disconnect is called.
type Adapter interface {
	Platform() chatmsg.Platform
	Connect(ctx context.Context, onMessage func(chatmsg.Message), onDisconnect func(error)) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
}

// retryState tracks one adapter's outstanding reconnect backoff and its
// disconnect-signal debounce limiter.
type retryState struct {
	attempts int
	timer    clock.Timer
	limiter  *rate.Limiter
}

// Bus holds the adapter registry and fans every adapter's messages into
// a single normalized callback, matching the teacher's ChannelRouter
// registry+mutex shape (plugin/chat_apps/channels/base.go) generalized
// from a request/response webhook router into a push-connection
// multiplexer.
type Bus struct {
	clock clock.Clock
	log   *slog.Logger

	onMessage func(chatmsg.Message)

	mu       sync.Mutex
	adapters map[chatmsg.Platform]Adapter
	retries  map[chatmsg.Platform]*retryState
}

// New creates a Bus. onMessage is invoked for every message from every
// connected adapter; it must not block.
func New(cl clock.Clock, log *slog.Logger, onMessage func(chatmsg.Message)) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		clock:     cl,
		log:       log,
		onMessage: onMessage,
		adapters:  make(map[chatmsg.Platform]Adapter),
		retries:   make(map[chatmsg.Platform]*retryState),
	}
}

// RegisterAdapter adds an adapter to the registry. Must be called before
// ConnectAll; registering after ConnectAll does not retroactively
// connect it.
func (b *Bus) RegisterAdapter(a Adapter) {
	b.mu.Lock()
	b.adapters[a.Platform()] = a
	b.mu.Unlock()
}

// ConnectAll connects every registered adapter concurrently. A single
// adapter's connect failure does not prevent the others from connecting;
// it is reported through the returned error (the first one, if several
// adapters fail) and also schedules a
// reconnect like any other disconnect.
func (b *Bus) ConnectAll(ctx context.Context) error {
	b.mu.Lock()
	adapters := make([]Adapter, 0, len(b.adapters))
	for _, a := range b.adapters {
		adapters = append(adapters, a)
	}
	b.mu.Unlock()

	var g errgroup.Group
	for _, a := range adapters {
		a := a
		g.Go(func() error {
			return b.connect(ctx, a)
		})
	}
	return g.Wait()
}

func (b *Bus) connect(ctx context.Context, a Adapter) error {
	platform := a.Platform()
	err := a.Connect(ctx, b.onMessage, func(cause error) { b.handleDisconnect(platform, a, cause) })
	if err != nil {
		b.log.Warn("chatbus: adapter connect failed", "platform", platform, "err", err)
		b.scheduleReconnect(ctx, a)
		return err
	}
	b.clearRetry(platform)
	return nil
}

// handleDisconnect implements §4.1's "on disconnected, schedule
// reconnect with exponential backoff" rule. A connected event (a
// successful reconnect) clears the retry state for that key. A
// flapping adapter that signals disconnect faster than
// disconnectDebounce allows is ignored — one backoff sequence per
// genuine outage, not one per flap.
func (b *Bus) handleDisconnect(platform chatmsg.Platform, a Adapter, cause error) {
	b.mu.Lock()
	rs, ok := b.retries[platform]
	if !ok {
		rs = &retryState{limiter: rate.NewLimiter(rate.Every(disconnectDebounce), 1)}
		b.retries[platform] = rs
	}
	allowed := rs.limiter.Allow()
	b.mu.Unlock()
	if !allowed {
		b.log.Debug("chatbus: debounced flapping disconnect signal", "platform", platform)
		return
	}

	b.log.Warn("chatbus: adapter disconnected", "platform", platform, "err", cause)
	b.scheduleReconnect(context.Background(), a)
}

func (b *Bus) scheduleReconnect(ctx context.Context, a Adapter) {
	platform := a.Platform()

	b.mu.Lock()
	rs, ok := b.retries[platform]
	if !ok {
		rs = &retryState{limiter: rate.NewLimiter(rate.Every(disconnectDebounce), 1)}
		b.retries[platform] = rs
	}
	if rs.attempts >= maxAttempts {
		b.mu.Unlock()
		b.log.Warn("chatbus: giving up reconnecting adapter", "platform", platform, "attempts", rs.attempts)
		return
	}
	delay := backoffFor(rs.attempts)
	rs.attempts++
	if rs.timer != nil {
		rs.timer.Stop()
	}
	rs.timer = b.clock.AfterFunc(delay, func() {
		if err := b.connect(ctx, a); err != nil {
			b.log.Debug("chatbus: reconnect attempt failed", "platform", platform, "err", err)
		}
	})
	attempt := rs.attempts
	b.mu.Unlock()

	b.log.Info("chatbus: scheduled reconnect", "platform", platform, "attempt", attempt, "delay", delay)
}

func (b *Bus) clearRetry(platform chatmsg.Platform) {
	b.mu.Lock()
	if rs, ok := b.retries[platform]; ok {
		if rs.timer != nil {
			rs.timer.Stop()
		}
		delete(b.retries, platform)
	}
	b.mu.Unlock()
}

// backoffFor returns the delay before the (attempts+1)th connect try:
// 5s, 10s, 20s, 40s, capped at 60s.
func backoffFor(attempts int) time.Duration {
	d := backoffStart
	for i := 0; i < attempts; i++ {
		d *= 2
		if d > backoffCap {
			return backoffCap
		}
	}
	return d
}

// DisconnectAll tears down every connected adapter concurrently and
// cancels any outstanding reconnect timers.
func (b *Bus) DisconnectAll(ctx context.Context) error {
	b.mu.Lock()
	adapters := make([]Adapter, 0, len(b.adapters))
	for _, a := range b.adapters {
		adapters = append(adapters, a)
	}
	for _, rs := range b.retries {
		if rs.timer != nil {
			rs.timer.Stop()
		}
	}
	b.retries = make(map[chatmsg.Platform]*retryState)
	b.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range adapters {
		a := a
		g.Go(func() error {
			return a.Disconnect(ctx)
		})
	}
	return g.Wait()
}

// Connected reports which adapters currently report themselves
// connected, for GET /chat/status.
func (b *Bus) Connected() map[chatmsg.Platform]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[chatmsg.Platform]bool, len(b.adapters))
	for platform, a := range b.adapters {
		out[platform] = a.IsConnected()
	}
	return out
}
