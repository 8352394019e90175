// Package opsalert implements the operator-alerting supplement
// (SPEC_FULL §3.1): repeated gateway transport failures or consecutive
// agent-misalignment corrections page an operator Telegram chat, with a
// generic webhook as a fallback sink when no bot is configured. Adapted
// from the teacher's telegram chat channel — here used as an outbound
// notifier instead of an inbound chat source — and plugin/webhook's
// Post/PostAsync pattern.
package opsalert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/crawd/coordinator/clock"
	"github.com/hrygo/crawd/plugin/webhook"
)

// Sink delivers one operator-facing alert message. Implementations must
// not block the caller for long; Tracker calls Send from the
// coordinator's single-writer loop.
type Sink interface {
	Send(ctx context.Context, message string) error
}

// Telegram posts alerts to a fixed operator chat, grounded on the
// teacher's TelegramChannel.sendText (plugin/chat_apps/channels/
// telegram/telegram.go) but stripped of the inbound webhook machinery
// this sink never needs.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram creates a Telegram sink from a bot token and destination
// chat id.
func NewTelegram(botToken string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("opsalert: create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Send implements Sink.
func (t *Telegram) Send(ctx context.Context, message string) error {
	msg := tgbotapi.NewMessage(t.chatID, message)
	msg.ParseMode = "Markdown"
	_, err := t.bot.Send(msg)
	return err
}

// WebhookSink posts alerts as a generic JSON payload to an operator
// endpoint, grounded on plugin/webhook.Post.
type WebhookSink struct {
	URL string
}

// Send implements Sink.
func (w *WebhookSink) Send(ctx context.Context, message string) error {
	return webhook.Post(&webhook.WebhookRequestPayload{
		URL:          w.URL,
		ActivityType: "crawd.opsalert",
		Message:      message,
	})
}

// Tracker watches for the two burst conditions SPEC_FULL §3.1 pages on
// and forwards a formatted alert to Sink, best-effort, off the hot
// path. Not safe for concurrent external mutation beyond its own
// internal lock — driven from dispatcher.OnResult and
// autonomy.Engine.OnMisalignment callbacks, which may run from
// different goroutines than Record* is normally called from, hence the
// mutex (unlike most coordinator state, which relies on the
// single-writer discipline alone).
type Tracker struct {
	clock clock.Clock
	log   *slog.Logger
	sink  Sink

	mu sync.Mutex

	failureThreshold int
	failureWindow    time.Duration
	failureTimes     []time.Time

	misalignThreshold int
	misalignStreak    int
}

// New creates a Tracker. sink may be nil, in which case alerts are
// logged but never sent (no operator channel configured).
func New(cl clock.Clock, log *slog.Logger, sink Sink, failureThreshold int, failureWindow time.Duration, misalignThreshold int) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		clock: cl, log: log, sink: sink,
		failureThreshold: failureThreshold, failureWindow: failureWindow,
		misalignThreshold: misalignThreshold,
	}
}

// UpdateThresholds swaps in live-reconfigured threshold values.
func (t *Tracker) UpdateThresholds(failureThreshold int, failureWindow time.Duration, misalignThreshold int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failureThreshold = failureThreshold
	t.failureWindow = failureWindow
	t.misalignThreshold = misalignThreshold
}

// RecordGatewayFailure logs one gatewayTransportFailure (§7) and fires
// an alert once failureThreshold failures land within failureWindow.
func (t *Tracker) RecordGatewayFailure(ctx context.Context) {
	t.mu.Lock()
	now := t.clock.Now()
	cutoff := now.Add(-t.failureWindow)
	kept := t.failureTimes[:0]
	for _, at := range t.failureTimes {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	t.failureTimes = kept
	fire := len(t.failureTimes) >= t.failureThreshold
	count := len(t.failureTimes)
	if fire {
		t.failureTimes = nil
	}
	t.mu.Unlock()

	if fire {
		t.alert(ctx, fmt.Sprintf("crawd: %d gateway transport failures in the last %s", count, t.failureWindow))
	}
}

// RecordMisalignment logs one [CRAWD:MISALIGNED] correction and fires
// an alert once misalignThreshold consecutive corrections land without
// an intervening clean turn.
func (t *Tracker) RecordMisalignment(ctx context.Context, replies []string) {
	t.mu.Lock()
	t.misalignStreak++
	fire := t.misalignStreak >= t.misalignThreshold
	streak := t.misalignStreak
	if fire {
		t.misalignStreak = 0
	}
	t.mu.Unlock()

	if fire {
		t.alert(ctx, fmt.Sprintf("crawd: %d consecutive agent-misaligned replies, latest: %q", streak, firstOrEmpty(replies)))
	}
}

// ClearMisalignment resets the consecutive-misalignment streak after a
// clean (non-misaligned) turn.
func (t *Tracker) ClearMisalignment() {
	t.mu.Lock()
	t.misalignStreak = 0
	t.mu.Unlock()
}

func (t *Tracker) alert(ctx context.Context, message string) {
	t.log.Warn("opsalert: firing alert", "message", message)
	if t.sink == nil {
		return
	}
	if err := t.sink.Send(ctx, message); err != nil {
		t.log.Warn("opsalert: failed to deliver alert", "err", err)
	}
}

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
