package batcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/crawd/coordinator/chatmsg"
	"github.com/hrygo/crawd/coordinator/clock"
	"github.com/hrygo/crawd/coordinator/config"
)

func newMsg(platform chatmsg.Platform, user, body string, at time.Time) chatmsg.Message {
	return chatmsg.New(platform, user, body, at, chatmsg.Metadata{})
}

func TestIngest_FirstMessageDispatchesImmediatelyAndOpensWindow(t *testing.T) {
	fc := clock.NewFake(time.Now())
	cfg := config.Default()
	cfg.BatchWindowMs = 20_000
	b := New(fc, nil, cfg)

	var batches []Batch
	b.OnBatch(func(bt Batch) { batches = append(batches, bt) })

	b.Ingest(newMsg(chatmsg.Pumpfun, "alice", "hi", fc.Now()))
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Messages, 1)
	assert.Equal(t, 1, fc.PendingTimers())
}

func TestIngest_MessagesDuringOpenWindowAreBuffered(t *testing.T) {
	fc := clock.NewFake(time.Now())
	cfg := config.Default()
	cfg.BatchWindowMs = 20_000
	b := New(fc, nil, cfg)

	var batches []Batch
	b.OnBatch(func(bt Batch) { batches = append(batches, bt) })

	b.Ingest(newMsg(chatmsg.Pumpfun, "alice", "first", fc.Now()))
	b.Ingest(newMsg(chatmsg.Pumpfun, "bob", "second", fc.Now()))
	b.Ingest(newMsg(chatmsg.Pumpfun, "carl", "third", fc.Now()))

	require.Len(t, batches, 1, "only the leading message dispatches immediately")

	fc.Advance(20 * time.Second)
	require.Len(t, batches, 2, "the trailing buffer flushes on window expiry")
	assert.Len(t, batches[1].Messages, 2)
}

func TestOnWindowExpiry_EmptyBufferClosesWindowOutright(t *testing.T) {
	fc := clock.NewFake(time.Now())
	cfg := config.Default()
	cfg.BatchWindowMs = 20_000
	b := New(fc, nil, cfg)

	var batches []Batch
	b.OnBatch(func(bt Batch) { batches = append(batches, bt) })

	b.Ingest(newMsg(chatmsg.Pumpfun, "alice", "hi", fc.Now()))
	fc.Advance(20 * time.Second)
	require.Len(t, batches, 1, "no trailing messages means the window closes rather than re-opening")
	assert.False(t, b.windowOpen)

	b.Ingest(newMsg(chatmsg.Pumpfun, "bob", "hello again", fc.Now()))
	require.Len(t, batches, 2, "next message opens a fresh window and dispatches immediately")
}

func TestIngest_DropsMessagesOlderThanStartupGrace(t *testing.T) {
	fc := clock.NewFake(time.Now())
	cfg := config.Default()
	cfg.StartupGraceMs = 30_000
	b := New(fc, nil, cfg)

	var batches []Batch
	b.OnBatch(func(bt Batch) { batches = append(batches, bt) })

	stale := newMsg(chatmsg.Pumpfun, "ghost", "old backlog", fc.Now().Add(-time.Minute))
	b.Ingest(stale)
	assert.Empty(t, batches)
}

func TestDispatch_AddsMessagesToRecentIndex(t *testing.T) {
	fc := clock.NewFake(time.Now())
	b := New(fc, nil, config.Default())
	b.OnBatch(func(Batch) {})

	m := newMsg(chatmsg.Pumpfun, "alice", "hi", fc.Now())
	b.Ingest(m)

	got, ok := b.Recent().Lookup(m.ShortID)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Username)
}

func TestRender_SingleMessageOmitsMultiMessageFooter(t *testing.T) {
	now := time.Now()
	m := newMsg(chatmsg.Pumpfun, "alice", "hello", now)
	out := render([]chatmsg.Message{m}, now)

	assert.Contains(t, out, "1 message")
	assert.Contains(t, out, "alice: hello")
	assert.NotContains(t, out, "(To reply to a specific message")
}

func TestRender_MultipleMessagesIncludeAddressingFooterAndPlatformTag(t *testing.T) {
	now := time.Now()
	m1 := newMsg(chatmsg.Pumpfun, "alice", "hi", now.Add(-5*time.Second))
	m2 := newMsg(chatmsg.Twitch, "bob", "yo", now)
	out := render([]chatmsg.Message{m1, m2}, now)

	assert.Contains(t, out, "2 messages")
	assert.Contains(t, out, "[TWITCH] bob: yo")
	assert.NotContains(t, out, "[PUMPFUN]", "pumpfun is the default platform and never gets a tag")
	assert.Contains(t, out, "(To reply to a specific message, prefix with its ID: [msgId] your reply)")
}

func TestUpdateConfig_DoesNotResizeAlreadyOpenWindow(t *testing.T) {
	fc := clock.NewFake(time.Now())
	cfg := config.Default()
	cfg.BatchWindowMs = 20_000
	b := New(fc, nil, cfg)
	var batches []Batch
	b.OnBatch(func(bt Batch) { batches = append(batches, bt) })

	b.Ingest(newMsg(chatmsg.Pumpfun, "alice", "hi", fc.Now()))

	newCfg := cfg
	newCfg.BatchWindowMs = 5_000
	b.UpdateConfig(newCfg)

	assert.Equal(t, int64(5_000), b.cfg.BatchWindowMs)

	b.Ingest(newMsg(chatmsg.Pumpfun, "bob", "still buffered", fc.Now()))
	fc.Advance(5 * time.Second)
	assert.Len(t, batches, 1, "the open window keeps its original 20s deadline")
	fc.Advance(15 * time.Second)
	assert.Len(t, batches, 2)
}
