package coord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/crawd/coordinator/chatmsg"
	"github.com/hrygo/crawd/coordinator/clock"
	"github.com/hrygo/crawd/coordinator/config"
	"github.com/hrygo/crawd/coordinator/overlay"
	"github.com/hrygo/crawd/coordinator/state"
)

type fakeTrigger struct {
	mu      sync.Mutex
	calls   []string
	replies []string
	err     error
}

func (f *fakeTrigger) Trigger(ctx context.Context, message string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, message)
	return f.replies, f.err
}

func (f *fakeTrigger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestCoordinator(t *testing.T, trigger *fakeTrigger) (*Coordinator, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Now())
	bus := overlay.New()
	cfg := config.Default()
	cfg.Mode = "none"
	c := New(fc, nil, cfg, bus, trigger, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	return c, fc
}

func TestIngestChat_WakesAndDispatchesBatch(t *testing.T) {
	trigger := &fakeTrigger{replies: []string{"LIVESTREAM_REPLIED"}}
	c, fc := newTestCoordinator(t, trigger)

	c.IngestChat(chatmsg.New(chatmsg.Pumpfun, "alice", "hello", fc.Now(), chatmsg.Metadata{}))

	assert.Eventually(t, func() bool { return trigger.callCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, state.Active, c.Current())
}

func TestIdleTimeout_CompactsOnSleepEntry(t *testing.T) {
	trigger := &fakeTrigger{replies: []string{"LIVESTREAM_REPLIED"}}
	cfg := config.Default()
	cfg.Mode = "none"
	cfg.IdleAfterMs = 1_000
	cfg.SleepAfterIdleMs = 1_000
	cfg.SleepCheckMs = 250

	fc := clock.NewFake(time.Now())
	bus := overlay.New()
	c := New(fc, nil, cfg, bus, trigger, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	c.IngestChat(chatmsg.New(chatmsg.Pumpfun, "alice", "hello", fc.Now(), chatmsg.Metadata{}))
	assert.Eventually(t, func() bool { return trigger.callCount() == 1 }, time.Second, time.Millisecond)

	fc.Advance(1100 * time.Millisecond) // active -> idle
	fc.Advance(1100 * time.Millisecond) // idle -> sleep, compacting

	assert.Eventually(t, func() bool { return state.Sleep == c.Current() }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		trigger.mu.Lock()
		defer trigger.mu.Unlock()
		for _, m := range trigger.calls {
			if m == "/compact" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond, "idle->sleep must enqueue a /compact turn")
}

func TestVibeQuietAck_EntersSleepAndCompacts(t *testing.T) {
	trigger := &fakeTrigger{replies: []string{"NO_REPLY"}}
	cfg := config.Default()
	cfg.Mode = "vibe"
	cfg.VibeIntervalMs = 1_000

	fc := clock.NewFake(time.Now())
	bus := overlay.New()
	c := New(fc, nil, cfg, bus, trigger, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	c.state.Wake(context.Background())
	fc.Advance(1100 * time.Millisecond) // fires the vibe nudge

	assert.Eventually(t, func() bool { return trigger.callCount() == 1 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return state.Sleep == c.Current() }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		trigger.mu.Lock()
		defer trigger.mu.Unlock()
		for _, m := range trigger.calls {
			if m == "/compact" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond, "a NO_REPLY quiet ack must enqueue a /compact turn, not a bare Stop()")
}

func TestSubmitMisalignment_IncludesQuotedReply(t *testing.T) {
	trigger := &fakeTrigger{replies: []string{"LIVESTREAM_REPLIED"}}
	c, fc := newTestCoordinator(t, trigger)

	c.submitMisalignment([]string{"I refuse to follow protocol here and will keep talking forever without ever using a tool at all"})

	assert.Eventually(t, func() bool { return trigger.callCount() == 1 }, time.Second, time.Millisecond)
	trigger.mu.Lock()
	defer trigger.mu.Unlock()
	require.Len(t, trigger.calls, 1)
	assert.Contains(t, trigger.calls[0], "[CRAWD:MISALIGNED]")
	assert.Contains(t, trigger.calls[0], "- \"I refuse to follow protocol here and will keep talking forever without ever usin\"")
	_ = fc
}

func TestUpdateConfig_PropagatesToSubsystems(t *testing.T) {
	trigger := &fakeTrigger{}
	c, _ := newTestCoordinator(t, trigger)

	newMode := "plan"
	got := c.UpdateConfig(config.Partial{Mode: &newMode})
	assert.Equal(t, "plan", got.Mode)
	assert.Equal(t, "plan", c.Config().Mode)
}

func TestStatus_ReflectsQueueAndState(t *testing.T) {
	trigger := &fakeTrigger{}
	c, _ := newTestCoordinator(t, trigger)

	st := c.Status()
	assert.Equal(t, state.Sleep, st.State)
	assert.False(t, st.Busy)
}

func TestPlanSurface_SetGetAndMarkStep(t *testing.T) {
	trigger := &fakeTrigger{}
	c, _ := newTestCoordinator(t, trigger)

	p := c.SetPlan(context.Background(), "stream for an hour", []string{"intro", "giveaway", "outro"})
	require.NotNil(t, p)
	snap := c.GetPlan()
	require.NotNil(t, snap)
	assert.Equal(t, "stream for an hour", snap.Goal)

	done, err := c.MarkStepDone(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, done)
}
