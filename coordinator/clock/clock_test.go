package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AdvanceFiresTimersInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := NewFake(start)

	var order []string
	fc.AfterFunc(10*time.Second, func() { order = append(order, "second") })
	fc.AfterFunc(5*time.Second, func() { order = append(order, "first") })

	fc.Advance(15 * time.Second)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, start.Add(15*time.Second), fc.Now())
}

func TestFake_TimerStopPreventsFiring(t *testing.T) {
	fc := NewFake(time.Now())
	fired := false
	timer := fc.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	fc.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Equal(t, 0, fc.PendingTimers())
}

func TestFake_TimerResetReschedules(t *testing.T) {
	fc := NewFake(time.Now())
	fireCount := 0
	timer := fc.AfterFunc(time.Second, func() { fireCount++ })

	timer.Reset(5 * time.Second)
	fc.Advance(2 * time.Second)
	assert.Equal(t, 0, fireCount)

	fc.Advance(5 * time.Second)
	assert.Equal(t, 1, fireCount)
}

func TestFake_TickerFiresRepeatedlyUntilStopped(t *testing.T) {
	fc := NewFake(time.Now())
	ticks := 0
	ticker := fc.NewTicker(time.Second, func() { ticks++ })

	fc.Advance(3500 * time.Millisecond)
	assert.Equal(t, 3, ticks)

	ticker.Stop()
	fc.Advance(5 * time.Second)
	assert.Equal(t, 3, ticks)
}

func TestFake_PendingTimersCountsOnlyActive(t *testing.T) {
	fc := NewFake(time.Now())
	fc.AfterFunc(time.Second, func() {})
	t2 := fc.AfterFunc(2*time.Second, func() {})

	assert.Equal(t, 2, fc.PendingTimers())
	t2.Stop()
	assert.Equal(t, 1, fc.PendingTimers())
}
