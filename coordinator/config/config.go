// Package config holds the coordinator's single tunable value,
// CoordinatorConfig, and its partial-merge update path. Per the
// "coordinator config is not a bag of global state" design note, there
// are no package-level mutable variables here: callers own a
// *CoordinatorConfig and pass it explicitly.
package config

import "time"

// CoordinatorConfig is the live, runtime-mutable tuning surface of the
// coordinator. All duration fields are milliseconds at this layer,
// matching spec.md's convention that durations are milliseconds at the
// boundary while any on-disk/CLI schema speaks seconds.
type CoordinatorConfig struct {
	// Autonomy state machine (§4.3).
	IdleAfterMs      int64 `json:"idleAfterMs" mapstructure:"idle_after_ms"`
	SleepAfterIdleMs int64 `json:"sleepAfterIdleMs" mapstructure:"sleep_after_idle_ms"`
	SleepCheckMs     int64 `json:"sleepCheckMs" mapstructure:"sleep_check_ms"`

	// Chat batcher (§4.4).
	BatchWindowMs   int64 `json:"batchWindowMs" mapstructure:"batch_window_ms"`
	StartupGraceMs  int64 `json:"startupGraceMs" mapstructure:"startup_grace_ms"`
	RecentMessagesN int   `json:"recentMessagesCap" mapstructure:"recent_messages_cap"`

	// Autonomy engine (§4.5).
	Mode             string `json:"mode" mapstructure:"mode"` // vibe | plan | none
	VibeIntervalMs   int64  `json:"vibeIntervalMs" mapstructure:"vibe_interval_ms"`
	VibePrompt       string `json:"vibePrompt" mapstructure:"vibe_prompt"`
	PlanNudgeDelayMs int64  `json:"planNudgeDelayMs" mapstructure:"plan_nudge_delay_ms"`

	// Speech turn gate (§4.6).
	AckTimeoutMs int64 `json:"ackTimeoutMs" mapstructure:"ack_timeout_ms"`

	// Gateway transport (§6).
	GatewayCallTimeoutMs int64 `json:"gatewayCallTimeoutMs" mapstructure:"gateway_call_timeout_ms"`

	// Operator alerting (SPEC_FULL §3.1).
	MisalignAlertThreshold  int   `json:"misalignAlertThreshold" mapstructure:"misalign_alert_threshold"`
	GatewayFailureThreshold int   `json:"gatewayFailureThreshold" mapstructure:"gateway_failure_threshold"`
	GatewayFailureWindowMs  int64 `json:"gatewayFailureWindowMs" mapstructure:"gateway_failure_window_ms"`
}

// Default returns the configuration spec.md specifies as defaults.
func Default() CoordinatorConfig {
	return CoordinatorConfig{
		IdleAfterMs:      180_000,
		SleepAfterIdleMs: 180_000,
		SleepCheckMs:     10_000,

		BatchWindowMs:   20_000,
		StartupGraceMs:  30_000,
		RecentMessagesN: 200,

		Mode:             "vibe",
		VibeIntervalMs:   30_000,
		VibePrompt:       "[CRAWD:VIBE] You are on a livestream … Respond with LIVESTREAM_REPLIED after using a tool, or NO_REPLY",
		PlanNudgeDelayMs: 100,

		AckTimeoutMs: 60_000,

		GatewayCallTimeoutMs: 120_000,

		MisalignAlertThreshold:  2,
		GatewayFailureThreshold: 3,
		GatewayFailureWindowMs:  60_000,
	}
}

// Partial is a sparse update to CoordinatorConfig; nil fields are left
// untouched. Mirrors the teacher's instance-settings partial-update
// services: every field is a pointer so "not present" is distinguishable
// from "set to zero".
type Partial struct {
	IdleAfterMs      *int64
	SleepAfterIdleMs *int64
	SleepCheckMs     *int64

	BatchWindowMs   *int64
	StartupGraceMs  *int64
	RecentMessagesN *int

	Mode             *string
	VibeIntervalMs   *int64
	VibePrompt       *string
	PlanNudgeDelayMs *int64

	AckTimeoutMs *int64

	GatewayCallTimeoutMs *int64

	MisalignAlertThreshold  *int
	GatewayFailureThreshold *int
	GatewayFailureWindowMs  *int64
}

// Merge deep-merges p onto a copy of cfg and returns the result. cfg is
// never mutated in place; the caller (coord's single-writer loop) is
// responsible for swapping in the result under its own lock/ownership.
func Merge(cfg CoordinatorConfig, p Partial) CoordinatorConfig {
	out := cfg
	if p.IdleAfterMs != nil {
		out.IdleAfterMs = *p.IdleAfterMs
	}
	if p.SleepAfterIdleMs != nil {
		out.SleepAfterIdleMs = *p.SleepAfterIdleMs
	}
	if p.SleepCheckMs != nil {
		out.SleepCheckMs = *p.SleepCheckMs
	}
	if p.BatchWindowMs != nil {
		out.BatchWindowMs = *p.BatchWindowMs
	}
	if p.StartupGraceMs != nil {
		out.StartupGraceMs = *p.StartupGraceMs
	}
	if p.RecentMessagesN != nil {
		out.RecentMessagesN = *p.RecentMessagesN
	}
	if p.Mode != nil {
		out.Mode = *p.Mode
	}
	if p.VibeIntervalMs != nil {
		out.VibeIntervalMs = *p.VibeIntervalMs
	}
	if p.VibePrompt != nil {
		out.VibePrompt = *p.VibePrompt
	}
	if p.PlanNudgeDelayMs != nil {
		out.PlanNudgeDelayMs = *p.PlanNudgeDelayMs
	}
	if p.AckTimeoutMs != nil {
		out.AckTimeoutMs = *p.AckTimeoutMs
	}
	if p.GatewayCallTimeoutMs != nil {
		out.GatewayCallTimeoutMs = *p.GatewayCallTimeoutMs
	}
	if p.MisalignAlertThreshold != nil {
		out.MisalignAlertThreshold = *p.MisalignAlertThreshold
	}
	if p.GatewayFailureThreshold != nil {
		out.GatewayFailureThreshold = *p.GatewayFailureThreshold
	}
	if p.GatewayFailureWindowMs != nil {
		out.GatewayFailureWindowMs = *p.GatewayFailureWindowMs
	}
	return out
}

func (c CoordinatorConfig) IdleAfter() time.Duration      { return time.Duration(c.IdleAfterMs) * time.Millisecond }
func (c CoordinatorConfig) SleepAfterIdle() time.Duration { return time.Duration(c.SleepAfterIdleMs) * time.Millisecond }
func (c CoordinatorConfig) SleepCheck() time.Duration     { return time.Duration(c.SleepCheckMs) * time.Millisecond }
func (c CoordinatorConfig) BatchWindow() time.Duration    { return time.Duration(c.BatchWindowMs) * time.Millisecond }
func (c CoordinatorConfig) StartupGrace() time.Duration   { return time.Duration(c.StartupGraceMs) * time.Millisecond }
func (c CoordinatorConfig) VibeInterval() time.Duration   { return time.Duration(c.VibeIntervalMs) * time.Millisecond }
func (c CoordinatorConfig) PlanNudgeDelay() time.Duration { return time.Duration(c.PlanNudgeDelayMs) * time.Millisecond }
func (c CoordinatorConfig) AckTimeout() time.Duration     { return time.Duration(c.AckTimeoutMs) * time.Millisecond }
func (c CoordinatorConfig) GatewayCallTimeout() time.Duration {
	return time.Duration(c.GatewayCallTimeoutMs) * time.Millisecond
}
func (c CoordinatorConfig) GatewayFailureWindow() time.Duration {
	return time.Duration(c.GatewayFailureWindowMs) * time.Millisecond
}
