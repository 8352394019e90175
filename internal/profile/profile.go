// Package profile holds the coordinator's bootstrap configuration:
// everything that must be known before a single subsystem can be
// constructed (gateway address, operator alert sink, HTTP bind
// address). Runtime-mutable tuning lives in coordinator/config instead.
package profile

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Profile is the configuration needed to start the crawd coordinator.
type Profile struct {
	Mode string // dev | demo | prod
	Addr string
	Port int

	// Gateway transport (§6): the websocket endpoint the agent process
	// itself speaks, plus the shared token it authenticates with.
	GatewayURL      string
	GatewayOrigin   string
	GatewayToken    string
	GatewayClientID string

	// Operator alerting (SPEC_FULL §3.1). Telegram takes priority over
	// the webhook fallback when both are configured.
	TelegramBotToken string
	TelegramChatID   int64
	AlertWebhookURL  string

	// JWT guard for the operator-only config/mock endpoints (SPEC_FULL §3.4).
	JWTSecret string

	Version string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads the settings that do not have dedicated cobra flags.
func (p *Profile) FromEnv() {
	p.GatewayURL = getEnvOrDefault("CRAWD_GATEWAY_URL", "")
	p.GatewayOrigin = getEnvOrDefault("CRAWD_GATEWAY_ORIGIN", "http://localhost")
	p.GatewayToken = getEnvOrDefault("CRAWD_GATEWAY_TOKEN", "")
	p.GatewayClientID = getEnvOrDefault("CRAWD_GATEWAY_CLIENT_ID", "crawd-coordinator")

	p.TelegramBotToken = getEnvOrDefault("CRAWD_TELEGRAM_BOT_TOKEN", "")
	p.TelegramChatID = getEnvOrDefaultInt64("CRAWD_TELEGRAM_CHAT_ID", 0)
	p.AlertWebhookURL = getEnvOrDefault("CRAWD_ALERT_WEBHOOK_URL", "")

	p.JWTSecret = getEnvOrDefault("CRAWD_JWT_SECRET", "")
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// HasTelegramAlerts reports whether both bot token and chat id are set.
func (p *Profile) HasTelegramAlerts() bool {
	return p.TelegramBotToken != "" && p.TelegramChatID != 0
}

// Validate checks the bootstrap settings required to run at all. A
// missing gateway URL is fatal, as is a missing JWT secret in prod
// mode; alerting is optional.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}
	if p.GatewayURL == "" {
		return errors.New("CRAWD_GATEWAY_URL is required")
	}
	if p.Mode == "prod" && p.JWTSecret == "" {
		return errors.New("CRAWD_JWT_SECRET is required in prod mode")
	}
	return nil
}
