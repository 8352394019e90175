package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/crawd/coordinator/clock"
	"github.com/hrygo/crawd/coordinator/config"
	"github.com/hrygo/crawd/coordinator/coord"
	"github.com/hrygo/crawd/coordinator/gateway"
	"github.com/hrygo/crawd/coordinator/opsalert"
	"github.com/hrygo/crawd/coordinator/overlay"
	"github.com/hrygo/crawd/internal/profile"
	"github.com/hrygo/crawd/internal/version"
	"github.com/hrygo/crawd/plugin/chatadapters/pumpfun"
	"github.com/hrygo/crawd/plugin/chatadapters/twitch"
	"github.com/hrygo/crawd/plugin/chatadapters/twitter"
	"github.com/hrygo/crawd/plugin/chatadapters/youtube"
	"github.com/hrygo/crawd/server"
)

var (
	rootCmd = &cobra.Command{
		Use:   "crawd",
		Short: `An autonomous livestream AI agent coordinator. Multiplexes chat, paces the agent's turns, and bridges it to a conversational gateway.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isRunningAsSystemdService() {
				_ = godotenv.Load()
			}
			return nil
		},
		Run: func(_ *cobra.Command, _ []string) {
			instanceProfile := &profile.Profile{
				Mode:    viper.GetString("mode"),
				Addr:    viper.GetString("addr"),
				Port:    viper.GetInt("port"),
				Version: version.GetCurrentVersion(viper.GetString("mode")),
			}
			instanceProfile.FromEnv()
			if err := instanceProfile.Validate(); err != nil {
				panic(err)
			}

			ctx, cancel := context.WithCancel(context.Background())

			cl := clock.New()
			bus := overlay.New()
			trigger := gateway.NewPersistent(
				instanceProfile.GatewayURL, instanceProfile.GatewayOrigin,
				instanceProfile.GatewayClientID, instanceProfile.Version, instanceProfile.GatewayToken,
				cl, slog.Default(),
			)
			if err := trigger.Connect(ctx); err != nil {
				cancel()
				slog.Error("failed to connect to gateway", "error", err)
				return
			}

			alertSink := buildAlertSink(instanceProfile)

			c := coord.New(cl, slog.Default(), config.Default(), bus, trigger, alertSink)
			registerChatAdapters(c)
			if err := c.ConnectChatAdapters(ctx); err != nil {
				slog.Warn("one or more chat adapters failed to connect at startup", "error", err)
			}

			s, err := server.NewServer(ctx, instanceProfile, c)
			if err != nil {
				cancel()
				slog.Error("failed to create server", "error", err)
				return
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, terminationSignals...)

			go c.Run(ctx)

			if err := s.Start(ctx); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					slog.Error("failed to start server", "error", err)
					cancel()
				}
			}

			printGreetings(instanceProfile)

			go func() {
				<-sig
				_ = c.DisconnectChatAdapters(ctx)
				c.Stop()
				s.Shutdown(ctx)
				cancel()
			}()

			<-ctx.Done()
		},
	}
)

// buildAlertSink picks Telegram over the webhook fallback when both are
// configured, per SPEC_FULL §3.1; returns nil (alerts logged only) when
// neither is set.
func buildAlertSink(p *profile.Profile) opsalert.Sink {
	if p.HasTelegramAlerts() {
		sink, err := opsalert.NewTelegram(p.TelegramBotToken, p.TelegramChatID)
		if err != nil {
			slog.Warn("failed to initialize telegram alert sink, falling back to webhook/log", "error", err)
		} else {
			return sink
		}
	}
	if p.AlertWebhookURL != "" {
		return &opsalert.WebhookSink{URL: p.AlertWebhookURL}
	}
	return nil
}

// registerChatAdapters wires every chat source whose credentials are
// present in the environment. A platform with no configuration is
// simply skipped; the operator adds sources by setting env vars, not by
// editing code.
func registerChatAdapters(c *coord.Coordinator) {
	if url := os.Getenv("CRAWD_PUMPFUN_WS_URL"); url != "" {
		c.RegisterChatAdapter(pumpfun.New(url, os.Getenv("CRAWD_PUMPFUN_ORIGIN")))
	}
	if channel := os.Getenv("CRAWD_TWITCH_CHANNEL"); channel != "" {
		c.RegisterChatAdapter(twitch.New(channel, os.Getenv("CRAWD_TWITCH_NICK"), os.Getenv("CRAWD_TWITCH_OAUTH")))
	}
	if liveChatID := os.Getenv("CRAWD_YOUTUBE_LIVE_CHAT_ID"); liveChatID != "" {
		c.RegisterChatAdapter(youtube.New(liveChatID, os.Getenv("CRAWD_YOUTUBE_API_KEY")))
	}
	if conv := os.Getenv("CRAWD_TWITTER_CONVERSATION_ID"); conv != "" {
		c.RegisterChatAdapter(twitter.New(conv, os.Getenv("CRAWD_TWITTER_BEARER_TOKEN")))
	}
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 28082)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28082, "port of server")

	if err := viper.BindPFlag("mode", rootCmd.PersistentFlags().Lookup("mode")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port")); err != nil {
		panic(err)
	}

	viper.SetEnvPrefix("crawd")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("crawd %s started successfully!\n", p.Version)
	if p.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
	}
	fmt.Printf("Mode: %s\n", p.Mode)
	if p.Addr == "" {
		fmt.Printf("Server running on port %d\n", p.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", p.Addr, p.Port)
	}
	fmt.Println()
}

func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
