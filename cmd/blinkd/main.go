// blinkd bridges a Blink camera/alarm account to an MQTT bus for
// home-automation platforms.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trymwestin/blinkd/internal/config"
	"github.com/trymwestin/blinkd/internal/core/auth"
	"github.com/trymwestin/blinkd/internal/core/blinkapi"
	"github.com/trymwestin/blinkd/internal/core/dispatcher"
	"github.com/trymwestin/blinkd/internal/core/poller"
	"github.com/trymwestin/blinkd/internal/core/state"
	"github.com/trymwestin/blinkd/internal/httpapi"
	"github.com/trymwestin/blinkd/internal/imagestore"
	"github.com/trymwestin/blinkd/internal/mqtt"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "blinkd:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", os.Getenv("BLINK_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Log)
	log.Info("blinkd starting", "poll_interval", cfg.Poll.Interval(), "mqtt_enabled", cfg.MQTT.Enabled)

	bus := state.NewEventBus(log)
	store := state.NewSnapshotStore()
	api := blinkapi.NewRestClient("", log)
	credStore := auth.NewFileStore(cfg.Blink.CredentialsPath)
	authMgr := auth.NewManager(api, credStore, bus, cfg.Blink.Max2FARetries, log)
	images := imagestore.New(cfg.Images.Dir, log)
	poll := poller.New(api, authMgr, store, bus, cfg.Poll.Interval(), log)
	disp := dispatcher.New(api, authMgr, store, bus, poll, images, dispatcher.Config{
		SnapshotTimeout: cfg.Commands.SnapshotTimeout(),
		ConfirmAttempts: cfg.Commands.ConfirmAttempts,
		ConfirmDelay:    cfg.Commands.ConfirmDelay(),
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Try resuming a stored session first so a restart never re-prompts for
	// 2FA; fall back to configured credentials, then to the dashboard.
	if err := authMgr.Resume(ctx); err != nil {
		if errors.Is(err, auth.ErrNoSession) {
			log.Info("no stored session")
		} else {
			log.Warn("session resume failed", "error", err)
		}
		if cfg.Blink.Email != "" && cfg.Blink.Password != "" {
			if err := authMgr.Login(ctx, cfg.Blink.Email, cfg.Blink.Password); err != nil {
				log.Warn("login with configured credentials failed, use the dashboard", "error", err)
			}
		} else {
			log.Info("no credentials configured, waiting for dashboard login")
		}
	}

	var pub mqtt.Publisher
	if cfg.MQTT.Enabled {
		pub = mqtt.NewHAPublisher(mqtt.Config{
			Broker:          cfg.MQTT.BrokerURL(),
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			TopicPrefix:     cfg.MQTT.TopicPrefix,
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
			DeviceID:        cfg.MQTT.DeviceID,
		}, disp, store, bus, log)
	} else {
		pub = mqtt.NewStubPublisher(log)
	}
	if err := pub.Start(ctx); err != nil {
		return err
	}

	if err := poll.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: httpapi.NewServer(authMgr, store, disp, cfg, cfgPath, log).Handler(),
	}
	go func() {
		log.Info("dashboard listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	disp.Stop()
	if err := poll.Stop(shutdownCtx); err != nil {
		log.Warn("poller stop", "error", err)
	}
	if err := pub.Stop(shutdownCtx); err != nil {
		log.Warn("mqtt stop", "error", err)
	}
	if err := authMgr.Flush(); err != nil {
		log.Warn("credential flush", "error", err)
	}

	log.Info("blinkd stopped")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
