// Command backend is the kickchat service entrypoint. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the storage backend selected by STORAGE_DSN (schema is migrated on open).
//   - Starts the session registry, resuming every persisted channel and seeding
//     KICKCHAT_CHANNELS.
//   - Exposes the HTTP control API with /healthz, /readyz and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/kickchat/backend/chat"
	"github.com/onnwee/kickchat/backend/config"
	"github.com/onnwee/kickchat/backend/kickapi"
	"github.com/onnwee/kickchat/backend/pusher"
	"github.com/onnwee/kickchat/backend/server"
	"github.com/onnwee/kickchat/backend/storage"
	"github.com/onnwee/kickchat/backend/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		slog.Error("kickchat exited with error", slog.Any("err", err))
		stop()
		os.Exit(1)
	}
}

// run wires the service and blocks until ctx is cancelled or the HTTP server
// fails. Every resource opened here is released before it returns.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Log)

	telemetry.Init()

	// optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdownTracing, err := telemetry.InitTracing("kickchat", "1.0.0")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	openCtx, cancelOpen := context.WithTimeout(ctx, 30*time.Second)
	store, err := storage.Open(openCtx, cfg.Storage.DSN)
	cancelOpen()
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to close storage", slog.Any("err", err))
		}
	}()

	api := &kickapi.Client{BaseURL: cfg.Kick.APIURL, UserAgent: cfg.Kick.UserAgent}
	transport := pusher.New(pusher.Config{
		URL:       cfg.Kick.WebsocketURL,
		UserAgent: cfg.Kick.UserAgent,
	}, api)

	s := cfg.Session
	registry := chat.NewRegistry(store, chat.RegistryOptions{
		Session: chat.Options{
			Transport:         transport,
			Backoff:           chat.Backoff{Base: s.BackoffBase, Max: s.BackoffMax, Jitter: s.BackoffJitter},
			KeepaliveInterval: s.KeepaliveInterval,
			MaxMissedPongs:    s.MaxMissedPongs,
			ConnectTimeout:    s.ConnectTimeout,
			WriteRetries:      s.WriteRetries,
			WriteRetryDelay:   s.WriteRetryDelay,
			Limiter:           rate.NewLimiter(rate.Limit(s.ConnectRate), s.ConnectBurst),
			OnTransition: func(channel string, from, to chat.State) {
				slog.Debug("session transition", slog.String("component", "session"),
					slog.String("channel", channel), slog.String("from", from.String()), slog.String("to", to.String()))
			},
		},
		Validate: transport.Validate,
	})
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	defer func() {
		cancel()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancelShutdown()
		if err := registry.Shutdown(shutdownCtx); err != nil {
			slog.Error("registry shutdown incomplete", slog.Any("err", err))
		}
	}()
	seedChannels(ctx, registry, cfg.Channels)

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	handler := server.NewMux(ctx, registry, store, server.Options{
		Auth: server.AuthConfig{
			Username: cfg.Server.AdminUsername,
			Password: cfg.Server.AdminPassword,
			Token:    cfg.Server.AdminToken,
		},
		RateLimit: server.RateLimitConfig{
			Enabled:  cfg.Server.RateLimitEnabled,
			Requests: cfg.Server.RateLimitRequests,
			Window:   cfg.Server.RateLimitWindow,
		},
	})
	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Start(ctx, cfg.Server.Addr, handler, cfg.Server.ShutdownTimeout) }()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		return <-serverDone
	case err := <-serverDone:
		slog.Info("shutting down")
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// setupLogger configures the default slog logger. Defaults: level=info, format=text.
func setupLogger(c config.LogConfig) {
	lvl := slog.LevelInfo
	switch strings.ToLower(c.Level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	var handler slog.Handler
	if strings.EqualFold(c.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", strings.ToLower(c.Format)))
}

// seedChannels adds configured channels; ones already persisted are skipped.
func seedChannels(ctx context.Context, registry *chat.Registry, channels []string) {
	for _, ch := range channels {
		cfg, err := registry.Add(ctx, ch)
		switch {
		case err == nil:
			slog.Info("seeded channel", slog.String("channel", cfg.Name))
		case errors.Is(err, chat.ErrAlreadyExists):
		default:
			slog.Warn("failed to seed channel", slog.String("channel", ch), slog.Any("err", err))
		}
	}
}

func startPprof() {
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
