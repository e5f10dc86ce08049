// Command chatbot-worker is the main entrypoint for the chat bot worker.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the live-state monitor, the Redis control bus listener, and the
//     bot credential refresher.
//   - Supervises per-channel chat connections with command dispatch.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /channels,
//     and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/streamhive/chatbot-worker/auth"
	"github.com/streamhive/chatbot-worker/config"
	"github.com/streamhive/chatbot-worker/controlbus"
	"github.com/streamhive/chatbot-worker/db"
	"github.com/streamhive/chatbot-worker/dispatch"
	"github.com/streamhive/chatbot-worker/monitor"
	"github.com/streamhive/chatbot-worker/server"
	"github.com/streamhive/chatbot-worker/store"
	"github.com/streamhive/chatbot-worker/streamapi"
	"github.com/streamhive/chatbot-worker/supervisor"
	"github.com/streamhive/chatbot-worker/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidatePlatformReady(); err != nil {
		slog.Error("platform credentials missing", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("chatbot-worker", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations: versioned migrations first, embedded SQL fallback
	// for deployments that predate the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed", slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Platform API client with an app token source for status queries.
	api := &streamapi.Client{
		BaseURL: cfg.PlatformAPIBase,
		AppTokenSource: &streamapi.TokenSource{
			BaseURL:      cfg.PlatformAPIBase,
			ClientID:     cfg.PlatformClientID,
			ClientSecret: cfg.PlatformClientSecret,
		},
	}

	st := store.New(database)
	engine := dispatch.NewEngine(st, cfg.CommandPrefix)
	sup := supervisor.New(ctx, st, api, engine, cfg.HeartbeatInterval, cfg.ReconnectMaxAttempts)

	// Live-state monitor drives connect/disconnect from broadcast transitions.
	mon := monitor.New(st, api, cfg.MonitorPollInterval)
	mon.IsSupervised = sup.IsConnected
	mon.OnLiveStart = func(mctx context.Context, ch *store.ChannelConfig) {
		if err := sup.ConnectChannel(mctx, ch); err != nil {
			slog.Error("connect on live start failed", slog.String("channel", ch.ID), slog.Any("err", err))
		}
	}
	mon.OnLiveEnd = func(mctx context.Context, ch *store.ChannelConfig) {
		sup.DisconnectChannel(mctx, ch.ID)
	}
	// Reconnect exhaustion clears the monitor's live memory so the channel
	// is reconnected on the next poll while the stream is still up.
	sup.OnExhausted = mon.MarkOffline
	go mon.Run(ctx)

	// Control bus: external connect/disconnect/reload commands over Redis.
	// A missing or unreachable Redis degrades to monitor-only operation.
	if cfg.RedisAddr != "" {
		bus, err := controlbus.New(ctx, controlbus.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Topic:    cfg.ControlTopic,
		}, st, sup, engine)
		if err != nil {
			slog.Warn("control bus unavailable, running monitor-only", slog.Any("err", err))
		} else {
			go bus.Listen(ctx)
			defer func() {
				if err := bus.Close(); err != nil {
					slog.Error("failed to close control bus", slog.Any("err", err))
				}
			}()
		}
	} else {
		slog.Info("REDIS_ADDR not set, control bus disabled")
	}

	// Bot credential refresher keeps account tokens fresh ahead of expiry.
	auth.StartRefresher(ctx, database, st, 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, error) {
		res, err := streamapi.RefreshToken(rctx, cfg.PlatformAPIBase, cfg.PlatformClientID, cfg.PlatformClientSecret, refreshToken)
		if err != nil {
			return "", "", time.Time{}, err
		}
		return res.AccessToken, res.RefreshToken, streamapi.ComputeExpiry(res.ExpiresIn), nil
	})

	// HTTP server (health/status/metrics)
	go func() {
		if err := server.Start(ctx, database, sup, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	sup.Shutdown(shutdownCtx)
}
