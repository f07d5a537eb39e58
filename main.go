// Command stitch mirrors Twitch stream lifecycles into Discord announcements.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Reconciles streams that started or ended while it was down.
//   - Serves the EventSub webhook, health probes, metrics and the admin API.
//   - Runs background services that retry pending announcements and prune the
//     delivery ledger, all under one suture supervisor.
//
// Shutdown is graceful on SIGINT/SIGTERM: the HTTP server stops first, then
// in-flight announcements are drained.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/onnwee/stitch/announce"
	"github.com/onnwee/stitch/config"
	"github.com/onnwee/stitch/db"
	"github.com/onnwee/stitch/discord"
	"github.com/onnwee/stitch/eventsub"
	"github.com/onnwee/stitch/ledger"
	"github.com/onnwee/stitch/lifecycle"
	"github.com/onnwee/stitch/reconcile"
	"github.com/onnwee/stitch/registry"
	"github.com/onnwee/stitch/server"
	"github.com/onnwee/stitch/streams"
	"github.com/onnwee/stitch/telemetry"
	"github.com/onnwee/stitch/twitchapi"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

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
	default:
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
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]), slog.String("version", version))

	if err := run(); err != nil {
		slog.Error("stitch exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	telemetry.Init()
	// Tracing is optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdownTracing, err := telemetry.InitTracing("stitch", version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	defer shutdownTracing()
	slog.Info("telemetry initialized", slog.Bool("tracing", telemetry.IsTracingEnabled()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; the embedded idempotent SQL is the fallback for a
	// schema golang-migrate cannot move (dirty or foreign version table).
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			return fmt.Errorf("failed to migrate db (both versioned and embedded SQL failed): %w", err)
		}
	} else {
		slog.Info("versioned migrations completed successfully", slog.String("component", "db_migrate"))
	}

	store := streams.NewStore(database)
	dedup := ledger.New(cfg.LedgerRetention, cfg.WebhookMaxAge)
	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			TokenURL:     cfg.TwitchTokenURL,
		},
		ClientID: cfg.TwitchClientID,
		BaseURL:  cfg.TwitchHelixURL,
	}
	discordClient := discord.New(discord.Config{
		BaseURL: cfg.DiscordAPIURL,
		Token:   cfg.DiscordToken,
		RPS:     cfg.DiscordRPS,
		Burst:   cfg.DiscordBurst,
	})
	syncer := announce.NewSynchronizer(discordClient, store, cfg.DiscordChannelID, announce.RetryPolicy{
		MaxAttempts:    cfg.AnnounceMaxAttempts,
		BaseDelay:      cfg.AnnounceBackoffBase,
		MaxDelay:       cfg.AnnounceBackoffMax,
		AttemptTimeout: cfg.AnnounceAttemptTimeout,
		MaxElapsed:     cfg.AnnounceMaxElapsed,
	})
	engine := lifecycle.NewEngine(store, dedup, syncer, helix)
	channels := registry.New(store, helix, cfg.TwitchCallbackURL, cfg.TwitchWebhookSecret)

	if cfg.ReconcileOnStartup {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		if _, err := reconcile.Startup(rctx, store, helix, engine); err != nil {
			slog.Warn("startup reconcile incomplete", slog.Any("err", err), slog.String("component", "reconcile"))
		}
		cancel()
	}

	router := server.NewRouter(server.Options{
		Verifier: eventsub.NewVerifier(cfg.TwitchWebhookSecret, cfg.WebhookMaxAge, cfg.WebhookMaxSkew),
		Engine:   engine,
		Channels: channels,
		DB:       store,
		Ready: []server.Check{
			server.MigrationCheck(database),
			server.BreakerCheck("discord", discordClient.CircuitState),
		},
		WebhookTimeout:  cfg.WebhookTimeout,
		Admin:           server.AdminAuth{Token: cfg.AdminToken, Username: cfg.AdminUsername, Password: cfg.AdminPassword},
		AdminRateLimit:  cfg.AdminRateLimit,
		AdminRateWindow: time.Duration(cfg.AdminRateLimitRetry) * time.Second,
	})

	sup := suture.New("stitch", suture.Spec{
		EventHook:        (&sutureslog.Handler{Logger: slog.Default().With(slog.String("component", "supervisor"))}).MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	sup.Add(server.NewService(cfg.HTTPAddr, router, 10*time.Second))
	sup.Add(&reconcile.Pending{Store: store, Engine: engine, Interval: cfg.ReconcileInterval})
	sup.Add(&reconcile.Pruner{Dedup: dedup, Store: store, Interval: cfg.LedgerPruneInterval})
	sup.Add(&poolMetrics{db: database, interval: 30 * time.Second})

	slog.Info("stitch started", slog.String("addr", cfg.HTTPAddr))
	// Serve returns once ctx is cancelled and every service has stopped, so no
	// webhook can reach the engine while it drains.
	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("supervisor stopped", slog.Any("err", err))
	}

	slog.Info("draining announcements", slog.Duration("timeout", cfg.DrainTimeout))
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if err := engine.Drain(drainCtx); err != nil {
		slog.Warn("drain incomplete, unfinished announcements stay pending", slog.Any("err", err))
	}
	return nil
}

// poolMetrics publishes database pool usage.
type poolMetrics struct {
	db       *sql.DB
	interval time.Duration
}

func (p *poolMetrics) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		stats := p.db.Stats()
		telemetry.UpdateDatabasePoolMetrics(stats.OpenConnections, stats.InUse)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *poolMetrics) String() string { return "db-pool-metrics" }
