package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/lumatel/callguard/internal/admission"
	"github.com/lumatel/callguard/internal/config"
	"github.com/lumatel/callguard/internal/evaluator"
	"github.com/lumatel/callguard/internal/journal"
	"github.com/lumatel/callguard/internal/ratelimit"
	"github.com/lumatel/callguard/internal/server"
	"github.com/lumatel/callguard/internal/sla"
	"github.com/lumatel/callguard/internal/statestore"
	"github.com/lumatel/callguard/internal/supervisor"
	"github.com/lumatel/callguard/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("CALLGUARD_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("callguard starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// State store: Redis primary with in-process fallback. A missing or
	// unreachable Redis is not fatal — the engine starts degraded and the
	// failover wrapper promotes back once Redis answers.
	var primary *statestore.Redis
	if cfg.RedisURL != "" {
		primary, err = statestore.NewRedis(cfg.RedisURL, cfg.StoreOpTimeout)
		if err != nil {
			logger.Warn("redis unavailable at startup, starting on in-process store",
				"url", cfg.RedisURL, "error", err)
			primary = nil
		}
	} else {
		logger.Info("state store: in-process only (no REDIS_URL)")
	}
	if primary != nil {
		defer primary.Close()
	}
	fallback := statestore.NewMemory()
	defer fallback.Close()
	store := statestore.NewFailover(primary, fallback, cfg.StoreProbeInterval, logger)

	// SLA tracker. The breach hook is the operator's pager surface.
	tracker := sla.New(store, sla.Options{
		Window:           cfg.SLAWindow,
		Bucket:           cfg.SLABucket,
		BreachThreshold:  cfg.BreachThreshold,
		RecoverThreshold: cfg.RecoverThreshold,
		MinSampleSize:    cfg.MinSampleSize,
	}, logger, func(route string, entering bool) {
		if entering {
			logger.Warn("sla breach opened", "route", route)
		} else {
			logger.Info("sla breach cleared", "route", route)
		}
	})

	// Admission controller over the shared store, so the per-resource
	// bound holds across every engine instance.
	overrides := make(map[string]admission.Override, len(cfg.BucketOverrides))
	for name, b := range cfg.BucketOverrides {
		overrides[name] = admission.Override{Capacity: b.Capacity, Refill: b.Refill}
	}
	ctrl := admission.New(store, admission.Options{
		Capacity:  cfg.BucketCapacity,
		Refill:    cfg.BucketRefill,
		Overrides: overrides,
	})

	evals := []evaluator.Evaluator{
		evaluator.NewHealing(evaluator.HealingOptions{
			MaxRetries:      cfg.MaxRetries,
			BackoffBase:     cfg.BackoffBase,
			BackoffMaxDelay: cfg.BackoffMaxDelay,
			SwitchThreshold: cfg.SwitchThreshold,
			Providers:       cfg.Providers,
			RTPLossOverride: cfg.RTPLossCeiling / 2,
		}),
		evaluator.NewQuality(evaluator.QualityOptions{
			RTPLossThreshold: cfg.RTPLossThreshold,
			RTPLossCeiling:   cfg.RTPLossCeiling,
			JitterThreshold:  cfg.JitterThreshold,
			JitterCeiling:    cfg.JitterCeiling,
			LatencyThreshold: cfg.LatencyThreshold,
			LatencyCeiling:   cfg.LatencyCeiling,
		}),
		evaluator.NewLoad(ctrl, cfg.SMSFallback),
		evaluator.NewSLA(evaluator.SLAOptions{RecentWindow: cfg.SLABucket}),
		evaluator.NewOrchestration(cfg.Providers),
	}

	// Decision journal (optional).
	var jnl *journal.Journal
	if cfg.JournalPath != "" {
		jnl, err = journal.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer jnl.Close()
		logger.Info("decision journal enabled", "path", cfg.JournalPath)
	} else {
		logger.Info("decision journal disabled")
	}

	var decisionLog supervisor.DecisionLog
	if jnl != nil {
		decisionLog = jnl
	}
	sup := supervisor.New(store, tracker, evals, supervisor.Options{
		SessionTTL:      cfg.SessionTTL,
		RouteTimeout:    cfg.RouteTimeout,
		CommitRetries:   cfg.CommitRetries,
		InitialProvider: cfg.Providers[0],
	}, decisionLog, logger)

	// HTTP ingest rate limiter.
	var limiter ratelimit.Limiter
	if cfg.IngestRateLimit > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.IngestRateLimit, cfg.IngestBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("ingest rate limiting: memory token bucket",
			"rps", cfg.IngestRateLimit, "burst", cfg.IngestBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("ingest rate limiting: disabled")
	}

	var decisions server.DecisionReader
	if jnl != nil {
		decisions = jnl
	}
	handlers := server.NewHandlers(server.HandlersDeps{
		Supervisor:          sup,
		Tracker:             tracker,
		Store:               store,
		Decisions:           decisions,
		Logger:              logger,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})
	srv := server.New(server.Config{
		Handlers:     handlers,
		Limiter:      limiter,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Serve until the signal context cancels, then drain in-flight routing.
	// Session state lives in the store, so there is nothing else to flush.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("callguard shutting down")
		httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(httpCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("callguard stopped")
	return nil
}
