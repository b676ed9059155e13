// Command agentbridge runs the integration bridge between the agent
// platform and the dashboard data store: webhook ingestion, workflow
// orchestration, freshness repair, and layered validation.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/pulseboard/agentbridge/internal/agentclient"
	"github.com/pulseboard/agentbridge/internal/aggregator"
	"github.com/pulseboard/agentbridge/internal/audit"
	"github.com/pulseboard/agentbridge/internal/config"
	"github.com/pulseboard/agentbridge/internal/consistency"
	"github.com/pulseboard/agentbridge/internal/dlq"
	"github.com/pulseboard/agentbridge/internal/freshness"
	"github.com/pulseboard/agentbridge/internal/handlers"
	"github.com/pulseboard/agentbridge/internal/ingest"
	"github.com/pulseboard/agentbridge/internal/logging"
	"github.com/pulseboard/agentbridge/internal/notification"
	"github.com/pulseboard/agentbridge/internal/orchestrator"
	"github.com/pulseboard/agentbridge/internal/ratelimit"
	"github.com/pulseboard/agentbridge/internal/registry"
	"github.com/pulseboard/agentbridge/internal/retry"
	"github.com/pulseboard/agentbridge/internal/server"
	"github.com/pulseboard/agentbridge/internal/signature"
	"github.com/pulseboard/agentbridge/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)
	logger.Info("starting agentbridge", logging.Service("agentbridge"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Agent roster.
	reg := registry.Default()
	if cfg.Registry.Path != "" {
		reg, err = registry.Load(cfg.Registry.Path)
		if err != nil {
			log.Fatalf("failed to load agent registry: %v", err)
		}
	}
	logger.Info("agent roster loaded", "version", reg.Version, "agents", reg.Expected())

	// Event store.
	var st store.Store
	if cfg.Database.Enabled {
		runMigrations(cfg, logger)
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		st = pg
		logger.Info("using postgres event store")
	} else {
		st = store.NewMemoryStore()
		logger.Warn("using in-memory event store; data does not survive restarts")
	}
	defer st.Close()

	// Retention sweep over the raw event log.
	janitor := store.NewJanitor(st, cfg.Ingestion.EventRetentionDays, logger)
	janitor.Start()
	defer janitor.Stop()

	// Rate limiter.
	var limiter ratelimit.RateLimiter = &ratelimit.NoOpRateLimiter{}
	if cfg.Redis.Enabled {
		rl, err := ratelimit.NewRedisRateLimiter(cfg.Redis.URL, cfg.Redis.RateLimitRequests, cfg.Redis.RateLimitWindow)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		limiter = rl
		logger.Info("redis rate limiting enabled",
			"requests", cfg.Redis.RateLimitRequests, "window", cfg.Redis.RateLimitWindow.String())
	}
	defer limiter.Close()

	// Dead letter queue.
	var dlqWriter dlq.Writer
	if cfg.DLQ.Enabled {
		q, err := dlq.NewJetStreamQueue(ctx, cfg.DLQ.NatsURL)
		if err != nil {
			log.Fatalf("failed to set up DLQ: %v", err)
		}
		dlqWriter = q
		defer q.Close()
	}

	// Audit archive.
	var archiver ingest.Archiver
	if cfg.Audit.Enabled {
		arch, err := audit.NewArchiver(audit.Config{
			URL:           cfg.Audit.URL,
			Username:      cfg.Audit.Username,
			Password:      cfg.Audit.Password,
			TLSSkipVerify: cfg.Audit.TLSSkipVerify,
			IndexPrefix:   cfg.Audit.IndexPrefix,
			RetentionDays: cfg.Audit.RetentionDays,
		})
		if err != nil {
			log.Fatalf("failed to create audit archiver: %v", err)
		}
		if err := arch.Initialize(ctx); err != nil {
			logger.Error("audit archive initialization failed; continuing without archive",
				logging.Error(err))
		} else {
			archiver = arch
		}
	}

	// Operator alerting.
	var notifier notification.Channel = notification.NewLogChannel(logger.Logger)
	if cfg.Alerting.WebhookURL != "" {
		notifier = notification.NewMultiChannel(
			notification.NewWebhookChannel(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout),
			notifier,
		)
	}

	// Upstream platform client behind the retry executor.
	exec := retry.NewExecutor(logger)
	retryCfg := retry.Config{
		MaxRetries:        cfg.Retry.MaxRetries,
		BaseDelay:         cfg.Retry.BaseDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		RetryableStatuses: cfg.Retry.RetryableStatuses,
		Jitter:            true,
	}
	platform := agentclient.New(cfg.Platform.URL, cfg.Platform.Timeout, exec, retryCfg)

	// Workflow orchestration.
	orch := orchestrator.New(reg, platform, logger,
		orchestrator.WithCollapseWindow(cfg.Validation.TriggerCollapseWindow))
	defer orch.Close()

	// Freshness monitoring and repair.
	freshCfg := freshness.DefaultConfig()
	freshCfg.FreshHours = cfg.Freshness.FreshHours
	freshCfg.StaleHours = cfg.Freshness.StaleHours
	freshCfg.CriticalHours = cfg.Freshness.CriticalHours
	freshCfg.RefreshConcurrency = cfg.Freshness.RefreshConcurrency
	freshCfg.RefreshTimeout = cfg.Freshness.RefreshTimeout
	monitor := freshness.NewMonitor(st, reg, platform, orch, notifier, logger, freshCfg)

	var sweeper *freshness.Sweeper
	if cfg.Freshness.SweepEnabled {
		sweeper = freshness.NewSweeper(monitor, cfg.Freshness.SweepInterval, logger)
		sweeper.Start()
		defer sweeper.Stop()
	}

	// Validation.
	validator := consistency.New(st, reg, cfg.Consistency.DriftThresholdHours)
	agg := aggregator.New(orch, st, monitor, validator, reg, notifier, logger, aggregator.Config{
		ReceptionTargetPercent: cfg.Validation.ReceptionTargetPercent,
		ConsistencyMinPercent:  cfg.Validation.ConsistencyMinPercent,
	})

	// Ingestion pipeline.
	verifier := signature.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.TimestampTolerance)
	ingestSvc := ingest.New(verifier, st, reg, orch, dlqWriter, archiver, logger, ingest.Config{
		QueueSize: cfg.Ingestion.QueueSize,
		Workers:   cfg.Ingestion.Workers,
	})
	defer ingestSvc.Stop()

	h := handlers.New(ingestSvc, orch, agg, monitor, limiter, dlqWriter, logger, handlers.Config{
		MaxBodyBytes:    int64(cfg.Webhook.MaxBodyBytes),
		FinalizeTimeout: cfg.Validation.FinalizeTimeout,
	})
	srv := server.New(cfg.Server, h, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", logging.Error(err))
			os.Exit(1)
		}
		return
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("graceful shutdown failed", logging.Error(err))
	}
}

func runMigrations(cfg *config.Config, logger *logging.Logger) {
	m, err := migrate.New("file://"+cfg.Database.MigrationsPath, cfg.Database.URL)
	if err != nil {
		log.Fatalf("failed to set up migrations: %v", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("failed to run migrations: %v", err)
	}
	logger.Info("database migrations applied")
}
