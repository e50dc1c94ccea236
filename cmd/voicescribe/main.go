package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/voicescribe/pkg/api"
	"github.com/platinummonkey/voicescribe/pkg/async"
	"github.com/platinummonkey/voicescribe/pkg/billing"
	"github.com/platinummonkey/voicescribe/pkg/config"
	"github.com/platinummonkey/voicescribe/pkg/ingest"
	"github.com/platinummonkey/voicescribe/pkg/metering"
	"github.com/platinummonkey/voicescribe/pkg/observability"
	"github.com/platinummonkey/voicescribe/pkg/storage/eventlog"
	"github.com/platinummonkey/voicescribe/pkg/storage/objectstore"
	"github.com/platinummonkey/voicescribe/pkg/storage/sqlstore"
	"github.com/platinummonkey/voicescribe/pkg/transcription"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("voicescribe exited with error")
	}
}

// poolDispatcher hands jobs to the worker pool without blocking the request.
type poolDispatcher struct {
	pool *async.WorkerPool
}

func (d poolDispatcher) Submit(fn func(context.Context) error) error {
	return d.pool.TrySubmit(fn)
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	shutdown.RegisterShutdownFunc("otel", otelProviders.Shutdown)

	// Storage
	store, err := sqlstore.Open(cfg.Storage, sqlstore.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	shutdown.RegisterShutdownFunc("database", func(context.Context) error { return store.Close() })
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.WithField("driver", store.Dialect()).Info("Database ready")

	var redisClient *redis.Client
	var events billing.EventLog
	if cfg.Storage.RedisURL != "" {
		redisClient, err = eventlog.NewRedisClient(cfg.Storage)
		if err != nil {
			return err
		}
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error { return redisClient.Close() })
		events = eventlog.NewRedisLog(redisClient, cfg.Storage.EventTTL)
		logger.Info("Billing event log backed by Redis")
	} else {
		events = eventlog.NewMemoryLog(cfg.Storage.EventCacheSize, cfg.Storage.EventTTL)
		logger.Warn("Redis not configured, billing event log is per-process")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// Billing
	catalog := billing.DefaultPlanCatalog()
	if cfg.Billing.CatalogFile != "" {
		catalog, err = billing.LoadPlanCatalog(cfg.Billing.CatalogFile)
		if err != nil {
			return err
		}
		if cfg.Billing.WatchCatalog {
			if err := catalog.Watch(ctx, cfg.Billing.CatalogFile, logger); err != nil {
				logger.WithError(err).Warn("Plan catalog changes will not be picked up")
			}
		}
	}

	machineOpts := []billing.Option{
		billing.WithCatalog(catalog),
		billing.WithEventLog(events),
		billing.WithMetrics(metrics),
		billing.WithFreeMinutes(cfg.Metering.FreeMinutes),
	}
	if cfg.Billing.ProviderURL != "" {
		machineOpts = append(machineOpts, billing.WithProvider(
			billing.NewProviderClient(cfg.Billing.ProviderURL, cfg.Billing.ProviderAPIKey, cfg.Billing.ProviderTimeout),
		))
	} else {
		logger.Warn("Billing provider not configured, cancel and reactivate are disabled")
	}
	machine := billing.NewMachine(store,
		billing.NewSignatureVerifier(cfg.Billing.WebhookSecret, cfg.Billing.SignatureTolerance),
		logger, machineOpts...)

	// Metering
	meter := metering.NewService(store, logger,
		metering.WithFreeMinutes(cfg.Metering.FreeMinutes),
		metering.WithMetrics(metrics),
	)

	// Ingest
	ingestOpts := []ingest.Option{
		ingest.WithCallbackSecret(cfg.Transcription.CallbackSecret),
		ingest.WithLanguage(cfg.Transcription.Language),
		ingest.WithMetrics(metrics),
	}
	if cfg.Storage.S3Bucket != "" {
		media, err := objectstore.NewS3Store(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		if err := media.HealthCheck(ctx); err != nil {
			logger.WithError(err).Warn("Media bucket is not reachable yet")
		}
		ingestOpts = append(ingestOpts, ingest.WithMediaStore(media))
	} else {
		logger.Warn("S3 bucket not configured, uploads are disabled")
	}
	if cfg.Transcription.ProviderURL != "" {
		pool := async.NewWorkerPool(ctx, logger, cfg.Transcription.Workers, "transcription-dispatch",
			5*cfg.Transcription.ProviderTimeout, async.WithQueueSize(cfg.Transcription.QueueSize))
		shutdown.RegisterShutdownFunc("transcription-pool", func(context.Context) error {
			return pool.Shutdown(cfg.Server.ShutdownTimeout / 2)
		})
		client := transcription.NewClient(cfg.Transcription.ProviderURL, cfg.Transcription.ProviderAPIKey, cfg.Transcription.ProviderTimeout)
		ingestOpts = append(ingestOpts,
			ingest.WithTranscriber(client, cfg.Transcription.CallbackBaseURL),
			ingest.WithDispatcher(poolDispatcher{pool: pool}),
		)
	} else {
		logger.Warn("Transcription provider not configured, jobs stay pending")
	}
	coordinator := ingest.NewCoordinator(meter, store, store, logger, ingestOpts...)

	// Scheduled jobs
	refreshGauge := func(ctx context.Context) error {
		counts, err := store.CountSubscriptionsByStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to refresh subscription gauge: %w", err)
		}
		metrics.SetSubscriptionCounts(counts)
		return nil
	}
	async.SafeGo(ctx, logger, cfg.Storage.Timeout, "initial subscription gauge", refreshGauge)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Jobs.GaugeRefreshSchedule, func() {
		defer observability.RecoverPanic(logger, "subscription gauge refresh")
		if err := refreshGauge(ctx); err != nil {
			logger.WithError(err).Warn("Scheduled gauge refresh failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid gauge refresh schedule: %w", err)
	}
	if _, err := scheduler.AddFunc(cfg.Jobs.SweepSchedule, func() {
		defer observability.RecoverPanic(logger, "stale job sweep")
		n, err := store.FailStaleJobs(ctx, time.Now().Add(-cfg.Jobs.StaleAfter))
		if err != nil {
			logger.WithError(err).Warn("Stale job sweep failed")
			return
		}
		if n > 0 {
			logger.WithField("jobs", n).Warn("Failed stale transcription jobs")
		}
		metrics.ObserveStaleJobs(n)
	}); err != nil {
		return fmt.Errorf("invalid stale job sweep schedule: %w", err)
	}
	scheduler.Start()
	shutdown.RegisterShutdownFunc("scheduler", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	// HTTP
	apiServer := api.NewServer(api.Config{
		APIToken:        cfg.Server.APIToken,
		MessagingSecret: cfg.Messaging.WebhookSecret,
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
		CORSOrigins:     cfg.Server.CORSOrigins,
	}, machine, meter, coordinator, logger, api.WithMetrics(metrics))

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(store.DB(), redisClient, version))
	observability.RegisterMetricsEndpoint(healthMux, registry)
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown.RegisterServer(httpServer)
	shutdown.RegisterServer(healthServer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", httpServer.Addr).Info("Starting voicescribe API")
		return serve(httpServer)
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("Starting health and metrics server")
		return serve(healthServer)
	})
	g.Go(func() error {
		return shutdown.WaitForShutdown(gctx)
	})

	return g.Wait()
}

func serve(server *http.Server) error {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server on %s failed: %w", server.Addr, err)
	}
	return nil
}
