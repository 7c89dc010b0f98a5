package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghuser/whatsup/pkg/app"
	"github.com/ghuser/whatsup/pkg/cache"
	"github.com/ghuser/whatsup/pkg/config"
	"github.com/ghuser/whatsup/pkg/database"
	"github.com/ghuser/whatsup/pkg/events"
	"github.com/ghuser/whatsup/pkg/logger"
	"github.com/ghuser/whatsup/pkg/telemetry"
	"github.com/ghuser/whatsup/services/assistant/application/changefeed"
	"github.com/ghuser/whatsup/services/assistant/application/pipeline"
	"github.com/ghuser/whatsup/services/assistant/infrastructure/generation"
	"github.com/ghuser/whatsup/services/assistant/infrastructure/persistence/postgres"
	"github.com/ghuser/whatsup/services/assistant/infrastructure/search"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := config.ValidateForProduction(cfg); err != nil {
		slog.Error("production config validation failed", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg)

	ctx := context.Background()

	otelShutdown, _, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		log.Error("failed to setup otel", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx) //nolint:errcheck

	if err := telemetry.SetupSentry(cfg); err != nil {
		log.Warn("failed to setup sentry, continuing without crash reporting", "error", err)
	}
	defer telemetry.SentryFlush()

	pool, err := database.NewPool(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1) //nolint:gocritic
	}
	defer pool.Close()
	log.Info("database pool connected")

	eventBus, err := events.NewEventBus(cfg, log)
	if err != nil {
		log.Error("failed to setup event bus", "error", err)
		os.Exit(1) //nolint:gocritic
	}
	defer eventBus.Close() //nolint:errcheck

	redisClient, err := cache.NewRedisClient(cfg)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1) //nolint:gocritic
	}
	defer redisClient.Close() //nolint:errcheck
	log.Info("redis connected")

	searchIndex, err := search.NewIndex(cfg.SearchIndexPath)
	if err != nil {
		log.Error("failed to open search index", "error", err)
		os.Exit(1) //nolint:gocritic
	}
	defer searchIndex.Close() //nolint:errcheck

	a := &app.Application{
		Db:       pool,
		Logger:   log,
		EventBus: eventBus,
		Redis:    redisClient,
		Search:   searchIndex,
	}

	eventStore := postgres.NewEventStore(a.Db)
	archive := postgres.NewArchiveStore(a.Db)
	checkpoints := postgres.NewCheckpointStore(a.Db)
	contextCache := cache.NewContextCache(a.Redis)

	guard := pipeline.NewGuard(eventStore, cfg.ServiceName)
	retriever := pipeline.NewRetriever(archive, contextCache, a.Search, cfg.ContextWindowSize, log)
	generator := pipeline.NewGenerator(
		generation.NewClient(cfg),
		cfg.MaxGenerateAttempts,
		cfg.RetryBaseDelay,
		cfg.GenerateTimeout,
		log,
	)
	router := pipeline.NewRouter(
		a.EventBus,
		cfg.DeadLetterTopic,
		cfg.ServiceName,
		cfg.MaxDeadLetterAttempts,
		cfg.RetryBaseDelay,
		cfg.PublishTimeout,
		log,
	)
	processor := pipeline.NewProcessor(pipeline.ProcessorParams{
		Store:             eventStore,
		Archive:           archive,
		Cache:             contextCache,
		Indexer:           a.Search,
		Guard:             guard,
		Retriever:         retriever,
		Generator:         generator,
		Router:            router,
		Source:            cfg.ServiceName,
		MaxAppendAttempts: cfg.MaxAppendAttempts,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		StoreTimeout:      cfg.StoreTimeout,
		Log:               log,
	})
	consumer := pipeline.NewConsumer(a.EventBus, processor, cfg.Topics(), log)
	feedPublisher := changefeed.NewPublisher(
		eventStore,
		checkpoints,
		a.EventBus,
		cfg.OutboundTopic,
		cfg.ChangeFeedInterval,
		cfg.ChangeFeedBatchSize,
		log,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	opsServer := newOpsServer(cfg, a)
	go func() {
		log.Info("ops server listening", "addr", cfg.MetricsAddr)
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server failed", "error", err)
		}
	}()

	go func() {
		if err := feedPublisher.Run(runCtx); err != nil {
			log.Error("change feed publisher failed", "error", err)
			cancel()
		}
	}()

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- consumer.Run(runCtx)
	}()
	log.Info("worker started", "topics", cfg.Topics())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("shutting down worker...")
		cancel()
		<-consumerDone
	case err := <-consumerDone:
		if err != nil {
			// Even dead-lettering failed. The unacked message stays at the
			// head of its partition until an operator intervenes.
			log.Error("consumer halted", "error", err)
			telemetry.CaptureFatal(err)
			cancel()
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("ops server shutdown failed", "error", err)
	}

	log.Info("worker stopped")
}

// newOpsServer serves /metrics and the health probes.
func newOpsServer(cfg *config.Config, a *app.Application) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := a.Db.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := a.EventBus.Ping(ctx); err != nil {
			http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
