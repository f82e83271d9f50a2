package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingester/internal/api"
	"github.com/JakeFAU/kb-ingester/internal/clock/system"
	"github.com/JakeFAU/kb-ingester/internal/config"
	"github.com/JakeFAU/kb-ingester/internal/crawler"
	"github.com/JakeFAU/kb-ingester/internal/dispatcher"
	"github.com/JakeFAU/kb-ingester/internal/extract"
	collyfetcher "github.com/JakeFAU/kb-ingester/internal/fetcher/colly"
	"github.com/JakeFAU/kb-ingester/internal/id/uuid"
	"github.com/JakeFAU/kb-ingester/internal/kb"
	"github.com/JakeFAU/kb-ingester/internal/logging"
	"github.com/JakeFAU/kb-ingester/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/kb-ingester/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/kb-ingester/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/kb-ingester/internal/queue/memory"
	memoryStorage "github.com/JakeFAU/kb-ingester/internal/storage/memory"
	"github.com/JakeFAU/kb-ingester/internal/storage/postgres"
	"github.com/JakeFAU/kb-ingester/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("ingester exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	jobStore := memoryStorage.NewJobStore(clock)
	queue := queueMemory.NewQueue(cfg.Crawler.QueueDepth)

	var (
		audit  crawler.PageRecorder
		checks []api.ReadinessCheck
	)
	if cfg.DB.DSN != "" {
		pageStore, err := postgres.NewPageStore(ctx, postgres.PageStoreConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: int32(cfg.DB.MaxConns), //nolint:gosec // bounded by config validation
		})
		if err != nil {
			return fmt.Errorf("init page store: %w", err)
		}
		defer pageStore.Close()
		audit = pageStore
		checks = append(checks, api.ReadinessCheck{Name: "postgres", Check: pageStore.Ping})
		logger.Info("page audit store enabled", zap.String("table", cfg.DB.Table))
	}

	publisher, closePublisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	kbClient := kb.New(kb.Config{
		BaseURL:           cfg.KB.BaseURL,
		APIKey:            cfg.KB.APIKey,
		Timeout:           cfg.KBTimeout(),
		IndexingTechnique: cfg.KB.IndexingTechnique,
		ProcessMode:       cfg.KB.ProcessMode,
	}, nil, logger)
	if err := kbClient.Validate(); err != nil {
		logger.Warn("knowledge base not configured; crawl requests will be rejected", zap.Error(err))
	}

	scheduler := newScheduler(cfg, kbClient, clock, logger)

	registry := worker.NewRegistry()
	workerCfg := worker.Config{Topic: cfg.PubSub.TopicName}
	workers := make([]*worker.Worker, 0, cfg.Crawler.Workers)
	for i := 0; i < cfg.Crawler.Workers; i++ {
		workers = append(workers, worker.New(
			queue,
			jobStore,
			audit,
			scheduler,
			publisher,
			clock,
			registry,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, workers, registry)

	apiServer := api.NewServer(jobStore, dispatch, kbClient, idGen, clock, cfg, logger, checks...)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		logger.Info("dispatcher started", zap.Int("workers", len(workers)))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		logger.Warn("workers did not stop before the shutdown deadline")
	}
	logger.Info("shutdown complete")
	return nil
}

func newScheduler(cfg config.Config, submitter crawler.Submitter, clock crawler.Clock, logger *zap.Logger) *crawler.Scheduler {
	// Validate already rejected unknown policies.
	scope, _ := crawler.ParseScopePolicy(cfg.Crawler.ScopePolicy)

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxBodyBytes: cfg.Crawler.MaxBodyBytes,
	})

	var limiter crawler.Limiter
	if cfg.Crawler.RequestsPerSecond > 0 {
		limiter = ratelimit.New(ratelimit.Config{RequestsPerSecond: cfg.Crawler.RequestsPerSecond})
	}
	var retry crawler.RetryPolicy
	if cfg.Crawler.FetchRetries > 0 {
		initial, maxDelay := cfg.RetryBackoff()
		retry = crawler.NewExponentialRetryPolicy(cfg.Crawler.FetchRetries, initial, maxDelay)
	}

	return crawler.NewScheduler(
		fetcher,
		extract.New(),
		submitter,
		limiter,
		retry,
		clock,
		crawler.SchedulerConfig{
			Policy:             crawler.URLPolicy{Scope: scope, KeepQuery: cfg.Crawler.KeepQuery},
			DefaultConcurrency: cfg.Crawler.PageConcurrency,
			MaxConcurrency:     cfg.Crawler.MaxPageConcurrency,
			MaxPages:           cfg.Crawler.MaxPagesDefault,
			Budget:             cfg.JobBudget(),
		},
		logger,
	)
}

// newPublisher returns the completion-event publisher: Pub/Sub when a project is
// configured, otherwise an in-process publisher that only records events.
func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawler.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" {
		return memorypublisher.New(), func() {}, nil
	}
	pub, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init pubsub publisher: %w", err)
	}
	closeFn := func() {
		if err := pub.Close(); err != nil {
			logger.Warn("close pubsub publisher failed", zap.Error(err))
		}
	}
	logger.Info("pubsub publisher enabled",
		zap.String("project_id", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.TopicName),
	)
	return pub, closeFn, nil
}
