package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/matreco/queue-service/internal/broker"
	"github.com/matreco/queue-service/internal/config"
	"github.com/matreco/queue-service/internal/queue"
	"github.com/matreco/queue-service/internal/queue/postgres"
	"github.com/matreco/queue-service/internal/queues/crawl"
	"github.com/matreco/queue-service/internal/queues/docproc"
	"github.com/matreco/queue-service/internal/queues/kbimport"
	"github.com/matreco/queue-service/internal/relay"
	"github.com/matreco/queue-service/internal/worker"
	"github.com/matreco/queue-service/shared/logger"
	"github.com/matreco/queue-service/shared/postgresql"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger := initLogger(&cfg.Logging)

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize the in-process event broker
	bus := broker.New(appLogger.Logger)
	defer bus.Close()

	// Initialize queue adapters over the configured store
	adapters, dbClient, err := buildAdapters(cfg, bus, appLogger.Logger)
	if err != nil {
		return err
	}
	if dbClient != nil {
		defer dbClient.Close()
		appLogger.Info("Database connection established")
	}

	// Initialize the RabbitMQ relay if enabled. The worker produces most
	// lifecycle events, so the mirror runs here as well as in the API service.
	var relayClient *relay.Client
	if cfg.RabbitMQ.Enabled {
		relayClient, err = initRelayClient(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ relay: %w", err)
		}
		defer relayClient.Close()

		eventRelay := relay.NewRelay(relayClient, bus, appLogger.Logger)
		queueNames := []string{docproc.QueueName, kbimport.QueueName, crawl.QueueName}
		if err := eventRelay.Start(queueNames); err != nil {
			return fmt.Errorf("failed to start event relay: %w", err)
		}
		defer eventRelay.Stop()

		appLogger.Info("RabbitMQ relay established",
			slog.String("exchange", cfg.RabbitMQ.Exchange),
		)
	}

	// Wire the document pipeline: completed document-processing jobs feed the
	// knowledge-base import queue.
	unsubPipeline, err := kbimport.AttachPipeline(adapters.docproc, adapters.kbimport, bus, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to attach import pipeline: %w", err)
	}
	defer unsubPipeline()

	workerCfg := worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		MaxIdleWait:  cfg.Worker.MaxIdleWait,
	}

	docRunner := worker.NewRunner(adapters.docproc, &docproc.Executor{Logger: appLogger.Logger}, bus, appLogger.Logger, workerCfg)
	kbRunner := worker.NewRunner(adapters.kbimport, &kbimport.Executor{Logger: appLogger.Logger}, bus, appLogger.Logger, workerCfg)
	crawlRunner := worker.NewRunner(adapters.crawl, &crawl.Executor{Logger: appLogger.Logger}, bus, appLogger.Logger, workerCfg)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := docRunner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start docproc runner: %w", err)
	}
	if err := kbRunner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start kbimport runner: %w", err)
	}
	if err := crawlRunner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start crawl runner: %w", err)
	}

	// Cancel requests made through the API service's HTTP surface arrive on
	// that process's broker, not ours. The cancel feed consumes the mirrored
	// canceled events from RabbitMQ and forwards them to the local runners.
	var cancelFeed *relay.CancelFeed
	if relayClient != nil {
		cancelFeed = relay.NewCancelFeed(relayClient, map[string]relay.CancelTarget{
			docproc.QueueName:  docRunner,
			kbimport.QueueName: kbRunner,
			crawl.QueueName:    crawlRunner,
		}, appLogger.Logger)
		if err := cancelFeed.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cancel feed: %w", err)
		}
	}

	// Periodically rewind jobs stuck in processing, e.g. after a worker crash
	if cfg.Queues.StaleTimeout > 0 {
		go sweepLoop(ctx, adapters.admins(), cfg.Queues.StaleTimeout, appLogger.Logger)
	}

	appLogger.Info("Worker service started successfully",
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.Duration("poll_interval", cfg.Worker.PollInterval),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	cancel()
	if cancelFeed != nil {
		cancelFeed.Wait()
	}

	// Give runners time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		docRunner.Stop()
		kbRunner.Stop()
		crawlRunner.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Workers stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// adapterSet bundles the typed adapters the worker drives
type adapterSet struct {
	docproc  *docproc.Adapter
	kbimport *kbimport.Adapter
	crawl    *crawl.Adapter
}

func (a *adapterSet) admins() []queue.AdminQueue {
	return []queue.AdminQueue{
		queue.NewAdmin(a.docproc),
		queue.NewAdmin(a.kbimport),
		queue.NewAdmin(a.crawl),
	}
}

// buildAdapters wires every queue adapter over the configured store driver
func buildAdapters(cfg *config.Config, bus broker.Bus, log *slog.Logger) (*adapterSet, *postgresql.Client, error) {
	maxAttempts := cfg.Queues.MaxAttempts

	switch cfg.Database.Driver {
	case config.DriverMemory:
		log.Info("Using in-memory job store")
		return &adapterSet{
			docproc:  docproc.New(queue.NewMemoryStore[docproc.Payload, docproc.Result](), bus, log, maxAttempts),
			kbimport: kbimport.New(queue.NewMemoryStore[kbimport.Payload, kbimport.Result](), bus, log, maxAttempts),
			crawl:    crawl.New(queue.NewMemoryStore[crawl.Payload, crawl.Result](), bus, log, maxAttempts),
		}, nil, nil

	case config.DriverPostgres:
		dbClient, err := initPostgreSQL(&cfg.Database, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}

		docStore := postgres.NewStore[docproc.Payload, docproc.Result](dbClient, docproc.QueueName, log)
		kbStore := postgres.NewStore[kbimport.Payload, kbimport.Result](dbClient, kbimport.QueueName, log)
		crawlStore := postgres.NewStore[crawl.Payload, crawl.Result](dbClient, crawl.QueueName, log)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := docStore.EnsureSchema(ctx); err != nil {
			dbClient.Close()
			return nil, nil, fmt.Errorf("failed to ensure jobs schema: %w", err)
		}

		return &adapterSet{
			docproc:  docproc.New(docStore, bus, log, maxAttempts),
			kbimport: kbimport.New(kbStore, bus, log, maxAttempts),
			crawl:    crawl.New(crawlStore, bus, log, maxAttempts),
		}, dbClient, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver: %q", cfg.Database.Driver)
	}
}

// sweepLoop rewinds stale processing jobs on a fixed cadence
func sweepLoop(ctx context.Context, queues []queue.AdminQueue, staleTimeout time.Duration, log *slog.Logger) {
	interval := staleTimeout / 2
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				swept, err := q.SweepStale(ctx, staleTimeout)
				if err != nil {
					log.Error("Stale sweep failed",
						slog.String("queue", q.Name()),
						slog.String("error", err.Error()),
					)
					continue
				}
				if swept > 0 {
					log.Warn("Rewound stale processing jobs",
						slog.String("queue", q.Name()),
						slog.Int("swept", swept),
					)
				}
			}
		}
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) *logger.Logger {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableCaller: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRelayClient initializes the RabbitMQ relay client
func initRelayClient(cfg *config.RabbitMQConfig, logger *slog.Logger) (*relay.Client, error) {
	relayConfig := &relay.Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		User:          cfg.User,
		Password:      cfg.Password,
		VHost:         cfg.VHost,
		Exchange:      cfg.Exchange,
		EnqueueQueue:  cfg.EnqueueQueue,
		RetryAttempts: cfg.Connection.RetryAttempts,
		RetryInterval: cfg.Connection.RetryInterval,
		Heartbeat:     cfg.Connection.Heartbeat,
	}

	return relay.NewClient(relayConfig, logger)
}
