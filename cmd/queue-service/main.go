package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/matreco/queue-service/internal/api/handler"
	"github.com/matreco/queue-service/internal/api/router"
	"github.com/matreco/queue-service/internal/broker"
	"github.com/matreco/queue-service/internal/config"
	"github.com/matreco/queue-service/internal/queue"
	"github.com/matreco/queue-service/internal/queue/postgres"
	"github.com/matreco/queue-service/internal/queues/crawl"
	"github.com/matreco/queue-service/internal/queues/docproc"
	"github.com/matreco/queue-service/internal/queues/kbimport"
	"github.com/matreco/queue-service/internal/relay"
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
	defaultConfigPath := os.Getenv("QUEUE_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/queue-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger := initLogger(&cfg.Logging)

	appLogger.Info("Starting queue service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize the in-process event broker
	bus := broker.New(appLogger.Logger)
	defer bus.Close()

	// Initialize queue adapters over the configured store
	reg, err := buildQueues(cfg, bus, appLogger.Logger)
	if err != nil {
		return err
	}
	defer reg.close()

	// Initialize the RabbitMQ relay if enabled
	var (
		relayClient *relay.Client
		eventRelay  *relay.Relay
		bridge      *relay.Bridge
	)
	bridgeCtx, bridgeCancel := context.WithCancel(context.Background())
	defer bridgeCancel()

	if cfg.RabbitMQ.Enabled {
		relayClient, err = initRelayClient(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ relay: %w", err)
		}
		defer relayClient.Close()

		eventRelay = relay.NewRelay(relayClient, bus, appLogger.Logger)
		if err := eventRelay.Start(reg.names()); err != nil {
			return fmt.Errorf("failed to start event relay: %w", err)
		}
		defer eventRelay.Stop()

		if cfg.RabbitMQ.EnqueueQueue != "" {
			bridge = relay.NewBridge(relayClient, reg.admins, appLogger.Logger)
			if err := bridge.Start(bridgeCtx); err != nil {
				return fmt.Errorf("failed to start enqueue bridge: %w", err)
			}
		}

		appLogger.Info("RabbitMQ relay established",
			slog.String("exchange", cfg.RabbitMQ.Exchange),
		)
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, reg)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Queue service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	bridgeCancel()
	if bridge != nil {
		bridge.Wait()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// registry bundles the queue adapters and their shared resources
type registry struct {
	admins   []queue.AdminQueue
	dbClient *postgresql.Client
}

func (r *registry) names() []string {
	names := make([]string, 0, len(r.admins))
	for _, q := range r.admins {
		names = append(names, q.Name())
	}
	return names
}

func (r *registry) close() {
	if r.dbClient != nil {
		r.dbClient.Close()
	}
}

// buildQueues wires every queue adapter over the configured store driver
func buildQueues(cfg *config.Config, bus broker.Bus, log *slog.Logger) (*registry, error) {
	reg := &registry{}
	maxAttempts := cfg.Queues.MaxAttempts

	switch cfg.Database.Driver {
	case config.DriverMemory:
		reg.admins = []queue.AdminQueue{
			queue.NewAdmin(docproc.New(queue.NewMemoryStore[docproc.Payload, docproc.Result](), bus, log, maxAttempts)),
			queue.NewAdmin(kbimport.New(queue.NewMemoryStore[kbimport.Payload, kbimport.Result](), bus, log, maxAttempts)),
			queue.NewAdmin(crawl.New(queue.NewMemoryStore[crawl.Payload, crawl.Result](), bus, log, maxAttempts)),
		}
		log.Info("Using in-memory job store")

	case config.DriverPostgres:
		dbClient, err := initPostgreSQL(&cfg.Database, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		reg.dbClient = dbClient

		docStore := postgres.NewStore[docproc.Payload, docproc.Result](dbClient, docproc.QueueName, log)
		kbStore := postgres.NewStore[kbimport.Payload, kbimport.Result](dbClient, kbimport.QueueName, log)
		crawlStore := postgres.NewStore[crawl.Payload, crawl.Result](dbClient, crawl.QueueName, log)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := docStore.EnsureSchema(ctx); err != nil {
			dbClient.Close()
			return nil, fmt.Errorf("failed to ensure jobs schema: %w", err)
		}

		reg.admins = []queue.AdminQueue{
			queue.NewAdmin(docproc.New(docStore, bus, log, maxAttempts)),
			queue.NewAdmin(kbimport.New(kbStore, bus, log, maxAttempts)),
			queue.NewAdmin(crawl.New(crawlStore, bus, log, maxAttempts)),
		}
		log.Info("Database connection established")

	default:
		return nil, fmt.Errorf("unknown database driver: %q", cfg.Database.Driver)
	}

	return reg, nil
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, reg *registry) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:              logger,
		Queues:              reg.admins,
		DBClient:            reg.dbClient,
		DefaultStaleTimeout: cfg.Queues.StaleTimeout,
	}

	return router.SetupRouter(handlerDeps)
}
