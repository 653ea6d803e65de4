package handler

import (
	"log/slog"
	"time"

	"github.com/matreco/queue-service/internal/queue"
	"github.com/matreco/queue-service/shared/postgresql"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Queues []queue.AdminQueue
	// DBClient is nil when the in-memory store is active
	DBClient *postgresql.Client
	// DefaultStaleTimeout backs sweep requests that omit older_than
	DefaultStaleTimeout time.Duration
}

// QueueHandler handles queue administration HTTP requests
type QueueHandler struct {
	logger       *slog.Logger
	queues       map[string]queue.AdminQueue
	staleTimeout time.Duration
}

// NewQueueHandler creates a new QueueHandler instance
func NewQueueHandler(deps *Dependencies) *QueueHandler {
	byName := make(map[string]queue.AdminQueue, len(deps.Queues))
	for _, q := range deps.Queues {
		byName[q.Name()] = q
	}

	staleTimeout := deps.DefaultStaleTimeout
	if staleTimeout <= 0 {
		staleTimeout = 30 * time.Minute
	}

	return &QueueHandler{
		logger:       deps.Logger,
		queues:       byName,
		staleTimeout: staleTimeout,
	}
}
