package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/matreco/queue-service/internal/queue"
)

// EnqueueRequest is the JSON body external producers publish to the enqueue
// queue to create a job without touching the HTTP surface.
type EnqueueRequest struct {
	Queue    string          `json:"queue_name"`
	Priority *int            `json:"priority,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Bridge consumes enqueue requests from RabbitMQ and creates jobs through the
// matching queue adapter.
type Bridge struct {
	client *Client
	queues map[string]queue.AdminQueue
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewBridge creates an inbound bridge over the given admin queues
func NewBridge(client *Client, queues []queue.AdminQueue, logger *slog.Logger) *Bridge {
	byName := make(map[string]queue.AdminQueue, len(queues))
	for _, q := range queues {
		byName[q.Name()] = q
	}
	return &Bridge{
		client: client,
		queues: byName,
		logger: logger,
	}
}

// Start begins consuming enqueue requests until ctx is canceled
func (b *Bridge) Start(ctx context.Context) error {
	consumerTag := "enqueue-bridge-" + uuid.New().String()

	deliveries, err := b.client.ConsumeEnqueue(consumerTag)
	if err != nil {
		return err
	}

	b.wg.Add(1)
	go b.dispatchLoop(ctx, deliveries)
	return nil
}

// Wait blocks until the dispatch loop has drained after ctx cancellation
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) dispatchLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Enqueue bridge stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				b.logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			b.handleDelivery(ctx, delivery)
		}
	}
}

func (b *Bridge) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var req EnqueueRequest
	if err := json.Unmarshal(delivery.Body, &req); err != nil {
		b.logger.Error("Failed to parse enqueue request",
			slog.String("error", err.Error()),
		)
		// Malformed requests are dropped, not requeued
		b.nack(delivery, false)
		return
	}

	target, ok := b.queues[req.Queue]
	if !ok {
		b.logger.Error("Enqueue request for unknown queue",
			slog.String("queue", req.Queue),
		)
		b.nack(delivery, false)
		return
	}

	job, err := target.CreateJob(ctx, req.Payload, req.Priority)
	if err != nil {
		if queue.IsValidation(err) {
			b.logger.Error("Enqueue request rejected by validation",
				slog.String("queue", req.Queue),
				slog.String("error", err.Error()),
			)
			b.nack(delivery, false)
			return
		}
		// Store errors may be transient; requeue for another attempt
		b.logger.Error("Failed to create job from enqueue request",
			slog.String("queue", req.Queue),
			slog.String("error", err.Error()),
		)
		b.nack(delivery, true)
		return
	}

	if err := delivery.Ack(false); err != nil {
		b.logger.Error("Failed to ACK enqueue request",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	b.logger.Info("Job created from enqueue request",
		slog.String("queue", req.Queue),
		slog.String("job_id", job.ID),
	)
}

func (b *Bridge) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil && !errors.Is(err, amqp.ErrClosed) {
		b.logger.Error("Failed to NACK enqueue request",
			slog.String("error", err.Error()),
		)
	}
}
