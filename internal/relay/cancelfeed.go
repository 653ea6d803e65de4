package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/matreco/queue-service/internal/queue"
)

// CancelTarget receives cancel requests for jobs that may be running on this
// instance. Implemented by the worker runner.
type CancelTarget interface {
	CancelInflight(jobID string) bool
}

// CancelFeed consumes mirrored canceled events from the RabbitMQ exchange and
// forwards them to the runner of the matching queue. Cancel requests arriving
// through another process's HTTP API reach in-flight jobs here; the in-process
// broker only covers cancels issued inside the same process.
//
// Targets are invoked directly rather than republished on the local broker,
// so the outbound relay never mirrors a foreign event back to the exchange.
type CancelFeed struct {
	client  *Client
	targets map[string]CancelTarget
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewCancelFeed creates a feed dispatching to the given per-queue targets
func NewCancelFeed(client *Client, targets map[string]CancelTarget, logger *slog.Logger) *CancelFeed {
	return &CancelFeed{
		client:  client,
		targets: targets,
		logger:  logger,
	}
}

// Start begins consuming canceled events until ctx is canceled
func (f *CancelFeed) Start(ctx context.Context) error {
	consumerTag := "cancel-feed-" + uuid.New().String()

	deliveries, err := f.client.ConsumeEvents("*.job."+queue.EventCanceled, consumerTag)
	if err != nil {
		return err
	}

	f.wg.Add(1)
	go f.dispatchLoop(ctx, deliveries)
	return nil
}

// Wait blocks until the dispatch loop has drained after ctx cancellation
func (f *CancelFeed) Wait() {
	f.wg.Wait()
}

func (f *CancelFeed) dispatchLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer f.wg.Done()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("Cancel feed stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				f.logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			f.handleDelivery(delivery)
		}
	}
}

func (f *CancelFeed) handleDelivery(delivery amqp.Delivery) {
	var env queue.Envelope
	if err := json.Unmarshal(delivery.Body, &env); err != nil {
		f.logger.Error("Failed to decode canceled event",
			slog.String("routing_key", delivery.RoutingKey),
			slog.String("error", err.Error()),
		)
		return
	}

	target, ok := f.targets[env.Queue]
	if !ok {
		return
	}

	if target.CancelInflight(env.JobID) {
		f.logger.Info("Canceled in-flight job from mirrored event",
			slog.String("queue", env.Queue),
			slog.String("job_id", env.JobID),
		)
	}
}
