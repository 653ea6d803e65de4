package relay

import (
	"context"
	"log/slog"

	"github.com/matreco/queue-service/internal/broker"
	"github.com/matreco/queue-service/internal/events"
)

// Relay mirrors queue events from the in-process broker onto RabbitMQ.
// Subscribers on the far side must tolerate gaps: the mirror is best-effort
// and the job record remains the durable source of truth.
type Relay struct {
	client *Client
	events *events.Client
	logger *slog.Logger
}

// NewRelay creates an event relay over the given broker and RabbitMQ client
func NewRelay(client *Client, bus broker.Bus, logger *slog.Logger) *Relay {
	return &Relay{
		client: client,
		events: events.NewClient(bus, logger),
		logger: logger,
	}
}

// Start mirrors all canonical events of the named queues. Publish failures
// are logged and dropped; they never propagate back into the broker.
func (r *Relay) Start(queueNames []string) error {
	for _, name := range queueNames {
		if _, err := r.events.SubscribeToAllEvents(name, r.mirror); err != nil {
			r.events.UnsubscribeAll()
			return err
		}
		r.logger.Info("Relaying queue events to RabbitMQ",
			slog.String("queue", name),
		)
	}
	return nil
}

func (r *Relay) mirror(ctx context.Context, msg broker.Message) error {
	if err := r.client.PublishEvent(ctx, msg.Event, msg.Payload); err != nil {
		r.logger.Warn("Failed to mirror event to RabbitMQ",
			slog.String("event", msg.Event),
			slog.String("error", err.Error()),
		)
	}
	// Mirror errors are contained here; other broker subscribers are
	// unaffected either way.
	return nil
}

// Stop detaches all broker subscriptions. The RabbitMQ client is owned by the
// caller and closed separately.
func (r *Relay) Stop() {
	r.events.UnsubscribeAll()
}
