package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Message is the unit of delivery between a publisher and its subscribers.
type Message struct {
	// Channel is the named topic the message was published on (a queue name).
	Channel string
	// Event is the event kind within the channel, e.g. "docproc.job.queued".
	Event string
	// Payload is the opaque event body, normally a JSON-encoded envelope.
	Payload []byte
	// Timestamp is the publish time.
	Timestamp time.Time
}

// Handler processes a delivered message. A non-nil error is logged and
// isolated to this handler; it never reaches the publisher or other handlers.
type Handler func(ctx context.Context, msg Message) error

// Unsubscribe deregisters a handler. Calling it more than once is a no-op.
type Unsubscribe func()

// Bus is the pub/sub contract consumed by queue adapters and event clients.
type Bus interface {
	Publish(ctx context.Context, channel, event string, payload []byte) error
	Subscribe(channel, event string, handler Handler) (Unsubscribe, error)
	Close() error
}

// PublishError reports a transport-level failure while emitting an event.
// Handler errors are never wrapped in a PublishError.
type PublishError struct {
	Channel string
	Event   string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish on %s/%s failed: %v", e.Channel, e.Event, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

const (
	metaKeyChannel     = "channel"
	metaKeyEvent       = "event"
	metaKeyPublishedAt = "published_at"

	// outputBuffer keeps Publish from blocking on slow subscribers.
	outputBuffer = 64
)

// Broker is an in-process message broker with named channels and per-event
// subscriptions, backed by watermill's GoChannel pub/sub. Channels are created
// lazily on first publish or subscribe and torn down on Close. Delivery is
// best-effort to currently-subscribed handlers only; there is no replay
// buffer. Durability belongs to the job record, not the broker.
type Broker struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int]context.CancelFunc
	nextID int
	closed bool
}

// New creates a Broker. The caller owns its lifecycle and must Close it on
// shutdown; adapters receive the instance at construction time.
func New(logger *slog.Logger) *Broker {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: outputBuffer},
		watermill.NewStdLogger(false, false),
	)

	return &Broker{
		pubsub: pubsub,
		logger: logger,
		subs:   make(map[int]context.CancelFunc),
	}
}

// topic maps a (channel, event) pair onto a single watermill topic.
func topic(channel, event string) string {
	return channel + "/" + event
}

// Publish delivers payload to every handler currently subscribed to
// (channel, event). It returns a *PublishError only on transport failure;
// handler errors and panics are contained on the subscriber side.
func (b *Broker) Publish(ctx context.Context, channel, event string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return &PublishError{Channel: channel, Event: event, Err: fmt.Errorf("broker is closed")}
	}
	b.mu.Unlock()

	now := time.Now()

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metaKeyChannel, channel)
	msg.Metadata.Set(metaKeyEvent, event)
	msg.Metadata.Set(metaKeyPublishedAt, now.Format(time.RFC3339Nano))

	if err := b.pubsub.Publish(topic(channel, event), msg); err != nil {
		return &PublishError{Channel: channel, Event: event, Err: err}
	}

	b.logger.Debug("Event published",
		slog.String("channel", channel),
		slog.String("event", event),
		slog.Int("payload_size", len(payload)),
	)

	return nil
}

// Subscribe registers handler for (channel, event) and returns an idempotent
// unsubscribe function. The handler runs on a dedicated goroutine per
// subscription; Subscribe itself does not block.
func (b *Broker) Subscribe(channel, event string, handler Handler) (Unsubscribe, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}

	subCtx, cancel := context.WithCancel(context.Background())
	id := b.nextID
	b.nextID++
	b.subs[id] = cancel
	b.mu.Unlock()

	messages, err := b.pubsub.Subscribe(subCtx, topic(channel, event))
	if err != nil {
		cancel()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		return nil, fmt.Errorf("failed to subscribe to %s/%s: %w", channel, event, err)
	}

	go b.dispatchLoop(subCtx, channel, event, messages, handler)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}

	b.logger.Debug("Subscription registered",
		slog.String("channel", channel),
		slog.String("event", event),
	)

	return unsubscribe, nil
}

// dispatchLoop drains the subscription and invokes the handler with an
// isolated error boundary per message.
func (b *Broker) dispatchLoop(ctx context.Context, channel, event string, messages <-chan *message.Message, handler Handler) {
	for wmMsg := range messages {
		msg := Message{
			Channel:   wmMsg.Metadata.Get(metaKeyChannel),
			Event:     wmMsg.Metadata.Get(metaKeyEvent),
			Payload:   wmMsg.Payload,
			Timestamp: time.Now(),
		}
		if ts, err := time.Parse(time.RFC3339Nano, wmMsg.Metadata.Get(metaKeyPublishedAt)); err == nil {
			msg.Timestamp = ts
		}
		if msg.Channel == "" {
			msg.Channel = channel
		}
		if msg.Event == "" {
			msg.Event = event
		}

		// Ack before handling: delivery is at-most-once per handler and a
		// handler failure must never block the publisher or other handlers.
		wmMsg.Ack()

		b.invoke(ctx, channel, event, handler, msg)
	}

	b.logger.Debug("Subscription dispatch loop ended",
		slog.String("channel", channel),
		slog.String("event", event),
	)
}

func (b *Broker) invoke(ctx context.Context, channel, event string, handler Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				slog.String("channel", channel),
				slog.String("event", event),
				slog.Any("panic", r),
			)
		}
	}()

	if err := handler(ctx, msg); err != nil {
		b.logger.Error("Event handler failed",
			slog.String("channel", channel),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// Close unsubscribes all handlers and releases all channels. It is safe to
// call multiple times.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancels := make([]context.CancelFunc, 0, len(b.subs))
	for _, cancel := range b.subs {
		cancels = append(cancels, cancel)
	}
	b.subs = make(map[int]context.CancelFunc)
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	if err := b.pubsub.Close(); err != nil {
		return fmt.Errorf("failed to close pub/sub: %w", err)
	}

	b.logger.Info("Broker closed")
	return nil
}
