// Package events provides a consumer-side façade over the broker for
// dashboards and downstream services that want per-queue event streams
// without touching adapter internals.
package events

import (
	"log/slog"
	"sync"

	"github.com/matreco/queue-service/internal/broker"
	"github.com/matreco/queue-service/internal/queue"
)

// Client manages a set of broker subscriptions on behalf of one consumer.
// Channels are created lazily by the broker on first subscribe; the client
// only tracks what it registered so UnsubscribeAll can clean up on shutdown.
type Client struct {
	bus    broker.Bus
	logger *slog.Logger

	mu     sync.Mutex
	unsubs map[int]broker.Unsubscribe
	nextID int
}

// NewClient creates an event client over the given bus
func NewClient(bus broker.Bus, logger *slog.Logger) *Client {
	return &Client{
		bus:    bus,
		logger: logger,
		unsubs: make(map[int]broker.Unsubscribe),
	}
}

// Subscribe registers handler for the given canonical event kinds on one
// queue's channel. The returned unsubscribe detaches exactly this
// registration and is idempotent.
func (c *Client) Subscribe(queueName string, kinds []string, handler broker.Handler) (broker.Unsubscribe, error) {
	unsubs := make([]broker.Unsubscribe, 0, len(kinds))
	for _, kind := range kinds {
		unsub, err := c.bus.Subscribe(queueName, queue.EventName(queueName, kind), handler)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return nil, err
		}
		unsubs = append(unsubs, unsub)
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	combined := func() {
		for _, u := range unsubs {
			u()
		}
		c.mu.Lock()
		delete(c.unsubs, id)
		c.mu.Unlock()
	}
	c.unsubs[id] = combined
	c.mu.Unlock()

	c.logger.Debug("Event subscription added",
		slog.String("queue", queueName),
		slog.Int("event_kinds", len(kinds)),
	)

	return combined, nil
}

// SubscribeToAllEvents fans out a single handler across every canonical
// event kind of the queue.
func (c *Client) SubscribeToAllEvents(queueName string, handler broker.Handler) (broker.Unsubscribe, error) {
	return c.Subscribe(queueName, queue.AllEvents(), handler)
}

// UnsubscribeAll detaches every registration this client made. Safe to call
// multiple times; used for clean shutdown.
func (c *Client) UnsubscribeAll() {
	c.mu.Lock()
	unsubs := make([]broker.Unsubscribe, 0, len(c.unsubs))
	for _, u := range c.unsubs {
		unsubs = append(unsubs, u)
	}
	c.unsubs = make(map[int]broker.Unsubscribe)
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}

	if len(unsubs) > 0 {
		c.logger.Debug("All event subscriptions removed",
			slog.Int("count", len(unsubs)),
		)
	}
}
