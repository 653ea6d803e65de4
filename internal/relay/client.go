// Package relay bridges the in-process broker and RabbitMQ. The outbound
// relay mirrors queue events onto a topic exchange so dashboards and other
// processes can observe them; the inbound bridge consumes job-create requests
// from a queue and feeds them to an adapter. Both directions are best-effort:
// a broken relay never blocks or rolls back adapter state.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection and exchange configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string

	// Exchange is the topic exchange events are mirrored to
	Exchange string
	// EnqueueQueue, when non-empty, is the queue the inbound bridge consumes
	// job-create requests from
	EnqueueQueue string

	RetryAttempts int
	RetryInterval time.Duration
	Heartbeat     time.Duration
}

// Client is a RabbitMQ connection managing one channel over a topic exchange
type Client struct {
	config  *Config
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *slog.Logger
}

// NewClient connects to RabbitMQ with retry and declares the topic exchange
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	c := &Client{config: config, logger: logger}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)
		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	err = c.channel.ExchangeDeclare(
		c.config.Exchange, // name
		"topic",           // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	c.logger.Info("RabbitMQ relay client initialized",
		slog.String("exchange", c.config.Exchange),
	)

	return nil
}

// PublishEvent publishes an event body on the topic exchange. The routing key
// is the full event name, e.g. "docproc.job.completed", so consumers can bind
// with patterns like "docproc.job.*" or "*.job.failed".
func (c *Client) PublishEvent(ctx context.Context, routingKey string, body []byte) error {
	err := c.channel.PublishWithContext(
		ctx,
		c.config.Exchange, // exchange
		routingKey,        // routing key
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	c.logger.Debug("Event mirrored to RabbitMQ",
		slog.String("routing_key", routingKey),
		slog.Int("body_size", len(body)),
	)
	return nil
}

// ConsumeEnqueue declares the enqueue queue and starts consuming job-create
// requests from it with manual acknowledgment.
func (c *Client) ConsumeEnqueue(consumerTag string) (<-chan amqp.Delivery, error) {
	if c.config.EnqueueQueue == "" {
		return nil, fmt.Errorf("no enqueue queue configured")
	}

	_, err := c.channel.QueueDeclare(
		c.config.EnqueueQueue, // name
		true,                  // durable
		false,                 // auto-delete
		false,                 // exclusive
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare enqueue queue: %w", err)
	}

	deliveries, err := c.channel.Consume(
		c.config.EnqueueQueue, // queue
		consumerTag,           // consumer tag
		false,                 // auto-ack
		false,                 // exclusive
		false,                 // no-local
		false,                 // no-wait
		nil,                   // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume enqueue requests: %w", err)
	}

	c.logger.Info("Consuming enqueue requests from RabbitMQ",
		slog.String("queue", c.config.EnqueueQueue),
		slog.String("consumer_tag", consumerTag),
	)

	return deliveries, nil
}

// ConsumeEvents binds a server-named exclusive queue to the topic exchange
// with the given binding key and starts consuming matching mirrored events.
// Deliveries are auto-acked: event consumption is best-effort, and a missed
// event must never wedge the exchange.
func (c *Client) ConsumeEvents(bindingKey, consumerTag string) (<-chan amqp.Delivery, error) {
	q, err := c.channel.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare event queue: %w", err)
	}

	if err := c.channel.QueueBind(q.Name, bindingKey, c.config.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind event queue: %w", err)
	}

	deliveries, err := c.channel.Consume(
		q.Name,      // queue
		consumerTag, // consumer tag
		true,        // auto-ack
		true,        // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume events: %w", err)
	}

	c.logger.Info("Consuming mirrored events from RabbitMQ",
		slog.String("binding_key", bindingKey),
		slog.String("queue", q.Name),
	)

	return deliveries, nil
}

// Close closes the channel and connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return err
		}
	}
	return nil
}

// IsConnected reports whether the underlying connection is open
func (c *Client) IsConnected() bool {
	return c.conn != nil && !c.conn.IsClosed()
}
