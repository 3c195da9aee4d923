package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pnp-attest/pnp-go/internal/privacylog"
)

// CodeMessage is the body of a relayed SMS on the queue.
type CodeMessage struct {
	Session string `json:"session"`
	Code    string `json:"code"`
}

// Channel is the part of *amqp.Channel the consumer uses.
type Channel interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// QueueConsumer feeds codes relayed through RabbitMQ into the registry.
// Deliveries are acked once handled, whatever the match outcome, and
// rejected without requeue when they cannot be handled at all.
type QueueConsumer struct {
	channel  Channel
	queue    string
	registry *Registry
	logger   *slog.Logger
	conn     *amqp.Connection
}

func NewQueueConsumer(ch Channel, queue string, registry *Registry, logger *slog.Logger) *QueueConsumer {
	return &QueueConsumer{
		channel:  ch,
		queue:    queue,
		registry: registry,
		logger:   privacylog.OrDiscard(logger).With("component", "queue", "queue", queue),
	}
}

// DialQueueConsumer connects to amqpURL and declares queue.
func DialQueueConsumer(amqpURL, queue string, registry *Registry, logger *slog.Logger) (*QueueConsumer, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	c := NewQueueConsumer(ch, queue, registry, logger)
	c.conn = conn
	return c, nil
}

func (c *QueueConsumer) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Run consumes until ctx ends or the delivery channel closes.
func (c *QueueConsumer) Run(ctx context.Context) error {
	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *QueueConsumer) handle(ctx context.Context, d amqp.Delivery) {
	var msg CodeMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.Code == "" {
		c.logger.Warn("malformed delivery", "operation", "consume", "delivery_tag", d.DeliveryTag)
		_ = d.Nack(false, false)
		return
	}
	id, err := uuid.Parse(msg.Session)
	if err != nil {
		c.logger.Warn("malformed session id", "operation", "consume", "delivery_tag", d.DeliveryTag)
		_ = d.Nack(false, false)
		return
	}

	res, err := c.registry.Submit(ctx, id, msg.Code)
	switch {
	case errors.Is(err, ErrUnknownSession):
		c.logger.Warn("code for unknown session", "operation", "consume", "correlation_id", id.String())
		_ = d.Nack(false, false)
		return
	case ctx.Err() != nil:
		// Shutting down mid-submission; leave it for the next consumer.
		_ = d.Nack(false, true)
		return
	}
	c.logger.Info("inbound code", "operation", "consume", "correlation_id", id.String(), "status", res.Status)
	_ = d.Ack(false)
}
