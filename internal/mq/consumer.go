package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mednotify/internal/errclass"
	"mednotify/internal/metrics"
)

const ExchangeName = "events"

// EventHandler processes one decoded event. Returning a transient error
// nacks the message for redelivery; anything else acks it.
type EventHandler func(ctx context.Context, ev *Event) error

// Consumer is a durable subscriber to the inbound notification queue.
// It decodes and validates each message, then invokes the handler exactly
// once per delivery. Acknowledgment discipline:
//
//   - malformed payload -> log + ack (poison messages are never requeued)
//   - transient handler error -> nack + requeue, the queue redelivers
//   - permanent handler error -> log + ack
//   - processing timeout -> log + ack, the work is recoverable through
//     the retry store, not through queue redelivery
type Consumer struct {
	conn           *amqp091.Connection
	channel        *amqp091.Channel
	queue          amqp091.Queue
	handler        EventHandler
	handleTimeout  time.Duration
	logger         *zap.Logger
	done           chan struct{}
}

func NewConsumer(url, queueName string, routingKeys []string, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(ExchangeName, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, rk := range routingKeys {
		if err := ch.QueueBind(q.Name, rk, ExchangeName, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to bind queue to %s: %w", rk, err)
		}
	}

	logger.Info("Consumer initialized",
		zap.String("queue", q.Name),
		zap.Strings("routing_keys", routingKeys),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:          conn,
		channel:       ch,
		queue:         q,
		handleTimeout: 30 * time.Second,
		logger:        logger,
		done:          make(chan struct{}),
	}, nil
}

func (c *Consumer) SetHandler(h EventHandler) {
	c.handler = h
}

func (c *Consumer) Close() {
	close(c.done)
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming blocks reading deliveries; run it in a goroutine.
func (c *Consumer) StartConsuming() error {
	if c.handler == nil {
		return errors.New("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(c.queue.Name, "notifyd", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages", zap.String("queue", c.queue.Name))

	for msg := range deliveries {
		select {
		case <-c.done:
			return nil
		default:
		}
		c.process(msg)
	}
	return nil
}

func (c *Consumer) process(msg amqp091.Delivery) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered, dropping message",
				zap.String("queue", c.queue.Name),
				zap.Any("panic", r),
			)
			c.ack(msg)
		}
	}()

	ev, err := Decode(msg.Body)
	if err != nil {
		// Schema failure: the producer will not correct this on redelivery,
		// so drop it out of the queue with full visibility.
		c.logger.Error("Rejected malformed message",
			zap.String("queue", c.queue.Name),
			zap.Int("message_size", len(msg.Body)),
			zap.Error(err),
		)
		metrics.EventsConsumed.WithLabelValues("unknown", "malformed").Inc()
		c.ack(msg)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.handleTimeout)
	defer cancel()

	err = c.handler(ctx, ev)
	metrics.ObserveConsumeLatency(ev.Type, time.Since(start))

	switch {
	case err == nil:
		c.ack(msg)

	case ctx.Err() != nil:
		// Processing timed out. Acknowledge anyway: failed sends are already
		// parked in the retry store, and leaving the message to redeliver
		// forever is worse than losing this pass.
		c.logger.Error("Message processing timed out, acknowledging",
			zap.String("envelope_id", ev.ID),
			zap.String("event_type", ev.Type),
		)
		metrics.EventsConsumed.WithLabelValues(ev.Type, "error").Inc()
		c.ack(msg)

	case errclass.Retryable(err):
		c.logger.Error("Transient handler error, requeueing",
			zap.String("envelope_id", ev.ID),
			zap.String("event_type", ev.Type),
			zap.Error(err),
		)
		metrics.EventsConsumed.WithLabelValues(ev.Type, "error").Inc()
		if nackErr := msg.Nack(false, true); nackErr != nil {
			c.logger.Error("Failed to nack message", zap.Error(nackErr))
		}

	default:
		c.logger.Error("Permanent handler error, dropping message",
			zap.String("envelope_id", ev.ID),
			zap.String("event_type", ev.Type),
			zap.Error(err),
		)
		metrics.EventsConsumed.WithLabelValues(ev.Type, "error").Inc()
		c.ack(msg)
	}
}

func (c *Consumer) ack(msg amqp091.Delivery) {
	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack message", zap.String("queue", c.queue.Name), zap.Error(err))
	}
}
