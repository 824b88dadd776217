package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/apperrors"
	"github.com/ternarybob/linewatch/internal/common"
	"github.com/ternarybob/linewatch/internal/interfaces"
	"github.com/ternarybob/linewatch/internal/models"
)

// Client is the RabbitMQ broker client. It owns one connection carrying a
// durable work queue for task messages and a fanout exchange for progress
// events.
type Client struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	queue    string
	exchange string
	logger   arbor.ILogger
}

// Connect dials the broker with bounded retries and declares the queue
// topology. Both binaries call this at startup; the retry window covers the
// broker coming up alongside them.
func Connect(cfg common.QueueConfig, logger arbor.ILogger) (interfaces.QueueService, error) {
	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 30
	}
	delay := cfg.Delay()

	var conn *amqp.Connection
	var err error
	for i := 1; i <= attempts; i++ {
		conn, err = amqp.Dial(cfg.URL)
		if err == nil {
			break
		}
		logger.Warn().Int("attempt", i).Int("max", attempts).Err(err).Msg("RabbitMQ connection failed, retrying")
		if i < attempts {
			time.Sleep(delay)
		}
	}
	if err != nil {
		return nil, apperrors.Unavailable("cannot connect to RabbitMQ", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, apperrors.Unavailable("cannot open RabbitMQ channel", err)
	}

	// Durable work queue: messages survive a broker restart.
	if _, err := channel.QueueDeclare(cfg.TaskQueue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, apperrors.Unavailable("cannot declare task queue", err)
	}
	// Durable fanout exchange: every subscriber sees every progress event.
	if err := channel.ExchangeDeclare(cfg.UpdatesExchange, "fanout", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, apperrors.Unavailable("cannot declare updates exchange", err)
	}

	logger.Info().
		Str("queue", cfg.TaskQueue).
		Str("exchange", cfg.UpdatesExchange).
		Msg("RabbitMQ client connected")

	return &Client{
		conn:     conn,
		channel:  channel,
		queue:    cfg.TaskQueue,
		exchange: cfg.UpdatesExchange,
		logger:   logger,
	}, nil
}

// PublishTask enqueues a work message. Persistent so a broker restart cannot
// lose accepted tasks.
func (c *Client) PublishTask(ctx context.Context, msg models.TaskMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return apperrors.Internal("failed to encode task message", err)
	}

	err = c.channel.PublishWithContext(ctx, "", c.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return apperrors.Unavailable("failed to publish task message", err)
	}
	return nil
}

// PublishProgress emits a progress event to the fanout exchange. Transient:
// progress is ephemeral UI state, not durable data.
func (c *Client) PublishProgress(ctx context.Context, progress models.TaskProgress) error {
	body, err := json.Marshal(progress)
	if err != nil {
		return apperrors.Internal("failed to encode progress event", err)
	}

	err = c.channel.PublishWithContext(ctx, c.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return apperrors.Unavailable("failed to publish progress event", err)
	}
	return nil
}

// ConsumeTasks delivers work messages one at a time (prefetch 1) until ctx is
// cancelled or the channel closes. A nil handler result acks the message;
// errors nack without requeue so a poison message cannot loop forever.
func (c *Client) ConsumeTasks(ctx context.Context, handler interfaces.TaskHandler) error {
	if err := c.channel.Qos(1, 0, false); err != nil {
		return apperrors.Unavailable("failed to set prefetch", err)
	}

	deliveries, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return apperrors.Unavailable("failed to consume task queue", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return apperrors.Unavailable("task queue channel closed", nil)
			}
			c.handleTaskDelivery(ctx, d, handler)
		}
	}
}

func (c *Client) handleTaskDelivery(ctx context.Context, d amqp.Delivery, handler interfaces.TaskHandler) {
	var msg models.TaskMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.logger.Error().Err(err).Msg("Dropping malformed task message")
		d.Nack(false, false)
		return
	}

	err := handler(ctx, interfaces.TaskDelivery{Message: msg, Redelivered: d.Redelivered})
	if err != nil {
		c.logger.Error().Str("task_id", msg.TaskID).Err(err).Msg("Task handler failed")
		d.Nack(false, false)
		return
	}
	d.Ack(false)
}

// ConsumeProgress binds an exclusive auto-delete queue to the updates exchange
// and delivers events to handler. Parse failures drop the message.
func (c *Client) ConsumeProgress(ctx context.Context, handler interfaces.ProgressHandler) error {
	q, err := c.channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return apperrors.Unavailable("failed to declare progress queue", err)
	}
	if err := c.channel.QueueBind(q.Name, "", c.exchange, false, nil); err != nil {
		return apperrors.Unavailable("failed to bind progress queue", err)
	}

	deliveries, err := c.channel.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return apperrors.Unavailable("failed to consume progress queue", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return apperrors.Unavailable("progress channel closed", nil)
			}
			var progress models.TaskProgress
			if err := json.Unmarshal(d.Body, &progress); err != nil {
				c.logger.Warn().Err(err).Msg("Dropping malformed progress event")
				continue
			}
			handler(progress)
		}
	}
}

// Close shuts down the channel and connection.
func (c *Client) Close() error {
	var firstErr error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close channel: %w", err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close connection: %w", err)
		}
	}
	return firstErr
}
