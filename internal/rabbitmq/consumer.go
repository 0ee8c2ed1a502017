package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumeChannel is the subset of *amqp.Channel the consumer needs
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

// Consumer takes bounded batches of deliveries from one queue
type Consumer struct {
	ch     ConsumeChannel
	queue  string
	logger *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer for queue on ch
func NewConsumer(ch ConsumeChannel, queue string, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		ch:     ch,
		queue:  queue,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Take waits up to wait for the first delivery and returns at most max
// deliveries. Deliveries are not acknowledged; the prefetch limit keeps the
// broker from pushing more than max unacknowledged messages to this channel.
func (c *Consumer) Take(ctx context.Context, max int, wait time.Duration) ([]amqp.Delivery, error) {
	if max < 1 {
		max = 1
	}

	if err := c.ch.Qos(max, 0, false); err != nil {
		return nil, c.consumerError("", "set qos", err)
	}

	tag := "qrelay-" + uuid.NewString()
	deliveries, err := c.ch.Consume(
		c.queue,
		tag,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, c.consumerError(tag, "consume", err)
	}
	defer func() {
		if err := c.ch.Cancel(tag, false); err != nil {
			c.logger.Debug("failed to cancel consumer", "consumerTag", tag, "error", err)
		}
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var taken []amqp.Delivery
	select {
	case d, ok := <-deliveries:
		if !ok {
			return nil, c.consumerError(tag, "receive", ErrConsumerCancelled)
		}
		taken = append(taken, d)

	case <-timer.C:
		return nil, nil

	case <-ctx.Done():
		return nil, c.consumerError(tag, "receive", ctx.Err())
	}

	for len(taken) < max {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return taken, nil
			}
			taken = append(taken, d)
		default:
			return taken, nil
		}
	}

	return taken, nil
}

func (c *Consumer) consumerError(tag, op string, err error) error {
	return &ConsumerError{
		Queue:       c.queue,
		ConsumerTag: tag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
