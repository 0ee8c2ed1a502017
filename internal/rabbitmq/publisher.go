package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// PublishChannel is the subset of *amqp.Channel the publisher needs
type PublishChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher publishes to one queue on a dedicated channel with confirmations
type Publisher struct {
	ch             PublishChannel
	queue          string
	confirms       chan amqp.Confirmation
	returns        chan amqp.Return
	confirmTimeout time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for the broker's confirmation
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// NewPublisher puts ch into confirm mode and binds it to queue
func NewPublisher(ch PublishChannel, queue string, options ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		ch:             ch,
		queue:          queue,
		confirmTimeout: 10 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	if err := ch.Confirm(false); err != nil {
		return nil, &ChannelError{Op: "enable confirms", Err: err, Timestamp: time.Now()}
	}

	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.returns = ch.NotifyReturn(make(chan amqp.Return, 1))

	return p, nil
}

// Publish sends msg to the queue through the default exchange. The publish is
// mandatory, so a missing queue is reported instead of silently dropped.
func (p *Publisher) Publish(ctx context.Context, msg amqp.Publishing) error {
	if err := p.ch.PublishWithContext(
		ctx,
		"",      // default exchange routes by queue name
		p.queue, // routing key
		true,    // mandatory
		false,   // immediate
		msg,
	); err != nil {
		return p.publishError(fmt.Errorf("failed to publish: %w", err))
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return p.publishError(ErrChannelClosed)
		}
		// The broker sends basic.return before basic.ack for unroutable messages
		select {
		case ret := <-p.returns:
			return p.publishError(fmt.Errorf("%w: %s", ErrMandatoryFailed, ret.ReplyText))
		default:
		}
		if !confirm.Ack {
			return p.publishError(ErrPublishNotConfirmed)
		}
		return nil

	case ret := <-p.returns:
		return p.publishError(fmt.Errorf("%w: %s", ErrMandatoryFailed, ret.ReplyText))

	case <-timer.C:
		return p.publishError(ErrPublishTimeout)

	case <-ctx.Done():
		return p.publishError(ctx.Err())
	}
}

func (p *Publisher) publishError(err error) error {
	return &PublishError{Queue: p.queue, Err: err, Timestamp: time.Now()}
}
