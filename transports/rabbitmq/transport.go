package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/qrelay/internal/rabbitmq"
	"github.com/glimte/qrelay/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

const transportName = "rabbitmq"

// channel is the part of *amqp.Channel used by senders and receivers
type channel interface {
	rabbitmq.PublishChannel
	rabbitmq.ConsumeChannel
	Close() error
}

// connection is the part of *amqp.Connection used by the transport
type connection interface {
	openChannel() (channel, error)
	Close() error
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) openChannel() (channel, error) {
	return c.conn.Channel()
}

func (c amqpConnection) Close() error {
	return c.conn.Close()
}

// Transport implements messaging.Transport for RabbitMQ. Queues are addressed
// through the default exchange and must already exist.
type Transport struct {
	url        string
	logger     *slog.Logger
	dialOpts   []rabbitmq.DialOption
	publishOpt []rabbitmq.PublisherOption
	dial       func(ctx context.Context) (connection, error)
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithDialOptions sets connection options
func WithDialOptions(opts ...rabbitmq.DialOption) TransportOption {
	return func(t *Transport) {
		t.dialOpts = append(t.dialOpts, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(t *Transport) {
		t.publishOpt = append(t.publishOpt, opts...)
	}
}

// NewTransport creates a RabbitMQ transport for an amqp:// or amqps:// URL.
// No connection is made until Dial.
func NewTransport(url string, options ...TransportOption) *Transport {
	t := &Transport{
		url:    url,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	t.dialOpts = append([]rabbitmq.DialOption{rabbitmq.WithLogger(t.logger)}, t.dialOpts...)
	t.dial = func(ctx context.Context) (connection, error) {
		conn, err := rabbitmq.Dial(ctx, t.url, t.dialOpts...)
		if err != nil {
			return nil, err
		}
		return amqpConnection{conn: conn}, nil
	}

	return t
}

// Name implements messaging.Transport
func (t *Transport) Name() string {
	return transportName
}

// Dial implements messaging.Transport
func (t *Transport) Dial(ctx context.Context) (messaging.Conn, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, transportError("dial", "", err)
	}
	return &brokerConn{conn: conn, transport: t}, nil
}

type brokerConn struct {
	conn      connection
	transport *Transport
}

// NewSender opens a confirm-mode channel bound to queue
func (c *brokerConn) NewSender(ctx context.Context, queue string) (messaging.Sender, error) {
	ch, err := c.conn.openChannel()
	if err != nil {
		return nil, transportError("open sender", queue, err)
	}

	publisher, err := rabbitmq.NewPublisher(ch, queue, c.transport.publishOpt...)
	if err != nil {
		ch.Close()
		return nil, transportError("open sender", queue, err)
	}

	return &sender{ch: ch, publisher: publisher, queue: queue}, nil
}

// NewReceiver opens a channel for consuming from queue
func (c *brokerConn) NewReceiver(ctx context.Context, queue string) (messaging.Receiver, error) {
	ch, err := c.conn.openChannel()
	if err != nil {
		return nil, transportError("open receiver", queue, err)
	}

	consumer := rabbitmq.NewConsumer(ch, queue, rabbitmq.WithConsumerLogger(c.transport.logger))
	return &receiver{ch: ch, consumer: consumer, queue: queue}, nil
}

func (c *brokerConn) Close(ctx context.Context) error {
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return transportError("close connection", "", err)
	}
	return nil
}

type sender struct {
	ch        channel
	publisher *rabbitmq.Publisher
	queue     string
}

func (s *sender) Send(ctx context.Context, msg *messaging.Message) error {
	err := s.publisher.Publish(ctx, amqp.Publishing{
		MessageId:    msg.ID,
		ContentType:  msg.ContentType,
		Timestamp:    msg.Timestamp,
		DeliveryMode: amqp.Persistent,
		Body:         msg.Body,
	})
	if err != nil {
		return transportError("send", s.queue, err)
	}
	return nil
}

func (s *sender) Close(ctx context.Context) error {
	return closeChannel(s.ch, "close sender", s.queue)
}

type receiver struct {
	ch       channel
	consumer *rabbitmq.Consumer
	queue    string
}

func (r *receiver) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]messaging.Delivery, error) {
	taken, err := r.consumer.Take(ctx, maxMessages, wait)
	if err != nil {
		return nil, transportError("receive", r.queue, err)
	}

	out := make([]messaging.Delivery, 0, len(taken))
	for _, d := range taken {
		out = append(out, &delivery{d: d})
	}
	return out, nil
}

func (r *receiver) Complete(ctx context.Context, d messaging.Delivery) error {
	rd, ok := d.(*delivery)
	if !ok {
		return transportError("complete", r.queue, messaging.ErrForeignDelivery)
	}
	if err := rd.d.Ack(false); err != nil {
		return transportError("complete", r.queue, err)
	}
	return nil
}

// Close closes the channel; the broker requeues anything left unacknowledged
func (r *receiver) Close(ctx context.Context) error {
	return closeChannel(r.ch, "close receiver", r.queue)
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) ID() string {
	return d.d.MessageId
}

func (d *delivery) Body() ([]byte, error) {
	return d.d.Body, nil
}

func closeChannel(ch channel, op, queue string) error {
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return transportError(op, queue, err)
	}
	return nil
}

func transportError(op, queue string, err error) error {
	kind := classify(err)
	switch {
	case errors.Is(err, rabbitmq.ErrMandatoryFailed):
		err = fmt.Errorf("%w: %w", messaging.ErrUnroutable, err)
	case errors.Is(err, rabbitmq.ErrPublishNotConfirmed):
		err = fmt.Errorf("%w: %w", messaging.ErrNotConfirmed, err)
	}
	return messaging.NewTransportError(transportName, op, queue, kind, err)
}

func classify(err error) messaging.Kind {
	switch {
	case errors.Is(err, rabbitmq.ErrConnectionTimeout),
		errors.Is(err, rabbitmq.ErrPublishTimeout):
		return messaging.KindTimeout
	case errors.Is(err, rabbitmq.ErrMandatoryFailed):
		return messaging.KindNotFound
	case errors.Is(err, rabbitmq.ErrPublishNotConfirmed):
		return messaging.KindProtocol
	case errors.Is(err, rabbitmq.ErrChannelClosed),
		errors.Is(err, rabbitmq.ErrConsumerCancelled),
		errors.Is(err, amqp.ErrClosed):
		return messaging.KindConnection
	case errors.Is(err, amqp.ErrSASL), errors.Is(err, amqp.ErrCredentials):
		return messaging.KindUnauthorized
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused:
			return messaging.KindUnauthorized
		case amqp.NotFound, amqp.NoRoute:
			return messaging.KindNotFound
		}
		if amqpErr.Server {
			return messaging.KindProtocol
		}
		return messaging.KindConnection
	}

	var connErr *rabbitmq.ConnectionError
	if errors.As(err, &connErr) {
		if kind := messaging.KindOf(connErr.Err); kind != messaging.KindUnknown {
			return kind
		}
		return messaging.KindConnection
	}

	return messaging.KindOf(err)
}
