// Package servicebus implements messaging.Transport for Azure Service Bus
// queues using the azservicebus SDK.
package servicebus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/glimte/qrelay/messaging"
)

const transportName = "servicebus"

// sbClient is the part of *azservicebus.Client used by the transport
type sbClient interface {
	NewSender(queue string) (sbSender, error)
	NewReceiver(queue string) (sbReceiver, error)
	Close(ctx context.Context) error
}

type sbSender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

type sbReceiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	PeekMessages(ctx context.Context, maxMessageCount int, options *azservicebus.PeekMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	Close(ctx context.Context) error
}

type sdkClient struct {
	client *azservicebus.Client
}

func (c sdkClient) NewSender(queue string) (sbSender, error) {
	return c.client.NewSender(queue, nil)
}

func (c sdkClient) NewReceiver(queue string) (sbReceiver, error) {
	return c.client.NewReceiverForQueue(queue, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
	})
}

func (c sdkClient) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}

// Transport opens Service Bus clients from a connection string of the form
// Endpoint=sb://...;SharedAccessKeyName=...;SharedAccessKey=...
type Transport struct {
	connectionString string
	logger           *slog.Logger
	newClient        func(connectionString string) (sbClient, error)
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a Service Bus transport. The connection string is
// parsed on Dial.
func NewTransport(connectionString string, options ...TransportOption) *Transport {
	t := &Transport{
		connectionString: connectionString,
		logger:           slog.Default(),
		newClient: func(connectionString string) (sbClient, error) {
			client, err := azservicebus.NewClientFromConnectionString(connectionString, clientOptions())
			if err != nil {
				return nil, err
			}
			return sdkClient{client: client}, nil
		},
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// clientOptions disables SDK retries so each operation is a single attempt
func clientOptions() *azservicebus.ClientOptions {
	return &azservicebus.ClientOptions{
		RetryOptions: azservicebus.RetryOptions{MaxRetries: -1},
	}
}

// Name implements messaging.Transport
func (t *Transport) Name() string {
	return transportName
}

// Dial implements messaging.Transport. The SDK connects lazily, so failures
// to reach the namespace surface on the first send or receive.
func (t *Transport) Dial(ctx context.Context) (messaging.Conn, error) {
	client, err := t.newClient(t.connectionString)
	if err != nil {
		return nil, messaging.NewTransportError(transportName, "dial", "",
			messaging.KindConfiguration, errors.Join(messaging.ErrInvalidConnectionString, err))
	}

	t.logger.Debug("created service bus client")
	return &conn{client: client}, nil
}

type conn struct {
	client sbClient
}

func (c *conn) NewSender(ctx context.Context, queue string) (messaging.Sender, error) {
	s, err := c.client.NewSender(queue)
	if err != nil {
		return nil, transportError("open sender", queue, err)
	}
	return &sender{sender: s, queue: queue}, nil
}

func (c *conn) NewReceiver(ctx context.Context, queue string) (messaging.Receiver, error) {
	r, err := c.client.NewReceiver(queue)
	if err != nil {
		return nil, transportError("open receiver", queue, err)
	}
	return &receiver{receiver: r, queue: queue}, nil
}

// Ping peeks at queue without locking anything. The SDK only opens its AMQP
// session on first use, so this is the first call that reaches the namespace.
func (c *conn) Ping(ctx context.Context, queue string) error {
	r, err := c.client.NewReceiver(queue)
	if err != nil {
		return transportError("ping", queue, err)
	}
	defer r.Close(ctx)

	if _, err := r.PeekMessages(ctx, 1, nil); err != nil {
		return transportError("ping", queue, err)
	}
	return nil
}

func (c *conn) Close(ctx context.Context) error {
	if err := c.client.Close(ctx); err != nil {
		return transportError("close connection", "", err)
	}
	return nil
}

type sender struct {
	sender sbSender
	queue  string
}

func (s *sender) Send(ctx context.Context, msg *messaging.Message) error {
	id, contentType := msg.ID, msg.ContentType
	err := s.sender.SendMessage(ctx, &azservicebus.Message{
		MessageID:   &id,
		ContentType: &contentType,
		Body:        msg.Body,
	}, nil)
	if err != nil {
		return transportError("send", s.queue, err)
	}
	return nil
}

func (s *sender) Close(ctx context.Context) error {
	if err := s.sender.Close(ctx); err != nil {
		return transportError("close sender", s.queue, err)
	}
	return nil
}

type receiver struct {
	receiver sbReceiver
	queue    string
}

// Receive blocks until a message arrives or wait elapses. Running out of
// wait time is an empty result, not an error.
func (r *receiver) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]messaging.Delivery, error) {
	if maxMessages < 1 {
		maxMessages = 1
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	messages, err := r.receiver.ReceiveMessages(waitCtx, maxMessages, nil)
	if err != nil && !(errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
		return nil, transportError("receive", r.queue, err)
	}

	out := make([]messaging.Delivery, 0, len(messages))
	for _, m := range messages {
		out = append(out, &delivery{msg: m})
	}
	return out, nil
}

func (r *receiver) Complete(ctx context.Context, d messaging.Delivery) error {
	sd, ok := d.(*delivery)
	if !ok {
		return transportError("complete", r.queue, messaging.ErrForeignDelivery)
	}
	if err := r.receiver.CompleteMessage(ctx, sd.msg, nil); err != nil {
		return transportError("complete", r.queue, err)
	}
	return nil
}

// Close releases the receiver. Locked messages that were not completed
// become visible again when their lock expires.
func (r *receiver) Close(ctx context.Context) error {
	if err := r.receiver.Close(ctx); err != nil {
		return transportError("close receiver", r.queue, err)
	}
	return nil
}

type delivery struct {
	msg *azservicebus.ReceivedMessage
}

func (d *delivery) ID() string {
	return d.msg.MessageID
}

// Body returns the single data section. Value and sequence bodies, and
// messages with several data sections, have no byte representation.
func (d *delivery) Body() ([]byte, error) {
	if d.msg.Body != nil {
		return d.msg.Body, nil
	}

	raw := d.msg.RawAMQPMessage
	if raw == nil {
		return []byte{}, nil
	}
	if raw.Body.Value != nil || len(raw.Body.Sequence) > 0 || len(raw.Body.Data) > 1 {
		return nil, messaging.ErrUnsupportedBody
	}
	if len(raw.Body.Data) == 1 {
		return raw.Body.Data[0], nil
	}
	return []byte{}, nil
}

func transportError(op, queue string, err error) error {
	return messaging.NewTransportError(transportName, op, queue, classify(err), err)
}

func classify(err error) messaging.Kind {
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) {
		switch sbErr.Code {
		case azservicebus.CodeUnauthorizedAccess:
			return messaging.KindUnauthorized
		case azservicebus.CodeTimeout:
			return messaging.KindTimeout
		case azservicebus.CodeConnectionLost:
			return messaging.KindConnection
		case azservicebus.CodeLockLost:
			return messaging.KindProtocol
		}
	}

	return messaging.KindOf(err)
}
