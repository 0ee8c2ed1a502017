package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Transport opens connections to a queue service
type Transport interface {
	// Name identifies the queue service in logs and errors
	Name() string

	// Dial opens a new connection. The caller owns the returned Conn.
	Dial(ctx context.Context) (Conn, error)
}

// Conn is a single connection to the queue service
type Conn interface {
	// NewSender opens a sender bound to queue
	NewSender(ctx context.Context, queue string) (Sender, error)

	// NewReceiver opens a receiver bound to queue
	NewReceiver(ctx context.Context, queue string) (Receiver, error)

	// Close releases the connection
	Close(ctx context.Context) error
}

// Pinger is implemented by connections whose Dial does not reach the queue
// service. Ping makes a network round trip against queue and fails when the
// service or the queue cannot be reached.
type Pinger interface {
	Ping(ctx context.Context, queue string) error
}

// Sender submits messages to one queue
type Sender interface {
	// Send submits exactly one message
	Send(ctx context.Context, msg *Message) error

	// Close releases the sender
	Close(ctx context.Context) error
}

// Receiver retrieves and acknowledges messages from one queue
type Receiver interface {
	// Receive waits up to wait for at least one message and returns at most
	// maxMessages deliveries. An empty slice with a nil error means the queue
	// had nothing to deliver within the wait window.
	Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]Delivery, error)

	// Complete removes a delivery from the queue
	Complete(ctx context.Context, d Delivery) error

	// Close releases the receiver. Deliveries that were not completed are
	// returned to the queue according to the service's own policy.
	Close(ctx context.Context) error
}

// Delivery is a received message that has not been completed yet
type Delivery interface {
	// ID returns the queue-assigned message identifier, if any
	ID() string

	// Body returns the message body. It fails when the body cannot be
	// represented as bytes.
	Body() ([]byte, error)
}

// Message is an outbound message
type Message struct {
	ID          string
	Body        []byte
	ContentType string
	Timestamp   time.Time
}

// NewMessage creates a JSON message with a random identifier
func NewMessage(body []byte) *Message {
	return &Message{
		ID:          uuid.NewString(),
		Body:        body,
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
	}
}

// TransportFunc adapts a dial function to Transport
type TransportFunc struct {
	name string
	fn   func(ctx context.Context) (Conn, error)
}

// NewTransportFunc creates a function-based transport
func NewTransportFunc(name string, fn func(ctx context.Context) (Conn, error)) *TransportFunc {
	return &TransportFunc{name: name, fn: fn}
}

// Name implements Transport
func (t *TransportFunc) Name() string {
	return t.name
}

// Dial implements Transport
func (t *TransportFunc) Dial(ctx context.Context) (Conn, error) {
	return t.fn(ctx)
}
