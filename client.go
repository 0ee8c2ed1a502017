// Copyright 2024 The qrelay Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package qrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/qrelay/messaging"
	"github.com/glimte/qrelay/transports"
)

// DefaultReceiveWait bounds how long Dequeue waits for a message
const DefaultReceiveWait = 5 * time.Second

// ErrInvalidPayload is returned when an enqueue payload is not a JSON object
var ErrInvalidPayload = errors.New("qrelay: payload must be a JSON object")

// Client relays messages to and from one queue. Every operation dials a fresh
// connection and releases it before returning.
type Client struct {
	transport    messaging.Transport
	queue        string
	logger       *slog.Logger
	closeTimeout time.Duration
}

// DequeueResult is the outcome of a successful Dequeue
type DequeueResult struct {
	Found     bool
	MessageID string
	Content   string
}

// NewClient creates a client for queueName on transport
func NewClient(transport messaging.Transport, queueName string, options ...ClientOption) *Client {
	cfg := &clientConfig{
		logger:       slog.Default(),
		closeTimeout: 10 * time.Second,
	}

	for _, opt := range options {
		opt(cfg)
	}

	return &Client{
		transport:    transport,
		queue:        queueName,
		logger:       cfg.logger,
		closeTimeout: cfg.closeTimeout,
	}
}

// NewClientFromConfig resolves the transport from cfg.ConnectionString. A
// connection string that cannot be resolved does not fail here; the returned
// client reports the problem on every operation instead.
func NewClientFromConfig(cfg Config, options ...ClientOption) *Client {
	resolved := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(resolved)
	}

	transport, err := transports.Resolve(cfg.ConnectionString, transports.WithLogger(resolved.logger))
	if err != nil {
		resolved.logger.Warn("queue transport unavailable, operations will fail",
			"error", err,
			"connection", messaging.RedactConnectionString(cfg.ConnectionString))
		transport = unavailableTransport(err)
	}

	return NewClient(transport, cfg.QueueName, options...)
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Queue returns the configured queue name
func (c *Client) Queue() string {
	return c.queue
}

// WithSender dials a connection, opens a sender on it and calls fn. The
// sender is closed before the connection, on every return path.
func (c *Client) WithSender(ctx context.Context, fn func(ctx context.Context, sender messaging.Sender) error) error {
	if c.queue == "" {
		return c.configError("open sender", messaging.ErrMissingQueueName)
	}

	conn, err := c.transport.Dial(ctx)
	if err != nil {
		return err
	}
	defer c.release("connection", conn.Close)

	sender, err := conn.NewSender(ctx, c.queue)
	if err != nil {
		return err
	}
	defer c.release("sender", sender.Close)

	return fn(ctx, sender)
}

// WithReceiver dials a connection, opens a receiver on it and calls fn. The
// receiver is closed before the connection, on every return path.
func (c *Client) WithReceiver(ctx context.Context, fn func(ctx context.Context, receiver messaging.Receiver) error) error {
	if c.queue == "" {
		return c.configError("open receiver", messaging.ErrMissingQueueName)
	}

	conn, err := c.transport.Dial(ctx)
	if err != nil {
		return err
	}
	defer c.release("connection", conn.Close)

	receiver, err := conn.NewReceiver(ctx, c.queue)
	if err != nil {
		return err
	}
	defer c.release("receiver", receiver.Close)

	return fn(ctx, receiver)
}

// Enqueue submits payload as a single message. The payload must be a JSON
// object; it is sent as its compact JSON text.
func (c *Client) Enqueue(ctx context.Context, payload json.RawMessage) error {
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}

	msg := messaging.NewMessage(body)
	err = c.WithSender(ctx, func(ctx context.Context, sender messaging.Sender) error {
		return sender.Send(ctx, msg)
	})
	if err != nil {
		return err
	}

	c.logger.Debug("message enqueued",
		"transport", c.transport.Name(),
		"queue", c.queue,
		"messageId", msg.ID,
		"size", len(body))
	return nil
}

// Dequeue waits up to wait for one message. When a message arrives its body
// is read first and the message is completed afterwards, so a read failure
// leaves it on the queue for redelivery.
func (c *Client) Dequeue(ctx context.Context, wait time.Duration) (DequeueResult, error) {
	if wait <= 0 {
		wait = DefaultReceiveWait
	}

	var result DequeueResult
	err := c.WithReceiver(ctx, func(ctx context.Context, receiver messaging.Receiver) error {
		deliveries, err := receiver.Receive(ctx, 1, wait)
		if err != nil {
			return err
		}
		if len(deliveries) == 0 {
			return nil
		}
		if len(deliveries) > 1 {
			c.logger.Warn("received more messages than requested, leaving extras unacknowledged",
				"queue", c.queue,
				"count", len(deliveries))
		}

		d := deliveries[0]
		body, err := d.Body()
		if err != nil {
			return fmt.Errorf("read message %s: %w", d.ID(), err)
		}

		if err := receiver.Complete(ctx, d); err != nil {
			return err
		}

		result = DequeueResult{Found: true, MessageID: d.ID(), Content: string(body)}
		return nil
	})
	if err != nil {
		return DequeueResult{}, err
	}

	if result.Found {
		c.logger.Debug("message dequeued",
			"transport", c.transport.Name(),
			"queue", c.queue,
			"messageId", result.MessageID)
	}
	return result, nil
}

// Ping dials the transport and closes the connection again. When the
// connection is a messaging.Pinger and a queue is configured, the queue is
// pinged in between.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.transport.Dial(ctx)
	if err != nil {
		return err
	}
	defer c.release("connection", conn.Close)

	if pinger, ok := conn.(messaging.Pinger); ok && c.queue != "" {
		return pinger.Ping(ctx, c.queue)
	}
	return nil
}

// release closes a handle on a context detached from the caller so that a
// cancelled request still frees its resources. Close failures are logged only.
func (c *Client) release(what string, closeFn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.closeTimeout)
	defer cancel()

	if err := closeFn(ctx); err != nil {
		c.logger.Warn("failed to release queue "+what,
			"transport", c.transport.Name(),
			"queue", c.queue,
			"error", err)
	}
}

func (c *Client) configError(op string, err error) error {
	return messaging.NewTransportError(c.transport.Name(), op, c.queue, messaging.KindConfiguration, err)
}

func encodePayload(payload json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrInvalidPayload
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return buf.Bytes(), nil
}

func unavailableTransport(cause error) messaging.Transport {
	return messaging.NewTransportFunc("unconfigured", func(ctx context.Context) (messaging.Conn, error) {
		return nil, messaging.NewTransportError("unconfigured", "dial", "", messaging.KindConfiguration, cause)
	})
}

// clientConfig holds client configuration
type clientConfig struct {
	logger       *slog.Logger
	closeTimeout time.Duration
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for the client and its transport
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithCloseTimeout bounds how long releasing a sender, receiver or connection may take
func WithCloseTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if timeout > 0 {
			cfg.closeTimeout = timeout
		}
	}
}
