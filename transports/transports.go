// Package transports selects a messaging.Transport from a connection string.
package transports

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/qrelay/messaging"
	"github.com/glimte/qrelay/transports/rabbitmq"
	"github.com/glimte/qrelay/transports/redis"
	"github.com/glimte/qrelay/transports/servicebus"
	"github.com/glimte/qrelay/transports/sqs"
)

type resolveConfig struct {
	logger *slog.Logger
}

// Option configures Resolve
type Option func(*resolveConfig)

// WithLogger sets the logger handed to the resolved transport
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *resolveConfig) {
		cfg.logger = logger
	}
}

// Resolve returns the transport for connectionString:
//
//	Endpoint=sb://...            Azure Service Bus
//	amqp://..., amqps://...      RabbitMQ
//	sqs://REGION                 Amazon SQS
//	redis://..., rediss://...    Redis
//
// No connection is made.
func Resolve(connectionString string, options ...Option) (messaging.Transport, error) {
	cfg := &resolveConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	s := strings.TrimSpace(connectionString)
	if s == "" {
		return nil, fmt.Errorf("%w: connection string is empty", messaging.ErrInvalidConnectionString)
	}

	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "endpoint="):
		return servicebus.NewTransport(s, servicebus.WithLogger(cfg.logger)), nil
	case strings.HasPrefix(lower, "amqp://"), strings.HasPrefix(lower, "amqps://"):
		return rabbitmq.NewTransport(s, rabbitmq.WithLogger(cfg.logger)), nil
	case strings.HasPrefix(lower, "sqs://"):
		return sqs.NewTransport(s, sqs.WithLogger(cfg.logger))
	case strings.HasPrefix(lower, "redis://"), strings.HasPrefix(lower, "rediss://"):
		return redis.NewTransport(s, redis.WithLogger(cfg.logger))
	}

	return nil, fmt.Errorf("%w: unrecognised scheme in %q", messaging.ErrInvalidConnectionString,
		messaging.RedactConnectionString(s))
}
