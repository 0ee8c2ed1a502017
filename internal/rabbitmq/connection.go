package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/qrelay/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DialOption configures Dial
type DialOption func(*dialConfig)

type dialConfig struct {
	timeout   time.Duration
	heartbeat time.Duration
	logger    *slog.Logger
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DialOption {
	return func(cfg *dialConfig) {
		cfg.logger = logger
	}
}

// WithDialTimeout bounds the TCP and AMQP handshake
func WithDialTimeout(timeout time.Duration) DialOption {
	return func(cfg *dialConfig) {
		cfg.timeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) DialOption {
	return func(cfg *dialConfig) {
		cfg.heartbeat = interval
	}
}

type dialResult struct {
	conn *amqp.Connection
	err  error
}

// Dial opens a new AMQP connection to url
func Dial(ctx context.Context, url string, options ...DialOption) (*amqp.Connection, error) {
	cfg := &dialConfig{
		timeout:   30 * time.Second,
		heartbeat: 10 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	connCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	resultChan := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat: cfg.heartbeat,
			Dial:      amqp.DefaultDial(cfg.timeout),
			Properties: amqp.Table{
				"connection_name": "qrelay",
			},
		})
		resultChan <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, &ConnectionError{
				Op:        "connect",
				URL:       messaging.RedactConnectionString(url),
				Err:       res.err,
				Timestamp: time.Now(),
			}
		}

		cfg.logger.Debug("connected to RabbitMQ",
			"url", messaging.RedactConnectionString(url))
		return res.conn, nil

	case <-connCtx.Done():
		// The dial goroutine may still succeed; close what it produces.
		go func() {
			if res := <-resultChan; res.conn != nil {
				res.conn.Close()
			}
		}()

		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ErrOperationCancelled
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       messaging.RedactConnectionString(url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}
