package messaging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// Configuration errors
	ErrInvalidConnectionString = errors.New("messaging: invalid connection string")
	ErrMissingQueueName        = errors.New("messaging: queue name is not configured")

	// Delivery errors
	ErrUnsupportedBody = errors.New("messaging: message body is not readable as bytes")
	ErrUnroutable      = errors.New("messaging: message could not be routed to the queue")
	ErrNotConfirmed    = errors.New("messaging: message was not confirmed by the broker")
	ErrForeignDelivery = errors.New("messaging: delivery does not belong to this receiver")
)

// Kind classifies a transport failure
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindConnection
	KindTimeout
	KindUnauthorized
	KindNotFound
	KindProtocol
)

// String returns the kind name used in logs
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// TransportError represents a failed queue service operation
type TransportError struct {
	Transport string    // Transport name
	Op        string    // Operation that failed
	Queue     string    // Queue name, if known
	Kind      Kind      // Failure category
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

// NewTransportError creates a TransportError stamped with the current time
func NewTransportError(transport, op, queue string, kind Kind, err error) *TransportError {
	return &TransportError{
		Transport: transport,
		Op:        op,
		Queue:     queue,
		Kind:      kind,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func (e *TransportError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("%s %s failed on queue %s: %v", e.Transport, e.Op, e.Queue, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Transport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// KindOf reports the failure category of err. Errors that do not carry a
// TransportError are classified from context and network errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var te *TransportError
	if errors.As(err, &te) && te.Kind != KindUnknown {
		return te.Kind
	}

	switch {
	case errors.Is(err, ErrInvalidConnectionString), errors.Is(err, ErrMissingQueueName):
		return KindConfiguration
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}

	return KindUnknown
}

// IsTimeout reports whether err is a timeout
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}
