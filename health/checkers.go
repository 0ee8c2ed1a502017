package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/glimte/qrelay/messaging"
)

// TransportChecker dials the queue service and closes the connection again.
// Connections that implement messaging.Pinger connect lazily, so for them a
// successful dial only proves the connection settings; QueueChecker makes the
// round trip.
type TransportChecker struct {
	transport messaging.Transport
	logger    *slog.Logger
}

// NewTransportChecker creates a connectivity checker for transport
func NewTransportChecker(transport messaging.Transport, logger *slog.Logger) *TransportChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransportChecker{
		transport: transport,
		logger:    logger,
	}
}

func (c *TransportChecker) Name() string {
	return "transport"
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"transport": c.transport.Name()},
	}

	conn, err := c.transport.Dial(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to connect"
		result.Error = err.Error()
		result.Details["kind"] = messaging.KindOf(err).String()
		result.Duration = time.Since(start)
		return result
	}

	_, lazy := conn.(messaging.Pinger)
	if err := conn.Close(ctx); err != nil {
		c.logger.Warn("failed to close health check connection", "error", err)
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	if lazy {
		result.Message = "Connection settings are valid"
		result.Details["lazy"] = true
	}
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueChecker pings the configured queue when the connection supports it and
// otherwise opens a sender on it. For services that resolve queues eagerly
// opening the sender fails when the queue does not exist.
type QueueChecker struct {
	transport messaging.Transport
	queue     string
	logger    *slog.Logger
}

// NewQueueChecker creates a queue accessibility checker
func NewQueueChecker(transport messaging.Transport, queue string, logger *slog.Logger) *QueueChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueChecker{
		transport: transport,
		queue:     queue,
		logger:    logger,
	}
}

func (c *QueueChecker) Name() string {
	return "queue"
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"queue": c.queue},
	}

	fail := func(message string, err error) CheckResult {
		result.Status = StatusUnhealthy
		result.Message = message
		if err != nil {
			result.Error = err.Error()
			result.Details["kind"] = messaging.KindOf(err).String()
		}
		result.Duration = time.Since(start)
		return result
	}

	if c.queue == "" {
		return fail("Queue name is not configured", messaging.ErrMissingQueueName)
	}

	conn, err := c.transport.Dial(ctx)
	if err != nil {
		return fail("Failed to connect", err)
	}
	defer func() {
		if err := conn.Close(ctx); err != nil {
			c.logger.Warn("failed to close health check connection", "error", err)
		}
	}()

	if pinger, ok := conn.(messaging.Pinger); ok {
		if err := pinger.Ping(ctx, c.queue); err != nil {
			return fail(fmt.Sprintf("Queue %s not accessible", c.queue), err)
		}
	} else {
		sender, err := conn.NewSender(ctx, c.queue)
		if err != nil {
			return fail(fmt.Sprintf("Queue %s not accessible", c.queue), err)
		}
		if err := sender.Close(ctx); err != nil {
			c.logger.Warn("failed to close health check sender", "error", err)
		}
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queue)
	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker reports goroutine and memory figures and degrades when the
// goroutine count passes its thresholds
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker
func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
