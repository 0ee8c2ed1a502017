// Package redis implements messaging.Transport on Redis lists.
//
// Messages are pushed onto the head of the list named after the queue and
// taken from its tail, so delivery is first in, first out. A received message
// is moved atomically into "<queue>:processing" and stays there until it is
// completed. Closing a receiver pushes uncompleted messages back onto the
// queue.
//
// Receipt times are kept in the sorted set "<queue>:leases". When a receiver
// is opened, processing entries older than the visibility timeout are moved
// back to the queue, so messages held by a process that died before
// completing or closing are delivered again. Processing entries without a
// lease start their clock at that point.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/qrelay/messaging"
	"github.com/redis/go-redis/v9"
)

const transportName = "redis"

const (
	// ProcessingSuffix names the list holding received, uncompleted messages
	ProcessingSuffix = ":processing"

	// LeasesSuffix names the sorted set of receipt times, scored in Unix milliseconds
	LeasesSuffix = ":leases"

	// DefaultVisibilityTimeout matches the SQS queue default
	DefaultVisibilityTimeout = 30 * time.Second
)

// redisAPI is the part of *redis.Client used by the transport
type redisAPI interface {
	Ping(ctx context.Context) *redis.StatusCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZAddNX(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZScore(ctx context.Context, key, member string) *redis.FloatCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Close() error
}

// envelope is the stored form of a message
type envelope struct {
	ID          string    `json:"id"`
	ContentType string    `json:"contentType,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Body        []byte    `json:"body"`
}

// Transport dials Redis clients from a redis:// or rediss:// URL
type Transport struct {
	options    *redis.Options
	logger     *slog.Logger
	visibility time.Duration
	now        func() time.Time
	newClient  func() redisAPI
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithVisibilityTimeout sets how long a received message may stay
// uncompleted before another receiver reclaims it
func WithVisibilityTimeout(timeout time.Duration) TransportOption {
	return func(t *Transport) {
		if timeout > 0 {
			t.visibility = timeout
		}
	}
}

// NewTransport parses connectionString with redis.ParseURL. Client retries
// are disabled so each operation is a single attempt.
func NewTransport(connectionString string, options ...TransportOption) (*Transport, error) {
	opts, err := redis.ParseURL(connectionString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", messaging.ErrInvalidConnectionString, err)
	}

	opts.MaxRetries = -1

	t := &Transport{
		options:    opts,
		logger:     slog.Default(),
		visibility: DefaultVisibilityTimeout,
		now:        time.Now,
	}
	for _, opt := range options {
		opt(t)
	}

	t.newClient = func() redisAPI {
		return redis.NewClient(t.options)
	}
	return t, nil
}

// Name implements messaging.Transport
func (t *Transport) Name() string {
	return transportName
}

// Dial implements messaging.Transport. The connection is verified with PING.
func (t *Transport) Dial(ctx context.Context) (messaging.Conn, error) {
	client := t.newClient()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, transportError("dial", "", err)
	}

	t.logger.Debug("connected to redis", "addr", t.options.Addr, "db", t.options.DB)
	return &conn{client: client, logger: t.logger, visibility: t.visibility, now: t.now}, nil
}

type conn struct {
	client     redisAPI
	logger     *slog.Logger
	visibility time.Duration
	now        func() time.Time
}

func (c *conn) NewSender(ctx context.Context, queue string) (messaging.Sender, error) {
	return &sender{client: c.client, queue: queue}, nil
}

// NewReceiver reclaims expired processing entries before returning
func (c *conn) NewReceiver(ctx context.Context, queue string) (messaging.Receiver, error) {
	r := &receiver{
		client:     c.client,
		queue:      queue,
		processing: queue + ProcessingSuffix,
		leases:     queue + LeasesSuffix,
		now:        c.now,
		pending:    make(map[*delivery]struct{}),
		logger:     c.logger,
	}

	if err := r.reclaim(ctx, c.visibility); err != nil {
		return nil, transportError("open receiver", queue, err)
	}
	return r, nil
}

func (c *conn) Close(ctx context.Context) error {
	if err := c.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return transportError("close connection", "", err)
	}
	return nil
}

type sender struct {
	client redisAPI
	queue  string
}

func (s *sender) Send(ctx context.Context, msg *messaging.Message) error {
	raw, err := json.Marshal(envelope{
		ID:          msg.ID,
		ContentType: msg.ContentType,
		Timestamp:   msg.Timestamp,
		Body:        msg.Body,
	})
	if err != nil {
		return transportError("send", s.queue, err)
	}

	if err := s.client.LPush(ctx, s.queue, raw).Err(); err != nil {
		return transportError("send", s.queue, err)
	}
	return nil
}

func (s *sender) Close(ctx context.Context) error {
	return nil
}

type receiver struct {
	client     redisAPI
	queue      string
	processing string
	leases     string
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[*delivery]struct{}
}

// Receive blocks for up to wait on the first message, then takes up to
// maxMessages-1 more without blocking.
func (r *receiver) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]messaging.Delivery, error) {
	if maxMessages < 1 {
		maxMessages = 1
	}

	raw, err := r.client.BLMove(ctx, r.queue, r.processing, "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, transportError("receive", r.queue, err)
	}

	deliveries := []messaging.Delivery{r.track(ctx, raw)}
	for len(deliveries) < maxMessages {
		raw, err := r.client.LMove(ctx, r.queue, r.processing, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return deliveries, transportError("receive", r.queue, err)
		}
		deliveries = append(deliveries, r.track(ctx, raw))
	}

	return deliveries, nil
}

// track records the delivery and its lease. A lease that cannot be written
// is started by the next reclaim instead.
func (r *receiver) track(ctx context.Context, raw string) *delivery {
	d := newDelivery(raw)
	r.mu.Lock()
	r.pending[d] = struct{}{}
	r.mu.Unlock()

	lease := redis.Z{Score: float64(r.now().UnixMilli()), Member: raw}
	if err := r.client.ZAdd(ctx, r.leases, lease).Err(); err != nil {
		r.logger.Warn("failed to record message lease", "queue", r.queue, "messageId", d.id, "error", err)
	}
	return d
}

// reclaim moves processing entries whose lease is older than visibility back
// to the tail of the queue
func (r *receiver) reclaim(ctx context.Context, visibility time.Duration) error {
	entries, err := r.client.LRange(ctx, r.processing, 0, -1).Result()
	if err != nil {
		return err
	}

	now := r.now()
	cutoff := float64(now.Add(-visibility).UnixMilli())
	for _, raw := range entries {
		score, err := r.client.ZScore(ctx, r.leases, raw).Result()
		if errors.Is(err, redis.Nil) {
			start := redis.Z{Score: float64(now.UnixMilli()), Member: raw}
			if err := r.client.ZAddNX(ctx, r.leases, start).Err(); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if score > cutoff {
			continue
		}

		removed, err := r.client.LRem(ctx, r.processing, 1, raw).Result()
		if err != nil {
			return err
		}
		if err := r.client.ZRem(ctx, r.leases, raw).Err(); err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := r.client.RPush(ctx, r.queue, raw).Err(); err != nil {
			return err
		}
		r.logger.Info("reclaimed expired message", "queue", r.queue, "messageId", newDelivery(raw).id)
	}
	return nil
}

// Complete removes the message from the processing list
func (r *receiver) Complete(ctx context.Context, d messaging.Delivery) error {
	rd, ok := d.(*delivery)
	if !ok {
		return transportError("complete", r.queue, messaging.ErrForeignDelivery)
	}

	r.mu.Lock()
	_, tracked := r.pending[rd]
	r.mu.Unlock()
	if !tracked {
		return transportError("complete", r.queue, messaging.ErrForeignDelivery)
	}

	if err := r.client.LRem(ctx, r.processing, 1, rd.raw).Err(); err != nil {
		return transportError("complete", r.queue, err)
	}
	if err := r.client.ZRem(ctx, r.leases, rd.raw).Err(); err != nil {
		r.logger.Warn("failed to drop message lease", "queue", r.queue, "messageId", rd.id, "error", err)
	}

	r.mu.Lock()
	delete(r.pending, rd)
	r.mu.Unlock()
	return nil
}

// Close returns uncompleted messages to the tail of the queue so they are
// delivered next.
func (r *receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[*delivery]struct{})
	r.mu.Unlock()

	var errs []error
	for d := range pending {
		removed, err := r.client.LRem(ctx, r.processing, 1, d.raw).Result()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.client.ZRem(ctx, r.leases, d.raw).Err(); err != nil {
			errs = append(errs, err)
		}
		if removed == 0 {
			continue
		}
		if err := r.client.RPush(ctx, r.queue, d.raw).Err(); err != nil {
			errs = append(errs, err)
			continue
		}
		r.logger.Debug("returned uncompleted message to queue", "queue", r.queue, "messageId", d.id)
	}

	if err := errors.Join(errs...); err != nil {
		return transportError("close receiver", r.queue, err)
	}
	return nil
}

type delivery struct {
	raw  string
	id   string
	body []byte
}

// newDelivery decodes an envelope. Entries pushed by other producers are
// delivered as they are, without an identifier.
func newDelivery(raw string) *delivery {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err == nil && env.ID != "" {
		return &delivery{raw: raw, id: env.ID, body: env.Body}
	}
	return &delivery{raw: raw, body: []byte(raw)}
}

func (d *delivery) ID() string {
	return d.id
}

func (d *delivery) Body() ([]byte, error) {
	if d.body == nil {
		return []byte{}, nil
	}
	return d.body, nil
}

func transportError(op, queue string, err error) error {
	return messaging.NewTransportError(transportName, op, queue, classify(err), err)
}

func classify(err error) messaging.Kind {
	if errors.Is(err, redis.ErrClosed) {
		return messaging.KindConnection
	}

	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		msg := redisErr.Error()
		switch {
		case strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "WRONGPASS"), strings.HasPrefix(msg, "NOPERM"):
			return messaging.KindUnauthorized
		case strings.HasPrefix(msg, "LOADING"), strings.HasPrefix(msg, "BUSY"):
			return messaging.KindTimeout
		}
		return messaging.KindProtocol
	}

	return messaging.KindOf(err)
}
