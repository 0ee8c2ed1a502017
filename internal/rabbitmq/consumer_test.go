package rabbitmq

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock channel for testing
type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	args := m.Called(prefetchCount, prefetchSize, global)
	return args.Error(0)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	mockArgs := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if mockArgs.Get(0) == nil {
		return nil, mockArgs.Error(1)
	}
	return mockArgs.Get(0).(<-chan amqp.Delivery), mockArgs.Error(1)
}

func (m *mockChannel) Cancel(consumer string, noWait bool) error {
	args := m.Called(consumer, noWait)
	return args.Error(0)
}

func deliveries(bodies ...string) <-chan amqp.Delivery {
	ch := make(chan amqp.Delivery, len(bodies))
	for i, body := range bodies {
		ch <- amqp.Delivery{Body: []byte(body), DeliveryTag: uint64(i + 1)}
	}
	return ch
}

func isQrelayTag(tag string) bool {
	return strings.HasPrefix(tag, "qrelay-")
}

func TestConsumer(t *testing.T) {
	t.Run("Take returns the first delivery", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Qos", 1, 0, false).Return(nil)
		ch.On("Consume", "orders", mock.MatchedBy(isQrelayTag), false, false, false, false, amqp.Table(nil)).
			Return(deliveries(`{"a":1}`), nil)
		ch.On("Cancel", mock.MatchedBy(isQrelayTag), false).Return(nil)

		consumer := NewConsumer(ch, "orders")
		taken, err := consumer.Take(context.Background(), 1, time.Second)

		require.NoError(t, err)
		require.Len(t, taken, 1)
		assert.Equal(t, `{"a":1}`, string(taken[0].Body))
		ch.AssertExpectations(t)
	})

	t.Run("Take stops at max", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Qos", 2, 0, false).Return(nil)
		ch.On("Consume", "orders", mock.Anything, false, false, false, false, amqp.Table(nil)).
			Return(deliveries("one", "two", "three"), nil)
		ch.On("Cancel", mock.Anything, false).Return(nil)

		taken, err := NewConsumer(ch, "orders").Take(context.Background(), 2, time.Second)

		require.NoError(t, err)
		assert.Len(t, taken, 2)
	})

	t.Run("Take returns nothing when the wait elapses", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Qos", 1, 0, false).Return(nil)
		ch.On("Consume", "orders", mock.Anything, false, false, false, false, amqp.Table(nil)).
			Return(deliveries(), nil)
		ch.On("Cancel", mock.Anything, false).Return(nil)

		start := time.Now()
		taken, err := NewConsumer(ch, "orders").Take(context.Background(), 1, 50*time.Millisecond)

		require.NoError(t, err)
		assert.Empty(t, taken)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		ch.AssertCalled(t, "Cancel", mock.Anything, false)
	})

	t.Run("Take reports a cancelled consumer", func(t *testing.T) {
		closed := make(chan amqp.Delivery)
		close(closed)

		ch := &mockChannel{}
		ch.On("Qos", 1, 0, false).Return(nil)
		ch.On("Consume", "orders", mock.Anything, false, false, false, false, amqp.Table(nil)).
			Return((<-chan amqp.Delivery)(closed), nil)
		ch.On("Cancel", mock.Anything, false).Return(nil)

		_, err := NewConsumer(ch, "orders").Take(context.Background(), 1, time.Second)

		assert.ErrorIs(t, err, ErrConsumerCancelled)
	})

	t.Run("Take fails when Consume fails", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Qos", 1, 0, false).Return(nil)
		ch.On("Consume", "missing", mock.Anything, false, false, false, false, amqp.Table(nil)).
			Return(nil, errors.New("NOT_FOUND"))

		_, err := NewConsumer(ch, "missing").Take(context.Background(), 1, time.Second)

		var consumerErr *ConsumerError
		require.True(t, errors.As(err, &consumerErr))
		assert.Equal(t, "consume", consumerErr.Op)
		ch.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)
	})

	t.Run("Take honours context cancellation", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Qos", 1, 0, false).Return(nil)
		ch.On("Consume", "orders", mock.Anything, false, false, false, false, amqp.Table(nil)).
			Return(deliveries(), nil)
		ch.On("Cancel", mock.Anything, false).Return(nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := NewConsumer(ch, "orders").Take(ctx, 1, time.Minute)

		assert.ErrorIs(t, err, context.Canceled)
	})
}
