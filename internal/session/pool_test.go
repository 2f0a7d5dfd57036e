package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/glimte/amqclient/config"
	"github.com/glimte/amqclient/contracts"
	"github.com/glimte/amqclient/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func newTestPool(t *testing.T, opts config.Options) (*Pool, *Session, *fakeDialer) {
	t.Helper()
	s, dialer := newTestSession(t, opts, RoleProducer)
	return NewPool(s), s, dialer
}

func textMessage(s string) *transport.Message {
	return &transport.Message{Kind: transport.TextMessage, Text: s}
}

func TestPoolSingleSenderPerKey(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent first use creates one sender", func(t *testing.T) {
		pool, _, dialer := newTestPool(t, config.Options{BrokerURI: "tcp://localhost:61616"})
		dialer.producerDelay = 20 * time.Millisecond

		const workers = 64
		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make(chan error, workers)

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				errs <- pool.Send(ctx, "orders", contracts.PointToPoint, textMessage("hi"), transport.DefaultSendOptions())
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}
		assert.Equal(t, int64(1), dialer.producers.Load())
		assert.Equal(t, int64(1), dialer.dials.Load())
		assert.Equal(t, 1, pool.Len())
	})

	t.Run("a caller giving up does not fail callers sharing the creation", func(t *testing.T) {
		pool, _, dialer := newTestPool(t, config.Options{BrokerURI: "tcp://localhost:61616"})
		dialer.producerDelay = 100 * time.Millisecond

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		var (
			wg                sync.WaitGroup
			shortErr, longErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			shortErr = pool.GetOrCreate(short, "orders", contracts.PointToPoint)
		}()
		go func() {
			defer wg.Done()
			longErr = pool.GetOrCreate(ctx, "orders", contracts.PointToPoint)
		}()
		wg.Wait()

		assert.ErrorIs(t, shortErr, context.DeadlineExceeded)
		require.NoError(t, longErr)
		assert.Equal(t, int64(1), dialer.producers.Load())
		assert.Equal(t, 1, pool.Len())
	})

	t.Run("distinct keys get distinct senders", func(t *testing.T) {
		pool, _, dialer := newTestPool(t, config.Options{BrokerURI: "tcp://localhost:61616"})

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			for j := 0; j < 5; j++ {
				wg.Add(1)
				go func(name string) {
					defer wg.Done()
					assert.NoError(t, pool.GetOrCreate(ctx, name, contracts.PointToPoint))
				}(fmt.Sprintf("queue-%d", i))
			}
		}
		wg.Wait()

		assert.Equal(t, int64(10), dialer.producers.Load())
		assert.Equal(t, 10, pool.Len())
	})

	t.Run("same name under both modes is two senders", func(t *testing.T) {
		pool, _, dialer := newTestPool(t, config.Options{BrokerURI: "tcp://localhost:61616"})

		require.NoError(t, pool.GetOrCreate(ctx, "orders", contracts.PointToPoint))
		require.NoError(t, pool.GetOrCreate(ctx, "orders", contracts.PublishSubscribe))
		require.NoError(t, pool.GetOrCreate(ctx, "orders", contracts.PointToPoint))

		assert.Equal(t, int64(2), dialer.producers.Load())
		assert.Equal(t, []SenderKey{
			{Name: "orders", Mode: contracts.PointToPoint},
			{Name: "orders", Mode: contracts.PublishSubscribe},
		}, pool.Keys())
	})

	t.Run("create hook runs once per sender", func(t *testing.T) {
		s, _ := newTestSession(t, config.Options{BrokerURI: "tcp://localhost:61616"}, RoleProducer)
		var created atomic.Int64
		pool := NewPool(s, WithOnCreate(func(ctx context.Context, key SenderKey) { created.Inc() }))

		for i := 0; i < 5; i++ {
			require.NoError(t, pool.Send(ctx, "orders", contracts.PointToPoint, textMessage("x"), transport.DefaultSendOptions()))
		}
		assert.Equal(t, int64(1), created.Load())
	})
}

func TestPoolLazyOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("first send opens the session", func(t *testing.T) {
		pool, s, dialer := newTestPool(t, config.Options{BrokerURI: "tcp://localhost:61616"})
		assert.Equal(t, StateUnopened, s.State())

		msg := textMessage("hello")
		require.NoError(t, pool.Send(ctx, "orders", contracts.PointToPoint, msg, transport.DefaultSendOptions()))

		assert.Equal(t, StateOpen, s.State())
		assert.Equal(t, int64(1), dialer.dials.Load())
		assert.Equal(t, transport.Destination{Kind: transport.Queue, Name: "orders"}, msg.Destination)
	})

	t.Run("empty broker uri fails without dialing", func(t *testing.T) {
		pool, s, dialer := newTestPool(t, config.Options{})

		err := pool.Send(ctx, "orders", contracts.PointToPoint, textMessage("hello"), transport.DefaultSendOptions())
		assert.ErrorIs(t, err, contracts.ErrMissingBrokerURI)
		assert.Zero(t, dialer.dials.Load())
		assert.Equal(t, StateUnopened, s.State())
	})

	t.Run("empty destination fails on an open session", func(t *testing.T) {
		pool, s, _ := newTestPool(t, config.Options{BrokerURI: "tcp://localhost:61616"})
		require.NoError(t, s.Open(ctx, "orders", contracts.PointToPoint))

		err := pool.Send(ctx, "", contracts.PointToPoint, textMessage("hello"), transport.DefaultSendOptions())
		assert.ErrorIs(t, err, contracts.ErrMissingDestination)
	})
}

func TestPoolClose(t *testing.T) {
	ctx := context.Background()

	t.Run("close clears the registry and reopen builds new senders", func(t *testing.T) {
		pool, s, dialer := newTestPool(t, config.Options{BrokerURI: "tcp://localhost:61616"})

		require.NoError(t, pool.GetOrCreate(ctx, "orders", contracts.PointToPoint))
		s.Close(ctx)
		assert.Zero(t, pool.Len())

		require.NoError(t, pool.Send(ctx, "orders", contracts.PointToPoint, textMessage("again"), transport.DefaultSendOptions()))
		assert.Equal(t, int64(2), dialer.producers.Load())
		assert.Equal(t, int64(2), dialer.dials.Load())
	})

	t.Run("close during creation discards the new sender", func(t *testing.T) {
		pool, s, dialer := newTestPool(t, config.Options{BrokerURI: "tcp://localhost:61616"})
		dialer.producerDelay = 100 * time.Millisecond

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, pool.GetOrCreate(short, "orders", contracts.PointToPoint), context.DeadlineExceeded)

		s.Close(ctx)
		assert.Eventually(t, func() bool {
			return slices.Contains(dialer.Events(), "sender")
		}, time.Second, 5*time.Millisecond)
		assert.Zero(t, pool.Len())

		dialer.producerDelay = 0
		require.NoError(t, pool.Send(ctx, "orders", contracts.PointToPoint, textMessage("again"), transport.DefaultSendOptions()))
		assert.Equal(t, 1, pool.Len())
	})

	t.Run("sends racing with close never use a closed sender", func(t *testing.T) {
		pool, s, _ := newTestPool(t, config.Options{BrokerURI: "tcp://localhost:61616"})

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				assert.NoError(t, pool.Send(ctx, "orders", contracts.PointToPoint, textMessage("x"), transport.DefaultSendOptions()))
			}()
			go func() {
				defer wg.Done()
				s.Close(ctx)
			}()
		}
		wg.Wait()
		s.Close(ctx)

		assert.Zero(t, pool.Len())
	})
}
