package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/amqclient/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// Mock handler
type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, env *contracts.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func testEnvelope() *contracts.Envelope {
	return &contracts.Envelope{
		Kind:        contracts.KindText,
		Text:        "hello",
		MessageID:   "ID:test-123",
		Destination: "orders",
		Mode:        contracts.PointToPoint,
		Headers:     map[string]interface{}{"tenant": "acme"},
	}
}

// recording appends its name to a shared log around next
func recording(name string, log *[]string) Interceptor {
	return NewInterceptorFunc(name, func(ctx context.Context, env *contracts.Envelope, next Handler) error {
		*log = append(*log, name+" before")
		err := next(ctx, env)
		*log = append(*log, name+" after")
		return err
	})
}

func TestChain(t *testing.T) {
	t.Run("Empty chain calls the handler directly", func(t *testing.T) {
		env := testEnvelope()
		handler := new(mockHandler)
		handler.On("Handle", mock.Anything, env).Return(nil)

		err := NewChain().Execute(context.Background(), env, handler.Handle)

		assert.NoError(t, err)
		handler.AssertExpectations(t)
	})

	t.Run("Interceptors run in the order they were added", func(t *testing.T) {
		var log []string
		chain := NewChain(recording("first", &log), nil, recording("second", &log))
		assert.Equal(t, 2, chain.Len())

		err := chain.Execute(context.Background(), testEnvelope(), func(ctx context.Context, env *contracts.Envelope) error {
			log = append(log, "handler")
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, []string{"first before", "second before", "handler", "second after", "first after"}, log)
	})

	t.Run("Handler errors propagate through the chain", func(t *testing.T) {
		env := testEnvelope()
		boom := errors.New("boom")
		handler := new(mockHandler)
		handler.On("Handle", mock.Anything, env).Return(boom)

		var log []string
		err := NewChain(recording("outer", &log)).Execute(context.Background(), env, handler.Handle)

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []string{"outer before", "outer after"}, log)
	})

	t.Run("An interceptor can stop the chain", func(t *testing.T) {
		handler := new(mockHandler)
		stop := NewInterceptorFunc("stop", func(ctx context.Context, env *contracts.Envelope, next Handler) error {
			return nil
		})

		err := NewChain(stop).Execute(context.Background(), testEnvelope(), handler.Handle)

		assert.NoError(t, err)
		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
		assert.Equal(t, "stop", stop.Name())
	})
}

func TestLoggingInterceptor(t *testing.T) {
	t.Run("Passes the result through", func(t *testing.T) {
		env := testEnvelope()
		interceptor := NewLoggingInterceptor(slog.Default())

		handler := new(mockHandler)
		handler.On("Handle", mock.Anything, env).Return(nil).Once()
		assert.NoError(t, interceptor.Intercept(context.Background(), env, handler.Handle))

		boom := errors.New("boom")
		failing := new(mockHandler)
		failing.On("Handle", mock.Anything, env).Return(boom).Once()
		assert.ErrorIs(t, interceptor.Intercept(context.Background(), env, failing.Handle), boom)

		handler.AssertExpectations(t)
		failing.AssertExpectations(t)
	})

	t.Run("Nil logger falls back to the default", func(t *testing.T) {
		interceptor := NewLoggingInterceptor(nil)
		assert.NotNil(t, interceptor.logger)
		assert.Equal(t, "LoggingInterceptor", interceptor.Name())
	})
}

func TestTimeoutInterceptor(t *testing.T) {
	t.Run("Handler sees a deadline", func(t *testing.T) {
		interceptor := NewTimeoutInterceptor(time.Second)

		err := interceptor.Intercept(context.Background(), testEnvelope(), func(ctx context.Context, env *contracts.Envelope) error {
			_, ok := ctx.Deadline()
			assert.True(t, ok)
			return nil
		})

		assert.NoError(t, err)
	})

	t.Run("Slow handler is reported", func(t *testing.T) {
		interceptor := NewTimeoutInterceptor(10 * time.Millisecond)

		err := interceptor.Intercept(context.Background(), testEnvelope(), func(ctx context.Context, env *contracts.Envelope) error {
			<-ctx.Done()
			return nil
		})

		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Zero timeout leaves the context alone", func(t *testing.T) {
		interceptor := NewTimeoutInterceptor(0)

		err := interceptor.Intercept(context.Background(), testEnvelope(), func(ctx context.Context, env *contracts.Envelope) error {
			_, ok := ctx.Deadline()
			assert.False(t, ok)
			return nil
		})

		assert.NoError(t, err)
	})
}
