package amqclient

import (
	"context"
	"errors"
	"sync"

	"github.com/glimte/amqclient/config"
	"github.com/glimte/amqclient/contracts"
	"github.com/glimte/amqclient/interceptors"
	"github.com/glimte/amqclient/internal/session"
	"github.com/glimte/amqclient/serialization"
	"github.com/glimte/amqclient/transport"
)

// Consumer receives messages from one queue or topic at a time. Messages are
// handed to a single dispatch goroutine, so a handler never runs concurrently
// with itself.
type Consumer struct {
	*client
	errorHandler ErrorHandler
	bufferSize   int
	chain        *interceptors.Chain

	mu  sync.Mutex
	run *dispatcher
}

// EnvelopeHandler handles an inbound message without decoding it
type EnvelopeHandler func(ctx context.Context, env *contracts.Envelope) error

// NewConsumer creates an unopened consumer. A nil or invalid record is a *contracts.ConfigError.
func NewConsumer(opts *config.Options, options ...ClientOption) (*Consumer, error) {
	c, cfg, err := newClient(opts, session.RoleConsumer, options)
	if err != nil {
		return nil, err
	}

	consumer := &Consumer{
		client:       c,
		errorHandler: cfg.errorHandler,
		bufferSize:   cfg.bufferSize,
		chain:        interceptors.NewChain(cfg.interceptors...),
	}
	if consumer.errorHandler == nil {
		consumer.errorHandler = consumer.logError
	}

	return consumer, nil
}

// Open connects and opens a session for destination and mode without
// registering a handler
func (c *Consumer) Open(ctx context.Context, destination string, mode contracts.DeliveryMode) error {
	return c.session.Open(ctx, destination, mode)
}

// OnMessage opens the consumer for destination and mode and delivers every
// inbound message, decoded into T, to handler. A message that cannot be
// decoded into T is passed to the error handler with a *contracts.DecodeError
// instead. A later registration on the same consumer replaces this one.
func OnMessage[T any](ctx context.Context, c *Consumer, destination string, mode contracts.DeliveryMode, handler func(context.Context, T) error) error {
	if handler == nil {
		return errors.New("amqclient: nil message handler")
	}

	codec := c.codec
	return c.OnEnvelope(ctx, destination, mode, func(ctx context.Context, env *contracts.Envelope) error {
		v, err := serialization.DecodeWith[T](codec, env)
		if err != nil {
			return err
		}
		return handler(ctx, v)
	})
}

// OnQueueMessage is OnMessage for a queue
func OnQueueMessage[T any](ctx context.Context, c *Consumer, queue string, handler func(context.Context, T) error) error {
	return OnMessage(ctx, c, queue, contracts.PointToPoint, handler)
}

// OnTopicMessage is OnMessage for a topic
func OnTopicMessage[T any](ctx context.Context, c *Consumer, topic string, handler func(context.Context, T) error) error {
	return OnMessage(ctx, c, topic, contracts.PublishSubscribe, handler)
}

// OnEnvelope registers a handler that receives envelopes undecoded. The
// consumer's interceptors run before it.
func (c *Consumer) OnEnvelope(ctx context.Context, destination string, mode contracts.DeliveryMode, handler EnvelopeHandler) error {
	if handler == nil {
		return errors.New("amqclient: nil message handler")
	}

	handle := EnvelopeHandler(c.chain.Wrap(interceptors.Handler(handler)))
	run := c.ensureRunning()
	listener := func(m *transport.Message) {
		run.enqueue(delivery{msg: m, mode: mode, handle: handle})
	}

	return c.session.Subscribe(ctx, destination, mode, listener)
}

// ensureRunning returns the running dispatcher, starting one if needed
func (c *Consumer) ensureRunning() *dispatcher {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run == nil {
		c.run = newDispatcher(c.bufferSize)
		go c.run.loop(c.dispatch)
	}
	return c.run
}

// Close stops delivery, releases the consumer, session and connection, and
// waits for a running handler to return. Messages still waiting for dispatch
// are dropped. It must not be called from inside a handler. A closed consumer
// reopens on the next OnMessage.
func (c *Consumer) Close() error {
	c.mu.Lock()
	run := c.run
	c.run = nil
	c.mu.Unlock()

	if run != nil {
		run.stop()
	}

	ctx, cancel := c.closeContext()
	defer cancel()
	c.session.Close(ctx)

	if run != nil {
		run.wait()
	}
	return nil
}

func (c *Consumer) logError(ctx context.Context, env *contracts.Envelope, err error) {
	c.logger.Error("message dispatch failed",
		"destination", env.Destination,
		"mode", env.Mode.String(),
		"kind", env.Kind.String(),
		"messageId", env.MessageID,
		"typeTag", env.TypeTag,
		"error", err)
}
