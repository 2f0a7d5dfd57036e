// Package rabbitmq carries queue and topic destinations over AMQP 0.9.1.
//
// Queues map to durable queues on the default exchange. Topics map to durable
// fanout exchanges; every consumer binds its own exclusive queue, so each
// subscriber sees every message published while it is attached.
package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/amqclient/internal/rabbitmq"
	"github.com/glimte/amqclient/transport"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/atomic"
)

// Dialer opens AMQP 0.9.1 connections
type Dialer struct {
	logger      *slog.Logger
	connOptions []rabbitmq.ConnectionOption
	prefetch    int
}

// Option configures the Dialer
type Option func(*Dialer)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dialer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithConnectionOptions sets connection manager options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) Option {
	return func(d *Dialer) {
		d.connOptions = append(d.connOptions, opts...)
	}
}

// WithPrefetch sets the channel prefetch count for consumers that acknowledge manually
func WithPrefetch(n int) Option {
	return func(d *Dialer) {
		d.prefetch = n
	}
}

// NewDialer creates a dialer
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		logger:   slog.Default(),
		prefetch: 64,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Register binds the transport to the "amqp091" protocol name. It claims no
// URI schemes; amqp:// belongs to AMQP 1.0 unless Protocol says otherwise.
func Register(r *transport.Registry, opts ...Option) {
	r.Register("amqp091", NewDialer(opts...))
}

// Dial implements transport.Dialer
func (d *Dialer) Dial(ctx context.Context, uri string, creds *transport.Credentials) (transport.Connection, error) {
	url, err := NormalizeURL(uri)
	if err != nil {
		return nil, err
	}

	opts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(d.logger)}, d.connOptions...)
	if creds != nil {
		opts = append(opts, rabbitmq.WithCredentials(creds.UserName, creds.Password))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, rabbitmq.WithDialTimeout(time.Until(deadline)))
	}

	manager := rabbitmq.NewConnectionManager(url, opts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, err
	}

	return &connection{dialer: d, manager: manager}, nil
}

type connection struct {
	dialer  *Dialer
	manager *rabbitmq.ConnectionManager
	started atomic.Bool
}

// Start marks the connection started; consumers begin delivery when they get a listener
func (c *connection) Start(ctx context.Context) error {
	if !c.manager.IsConnected() {
		return rabbitmq.ErrConnectionNotReady
	}
	c.started.Store(true)
	return nil
}

func (c *connection) NewSession(ctx context.Context, opts transport.SessionOptions) (transport.Session, error) {
	return &session{dialer: c.dialer, manager: c.manager, ackMode: opts.AckMode}, nil
}

func (c *connection) Close() error {
	return c.manager.Close()
}

// session groups the channels opened for one client session
type session struct {
	dialer  *Dialer
	manager *rabbitmq.ConnectionManager
	ackMode transport.AckMode

	mu        sync.Mutex
	closed    bool
	producers []*producer
	consumers []*consumer
}

func (s *session) NewProducer(ctx context.Context, dest transport.Destination) (transport.Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, rabbitmq.ErrChannelClosed
	}

	p := &producer{manager: s.manager, dest: dest}
	if _, err := p.channel(); err != nil {
		return nil, err
	}

	s.producers = append(s.producers, p)
	return p, nil
}

func (s *session) NewConsumer(ctx context.Context, dest transport.Destination) (transport.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, rabbitmq.ErrChannelClosed
	}

	c := &consumer{
		manager:  s.manager,
		dest:     dest,
		autoAck:  s.ackMode == transport.AckAuto,
		prefetch: s.dialer.prefetch,
		tag:      "amqclient-" + uuid.NewString(),
		logger:   s.dialer.logger,
	}
	s.consumers = append(s.consumers, c)
	return c, nil
}

func (s *session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	producers, consumers := s.producers, s.consumers
	s.producers, s.consumers = nil, nil
	s.mu.Unlock()

	var errs []error
	for _, p := range producers {
		errs = append(errs, p.Close(ctx))
	}
	for _, c := range consumers {
		errs = append(errs, c.Close(ctx))
	}
	return errors.Join(errs...)
}

type producer struct {
	manager *rabbitmq.ConnectionManager
	dest    transport.Destination

	mu     sync.Mutex
	ch     *amqp.Channel
	closed bool
}

// channel returns the producer's channel, opening a new one and declaring the
// destination when the previous channel died with its connection
func (p *producer) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	ch, err := p.manager.Channel()
	if err != nil {
		return nil, err
	}
	if err := rabbitmq.Declare(ch, topologyFor(p.dest)); err != nil {
		_ = ch.Close()
		return nil, err
	}

	p.ch = ch
	return ch, nil
}

func (p *producer) Send(ctx context.Context, msg *transport.Message, opts transport.SendOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return rabbitmq.ErrChannelClosed
	}

	ch, err := p.channel()
	if err != nil {
		return err
	}

	exchange, key := route(p.dest)
	if err := ch.PublishWithContext(ctx, exchange, key, false, false, toPublishing(msg, opts)); err != nil {
		return &rabbitmq.PublishError{
			Exchange:   exchange,
			RoutingKey: key,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

func (p *producer) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.ch == nil || p.ch.IsClosed() {
		return nil
	}
	return p.ch.Close()
}

// consumer resumes consumption on a fresh channel after the connection
// manager reconnects
type consumer struct {
	manager  *rabbitmq.ConnectionManager
	dest     transport.Destination
	autoAck  bool
	prefetch int
	tag      string
	logger   *slog.Logger

	mu       sync.Mutex
	ch       *amqp.Channel
	listener transport.Listener
	closed   bool
	wg       sync.WaitGroup
}

func (c *consumer) Listen(listener transport.Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return rabbitmq.ErrConsumerClosed
	}
	if c.listener != nil {
		return rabbitmq.ErrAlreadyConsuming
	}

	c.listener = listener
	if err := c.startLocked(); err != nil {
		c.listener = nil
		return err
	}

	c.manager.AddStateListener(c)
	return nil
}

// startLocked opens a channel, declares the destination and starts the delivery goroutine
func (c *consumer) startLocked() error {
	ch, err := c.manager.Channel()
	if err != nil {
		return err
	}

	queue, err := c.declare(ch)
	if err != nil {
		_ = ch.Close()
		return err
	}

	if !c.autoAck && c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			_ = ch.Close()
			return &rabbitmq.ChannelError{Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	deliveries, err := ch.Consume(queue, c.tag, c.autoAck, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return &rabbitmq.ConsumerError{
			Queue:       queue,
			ConsumerTag: c.tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	c.ch = ch
	c.wg.Add(1)
	go c.deliver(deliveries, c.listener)

	c.logger.Debug("consumer started",
		"destination", c.dest.String(),
		"queue", queue,
		"consumerTag", c.tag)
	return nil
}

func (c *consumer) declare(ch *amqp.Channel) (string, error) {
	if err := rabbitmq.Declare(ch, topologyFor(c.dest)); err != nil {
		return "", err
	}
	if c.dest.Kind == transport.Topic {
		return rabbitmq.DeclareSubscriber(ch, c.dest.Name)
	}
	return c.dest.Name, nil
}

// deliver is the consumer's delivery goroutine; it ends when the channel closes
func (c *consumer) deliver(deliveries <-chan amqp.Delivery, listener transport.Listener) {
	defer c.wg.Done()

	for d := range deliveries {
		listener(fromDelivery(d, c.dest))
		if !c.autoAck {
			if err := d.Ack(false); err != nil {
				c.logger.Warn("failed to acknowledge delivery",
					"destination", c.dest.String(),
					"messageId", d.MessageId,
					"error", err)
			}
		}
	}
}

// OnConnected restarts consumption after a reconnect
func (c *consumer) OnConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.listener == nil {
		return
	}
	if c.ch != nil && !c.ch.IsClosed() {
		return
	}

	if err := c.startLocked(); err != nil {
		c.logger.Error("failed to resume consumer",
			"destination", c.dest.String(),
			"error", err)
	}
}

func (c *consumer) OnDisconnected(err error) {
	c.logger.Warn("consumer lost its connection",
		"destination", c.dest.String(),
		"error", err)
}

func (c *consumer) OnReconnecting(attempt int) {}

// Close cancels consumption and waits for the delivery goroutine.
// It must not be called from inside the listener.
func (c *consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ch := c.ch
	c.mu.Unlock()

	c.manager.RemoveStateListener(c)

	var err error
	if ch != nil && !ch.IsClosed() {
		err = errors.Join(ch.Cancel(c.tag, false), ch.Close())
	}
	c.wg.Wait()

	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

var _ rabbitmq.ConnectionStateListener = (*consumer)(nil)
