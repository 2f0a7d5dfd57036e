// Package amqp1 connects to ActiveMQ Classic and Artemis over AMQP 1.0.
package amqp1

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Azure/go-amqp"
	"github.com/glimte/amqclient/contracts"
	"github.com/glimte/amqclient/transport"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Dialer opens AMQP 1.0 connections
type Dialer struct {
	queuePrefix string
	topicPrefix string
	tlsConfig   *tls.Config
	containerID string
	credit      int32
	logger      *slog.Logger
}

// Option configures the Dialer
type Option func(*Dialer)

// WithAddressPrefixes overrides the queue:// and topic:// link address prefixes
func WithAddressPrefixes(queuePrefix, topicPrefix string) Option {
	return func(d *Dialer) {
		d.queuePrefix = queuePrefix
		d.topicPrefix = topicPrefix
	}
}

// WithTLSConfig sets the TLS configuration for amqps connections
func WithTLSConfig(cfg *tls.Config) Option {
	return func(d *Dialer) {
		d.tlsConfig = cfg
	}
}

// WithContainerID sets the AMQP container id; a random one is used otherwise
func WithContainerID(id string) Option {
	return func(d *Dialer) {
		d.containerID = id
	}
}

// WithCredit sets the receiver link credit
func WithCredit(credit int32) Option {
	return func(d *Dialer) {
		if credit > 0 {
			d.credit = credit
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dialer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDialer creates a dialer with ActiveMQ defaults
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		queuePrefix: DefaultQueuePrefix,
		topicPrefix: DefaultTopicPrefix,
		credit:      64,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Register binds the AMQP 1.0 transport to its protocol name and schemes
func Register(r *transport.Registry, opts ...Option) {
	r.Register("amqp1", NewDialer(opts...), "amqp", "amqps", "tcp", "nio", "ssl", "activemq")
}

// Dial implements transport.Dialer
func (d *Dialer) Dial(ctx context.Context, uri string, creds *transport.Credentials) (transport.Connection, error) {
	addr, err := NormalizeURL(uri)
	if err != nil {
		return nil, err
	}

	containerID := d.containerID
	if containerID == "" {
		containerID = "amqclient-" + uuid.NewString()
	}

	opts := &amqp.ConnOptions{
		ContainerID: containerID,
		TLSConfig:   d.tlsConfig,
	}
	if creds != nil {
		opts.SASLType = amqp.SASLTypePlain(creds.UserName, creds.Password)
	} else {
		opts.SASLType = amqp.SASLTypeAnonymous()
	}

	conn, err := amqp.Dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("amqp 1.0 connection established", "url", contracts.SanitizeURL(addr), "containerId", containerID)
	return &connection{dialer: d, conn: conn}, nil
}

type connection struct {
	dialer  *Dialer
	conn    *amqp.Conn
	started atomic.Bool
	closed  atomic.Bool
}

// Start marks the connection started. AMQP 1.0 flows messages as soon as a
// receiver link has credit, so there is nothing to send to the broker.
func (c *connection) Start(ctx context.Context) error {
	if c.closed.Load() {
		return errors.New("amqp1: connection closed")
	}
	c.started.Store(true)
	return nil
}

func (c *connection) NewSession(ctx context.Context, opts transport.SessionOptions) (transport.Session, error) {
	s, err := c.conn.NewSession(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &session{dialer: c.dialer, session: s, ackMode: opts.AckMode}, nil
}

func (c *connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

type session struct {
	dialer  *Dialer
	session *amqp.Session
	ackMode transport.AckMode
}

func (s *session) NewProducer(ctx context.Context, dest transport.Destination) (transport.Producer, error) {
	sender, err := s.session.NewSender(ctx, s.dialer.address(dest), nil)
	if err != nil {
		return nil, fmt.Errorf("attach sender %s: %w", dest, err)
	}
	return &producer{sender: sender, dest: dest}, nil
}

func (s *session) NewConsumer(ctx context.Context, dest transport.Destination) (transport.Consumer, error) {
	receiver, err := s.session.NewReceiver(ctx, s.dialer.address(dest), &amqp.ReceiverOptions{
		Credit: s.dialer.credit,
	})
	if err != nil {
		return nil, fmt.Errorf("attach receiver %s: %w", dest, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &consumer{
		receiver: receiver,
		dest:     dest,
		ackMode:  s.ackMode,
		logger:   s.dialer.logger,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (s *session) Close(ctx context.Context) error {
	return s.session.Close(ctx)
}

type producer struct {
	mu     sync.Mutex
	sender *amqp.Sender
	dest   transport.Destination
}

func (p *producer) Send(ctx context.Context, msg *transport.Message, opts transport.SendOptions) error {
	m := toAMQP(msg, opts)

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sender.Send(ctx, m, nil)
}

func (p *producer) Close(ctx context.Context) error {
	return p.sender.Close(ctx)
}

type consumer struct {
	receiver *amqp.Receiver
	dest     transport.Destination
	ackMode  transport.AckMode
	logger   *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	listening atomic.Bool
	wg        sync.WaitGroup
}

func (c *consumer) Listen(listener transport.Listener) error {
	if !c.listening.CompareAndSwap(false, true) {
		return errors.New("amqp1: consumer already has a listener")
	}

	c.wg.Add(1)
	go c.receive(listener)
	return nil
}

// receive is the consumer's delivery goroutine
func (c *consumer) receive(listener transport.Listener) {
	defer c.wg.Done()

	for {
		m, err := c.receiver.Receive(c.ctx, nil)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Error("receiver stopped", "destination", c.dest.String(), "error", err)
			}
			return
		}

		// Auto-acknowledge settles before delivery; other modes settle after the listener returns
		if c.ackMode == transport.AckAuto {
			c.accept(m)
			listener(fromAMQP(m, c.dest))
			continue
		}
		listener(fromAMQP(m, c.dest))
		c.accept(m)
	}
}

func (c *consumer) accept(m *amqp.Message) {
	if err := c.receiver.AcceptMessage(c.ctx, m); err != nil && c.ctx.Err() == nil {
		c.logger.Warn("failed to accept message", "destination", c.dest.String(), "error", err)
	}
}

func (c *consumer) Close(ctx context.Context) error {
	c.cancel()
	err := c.receiver.Close(ctx)
	c.wg.Wait()
	return err
}
