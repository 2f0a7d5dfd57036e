package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/glimte/amqclient/transport"
	"go.uber.org/atomic"
)

// fakeDialer records everything the session does to the transport
type fakeDialer struct {
	mu            sync.Mutex
	dials         atomic.Int64
	producers     atomic.Int64
	lastURI       string
	lastCreds     *transport.Credentials
	dialErr       error
	startErr      error
	producerDelay time.Duration
	conns         []*fakeConn
	events        []string
	consumerDests []transport.Destination
}

func (d *fakeDialer) Dial(ctx context.Context, uri string, creds *transport.Credentials) (transport.Connection, error) {
	d.dials.Inc()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastURI = uri
	d.lastCreds = creds
	if d.dialErr != nil {
		return nil, d.dialErr
	}

	c := &fakeConn{dialer: d}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) record(event string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
}

func (d *fakeDialer) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

func (d *fakeDialer) Conns() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

type fakeConn struct {
	dialer   *fakeDialer
	started  atomic.Bool
	closed   atomic.Bool
	ackModes []transport.AckMode
}

func (c *fakeConn) Start(ctx context.Context) error {
	if c.dialer.startErr != nil {
		return c.dialer.startErr
	}
	c.started.Store(true)
	return nil
}

func (c *fakeConn) NewSession(ctx context.Context, opts transport.SessionOptions) (transport.Session, error) {
	c.dialer.mu.Lock()
	c.ackModes = append(c.ackModes, opts.AckMode)
	c.dialer.mu.Unlock()
	return &fakeSession{dialer: c.dialer}, nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.dialer.record("connection")
	return nil
}

type fakeSession struct {
	dialer *fakeDialer
	closed atomic.Bool
}

func (s *fakeSession) NewProducer(ctx context.Context, dest transport.Destination) (transport.Producer, error) {
	if s.closed.Load() {
		return nil, errors.New("session closed")
	}
	if s.dialer.producerDelay > 0 {
		select {
		case <-time.After(s.dialer.producerDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.dialer.producers.Inc()
	return &fakeProducer{dialer: s.dialer, dest: dest}, nil
}

func (s *fakeSession) NewConsumer(ctx context.Context, dest transport.Destination) (transport.Consumer, error) {
	s.dialer.mu.Lock()
	s.dialer.consumerDests = append(s.dialer.consumerDests, dest)
	s.dialer.mu.Unlock()
	return &fakeConsumer{dialer: s.dialer, dest: dest}, nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.closed.Store(true)
	s.dialer.record("session")
	return nil
}

type fakeProducer struct {
	dialer *fakeDialer
	dest   transport.Destination
	mu     sync.Mutex
	sent   []*transport.Message
	closed atomic.Bool
}

func (p *fakeProducer) Send(ctx context.Context, msg *transport.Message, opts transport.SendOptions) error {
	if p.closed.Load() {
		return errors.New("producer closed")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakeProducer) Close(ctx context.Context) error {
	p.closed.Store(true)
	p.dialer.record("sender")
	return nil
}

type fakeConsumer struct {
	dialer   *fakeDialer
	dest     transport.Destination
	listener transport.Listener
	closed   atomic.Bool
}

func (c *fakeConsumer) Listen(listener transport.Listener) error {
	c.listener = listener
	return nil
}

func (c *fakeConsumer) Close(ctx context.Context) error {
	c.closed.Store(true)
	c.dialer.record("consumer")
	return nil
}
