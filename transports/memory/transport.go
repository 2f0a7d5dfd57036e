package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/glimte/amqclient/transport"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

var (
	// ErrAuthentication is returned when a broker requiring credentials rejects a connection
	ErrAuthentication = errors.New("memory: authentication failed")
	// ErrClosed is returned by operations on a closed connection, session, producer or consumer
	ErrClosed = errors.New("memory: closed")
	// ErrAlreadyListening is returned by a second Listen on the same consumer
	ErrAlreadyListening = errors.New("memory: consumer already has a listener")
)

// Dialer connects to in-process brokers
type Dialer struct{}

// Register binds the memory transport to the mem:// and memory:// schemes
func Register(r *transport.Registry) {
	r.Register("memory", Dialer{}, "mem", "memory")
}

// Dial implements transport.Dialer
func (Dialer) Dial(ctx context.Context, uri string, creds *transport.Credentials) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name, err := brokerName(uri)
	if err != nil {
		return nil, err
	}

	b := GetBroker(name)
	if err := b.authenticate(creds); err != nil {
		return nil, err
	}

	b.connections.Inc()
	return &connection{broker: b}, nil
}

type connection struct {
	broker  *Broker
	started atomic.Bool
	closed  atomic.Bool

	mu       sync.Mutex
	sessions []*session
}

func (c *connection) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.started.Store(true)
	return nil
}

func (c *connection) NewSession(ctx context.Context, opts transport.SessionOptions) (transport.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, ErrClosed
	}

	s := &session{broker: c.broker, ackMode: opts.AckMode}
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close(context.Background())
	}

	c.broker.connections.Dec()
	return nil
}

type session struct {
	broker  *Broker
	ackMode transport.AckMode
	closed  atomic.Bool

	mu        sync.Mutex
	producers []*producer
	consumers []*consumer
}

func (s *session) NewProducer(ctx context.Context, dest transport.Destination) (transport.Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}

	p := &producer{broker: s.broker, dest: dest}
	s.producers = append(s.producers, p)
	s.broker.producers.Inc()
	return p, nil
}

func (s *session) NewConsumer(ctx context.Context, dest transport.Destination) (transport.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}

	c := &consumer{broker: s.broker, dest: dest, done: make(chan struct{})}
	switch dest.Kind {
	case transport.Topic:
		t := s.broker.topic(dest.Name)
		s.broker.mu.Lock()
		capacity := s.broker.queueCapacity
		s.broker.mu.Unlock()
		c.sub = t.subscribe(capacity)
		c.topic = t
		c.source = c.sub.ch
	default:
		c.source = s.broker.queue(dest.Name).ch
	}

	s.consumers = append(s.consumers, c)
	s.broker.consumers.Inc()
	return c, nil
}

func (s *session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	producers, consumers := s.producers, s.consumers
	s.producers, s.consumers = nil, nil
	s.mu.Unlock()

	for _, p := range producers {
		_ = p.Close(ctx)
	}
	for _, c := range consumers {
		_ = c.Close(ctx)
	}
	return nil
}

type producer struct {
	broker *Broker
	dest   transport.Destination
	closed atomic.Bool
}

func (p *producer) Send(ctx context.Context, msg *transport.Message, opts transport.SendOptions) error {
	if p.closed.Load() {
		return ErrClosed
	}

	out := cloneMessage(msg)
	out.Destination = p.dest
	if out.MessageID == "" {
		out.MessageID = "ID:" + uuid.NewString()
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	if out.Properties == nil {
		out.Properties = make(map[string]interface{})
	}
	out.Properties["JMSDeliveryMode"] = deliveryMode(opts.Persistent)
	out.Properties["JMSPriority"] = int(opts.Priority)
	if opts.TTL > 0 {
		out.Properties["JMSExpiration"] = out.Timestamp.Add(opts.TTL).UnixMilli()
	}

	return p.broker.publish(ctx, out)
}

func deliveryMode(persistent bool) string {
	if persistent {
		return "PERSISTENT"
	}
	return "NON_PERSISTENT"
}

func (p *producer) Close(ctx context.Context) error {
	p.closed.Store(true)
	return nil
}

type consumer struct {
	broker *Broker
	dest   transport.Destination
	source chan *transport.Message
	topic  *topic
	sub    *subscription

	listening atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
}

func (c *consumer) Listen(listener transport.Listener) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.listening.CompareAndSwap(false, true) {
		return ErrAlreadyListening
	}

	c.wg.Add(1)
	go c.deliver(listener)
	return nil
}

// deliver is the consumer's delivery goroutine
func (c *consumer) deliver(listener transport.Listener) {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.source:
			if expired(msg) {
				continue
			}
			listener(msg)
		}
	}
}

func expired(msg *transport.Message) bool {
	exp, ok := msg.Properties["JMSExpiration"].(int64)
	return ok && time.Now().UnixMilli() > exp
}

// Close stops delivery and waits for the delivery goroutine to return.
// It must not be called from inside the listener.
func (c *consumer) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(c.done)
	if c.sub != nil {
		close(c.sub.done)
		c.topic.unsubscribe(c.sub)
	}
	c.wg.Wait()
	c.broker.consumers.Dec()
	return nil
}
