// Package memory is a process-local broker with queue and topic semantics.
//
// Brokers are addressed as mem://name and created on first use. Queue messages
// are buffered until a consumer takes them and each message reaches exactly one
// consumer. Topic messages reach every consumer attached at send time and are
// dropped when there is none. Every consumer delivers on its own goroutine.
package memory

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/glimte/amqclient/transport"
	"go.uber.org/atomic"
)

// DefaultQueueCapacity is the number of messages a queue buffers before Send blocks
const DefaultQueueCapacity = 4096

var (
	brokersMu sync.Mutex
	brokers   = make(map[string]*Broker)
)

// GetBroker returns the named broker, creating it on first use
func GetBroker(name string) *Broker {
	brokersMu.Lock()
	defer brokersMu.Unlock()

	b, ok := brokers[name]
	if !ok {
		b = newBroker(name)
		brokers[name] = b
	}
	return b
}

// Reset forgets the named broker. Connections already made keep working against the old instance.
func Reset(name string) {
	brokersMu.Lock()
	defer brokersMu.Unlock()
	delete(brokers, name)
}

// Broker holds queues and topics
type Broker struct {
	name string

	mu            sync.Mutex
	queues        map[string]*queue
	topics        map[string]*topic
	queueCapacity int
	userName      string
	password      string
	requireAuth   bool

	connections atomic.Int64
	producers   atomic.Int64
	consumers   atomic.Int64
	sent        atomic.Int64
}

func newBroker(name string) *Broker {
	return &Broker{
		name:          name,
		queues:        make(map[string]*queue),
		topics:        make(map[string]*topic),
		queueCapacity: DefaultQueueCapacity,
	}
}

// Name returns the broker name
func (b *Broker) Name() string {
	return b.name
}

// RequireCredentials makes the broker reject connections without these credentials
func (b *Broker) RequireCredentials(userName, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.userName, b.password, b.requireAuth = userName, password, true
}

// SetQueueCapacity sets the buffer size of queues created afterwards
func (b *Broker) SetQueueCapacity(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > 0 {
		b.queueCapacity = n
	}
}

// Connections returns the number of open connections
func (b *Broker) Connections() int64 {
	return b.connections.Load()
}

// ProducersCreated returns how many producers were ever created
func (b *Broker) ProducersCreated() int64 {
	return b.producers.Load()
}

// Consumers returns the number of open consumers
func (b *Broker) Consumers() int64 {
	return b.consumers.Load()
}

// MessagesSent returns how many messages producers handed to the broker
func (b *Broker) MessagesSent() int64 {
	return b.sent.Load()
}

// QueueDepth returns the number of messages waiting on a queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ch)
	}
	return 0
}

func (b *Broker) authenticate(creds *transport.Credentials) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.requireAuth {
		return nil
	}
	if creds == nil {
		return fmt.Errorf("%w: anonymous connections are not allowed", ErrAuthentication)
	}
	if creds.UserName != b.userName || creds.Password != b.password {
		return fmt.Errorf("%w: user %q", ErrAuthentication, creds.UserName)
	}
	return nil
}

func (b *Broker) queue(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		q = &queue{ch: make(chan *transport.Message, b.queueCapacity)}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) topic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		t = &topic{subscribers: make(map[*subscription]struct{})}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) publish(ctx context.Context, msg *transport.Message) error {
	switch msg.Destination.Kind {
	case transport.Queue:
		select {
		case b.queue(msg.Destination.Name).ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	case transport.Topic:
		for _, sub := range b.topic(msg.Destination.Name).snapshot() {
			select {
			case sub.ch <- cloneMessage(msg):
			case <-sub.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	default:
		return fmt.Errorf("unknown destination kind %d", msg.Destination.Kind)
	}

	b.sent.Inc()
	return nil
}

type queue struct {
	ch chan *transport.Message
}

type topic struct {
	mu          sync.RWMutex
	subscribers map[*subscription]struct{}
}

type subscription struct {
	ch   chan *transport.Message
	done chan struct{}
}

func (t *topic) subscribe(capacity int) *subscription {
	sub := &subscription{
		ch:   make(chan *transport.Message, capacity),
		done: make(chan struct{}),
	}
	t.mu.Lock()
	t.subscribers[sub] = struct{}{}
	t.mu.Unlock()
	return sub
}

func (t *topic) unsubscribe(sub *subscription) {
	t.mu.Lock()
	delete(t.subscribers, sub)
	t.mu.Unlock()
}

func (t *topic) snapshot() []*subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subs := make([]*subscription, 0, len(t.subscribers))
	for sub := range t.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

func cloneMessage(msg *transport.Message) *transport.Message {
	c := *msg
	if msg.Body != nil {
		c.Body = append([]byte(nil), msg.Body...)
	}
	if msg.Properties != nil {
		c.Properties = make(map[string]interface{}, len(msg.Properties))
		for k, v := range msg.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}

// brokerName extracts the broker name from mem://name or memory://name
func brokerName(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid memory broker uri: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "mem", "memory":
	default:
		return "", fmt.Errorf("unsupported scheme %q for memory broker", u.Scheme)
	}

	name := u.Host
	if name == "" {
		name = strings.Trim(u.Opaque+u.Path, "/")
	}
	if name == "" {
		name = "default"
	}
	return name, nil
}
