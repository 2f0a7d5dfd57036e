// Package transport defines the broker client contract the amqclient core is written against.
//
// The shape follows the JMS/NMS model the client was designed around: a connection
// factory (Dialer), a started Connection, Sessions created from it, and Producers and
// Consumers bound to a resolved Destination. Concrete implementations live under
// transports/.
package transport

import (
	"context"
	"time"
)

// DestinationKind distinguishes queues from topics on the broker
type DestinationKind int

const (
	// Queue delivers each message to one consumer
	Queue DestinationKind = iota
	// Topic delivers each message to every active subscriber
	Topic
)

func (k DestinationKind) String() string {
	if k == Topic {
		return "topic"
	}
	return "queue"
}

// Destination is a broker destination handle
type Destination struct {
	Kind DestinationKind
	Name string
}

func (d Destination) String() string {
	return d.Kind.String() + "://" + d.Name
}

// Credentials authenticate a connection. A nil *Credentials means anonymous.
type Credentials struct {
	UserName string
	Password string
}

// AckMode selects the session acknowledgement semantics
type AckMode int

const (
	// AckDefault leaves acknowledgement to the transport's defaults (producer sessions)
	AckDefault AckMode = iota
	// AckAuto acknowledges each message as it is handed to the listener (consumer sessions)
	AckAuto
)

// SessionOptions configures a new session
type SessionOptions struct {
	AckMode AckMode
}

// Priority values shared by all transports
const (
	PriorityLowest uint8 = 0
	PriorityNormal uint8 = 4
	PriorityHigh   uint8 = 7
)

// SendOptions carries the durability, priority and expiration triple of a send
type SendOptions struct {
	Persistent bool
	Priority   uint8
	TTL        time.Duration // zero means no expiration
}

// DefaultSendOptions is persistent, normal priority and never expires
func DefaultSendOptions() SendOptions {
	return SendOptions{Persistent: true, Priority: PriorityNormal}
}

// MessageKind is the native kind of a wire message
type MessageKind int

const (
	TextMessage MessageKind = iota
	BytesMessage
	ObjectMessage
)

func (k MessageKind) String() string {
	switch k {
	case TextMessage:
		return "text"
	case BytesMessage:
		return "bytes"
	case ObjectMessage:
		return "object"
	default:
		return "unknown"
	}
}

// Message is a broker message in transport-neutral form
type Message struct {
	Kind        MessageKind
	Text        string
	Body        []byte
	TypeTag     string
	ContentType string
	MessageID   string
	Destination Destination
	Timestamp   time.Time
	Properties  map[string]interface{}
}

// Listener receives messages on the transport's delivery goroutine
type Listener func(msg *Message)

// Dialer is the connection factory
type Dialer interface {
	// Dial connects to the broker at uri. creds is nil for anonymous connections.
	Dial(ctx context.Context, uri string, creds *Credentials) (Connection, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, uri string, creds *Credentials) (Connection, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, uri string, creds *Credentials) (Connection, error) {
	return f(ctx, uri, creds)
}

// Connection is one broker connection
type Connection interface {
	// Start begins message delivery on the connection
	Start(ctx context.Context) error

	// NewSession opens a session on the started connection
	NewSession(ctx context.Context, opts SessionOptions) (Session, error)

	// Close closes the connection and everything created from it
	Close() error
}

// Session creates producers and consumers
type Session interface {
	NewProducer(ctx context.Context, dest Destination) (Producer, error)
	NewConsumer(ctx context.Context, dest Destination) (Consumer, error)
	Close(ctx context.Context) error
}

// Producer sends to one destination. Send must be safe for concurrent use.
type Producer interface {
	Send(ctx context.Context, msg *Message, opts SendOptions) error
	Close(ctx context.Context) error
}

// Consumer receives from one destination
type Consumer interface {
	// Listen installs the listener and starts delivery. It may be called once.
	Listen(listener Listener) error
	Close(ctx context.Context) error
}
