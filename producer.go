package amqclient

import (
	"context"
	"time"

	"github.com/glimte/amqclient/config"
	"github.com/glimte/amqclient/contracts"
	"github.com/glimte/amqclient/internal/session"
	"github.com/glimte/amqclient/serialization"
	"github.com/glimte/amqclient/transport"
	"github.com/google/uuid"
)

// Producer sends messages to queues and topics. It is safe for concurrent use.
type Producer struct {
	*client
	pool *session.Pool
}

// NewProducer creates an unopened producer. A nil or invalid record is a
// *contracts.ConfigError; an empty broker URI is reported by the first Open or SendTo.
func NewProducer(opts *config.Options, options ...ClientOption) (*Producer, error) {
	c, _, err := newClient(opts, session.RoleProducer, options)
	if err != nil {
		return nil, err
	}

	p := &Producer{client: c}
	p.pool = session.NewPool(c.session,
		session.WithPoolLogger(c.logger),
		session.WithOnCreate(func(ctx context.Context, key session.SenderKey) {
			c.metrics.RecordSenderCreated(ctx, key.Name, key.Mode.String())
		}))

	return p, nil
}

// Open connects and creates the sender for destination and mode. It is not
// required before SendTo; an open producer only gains the sender.
func (p *Producer) Open(ctx context.Context, destination string, mode contracts.DeliveryMode) error {
	return p.pool.GetOrCreate(ctx, destination, mode)
}

// SendTo encodes payload and sends it persistently with normal priority and
// no expiry, opening the producer first when needed. Strings are sent as text,
// byte slices as bytes and contracts.Encodable values as objects; any other
// payload fails with a *contracts.SerializationError before anything is sent.
func (p *Producer) SendTo(ctx context.Context, destination string, mode contracts.DeliveryMode, payload interface{}) error {
	out, err := p.codec.Encode(payload)
	if err != nil {
		return err
	}

	msg := newMessage(out)
	start := time.Now()
	err = p.pool.Send(ctx, destination, mode, msg, transport.DefaultSendOptions())
	p.metrics.RecordSend(ctx, destination, mode.String(), out.Kind.String(), time.Since(start), err)
	if err != nil {
		return err
	}

	p.logger.Debug("message sent",
		"destination", destination,
		"mode", mode.String(),
		"kind", out.Kind.String(),
		"messageId", msg.MessageID)
	return nil
}

// SendQueueMessage sends payload to a queue
func (p *Producer) SendQueueMessage(ctx context.Context, queue string, payload interface{}) error {
	return p.SendTo(ctx, queue, contracts.PointToPoint, payload)
}

// SendTopicMessage publishes payload to a topic
func (p *Producer) SendTopicMessage(ctx context.Context, topic string, payload interface{}) error {
	return p.SendTo(ctx, topic, contracts.PublishSubscribe, payload)
}

// Senders returns how many broker senders the producer holds
func (p *Producer) Senders() int {
	return p.pool.Len()
}

// Close releases senders, session and connection. It never fails and may be
// called more than once; a closed producer reopens on the next Open or SendTo.
func (p *Producer) Close() error {
	ctx, cancel := p.closeContext()
	defer cancel()

	p.session.Close(ctx)
	return nil
}

func newMessage(p contracts.Payload) *transport.Message {
	msg := &transport.Message{
		MessageID: "ID:" + uuid.NewString(),
		Timestamp: time.Now(),
	}

	switch p.Kind {
	case contracts.KindText:
		msg.Kind = transport.TextMessage
		msg.Text = p.Text
		msg.ContentType = serialization.ContentTypeText
	case contracts.KindObject:
		msg.Kind = transport.ObjectMessage
		msg.Body = p.Body
		msg.TypeTag = p.TypeTag
		msg.ContentType = serialization.ContentTypeObject
	default:
		msg.Kind = transport.BytesMessage
		msg.Body = p.Body
		msg.ContentType = serialization.ContentTypeBinary
	}

	return msg
}
