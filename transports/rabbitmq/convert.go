package rabbitmq

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/amqclient/internal/rabbitmq"
	"github.com/glimte/amqclient/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// KindHeader carries the message kind across the broker
const KindHeader = "amqclient-kind"

const (
	kindText   = "text"
	kindBytes  = "bytes"
	kindObject = "object"
)

// NormalizeURL rewrites tcp:// and ssl:// broker URIs to amqp:// and amqps://.
// Query parameters are kept; amqp091 understands heartbeat and friends.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid broker uri: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "amqp", "tcp":
		u.Scheme = "amqp"
	case "amqps", "ssl", "tls":
		u.Scheme = "amqps"
	default:
		return "", fmt.Errorf("unsupported scheme %q for amqp 0.9.1", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("broker uri %q has no host", raw)
	}

	return u.String(), nil
}

// route returns the exchange and routing key a destination publishes to
func route(dest transport.Destination) (exchange, key string) {
	if dest.Kind == transport.Topic {
		return dest.Name, ""
	}
	return "", dest.Name
}

func topologyFor(dest transport.Destination) rabbitmq.Topology {
	if dest.Kind == transport.Topic {
		return rabbitmq.TopicTopology(dest.Name)
	}
	return rabbitmq.QueueTopology(dest.Name)
}

// toPublishing converts a transport message to an AMQP 0.9.1 publishing
func toPublishing(msg *transport.Message, opts transport.SendOptions) amqp.Publishing {
	p := amqp.Publishing{
		Headers:      make(amqp.Table, len(msg.Properties)+1),
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Transient,
		Priority:     opts.Priority,
		MessageId:    msg.MessageID,
		Timestamp:    msg.Timestamp,
	}
	if opts.Persistent {
		p.DeliveryMode = amqp.Persistent
	}
	if opts.TTL > 0 {
		p.Expiration = strconv.FormatInt(opts.TTL.Milliseconds(), 10)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}

	for k, v := range msg.Properties {
		p.Headers[k] = v
	}

	switch msg.Kind {
	case transport.TextMessage:
		p.Headers[KindHeader] = kindText
		p.Body = []byte(msg.Text)
		if p.ContentType == "" {
			p.ContentType = "text/plain; charset=utf-8"
		}
	case transport.ObjectMessage:
		p.Headers[KindHeader] = kindObject
		p.Type = msg.TypeTag
		p.Body = msg.Body
	default:
		p.Headers[KindHeader] = kindBytes
		p.Body = msg.Body
		if p.ContentType == "" {
			p.ContentType = "application/octet-stream"
		}
	}

	return p
}

// fromDelivery converts a delivery. Messages published by other clients carry
// no kind header: a type property makes them objects, a text content type makes
// them text, anything else is bytes.
func fromDelivery(d amqp.Delivery, dest transport.Destination) *transport.Message {
	msg := &transport.Message{
		ContentType: d.ContentType,
		MessageID:   d.MessageId,
		Destination: dest,
		Timestamp:   d.Timestamp,
		Properties:  make(map[string]interface{}, len(d.Headers)),
	}

	for k, v := range d.Headers {
		msg.Properties[k] = v
	}
	kind, _ := msg.Properties[KindHeader].(string)
	delete(msg.Properties, KindHeader)

	if kind == "" {
		switch {
		case d.Type != "":
			kind = kindObject
		case strings.HasPrefix(d.ContentType, "text/"):
			kind = kindText
		default:
			kind = kindBytes
		}
	}

	switch kind {
	case kindText:
		msg.Kind = transport.TextMessage
		msg.Text = string(d.Body)
	case kindObject:
		msg.Kind = transport.ObjectMessage
		msg.TypeTag = d.Type
		msg.Body = d.Body
	default:
		msg.Kind = transport.BytesMessage
		msg.Body = d.Body
	}

	return msg
}
