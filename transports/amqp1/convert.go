package amqp1

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/glimte/amqclient/transport"
)

// Application property carrying the object type tag
const TypeProperty = "amqclient-type"

// JMS mapping annotations understood by ActiveMQ and Artemis
const (
	annotationMsgType = "x-opt-jms-msg-type"
	annotationDest    = "x-opt-jms-dest"

	jmsObjectMessage int8 = 1
	jmsBytesMessage  int8 = 3
	jmsTextMessage   int8 = 5

	jmsQueue int8 = 0
	jmsTopic int8 = 1
)

// Default address prefixes, as used by ActiveMQ Classic and Artemis
const (
	DefaultQueuePrefix = "queue://"
	DefaultTopicPrefix = "topic://"
)

// NormalizeURL rewrites ActiveMQ style broker URIs to AMQP URLs.
// tcp://, nio:// and activemq:tcp:// become amqp://; ssl:// becomes amqps://.
// Query parameters meant for the OpenWire client are dropped.
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToLower(s), "activemq:") {
		s = s[len("activemq:"):]
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid broker uri: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "amqp", "tcp", "nio":
		u.Scheme = "amqp"
	case "amqps", "ssl", "tls":
		u.Scheme = "amqps"
	default:
		return "", fmt.Errorf("unsupported scheme %q for amqp 1.0", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("broker uri %q has no host", raw)
	}

	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// address returns the link address of a destination
func (d *Dialer) address(dest transport.Destination) string {
	if dest.Kind == transport.Topic {
		return d.topicPrefix + dest.Name
	}
	return d.queuePrefix + dest.Name
}

// toAMQP converts a transport message to its AMQP 1.0 form
func toAMQP(msg *transport.Message, opts transport.SendOptions) *amqp.Message {
	var m *amqp.Message
	var msgType int8

	switch msg.Kind {
	case transport.TextMessage:
		m = &amqp.Message{Value: msg.Text}
		msgType = jmsTextMessage
	case transport.ObjectMessage:
		m = amqp.NewMessage(msg.Body)
		msgType = jmsBytesMessage
	default:
		m = amqp.NewMessage(msg.Body)
		msgType = jmsBytesMessage
	}

	m.Header = &amqp.MessageHeader{
		Durable:  opts.Persistent,
		Priority: opts.Priority,
		TTL:      opts.TTL,
	}

	now := msg.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	m.Properties = &amqp.MessageProperties{CreationTime: &now}
	if msg.MessageID != "" {
		m.Properties.MessageID = msg.MessageID
	}
	if msg.ContentType != "" {
		ct := msg.ContentType
		m.Properties.ContentType = &ct
	}

	destType := jmsQueue
	if msg.Destination.Kind == transport.Topic {
		destType = jmsTopic
	}
	m.Annotations = amqp.Annotations{
		annotationMsgType: msgType,
		annotationDest:    destType,
	}

	if len(msg.Properties) > 0 || msg.TypeTag != "" {
		m.ApplicationProperties = make(map[string]any, len(msg.Properties)+1)
		for k, v := range msg.Properties {
			m.ApplicationProperties[k] = v
		}
		if msg.Kind == transport.ObjectMessage && msg.TypeTag != "" {
			m.ApplicationProperties[TypeProperty] = msg.TypeTag
		}
	}

	return m
}

// fromAMQP converts a received AMQP 1.0 message. The kind is taken from the
// message itself: a string value or a JMS text annotation is text, a type tag
// property is an object, anything else is bytes.
func fromAMQP(m *amqp.Message, dest transport.Destination) *transport.Message {
	msg := &transport.Message{
		Destination: dest,
		Properties:  make(map[string]interface{}, len(m.ApplicationProperties)),
	}

	for k, v := range m.ApplicationProperties {
		msg.Properties[k] = v
	}

	if m.Properties != nil {
		if m.Properties.MessageID != nil {
			msg.MessageID = fmt.Sprint(m.Properties.MessageID)
		}
		if m.Properties.ContentType != nil {
			msg.ContentType = *m.Properties.ContentType
		}
		if m.Properties.CreationTime != nil {
			msg.Timestamp = *m.Properties.CreationTime
		}
	}

	tag, _ := msg.Properties[TypeProperty].(string)
	jmsType, _ := m.Annotations[annotationMsgType].(int8)

	switch v := m.Value.(type) {
	case string:
		msg.Kind = transport.TextMessage
		msg.Text = v
		return msg
	case []byte:
		msg.Body = v
	default:
		msg.Body = m.GetData()
	}

	switch {
	case tag != "":
		msg.Kind = transport.ObjectMessage
		msg.TypeTag = tag
		delete(msg.Properties, TypeProperty)
	case jmsType == jmsTextMessage:
		msg.Kind = transport.TextMessage
		msg.Text = string(msg.Body)
		msg.Body = nil
	default:
		msg.Kind = transport.BytesMessage
	}

	return msg
}
