package contracts

import (
	"fmt"
	"strings"
)

// DeliveryMode selects how a destination name is resolved on the broker
type DeliveryMode int

const (
	// PointToPoint resolves to a queue: each message reaches one consumer
	PointToPoint DeliveryMode = iota
	// PublishSubscribe resolves to a topic: each message reaches every active subscriber
	PublishSubscribe
)

// String returns the broker-facing name of the mode
func (m DeliveryMode) String() string {
	switch m {
	case PointToPoint:
		return "queue"
	case PublishSubscribe:
		return "topic"
	default:
		return fmt.Sprintf("DeliveryMode(%d)", int(m))
	}
}

// Valid reports whether m is one of the recognized modes
func (m DeliveryMode) Valid() bool {
	return m == PointToPoint || m == PublishSubscribe
}

// ParseDeliveryMode parses the textual forms accepted in configuration and on the command line.
func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queue", "point-to-point", "p2p", "pointtopoint":
		return PointToPoint, nil
	case "topic", "publish-subscribe", "pubsub", "publishsubscribe":
		return PublishSubscribe, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}
