package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/glimte/amqclient/contracts"
	"github.com/glimte/amqclient/transport"
)

// Resolve maps a destination name and delivery mode to a broker destination.
// PointToPoint resolves to a queue and PublishSubscribe to a topic.
func Resolve(name string, mode contracts.DeliveryMode) (transport.Destination, error) {
	if strings.TrimSpace(name) == "" {
		return transport.Destination{}, &contracts.ConnectError{
			Op:        "resolve",
			Mode:      mode,
			Err:       contracts.ErrMissingDestination,
			Timestamp: time.Now(),
		}
	}

	switch mode {
	case contracts.PointToPoint:
		return transport.Destination{Kind: transport.Queue, Name: name}, nil
	case contracts.PublishSubscribe:
		return transport.Destination{Kind: transport.Topic, Name: name}, nil
	default:
		return transport.Destination{}, &contracts.ConnectError{
			Op:          "resolve",
			Destination: name,
			Mode:        mode,
			Err:         fmt.Errorf("%w: %d", contracts.ErrUnknownMode, int(mode)),
			Timestamp:   time.Now(),
		}
	}
}
