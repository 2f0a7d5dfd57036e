package contracts

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	// Configuration errors
	ErrMissingConfig = errors.New("amqclient: ActiveMQClient configuration is not set")
	ErrInvalidConfig = errors.New("amqclient: invalid configuration")

	// Connect errors
	ErrMissingBrokerURI   = errors.New("amqclient: broker uri is not set")
	ErrMissingDestination = errors.New("amqclient: destination name is not set")
	ErrUnknownMode        = errors.New("amqclient: unrecognized delivery mode")
	ErrUnknownProtocol    = errors.New("amqclient: no transport for broker uri")

	// Payload errors
	ErrNotSerializable = errors.New("amqclient: payload type is not serializable")
	ErrTypeMismatch    = errors.New("amqclient: payload does not match handler type")
	ErrCorruptPayload  = errors.New("amqclient: payload is corrupt")

	// Dispatch errors
	ErrHandlerPanic = errors.New("amqclient: message handler panicked")
)

// ConfigError is a fatal construction-time error; no client is returned with it
type ConfigError struct {
	Field string // Offending field, empty when the whole record is missing
	Err   error  // Underlying error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("amqclient config error: %v", e.Err)
	}
	return fmt.Sprintf("amqclient config error: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ConnectError fails a single Open, SendTo or OnMessage call
type ConnectError struct {
	Op          string       // Operation that failed
	URL         string       // Broker URL (sanitized)
	Destination string       // Destination name, if known
	Mode        DeliveryMode // Delivery mode requested
	Err         error        // Underlying error
	Timestamp   time.Time    // When the error occurred
}

func (e *ConnectError) Error() string {
	if e.Destination != "" {
		return fmt.Sprintf("amqclient connect error: %s %s %q: %v", e.Op, e.Mode, e.Destination, e.Err)
	}
	return fmt.Sprintf("amqclient connect error: %s: %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SerializationError is returned before any network I/O when a payload cannot be encoded
type SerializationError struct {
	Type string // Go type of the rejected payload
	Err  error  // Underlying error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("amqclient serialization error: %s: %v", e.Type, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// DecodeError reports an inbound message that could not be turned into the handler's type
type DecodeError struct {
	Kind        PayloadKind // Native kind of the inbound message
	Expected    string      // Handler type
	TypeTag     string      // Tag carried by the message, for object payloads
	Destination string      // Destination the message arrived on
	MessageID   string      // Broker message id
	Err         error       // Underlying error
}

func (e *DecodeError) Error() string {
	if e.TypeTag != "" {
		return fmt.Sprintf("amqclient decode error: %s message (%s) into %s: %v", e.Kind, e.TypeTag, e.Expected, e.Err)
	}
	return fmt.Sprintf("amqclient decode error: %s message into %s: %v", e.Kind, e.Expected, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsRetryable determines if retrying the same call could succeed without a code or config change
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrMissingConfig),
		errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrMissingBrokerURI),
		errors.Is(err, ErrMissingDestination),
		errors.Is(err, ErrUnknownMode),
		errors.Is(err, ErrUnknownProtocol),
		errors.Is(err, ErrNotSerializable),
		errors.Is(err, ErrTypeMismatch),
		errors.Is(err, ErrCorruptPayload),
		errors.Is(err, ErrHandlerPanic):
		return false
	}

	// Transport failures are left to caller-level retry policy
	return true
}

// SanitizeURL removes the password from a broker URL so it can be logged
func SanitizeURL(raw string) string {
	// activemq:tcp://host style URIs nest the real URL after the first scheme
	prefix := ""
	if i := strings.Index(raw, ":"); i > 0 && !strings.HasPrefix(raw[i:], "://") {
		prefix, raw = raw[:i+1], raw[i+1:]
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return prefix + u.String()
}
