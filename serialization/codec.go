package serialization

import (
	"bytes"
	"encoding"
	"fmt"
	"reflect"

	"github.com/glimte/amqclient/contracts"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// FormatVersion is the leading byte of every object body
	FormatVersion byte = 1

	// ContentTypeObject is the content type of object bodies
	ContentTypeObject = "application/x-msgpack"
	// ContentTypeBinary is the content type of raw byte bodies
	ContentTypeBinary = "application/octet-stream"
	// ContentTypeText is the content type of text bodies
	ContentTypeText = "text/plain; charset=utf-8"
)

var (
	encodableType       = reflect.TypeOf((*contracts.Encodable)(nil)).Elem()
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
	bytesType           = reflect.TypeOf([]byte(nil))
)

// Codec turns outgoing values into payloads and inbound envelopes back into typed values
type Codec struct {
	registry     TypeRegistry
	autoRegister bool
}

// CodecOption configures a Codec
type CodecOption func(*Codec)

// WithTypeRegistry sets the registry used to resolve object type tags
func WithTypeRegistry(registry TypeRegistry) CodecOption {
	return func(c *Codec) {
		c.registry = registry
	}
}

// WithAutoRegister controls whether encoded object types are added to the registry
func WithAutoRegister(enabled bool) CodecOption {
	return func(c *Codec) {
		c.autoRegister = enabled
	}
}

// NewCodec creates a codec backed by the global type registry
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{
		registry:     GetGlobalRegistry(),
		autoRegister: true,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

var defaultCodec = NewCodec()

// DefaultCodec returns the codec used by Encode and Decode
func DefaultCodec() *Codec {
	return defaultCodec
}

// Registry returns the codec's type registry
func (c *Codec) Registry() TypeRegistry {
	return c.registry
}

// Encode encodes value with the default codec
func Encode(value interface{}) (contracts.Payload, error) {
	return defaultCodec.Encode(value)
}

// Encode classifies value and serializes it. []byte becomes a binary payload,
// string a text payload, and anything implementing contracts.Encodable an
// object payload. Every other value fails with ErrNotSerializable.
func (c *Codec) Encode(value interface{}) (contracts.Payload, error) {
	switch v := value.(type) {
	case nil:
		return contracts.Payload{}, &contracts.SerializationError{Type: "<nil>", Err: contracts.ErrNotSerializable}
	case []byte:
		return contracts.BinaryPayload(v), nil
	case string:
		return contracts.TextPayload(v), nil
	case contracts.Encodable:
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Ptr && rv.IsNil() {
			return contracts.Payload{}, &contracts.SerializationError{
				Type: fmt.Sprintf("%T", value),
				Err:  fmt.Errorf("%w: nil pointer", contracts.ErrNotSerializable),
			}
		}

		tag := v.MessageType()
		if tag == "" {
			return contracts.Payload{}, &contracts.SerializationError{
				Type: fmt.Sprintf("%T", value),
				Err:  fmt.Errorf("%w: empty message type", contracts.ErrNotSerializable),
			}
		}

		body, err := Marshal(v)
		if err != nil {
			return contracts.Payload{}, &contracts.SerializationError{Type: fmt.Sprintf("%T", value), Err: err}
		}

		if c.autoRegister && c.registry != nil && !c.registry.IsRegistered(tag) {
			// Non-struct Encodables cannot be registered; they still decode into their concrete type
			_ = c.registry.Register(tag, v)
		}

		return contracts.ObjectPayload(body, tag), nil
	default:
		return contracts.Payload{}, &contracts.SerializationError{
			Type: fmt.Sprintf("%T", value),
			Err:  contracts.ErrNotSerializable,
		}
	}
}

// Marshal writes the versioned object format: one version byte and a MessagePack body with sorted map keys
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(FormatVersion)

	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrNotSerializable, err)
	}

	return buf.Bytes(), nil
}

// Unmarshal reads the versioned object format into v
func Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty body", contracts.ErrCorruptPayload)
	}
	if data[0] != FormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", contracts.ErrCorruptPayload, data[0])
	}
	if err := msgpack.Unmarshal(data[1:], v); err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrCorruptPayload, err)
	}
	return nil
}

// Decode decodes env into T with the default codec
func Decode[T any](env *contracts.Envelope) (T, error) {
	return DecodeWith[T](defaultCodec, env)
}

// DecodeWith decodes env into T. The envelope's native kind decides the path:
// text goes to text-compatible targets only, binary is delivered raw to []byte
// targets and deserialized otherwise, and object bodies must carry the tag of T.
func DecodeWith[T any](c *Codec, env *contracts.Envelope) (T, error) {
	var out T
	target := reflect.TypeOf((*T)(nil)).Elem()

	fail := func(err error) (T, error) {
		var zero T
		return zero, &contracts.DecodeError{
			Kind:        env.Kind,
			Expected:    target.String(),
			TypeTag:     env.TypeTag,
			Destination: env.Destination,
			MessageID:   env.MessageID,
			Err:         err,
		}
	}

	switch env.Kind {
	case contracts.KindText:
		if err := decodeText(env.Text, &out, target); err != nil {
			return fail(err)
		}
		return out, nil

	case contracts.KindBinary:
		if target == bytesType {
			reflect.ValueOf(&out).Elem().Set(reflect.ValueOf(env.Body))
			return out, nil
		}
		if target.Kind() == reflect.Interface && bytesType.AssignableTo(target) {
			reflect.ValueOf(&out).Elem().Set(reflect.ValueOf(env.Body))
			return out, nil
		}
		if err := Unmarshal(env.Body, &out); err != nil {
			return fail(err)
		}
		return out, nil

	case contracts.KindObject:
		if target.Kind() == reflect.Interface {
			v, err := c.decodeDynamic(env, target)
			if err != nil {
				return fail(err)
			}
			if v.IsValid() {
				reflect.ValueOf(&out).Elem().Set(v)
			}
			return out, nil
		}

		tag, ok := typeTagOf(target)
		if !ok {
			return fail(fmt.Errorf("%w: %s does not implement Encodable", contracts.ErrTypeMismatch, target))
		}
		if env.TypeTag != "" && env.TypeTag != tag {
			return fail(fmt.Errorf("%w: message carries %q, handler expects %q", contracts.ErrTypeMismatch, env.TypeTag, tag))
		}
		if err := Unmarshal(env.Body, &out); err != nil {
			return fail(err)
		}
		return out, nil

	default:
		return fail(fmt.Errorf("%w: unknown payload kind %d", contracts.ErrCorruptPayload, int(env.Kind)))
	}
}

func decodeText(text string, out interface{}, target reflect.Type) error {
	dst := reflect.ValueOf(out).Elem()

	switch {
	case reflect.PointerTo(target).Implements(textUnmarshalerType):
		return dst.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(text))
	case target.Kind() == reflect.String:
		dst.SetString(text)
		return nil
	case target == bytesType:
		dst.SetBytes([]byte(text))
		return nil
	case target.Kind() == reflect.Interface && reflect.TypeOf(text).AssignableTo(target):
		dst.Set(reflect.ValueOf(text))
		return nil
	default:
		return fmt.Errorf("%w: text message cannot populate %s", contracts.ErrTypeMismatch, target)
	}
}

// decodeDynamic handles interface-typed targets. A registered tag yields the concrete value;
// an unknown tag falls back to the generic MessagePack decoding when the target is any.
func (c *Codec) decodeDynamic(env *contracts.Envelope, target reflect.Type) (reflect.Value, error) {
	if c.registry != nil && env.TypeTag != "" && c.registry.IsRegistered(env.TypeTag) {
		inst, err := c.registry.CreateInstance(env.TypeTag)
		if err != nil {
			return reflect.Value{}, err
		}
		if err := Unmarshal(env.Body, inst); err != nil {
			return reflect.Value{}, err
		}

		ptr := reflect.ValueOf(inst)
		switch {
		case ptr.Elem().Type().AssignableTo(target):
			return ptr.Elem(), nil
		case ptr.Type().AssignableTo(target):
			return ptr, nil
		default:
			return reflect.Value{}, fmt.Errorf("%w: %s is not assignable to %s", contracts.ErrTypeMismatch, ptr.Elem().Type(), target)
		}
	}

	if target.NumMethod() > 0 {
		return reflect.Value{}, fmt.Errorf("%w: type %q is not registered", contracts.ErrTypeMismatch, env.TypeTag)
	}

	var generic interface{}
	if err := Unmarshal(env.Body, &generic); err != nil {
		return reflect.Value{}, err
	}
	if generic == nil {
		return reflect.Value{}, nil
	}
	return reflect.ValueOf(generic), nil
}

// typeTagOf returns the MessageType of a concrete target type
func typeTagOf(t reflect.Type) (string, bool) {
	switch {
	case t.Kind() == reflect.Ptr && t.Implements(encodableType):
		return reflect.New(t.Elem()).Interface().(contracts.Encodable).MessageType(), true
	case t.Implements(encodableType):
		return reflect.Zero(t).Interface().(contracts.Encodable).MessageType(), true
	case reflect.PointerTo(t).Implements(encodableType):
		return reflect.New(t).Interface().(contracts.Encodable).MessageType(), true
	default:
		return "", false
	}
}
