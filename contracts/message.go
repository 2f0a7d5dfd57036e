package contracts

// Encodable marks a payload type that may be sent as an object message.
// MessageType returns a stable tag identifying the type on the wire; it is
// checked again on the receiving side before the body is decoded.
type Encodable interface {
	MessageType() string
}

// PayloadKind is the wire kind of a message body
type PayloadKind int

const (
	// KindText is a UTF-8 text body
	KindText PayloadKind = iota
	// KindBinary is an opaque byte body
	KindBinary
	// KindObject is a serialized Encodable value
	KindObject
)

func (k PayloadKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Payload is an outgoing value after encoding. Exactly one of Text or Body is
// meaningful, selected by Kind. TypeTag is set for KindObject only.
type Payload struct {
	Kind    PayloadKind
	Text    string
	Body    []byte
	TypeTag string
}

// TextPayload builds a text payload
func TextPayload(s string) Payload {
	return Payload{Kind: KindText, Text: s}
}

// BinaryPayload builds a binary payload
func BinaryPayload(b []byte) Payload {
	return Payload{Kind: KindBinary, Body: b}
}

// ObjectPayload builds an object payload from an already serialized body
func ObjectPayload(body []byte, typeTag string) Payload {
	return Payload{Kind: KindObject, Body: body, TypeTag: typeTag}
}
