package contracts

import (
	"time"
)

// Envelope is an inbound message as seen by the dispatch layer. Kind comes from
// the native kind of the wire message, never from what the handler expects.
// For KindObject the body is still serialized; it is decoded against the
// handler's type so a mismatch can be reported instead of panicking.
type Envelope struct {
	Kind        PayloadKind
	Text        string
	Body        []byte
	TypeTag     string
	MessageID   string
	Destination string
	Mode        DeliveryMode
	Timestamp   time.Time
	Headers     map[string]interface{}
}

// Payload returns the envelope content in outgoing form
func (e *Envelope) Payload() Payload {
	return Payload{Kind: e.Kind, Text: e.Text, Body: e.Body, TypeTag: e.TypeTag}
}
