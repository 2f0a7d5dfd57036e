// Package contracts provides the core types shared by every layer of the amqclient client.
//
// This package defines:
//   - DeliveryMode: point-to-point (queue) or publish-subscribe (topic) delivery
//   - Encodable: the capability a payload type needs to travel as an object message
//   - Payload: the closed variant an outgoing value is encoded into (text, binary, object)
//   - Envelope: the inbound counterpart, tagged by the wire message's native kind
//   - The error kinds surfaced by the client (configuration, connect, serialization, decode)
//
// Types in this package carry no broker state and are safe to share between goroutines.
package contracts
