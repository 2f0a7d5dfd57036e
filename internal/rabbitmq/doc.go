// Package rabbitmq holds the AMQP 0.9.1 plumbing behind the rabbitmq transport.
//
// This package includes:
//   - ConnectionManager: dials with a timeout, authenticates with SASL PLAIN when
//     credentials are given, and reconnects with exponential backoff after the
//     broker drops the connection
//   - Topology helpers: durable queues for point-to-point destinations, fanout
//     exchanges for topics, and per-subscriber exclusive queues
//
// Channels are opened per producer and per consumer by the transport; the
// connection manager only owns the connection.
package rabbitmq
