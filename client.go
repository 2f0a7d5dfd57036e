// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package amqclient sends to and receives from ActiveMQ-style queues and topics.
//
// A Producer sends with SendTo; a Consumer receives with OnMessage. Both open
// their broker connection lazily on first use and can be closed and reopened.
//
//	producer, err := amqclient.NewProducer(opts)
//	err = producer.SendTo(ctx, "orders", contracts.PointToPoint, "hello")
//
//	consumer, err := amqclient.NewConsumer(opts)
//	err = amqclient.OnMessage(ctx, consumer, "orders", contracts.PointToPoint,
//		func(ctx context.Context, text string) error { ... })
//
// Construct and open a client once, then send from as many goroutines as needed.
// Handlers must not call Open, SendTo, OnMessage or Close on the client that
// delivered to them.
package amqclient

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/amqclient/config"
	"github.com/glimte/amqclient/contracts"
	"github.com/glimte/amqclient/interceptors"
	"github.com/glimte/amqclient/internal/session"
	"github.com/glimte/amqclient/internal/telemetry"
	"github.com/glimte/amqclient/serialization"
	"github.com/glimte/amqclient/transport"
	"github.com/glimte/amqclient/transports/amqp1"
	"github.com/glimte/amqclient/transports/memory"
	rabbitmqTransport "github.com/glimte/amqclient/transports/rabbitmq"
	"go.opentelemetry.io/otel/metric"
)

// State is the lifecycle state of a producer or consumer
type State = session.State

const (
	StateUnopened = session.StateUnopened
	StateOpening  = session.StateOpening
	StateOpen     = session.StateOpen
	StateClosing  = session.StateClosing
	StateClosed   = session.StateClosed
)

// ErrorHandler receives inbound messages that could not be delivered to a
// handler: decode failures, handler errors and recovered handler panics
type ErrorHandler func(ctx context.Context, env *contracts.Envelope, err error)

type clientConfig struct {
	logger        *slog.Logger
	meterProvider metric.MeterProvider
	errorHandler  ErrorHandler
	dialer        transport.Dialer
	registry      *transport.Registry
	codec         *serialization.Codec
	bufferSize    int
	interceptors  []interceptors.Interceptor
}

// ClientOption configures a Producer or Consumer
type ClientOption func(*clientConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMeterProvider records metrics on provider instead of the global one
func WithMeterProvider(provider metric.MeterProvider) ClientOption {
	return func(c *clientConfig) {
		c.meterProvider = provider
	}
}

// WithErrorHandler replaces the default handler, which logs at error level
func WithErrorHandler(handler ErrorHandler) ClientOption {
	return func(c *clientConfig) {
		c.errorHandler = handler
	}
}

// WithDialer always dials through d, ignoring Protocol and the URI scheme
func WithDialer(d transport.Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dialer = d
	}
}

// WithRegistry picks the transport from r instead of DefaultRegistry
func WithRegistry(r *transport.Registry) ClientOption {
	return func(c *clientConfig) {
		c.registry = r
	}
}

// WithCodec sets the codec used to encode and decode payloads
func WithCodec(codec *serialization.Codec) ClientOption {
	return func(c *clientConfig) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithDispatchBuffer sets how many inbound messages may wait for the handler
func WithDispatchBuffer(n int) ClientOption {
	return func(c *clientConfig) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// WithInterceptors wraps every consumer handler, first interceptor outermost
func WithInterceptors(i ...interceptors.Interceptor) ClientOption {
	return func(c *clientConfig) {
		c.interceptors = append(c.interceptors, i...)
	}
}

// DefaultRegistry returns a registry with the AMQP 1.0, AMQP 0.9.1 and in-memory transports
func DefaultRegistry(logger *slog.Logger) *transport.Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := transport.NewRegistry()
	amqp1.Register(r, amqp1.WithLogger(logger))
	rabbitmqTransport.Register(r, rabbitmqTransport.WithLogger(logger))
	memory.Register(r)
	return r
}

// client is the state shared by Producer and Consumer
type client struct {
	opts    *config.Options
	session *session.Session
	logger  *slog.Logger
	metrics *telemetry.Metrics
	codec   *serialization.Codec
}

func newClient(opts *config.Options, role session.Role, options []ClientOption) (*client, *clientConfig, error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}

	cfg := &clientConfig{
		logger:     slog.Default(),
		codec:      serialization.DefaultCodec(),
		bufferSize: 256,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.registry == nil {
		cfg.registry = DefaultRegistry(cfg.logger)
	}

	metrics, err := telemetry.New(cfg.meterProvider)
	if err != nil {
		return nil, nil, fmt.Errorf("amqclient: create metrics: %w", err)
	}

	sessionOpts := []session.Option{
		session.WithLogger(cfg.logger),
		session.WithRegistry(cfg.registry),
	}
	if cfg.dialer != nil {
		sessionOpts = append(sessionOpts, session.WithDialer(cfg.dialer))
	}

	// The record is immutable for the life of the client
	own := opts.Clone()

	return &client{
		opts:    own,
		session: session.New(*own, role, sessionOpts...),
		logger:  cfg.logger,
		metrics: metrics,
		codec:   cfg.codec,
	}, cfg, nil
}

// State returns the lifecycle state
func (c *client) State() State {
	return c.session.State()
}

// LastError returns the error of the most recent failed open, nil after a successful one
func (c *client) LastError() error {
	return c.session.LastError()
}

// IsOpen reports whether the client holds an open broker session
func (c *client) IsOpen() bool {
	return c.session.State() == StateOpen
}

// IsClosed reports whether the client has been closed
func (c *client) IsClosed() bool {
	return c.session.State() == StateClosed
}

func (c *client) closeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.opts.Timeout())
}
