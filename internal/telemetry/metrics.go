// Package telemetry records client metrics through OpenTelemetry.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ScopeName is the instrumentation scope of every instrument
const ScopeName = "github.com/glimte/amqclient"

// Metrics holds the client's instruments
type Metrics struct {
	sent           metric.Int64Counter
	sendDuration   metric.Float64Histogram
	received       metric.Int64Counter
	decodeFailures metric.Int64Counter
	handlerPanics  metric.Int64Counter
	sendersCreated metric.Int64Counter
}

// New creates the instruments on provider, or on the global provider when nil
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(ScopeName)

	m := &Metrics{}
	var err error

	if m.sent, err = meter.Int64Counter("amqclient.messages.sent",
		metric.WithDescription("Number of messages handed to the broker")); err != nil {
		return nil, err
	}
	if m.sendDuration, err = meter.Float64Histogram("amqclient.send.duration",
		metric.WithDescription("Send duration in milliseconds"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.received, err = meter.Int64Counter("amqclient.messages.received",
		metric.WithDescription("Number of messages dispatched to handlers")); err != nil {
		return nil, err
	}
	if m.decodeFailures, err = meter.Int64Counter("amqclient.decode.failures",
		metric.WithDescription("Number of inbound messages that could not be delivered to a handler")); err != nil {
		return nil, err
	}
	if m.handlerPanics, err = meter.Int64Counter("amqclient.handler.panics",
		metric.WithDescription("Number of handler calls recovered from a panic")); err != nil {
		return nil, err
	}
	if m.sendersCreated, err = meter.Int64Counter("amqclient.senders.created",
		metric.WithDescription("Number of broker senders created")); err != nil {
		return nil, err
	}

	return m, nil
}

// Noop returns instruments bound to a provider that records nothing
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider())
	return m
}

func attrs(destination, mode string, extra ...attribute.KeyValue) metric.MeasurementOption {
	kv := append([]attribute.KeyValue{
		attribute.String("destination", destination),
		attribute.String("mode", mode),
	}, extra...)
	return metric.WithAttributes(kv...)
}

// RecordSend records one send attempt
func (m *Metrics) RecordSend(ctx context.Context, destination, mode, kind string, duration time.Duration, err error) {
	opt := attrs(destination, mode, attribute.String("kind", kind), attribute.Bool("success", err == nil))
	m.sent.Add(ctx, 1, opt)
	m.sendDuration.Record(ctx, float64(duration.Microseconds())/1000, opt)
}

// RecordReceived records one message handed to a handler
func (m *Metrics) RecordReceived(ctx context.Context, destination, mode, kind string, err error) {
	m.received.Add(ctx, 1, attrs(destination, mode, attribute.String("kind", kind), attribute.Bool("success", err == nil)))
}

// RecordDecodeFailure records an inbound message that could not be decoded for its handler
func (m *Metrics) RecordDecodeFailure(ctx context.Context, destination, mode, reason string) {
	m.decodeFailures.Add(ctx, 1, attrs(destination, mode, attribute.String("reason", reason)))
}

// RecordHandlerPanic records a handler call that panicked
func (m *Metrics) RecordHandlerPanic(ctx context.Context, destination, mode string) {
	m.handlerPanics.Add(ctx, 1, attrs(destination, mode))
}

// RecordSenderCreated records a new pooled sender
func (m *Metrics) RecordSenderCreated(ctx context.Context, destination, mode string) {
	m.sendersCreated.Add(ctx, 1, attrs(destination, mode))
}
