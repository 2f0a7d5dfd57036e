package amqclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/amqclient/contracts"
	"github.com/glimte/amqclient/transport"
)

type delivery struct {
	msg    *transport.Message
	mode   contracts.DeliveryMode
	handle EnvelopeHandler
}

// dispatcher moves messages from transport delivery goroutines to the one
// goroutine that runs handlers
type dispatcher struct {
	inbox  chan delivery
	done   chan struct{}
	exited chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func newDispatcher(size int) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{
		inbox:  make(chan delivery, size),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// enqueue blocks while the inbox is full, which holds back the transport;
// it gives up once the dispatcher stops
func (d *dispatcher) enqueue(item delivery) {
	select {
	case d.inbox <- item:
	case <-d.done:
	}
}

func (d *dispatcher) loop(fn func(context.Context, delivery)) {
	defer close(d.exited)

	for {
		select {
		case <-d.done:
			return
		case item := <-d.inbox:
			fn(d.ctx, item)
		}
	}
}

// stop cancels the handler context and ends the loop after the current message
func (d *dispatcher) stop() {
	d.cancel()
	close(d.done)
}

func (d *dispatcher) wait() {
	<-d.exited
}

// dispatch runs one handler call and reports what went wrong with it
func (c *Consumer) dispatch(ctx context.Context, item delivery) {
	env := envelopeOf(item.msg, item.mode)
	mode := item.mode.String()

	err := invoke(ctx, item.handle, env)
	c.metrics.RecordReceived(ctx, env.Destination, mode, env.Kind.String(), err)
	if err == nil {
		return
	}

	var decodeErr *contracts.DecodeError
	switch {
	case errors.As(err, &decodeErr):
		c.metrics.RecordDecodeFailure(ctx, env.Destination, mode, decodeReason(decodeErr))
	case errors.Is(err, contracts.ErrHandlerPanic):
		c.metrics.RecordHandlerPanic(ctx, env.Destination, mode)
	}

	c.errorHandler(ctx, env, err)
}

func invoke(ctx context.Context, handle EnvelopeHandler, env *contracts.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", contracts.ErrHandlerPanic, r)
		}
	}()
	return handle(ctx, env)
}

func decodeReason(err *contracts.DecodeError) string {
	switch {
	case errors.Is(err, contracts.ErrTypeMismatch):
		return "type_mismatch"
	case errors.Is(err, contracts.ErrCorruptPayload):
		return "corrupt"
	default:
		return "decode"
	}
}

// envelopeOf takes the payload kind from the wire message, never from the handler
func envelopeOf(m *transport.Message, mode contracts.DeliveryMode) *contracts.Envelope {
	env := &contracts.Envelope{
		Text:        m.Text,
		Body:        m.Body,
		TypeTag:     m.TypeTag,
		MessageID:   m.MessageID,
		Destination: m.Destination.Name,
		Mode:        mode,
		Timestamp:   m.Timestamp,
		Headers:     m.Properties,
	}

	switch m.Kind {
	case transport.TextMessage:
		env.Kind = contracts.KindText
	case transport.ObjectMessage:
		env.Kind = contracts.KindObject
	default:
		env.Kind = contracts.KindBinary
	}

	return env
}
