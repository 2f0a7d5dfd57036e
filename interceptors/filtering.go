package interceptors

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/amqclient/contracts"
	"github.com/samber/lo"
)

// ErrMessageFiltered is returned for skipped messages under SkipWithError
var ErrMessageFiltered = errors.New("amqclient: message filtered")

// MessageFilter decides whether a message reaches the handler
type MessageFilter interface {
	ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, env *contracts.Envelope) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	return f(ctx, env)
}

// SkipBehavior selects what happens to a filtered message
type SkipBehavior int

const (
	// SkipSilently drops the message without an error
	SkipSilently SkipBehavior = iota
	// SkipWithError reports the message to the consumer's error handler
	SkipWithError
)

// FilteringInterceptor passes on only the messages its filter accepts
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	ok, err := i.filter.ShouldProcess(ctx, env)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if ok {
		return next(ctx, env)
	}
	if i.skipBehavior == SkipWithError {
		return fmt.Errorf("%w: %s", ErrMessageFiltered, env.MessageID)
	}
	return nil
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// KindFilter accepts messages of the given payload kinds
func KindFilter(kinds ...contracts.PayloadKind) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		return lo.Contains(kinds, env.Kind), nil
	})
}

// TypeTagFilter accepts object messages carrying one of the given type tags
func TypeTagFilter(tags ...string) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		return env.Kind == contracts.KindObject && lo.Contains(tags, env.TypeTag), nil
	})
}

// HeaderFilter accepts messages whose header key equals value
func HeaderFilter(key string, value interface{}) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		v, ok := env.Headers[key]
		return ok && v == value, nil
	})
}

// All accepts a message only when every filter does
func All(filters ...MessageFilter) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		for _, f := range filters {
			ok, err := f.ShouldProcess(ctx, env)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// Any accepts a message when at least one filter does
func Any(filters ...MessageFilter) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		for _, f := range filters {
			ok, err := f.ShouldProcess(ctx, env)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}
