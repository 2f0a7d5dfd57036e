package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/amqclient/contracts"
	"github.com/glimte/amqclient/transport"
	"golang.org/x/sync/singleflight"
)

// SenderKey identifies a pooled sender. The same name under different modes
// names two different broker destinations.
type SenderKey struct {
	Name string
	Mode contracts.DeliveryMode
}

func (k SenderKey) String() string {
	return k.Mode.String() + "://" + k.Name
}

// Pool keeps at most one sender per SenderKey for the lifetime of a session.
// Entries are created lazily on first use and dropped only when the owning
// session closes.
type Pool struct {
	session  *Session
	logger   *slog.Logger
	onCreate func(ctx context.Context, key SenderKey)

	mu      sync.RWMutex
	senders map[SenderKey]transport.Producer
	gen     uint64 // bumped by CloseAll
	group   singleflight.Group
}

var errClosedDuringCreate = errors.New("session closed while the sender was being created")

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithOnCreate sets a hook called once for every sender the pool creates
func WithOnCreate(fn func(ctx context.Context, key SenderKey)) PoolOption {
	return func(p *Pool) {
		p.onCreate = fn
	}
}

// NewPool creates a pool bound to s. The pool is closed with the session.
func NewPool(s *Session, opts ...PoolOption) *Pool {
	p := &Pool{
		session: s,
		logger:  slog.Default(),
		senders: make(map[SenderKey]transport.Producer),
	}

	for _, opt := range opts {
		opt(p)
	}

	s.AttachSenders(p)
	return p
}

// GetOrCreate makes sure a sender exists for destination and mode, opening
// the session first when needed.
func (p *Pool) GetOrCreate(ctx context.Context, destination string, mode contracts.DeliveryMode) error {
	dest, err := p.session.Validate(destination, mode)
	if err != nil {
		return err
	}

	return p.session.Use(ctx, destination, mode, func(ts transport.Session) error {
		_, err := p.producer(ctx, ts, SenderKey{Name: destination, Mode: mode}, dest)
		return err
	})
}

// Send delivers msg through the pooled sender for destination and mode
func (p *Pool) Send(ctx context.Context, destination string, mode contracts.DeliveryMode, msg *transport.Message, opts transport.SendOptions) error {
	dest, err := p.session.Validate(destination, mode)
	if err != nil {
		return err
	}

	key := SenderKey{Name: destination, Mode: mode}
	return p.session.Use(ctx, destination, mode, func(ts transport.Session) error {
		sender, err := p.producer(ctx, ts, key, dest)
		if err != nil {
			return err
		}

		msg.Destination = dest
		if err := sender.Send(ctx, msg, opts); err != nil {
			return p.session.connectError("send", destination, mode, err)
		}
		return nil
	})
}

// producer returns the pooled sender for key, creating it at most once.
// Concurrent callers share one creation, which runs on the session timeout
// rather than on any caller's context. A caller whose ctx ends stops waiting
// without failing the others.
func (p *Pool) producer(ctx context.Context, ts transport.Session, key SenderKey, dest transport.Destination) (transport.Producer, error) {
	p.mu.RLock()
	sender, ok := p.senders[key]
	p.mu.RUnlock()
	if ok {
		return sender, nil
	}

	ch := p.group.DoChan(key.String(), func() (interface{}, error) {
		// A flight that finished just before this one started may have stored the sender
		p.mu.RLock()
		existing, ok := p.senders[key]
		gen := p.gen
		p.mu.RUnlock()
		if ok {
			return existing, nil
		}

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.session.opts.Timeout())
		defer cancel()

		created, err := ts.NewProducer(fctx, dest)
		if err != nil {
			return nil, p.session.connectError("create sender", key.Name, key.Mode, err)
		}

		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			if err := created.Close(fctx); err != nil {
				p.logger.Warn("failed to close orphaned sender", "destination", key.Name, "mode", key.Mode.String(), "error", err)
			}
			return nil, p.session.connectError("create sender", key.Name, key.Mode, errClosedDuringCreate)
		}
		p.senders[key] = created
		p.mu.Unlock()

		p.logger.Debug("sender created", "destination", key.Name, "mode", key.Mode.String())
		if p.onCreate != nil {
			p.onCreate(fctx, key)
		}

		return created, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(transport.Producer), nil
	case <-ctx.Done():
		return nil, p.session.connectError("create sender", key.Name, key.Mode, ctx.Err())
	}
}

// CloseAll closes and forgets every pooled sender
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, sender := range p.senders {
		if err := sender.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	p.senders = make(map[SenderKey]transport.Producer)
	p.gen++

	return errors.Join(errs...)
}

// Len returns the number of pooled senders
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.senders)
}

// Keys returns the pooled keys sorted by mode then name
func (p *Pool) Keys() []SenderKey {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := make([]SenderKey, 0, len(p.senders))
	for k := range p.senders {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Mode != keys[j].Mode {
			return keys[i].Mode < keys[j].Mode
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}
