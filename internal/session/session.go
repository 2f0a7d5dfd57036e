// Package session owns one broker connection and the session opened on it.
//
// A Session moves through Unopened, Opening, Open, Closing and Closed. Open is
// idempotent and a Closed session may be opened again with fresh connection and
// session objects. Work that needs the transport session runs through Use, which
// holds a read lock so Close cannot interleave with it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/amqclient/config"
	"github.com/glimte/amqclient/contracts"
	"github.com/glimte/amqclient/transport"
	"go.uber.org/atomic"
)

// State is the lifecycle state of a Session
type State int32

const (
	StateUnopened State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Role selects the acknowledgement mode of the transport session
type Role int

const (
	RoleProducer Role = iota
	RoleConsumer
)

func (r Role) ackMode() transport.AckMode {
	if r == RoleConsumer {
		return transport.AckAuto
	}
	return transport.AckDefault
}

func (r Role) String() string {
	if r == RoleConsumer {
		return "consumer"
	}
	return "producer"
}

// Closer releases resources created from the transport session. It runs
// during Close before the session itself is closed.
type Closer interface {
	CloseAll(ctx context.Context) error
}

// Session owns one connection and one transport session
type Session struct {
	opts     config.Options
	role     Role
	registry *transport.Registry
	dialer   transport.Dialer
	logger   *slog.Logger

	mu          sync.RWMutex
	state       atomic.Int32
	conn        transport.Connection
	sess        transport.Session
	consumer    transport.Consumer
	senders     Closer
	destination string
	mode        contracts.DeliveryMode
	lastErr     atomic.Error
	opens       atomic.Int64
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDialer bypasses protocol selection and always dials through d
func WithDialer(d transport.Dialer) Option {
	return func(s *Session) {
		s.dialer = d
	}
}

// WithRegistry sets the registry used to pick a dialer from the broker URI
func WithRegistry(r *transport.Registry) Option {
	return func(s *Session) {
		s.registry = r
	}
}

// New creates an unopened session. opts is copied.
func New(opts config.Options, role Role, options ...Option) *Session {
	s := &Session{
		opts:   opts,
		role:   role,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	s.logger = s.logger.With("role", role.String())
	return s
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// LastError returns the error of the most recent failed Open, cleared on success
func (s *Session) LastError() error {
	return s.lastErr.Load()
}

// Opens returns how many times the session has been opened successfully
func (s *Session) Opens() int64 {
	return s.opens.Load()
}

// Destination returns the destination and mode of the last successful Open
func (s *Session) Destination() (string, contracts.DeliveryMode) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.destination, s.mode
}

// AttachSenders registers the sender registry closed first on Close
func (s *Session) AttachSenders(c Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senders = c
}

// Validate checks the broker URI, the destination name and the mode, in that order
func (s *Session) Validate(destination string, mode contracts.DeliveryMode) (transport.Destination, error) {
	if s.opts.BrokerURI == "" {
		return transport.Destination{}, s.connectError("open", destination, mode, contracts.ErrMissingBrokerURI)
	}

	dest, err := Resolve(destination, mode)
	if err != nil {
		var connErr *contracts.ConnectError
		if errors.As(err, &connErr) {
			connErr.Op = "open"
			connErr.URL = contracts.SanitizeURL(s.opts.BrokerURI)
		}
		return transport.Destination{}, err
	}

	return dest, nil
}

// Open connects, starts the connection and opens a transport session.
// It is a no-op on an open session.
func (s *Session) Open(ctx context.Context, destination string, mode contracts.DeliveryMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx, destination, mode)
}

func (s *Session) openLocked(ctx context.Context, destination string, mode contracts.DeliveryMode) error {
	if s.State() == StateOpen {
		return nil
	}

	if _, err := s.Validate(destination, mode); err != nil {
		return err
	}

	prev := s.State()
	s.state.Store(int32(StateOpening))

	conn, sess, err := s.connect(ctx)
	if err != nil {
		s.state.Store(int32(prev))
		connErr := s.connectError("open", destination, mode, err)
		s.lastErr.Store(connErr)
		s.logger.Error("failed to open session",
			"url", contracts.SanitizeURL(s.opts.BrokerURI),
			"destination", destination,
			"mode", mode.String(),
			"error", err)
		return connErr
	}

	s.conn = conn
	s.sess = sess
	s.destination = destination
	s.mode = mode
	s.lastErr.Store(nil)
	s.opens.Inc()
	s.state.Store(int32(StateOpen))

	s.logger.Info("session opened",
		"url", contracts.SanitizeURL(s.opts.BrokerURI),
		"destination", destination,
		"mode", mode.String(),
		"authenticated", s.opts.HasCredentials())

	return nil
}

func (s *Session) connect(ctx context.Context) (transport.Connection, transport.Session, error) {
	dialer, err := s.resolveDialer()
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout())
	defer cancel()

	var creds *transport.Credentials
	if s.opts.HasCredentials() {
		creds = &transport.Credentials{UserName: s.opts.UserName, Password: s.opts.Password}
	}

	conn, err := dialer.Dial(ctx, s.opts.BrokerURI, creds)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	if err := conn.Start(ctx); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("start connection: %w", err)
	}

	sess, err := conn.NewSession(ctx, transport.SessionOptions{AckMode: s.role.ackMode()})
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("create session: %w", err)
	}

	return conn, sess, nil
}

func (s *Session) resolveDialer() (transport.Dialer, error) {
	if s.dialer != nil {
		return s.dialer, nil
	}
	if s.registry == nil {
		return nil, fmt.Errorf("%w: no transports registered", contracts.ErrUnknownProtocol)
	}
	return s.registry.Resolve(s.opts.Protocol, s.opts.BrokerURI)
}

// Use runs fn with the transport session while holding the session lock,
// opening the session for destination and mode first when it is not open.
// fn must not call back into the session.
func (s *Session) Use(ctx context.Context, destination string, mode contracts.DeliveryMode, fn func(transport.Session) error) error {
	s.mu.RLock()
	if s.State() == StateOpen {
		defer s.mu.RUnlock()
		return fn(s.sess)
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(ctx, destination, mode); err != nil {
		return err
	}
	return fn(s.sess)
}

// Subscribe (re)opens the session for destination and installs a consumer
// delivering to listener. An open session bound to another destination or mode
// is closed first. A previous consumer is always replaced.
func (s *Session) Subscribe(ctx context.Context, destination string, mode contracts.DeliveryMode, listener transport.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dest, err := s.Validate(destination, mode)
	if err != nil {
		return err
	}

	if s.State() == StateOpen && (s.destination != destination || s.mode != mode) {
		s.closeLocked(ctx)
	}

	if err := s.openLocked(ctx, destination, mode); err != nil {
		return err
	}

	if s.consumer != nil {
		if err := s.consumer.Close(ctx); err != nil {
			s.logger.Warn("failed to close previous consumer", "destination", s.destination, "error", err)
		}
		s.consumer = nil
	}

	consumer, err := s.sess.NewConsumer(ctx, dest)
	if err != nil {
		return s.connectError("subscribe", destination, mode, err)
	}

	if err := consumer.Listen(listener); err != nil {
		_ = consumer.Close(ctx)
		return s.connectError("subscribe", destination, mode, err)
	}

	s.consumer = consumer
	s.logger.Info("consumer registered", "destination", destination, "mode", mode.String())
	return nil
}

// Close releases senders, consumer, session and connection in that order.
// It never fails: release errors are logged. Closing a session that was never
// opened, or closing twice, is safe.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(ctx)
}

func (s *Session) closeLocked(ctx context.Context) {
	state := s.State()
	if state == StateUnopened || state == StateClosed {
		if s.senders != nil {
			_ = s.senders.CloseAll(ctx)
		}
		return
	}

	s.state.Store(int32(StateClosing))

	var errs []error
	if s.senders != nil {
		if err := s.senders.CloseAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close senders: %w", err))
		}
	}
	if s.consumer != nil {
		if err := s.consumer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close consumer: %w", err))
		}
		s.consumer = nil
	}
	if s.sess != nil {
		if err := s.sess.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
		s.sess = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
		s.conn = nil
	}

	s.state.Store(int32(StateClosed))

	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("session closed with errors", "destination", s.destination, "error", err)
		return
	}
	s.logger.Info("session closed", "destination", s.destination)
}

func (s *Session) connectError(op, destination string, mode contracts.DeliveryMode, err error) *contracts.ConnectError {
	return &contracts.ConnectError{
		Op:          op,
		URL:         contracts.SanitizeURL(s.opts.BrokerURI),
		Destination: destination,
		Mode:        mode,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
