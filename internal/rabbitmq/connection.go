package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// DialFunc opens a broker connection
type DialFunc func(url string, cfg amqp.Config) (*amqp.Connection, error)

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	config         amqp.Config
	dial           DialFunc
	conn           *amqp.Connection
	mu             sync.RWMutex
	dialTimeout    time.Duration
	reconnectDelay time.Duration
	maxDelay       time.Duration
	maxRetries     int
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	closed         bool
	done           chan struct{}
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnectDelay caps the reconnection delay
func WithMaxReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts; -1 retries forever
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if timeout > 0 {
			cm.dialTimeout = timeout
		}
	}
}

// WithCredentials authenticates with SASL PLAIN instead of the URL's user info
func WithCredentials(username, password string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.config.SASL = []amqp.Authentication{&amqp.PlainAuth{Username: username, Password: password}}
	}
}

// WithDialFunc replaces amqp.DialConfig
func WithDialFunc(dial DialFunc) ConnectionOption {
	return func(cm *ConnectionManager) {
		if dial != nil {
			cm.dial = dial
		}
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		config:         amqp.Config{Heartbeat: 10 * time.Second, Locale: "en_US"},
		dial:           amqp.DialConfig,
		dialTimeout:    30 * time.Second,
		reconnectDelay: 5 * time.Second,
		maxDelay:       5 * time.Minute,
		maxRetries:     -1, // infinite retries by default
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

type dialResult struct {
	conn *amqp.Connection
	err  error
}

// dialOnce makes a single connection attempt bounded by ctx and the dial timeout
func (cm *ConnectionManager) dialOnce(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	cfg := cm.config
	cfg.Dial = amqp.DefaultDial(cm.dialTimeout)

	result := make(chan dialResult, 1)
	go func() {
		conn, err := cm.dial(cm.url, cfg)
		result <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-result:
		return r.conn, r.err
	case <-ctx.Done():
		// Close a connection that completes after we gave up on it
		go func() {
			if r := <-result; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrConnectionTimeout
		}
		return nil, ctx.Err()
	}
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialOnce(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.setConnectionLocked(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))

	cm.notifyConnected()
	go cm.handleReconnect(cm.notifyClose)

	return nil
}

func (cm *ConnectionManager) setConnectionLocked(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}

	cm.closed = true
	cm.isConnected = false
	close(cm.done)

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && err != amqp.ErrClosed {
			return err
		}
	}

	return nil
}

// handleReconnect waits for the connection to drop, then reconnects
func (cm *ConnectionManager) handleReconnect(notifyClose chan *amqp.Error) {
	select {
	case err, ok := <-notifyClose:
		if !ok && err == nil {
			// Closed by us; Close has already marked the manager
			cm.mu.RLock()
			closed := cm.closed
			cm.mu.RUnlock()
			if closed {
				return
			}
		}
		if err != nil {
			cm.logger.Error("connection closed", "url", SanitizeURL(cm.url), "error", err)
		}

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		var cause error
		if err != nil {
			cause = err
		} else {
			cause = ErrConnectionClosed
		}
		cm.notifyDisconnected(cause)

		cm.reconnect()

	case <-cm.done:
	}
}

// backoff is exponential from the reconnect delay, with 25% jitter, capped,
// and bounded by maxRetries when it is positive
func (cm *ConnectionManager) backoff() retry.Backoff {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}

	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(25, b)
	b = retry.WithCappedDuration(cm.maxDelay, b)
	if cm.maxRetries > 0 {
		// maxRetries counts attempts; the first attempt is not a retry
		b = retry.WithMaxRetries(uint64(cm.maxRetries-1), b)
	}
	return b
}

// reconnect attempts to reconnect to RabbitMQ
func (cm *ConnectionManager) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempts := 0
	startTime := time.Now()

	err := retry.Do(ctx, cm.backoff(), func(ctx context.Context) error {
		attempts++
		cm.logger.Info("attempting to reconnect",
			"attempt", attempts,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempts)

		conn, err := cm.dialOnce(ctx)
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempts)
			return retry.RetryableError(err)
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			_ = conn.Close()
			return ErrConnectionClosed
		}
		cm.setConnectionLocked(conn)
		notifyClose := cm.notifyClose
		cm.mu.Unlock()

		go cm.handleReconnect(notifyClose)
		return nil
	})

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		cm.logger.Error("max reconnection attempts reached",
			"attempts", attempts,
			"duration", time.Since(startTime))
		cm.notifyDisconnected(&ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrMaxRetriesExceeded,
			Timestamp: time.Now(),
			Attempts:  attempts,
		})
		return
	}

	cm.logger.Info("successfully reconnected to RabbitMQ",
		"attempts", attempts,
		"duration", time.Since(startTime))
	cm.notifyConnected()
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

// notifyConnected notifies all listeners of successful connection
func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

// notifyDisconnected notifies all listeners of disconnection
func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

// notifyReconnecting notifies all listeners of a reconnection attempt
func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
