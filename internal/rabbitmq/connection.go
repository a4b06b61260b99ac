package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/relay/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// StateListener receives connection state changes
type StateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns one broker connection and re-dials it when the
// broker closes it
type ConnectionManager struct {
	url         string
	dialTimeout time.Duration
	maxRetries  int
	backoff     *reliability.ExponentialBackoff
	logger      *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	notifyClose chan *amqp.Error
	connected   bool
	done        chan struct{}
	closed      bool

	listenersMu sync.RWMutex
	listeners   []StateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the delay before the second reconnection attempt;
// later attempts back off exponentially
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff.InitialInterval = delay
	}
}

// WithMaxRetries bounds reconnection attempts; a negative value retries forever
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds one dial
func WithDialTimeout(d time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = d
	}
}

// NewConnectionManager creates a connection manager. Connect dials.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialTimeout: 30 * time.Second,
		maxRetries:  -1,
		backoff:     reliability.NewExponentialBackoff(5*time.Second, 5*time.Minute, 2, -1).WithJitter(0.15),
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(cm)
	}
	return cm
}

// Connect dials the broker unless already connected
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: ErrConnectionClosed, Timestamp: time.Now()}
	}
	if cm.connected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: err, Timestamp: time.Now(), Attempts: 1}
	}
	cm.adoptLocked(conn)
	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url))
	cm.notify(func(l StateListener) { l.OnConnected() })

	go cm.watch(cm.notifyClose)
	return nil
}

func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := amqp.Dial(cm.url)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

func (cm *ConnectionManager) adoptLocked(conn *amqp.Connection) {
	cm.conn = conn
	cm.connected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Connection returns the live connection
func (cm *ConnectionManager) Connection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.connected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// Channel opens a channel on the live connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.Connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// IsConnected reports whether a connection is established
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.connected = false

	if cm.conn == nil {
		return nil
	}
	err := cm.conn.Close()
	cm.conn = nil
	return err
}

// watch waits for the broker to close the connection and re-dials
func (cm *ConnectionManager) watch(closed <-chan *amqp.Error) {
	select {
	case err, ok := <-closed:
		if !ok && err == nil {
			cm.mu.RLock()
			shutdown := cm.closed
			cm.mu.RUnlock()
			if shutdown {
				return
			}
		}
		cm.logger.Error("broker connection lost", "error", err)

		cm.mu.Lock()
		cm.connected = false
		cm.conn = nil
		cm.mu.Unlock()

		var cause error
		if err != nil {
			cause = err
		}
		cm.notify(func(l StateListener) { l.OnDisconnected(cause) })
		cm.reconnect()
	case <-cm.done:
	}
}

func (cm *ConnectionManager) reconnect() {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		if cm.maxRetries >= 0 && attempt >= cm.maxRetries {
			err := &ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt,
			}
			cm.logger.Error("giving up reconnecting", "attempts", attempt, "duration", time.Since(start))
			cm.notify(func(l StateListener) { l.OnDisconnected(err) })
			return
		}

		if attempt > 0 {
			timer := time.NewTimer(cm.backoff.NextDelay(attempt - 1))
			select {
			case <-timer.C:
			case <-cm.done:
				timer.Stop()
				return
			}
		}
		cm.notify(func(l StateListener) { l.OnReconnecting(attempt + 1) })

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Warn("reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			conn.Close()
			return
		}
		cm.adoptLocked(conn)
		closed := cm.notifyClose
		cm.mu.Unlock()

		cm.logger.Info("reconnected to broker", "attempts", attempt+1, "duration", time.Since(start))
		cm.notify(func(l StateListener) { l.OnConnected() })
		go cm.watch(closed)
		return
	}
}

// AddStateListener registers a listener
func (cm *ConnectionManager) AddStateListener(listener StateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

func (cm *ConnectionManager) notify(fn func(StateListener)) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go fn(l)
	}
}
