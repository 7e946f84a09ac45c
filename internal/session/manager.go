// ABOUTME: Connection session manager: handshake locks, reconnect backoff and QR expiry
// ABOUTME: Applies adapter events to stored connections and emits status notifications

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-switchboard/internal/events"
	"github.com/2389/coven-switchboard/internal/protocol"
	"github.com/2389/coven-switchboard/internal/store"
)

// ErrHandshakeInProgress is returned by Connect while another attempt holds the lock.
var ErrHandshakeInProgress = errors.New("handshake already in progress")

// ErrUnknownConnection is returned for operations on connection ids that do not exist.
var ErrUnknownConnection = errors.New("unknown connection")

// MinConflictDelay is the floor for reconnecting after a protocol conflict.
const MinConflictDelay = 30 * time.Second

// Config holds the reconnect and handshake timings.
type Config struct {
	ReconnectDelay   time.Duration // ordinary drops
	ConflictDelay    time.Duration // floored at MinConflictDelay
	QRExpiryDelay    time.Duration // regenerate after an expired token
	HandshakeTimeout time.Duration // how long a token or resume may stay pending
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:   5 * time.Second,
		ConflictDelay:    MinConflictDelay,
		QRExpiryDelay:    2 * time.Second,
		HandshakeTimeout: 45 * time.Second,
	}
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// ScheduleFunc runs fn after d.
type ScheduleFunc func(d time.Duration, fn func()) Timer

func afterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// connState is the in-memory view of one connection. Guarded by Manager.mu.
type connState struct {
	status      store.ConnectionStatus
	phone       string
	handshaking bool
	manual      bool // user disconnected; suppress reconnects
	attempts    int
	reconnect   Timer
	expiry      Timer

	cancelConnect context.CancelFunc // aborts an adapter.Connect in flight
}

func (st *connState) stopTimers() {
	if st.reconnect != nil {
		st.reconnect.Stop()
		st.reconnect = nil
	}
	if st.expiry != nil {
		st.expiry.Stop()
		st.expiry = nil
	}
}

// Manager owns every connection's session state machine.
type Manager struct {
	store    store.Store
	adapter  protocol.Adapter
	events   events.Publisher
	cfg      Config
	schedule ScheduleFunc
	logger   *slog.Logger

	mu      sync.Mutex
	states  map[string]*connState
	deleted map[string]struct{}

	// writeMu serializes read-modify-write cycles on stored connections
	writeMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithScheduler replaces time.AfterFunc, for tests.
func WithScheduler(fn ScheduleFunc) Option {
	return func(m *Manager) { m.schedule = fn }
}

// NewManager creates a session manager.
func NewManager(s store.Store, adapter protocol.Adapter, pub events.Publisher, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.ConflictDelay < MinConflictDelay {
		cfg.ConflictDelay = MinConflictDelay
	}
	m := &Manager{
		store:    s,
		adapter:  adapter,
		events:   pub,
		cfg:      cfg,
		schedule: afterFunc,
		logger:   logger.With("component", "session"),
		states:   make(map[string]*connState),
		deleted:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// stateLocked returns the state for id, creating it. A deleted id gets a
// detached state so late callbacks cannot bring it back. Must be called with
// mu held.
func (m *Manager) stateLocked(id string) *connState {
	if _, gone := m.deleted[id]; gone {
		return &connState{status: store.StatusDisconnected}
	}
	st, ok := m.states[id]
	if !ok {
		st = &connState{status: store.StatusDisconnected}
		m.states[id] = st
	}
	return st
}

// Create validates and persists a new connection.
func (m *Manager) Create(ctx context.Context, name string) (*store.Connection, error) {
	conn := &store.Connection{Name: name, Status: store.StatusDisconnected}
	if err := m.store.CreateConnection(ctx, conn); err != nil {
		return nil, err
	}
	m.logger.Info("connection created", "connection_id", conn.ID, "name", name)
	return conn, nil
}

// Connect starts a handshake or resumes a stored session.
// It returns the handshake token, or "" when resuming.
func (m *Manager) Connect(ctx context.Context, id string) (string, error) {
	handshakeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	st := m.stateLocked(id)
	if st.handshaking {
		m.mu.Unlock()
		return "", ErrHandshakeInProgress
	}
	st.handshaking = true
	st.manual = false
	st.cancelConnect = cancel
	st.stopTimers()
	m.mu.Unlock()

	conn, err := m.store.GetConnection(ctx, id)
	if err != nil {
		m.forget(id)
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("connecting %s: %w", id, ErrUnknownConnection)
		}
		return "", fmt.Errorf("loading connection: %w", err)
	}

	// Tear down any stale live session before starting a new one
	m.adapter.Close(id)

	m.setStatus(ctx, id, store.StatusConnecting, "", nil)

	m.logger.Info("=== CONNECTING ===", "connection_id", id, "resume", len(conn.SessionData) > 0)
	token, err := m.adapter.Connect(handshakeCtx, id, conn.SessionData)

	m.mu.Lock()
	if m.states[id] != st {
		// Deleted while the adapter was connecting
		m.mu.Unlock()
		m.adapter.Close(id)
		m.logger.Info("connection deleted during handshake", "connection_id", id)
		return "", fmt.Errorf("connecting %s: %w", id, ErrUnknownConnection)
	}
	st.cancelConnect = nil
	m.mu.Unlock()

	if err != nil {
		m.releaseLock(id)
		m.fail(ctx, id, err)
		return "", fmt.Errorf("connecting %s: %w", id, err)
	}

	if token == "" {
		// Resuming: hold the lock until the adapter confirms or the timeout fires
		m.mu.Lock()
		if st := m.states[id]; st != nil && st.handshaking {
			st.expiry = m.schedule(m.cfg.HandshakeTimeout, func() { m.handshakeExpired(id) })
		}
		m.mu.Unlock()
		return "", nil
	}

	m.mu.Lock()
	st.handshaking = false
	pending := st.status != store.StatusConnected
	m.mu.Unlock()

	if pending {
		m.storeToken(ctx, id, token)
	}
	return token, nil
}

// forget drops the in-memory state of a connection that does not exist.
func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[id]; ok {
		st.stopTimers()
		delete(m.states, id)
	}
}

func (m *Manager) releaseLock(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[id]; ok {
		st.handshaking = false
	}
}

// HandleEvent applies an adapter event to the connection's state.
func (m *Manager) HandleEvent(ctx context.Context, evt protocol.Event) {
	id := evt.Connection()

	m.mu.Lock()
	_, known := m.states[id]
	_, gone := m.deleted[id]
	m.mu.Unlock()
	if gone {
		m.logger.Debug("ignoring event for deleted connection", "connection_id", id, "event", fmt.Sprintf("%T", evt))
		return
	}
	if !known {
		if _, err := m.store.GetConnection(ctx, id); err != nil {
			m.logger.Debug("ignoring event for unknown connection", "connection_id", id, "event", fmt.Sprintf("%T", evt))
			return
		}
	}

	switch e := evt.(type) {
	case protocol.EventQRReady:
		m.onQRReady(ctx, e)
	case protocol.EventConnected:
		m.onConnected(ctx, e)
	case protocol.EventDisconnected:
		m.onDisconnected(ctx, e)
	case protocol.EventMessageIn, protocol.EventMessageAck:
		m.touch(ctx, id)
	case protocol.EventError:
		m.logger.Warn("adapter error", "connection_id", id, "error", e.Err)
	}
}

// Run consumes adapter events in arrival order until ctx is cancelled or the
// channel closes. Each event is applied to the session state and then passed
// to next, if set.
func (m *Manager) Run(ctx context.Context, next func(context.Context, protocol.Event)) error {
	ch := m.adapter.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			m.HandleEvent(ctx, evt)
			if next != nil {
				next(ctx, evt)
			}
		}
	}
}

func (m *Manager) onQRReady(ctx context.Context, e protocol.EventQRReady) {
	m.mu.Lock()
	st := m.stateLocked(e.ConnectionID)
	if st.status == store.StatusConnected {
		m.mu.Unlock()
		return
	}
	if st.expiry != nil {
		st.expiry.Stop()
	}
	st.expiry = m.schedule(m.cfg.HandshakeTimeout, func() { m.handshakeExpired(e.ConnectionID) })
	m.mu.Unlock()

	m.storeToken(ctx, e.ConnectionID, e.Token)
	m.events.Publish(events.Event{
		Kind:         events.HandshakeTokenReady,
		ConnectionID: e.ConnectionID,
		Data:         events.HandshakeToken{Token: e.Token},
	})
	m.logger.Info("handshake token ready", "connection_id", e.ConnectionID)
}

func (m *Manager) onConnected(ctx context.Context, e protocol.EventConnected) {
	m.mu.Lock()
	st := m.stateLocked(e.ConnectionID)
	st.stopTimers()
	st.handshaking = false
	st.manual = false
	st.attempts = 0
	st.status = store.StatusConnected
	st.phone = e.Address
	m.mu.Unlock()

	m.update(ctx, e.ConnectionID, func(c *store.Connection) {
		c.Status = store.StatusConnected
		c.QRCode = ""
		c.Phone = e.Address
		if e.Session != nil {
			c.SessionData = e.Session
		}
		c.Persistent = true
		c.LastActivity = time.Now()
	})

	m.logger.Info("=== CONNECTION ONLINE ===", "connection_id", e.ConnectionID, "address", e.Address)
	m.publishStatus(e.ConnectionID, store.StatusConnected, e.Address, "")
}

func (m *Manager) onDisconnected(ctx context.Context, e protocol.EventDisconnected) {
	conflict := e.IsConflict || IsConflictReason(e.Reason)

	m.mu.Lock()
	st := m.stateLocked(e.ConnectionID)
	if st.expiry != nil {
		st.expiry.Stop()
		st.expiry = nil
	}
	st.handshaking = false
	st.status = store.StatusDisconnected
	manual := st.manual
	m.mu.Unlock()

	m.update(ctx, e.ConnectionID, func(c *store.Connection) {
		c.Status = store.StatusDisconnected
		c.QRCode = ""
		if e.IsLogout {
			c.SessionData = nil
			c.Persistent = false
		}
	})

	m.logger.Warn("connection dropped",
		"connection_id", e.ConnectionID,
		"reason", e.Reason,
		"conflict", conflict,
		"logout", e.IsLogout)
	m.publishStatus(e.ConnectionID, store.StatusDisconnected, "", e.Reason)

	if e.IsLogout || manual {
		return
	}
	delay := m.cfg.ReconnectDelay
	if conflict {
		delay = m.cfg.ConflictDelay
	}
	m.scheduleReconnect(e.ConnectionID, delay)
}

// handshakeExpired discards a token that was never completed and starts over.
func (m *Manager) handshakeExpired(id string) {
	m.mu.Lock()
	st, ok := m.states[id]
	if !ok || st.status == store.StatusConnected || st.manual {
		m.mu.Unlock()
		return
	}
	st.expiry = nil
	st.handshaking = false
	m.mu.Unlock()

	m.adapter.Close(id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.setStatus(ctx, id, store.StatusDisconnected, "handshake expired", func(c *store.Connection) {
		c.QRCode = ""
	})

	m.logger.Info("handshake expired, regenerating", "connection_id", id)
	m.scheduleReconnect(id, m.cfg.QRExpiryDelay)
}

// fail moves a connection through error to disconnected and schedules a retry.
func (m *Manager) fail(ctx context.Context, id string, cause error) {
	m.logger.Error("connection failed", "connection_id", id, "error", cause)

	m.setStatus(ctx, id, store.StatusError, cause.Error(), nil)
	m.setStatus(ctx, id, store.StatusDisconnected, "", func(c *store.Connection) {
		c.QRCode = ""
	})

	m.mu.Lock()
	manual := m.stateLocked(id).manual
	m.mu.Unlock()
	if !manual {
		m.scheduleReconnect(id, m.cfg.ReconnectDelay)
	}
}

func (m *Manager) scheduleReconnect(id string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[id]
	if !ok {
		return
	}
	if st.reconnect != nil {
		st.reconnect.Stop()
	}
	st.attempts++
	attempt := st.attempts
	st.reconnect = m.schedule(delay, func() { m.reconnect(id) })

	m.logger.Info("reconnect scheduled", "connection_id", id, "delay", delay, "attempt", attempt)
}

func (m *Manager) reconnect(id string) {
	m.mu.Lock()
	if st, ok := m.states[id]; ok {
		st.reconnect = nil
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := m.Connect(ctx, id); err != nil {
		switch {
		case errors.Is(err, ErrHandshakeInProgress), errors.Is(err, ErrUnknownConnection):
			m.logger.Debug("reconnect skipped", "connection_id", id, "reason", err)
		default:
			m.logger.Warn("reconnect failed", "connection_id", id, "error", err)
		}
	}
}

// Disconnect logs a connection out at the user's request. The stored session
// is discarded and no reconnect is attempted.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	if _, err := m.store.GetConnection(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("disconnecting %s: %w", id, ErrUnknownConnection)
		}
		return fmt.Errorf("loading connection: %w", err)
	}

	m.mu.Lock()
	st := m.stateLocked(id)
	st.stopTimers()
	st.manual = true
	st.handshaking = false
	st.status = store.StatusDisconnected
	m.mu.Unlock()

	if err := m.adapter.Logout(ctx, id); err != nil {
		m.logger.Warn("logout failed", "connection_id", id, "error", err)
	}

	m.update(ctx, id, func(c *store.Connection) {
		c.Status = store.StatusDisconnected
		c.QRCode = ""
		c.SessionData = nil
		c.Persistent = false
	})
	m.publishStatus(id, store.StatusDisconnected, "", "logged out")
	return nil
}

// Delete cancels timers and any handshake in flight, logs out and removes
// the connection. Logout failures are logged and ignored.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, err := m.store.GetConnection(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("deleting %s: %w", id, ErrUnknownConnection)
		}
		return fmt.Errorf("loading connection: %w", err)
	}

	m.mu.Lock()
	m.deleted[id] = struct{}{}
	if st, ok := m.states[id]; ok {
		st.stopTimers()
		if st.cancelConnect != nil {
			st.cancelConnect()
			st.cancelConnect = nil
		}
		delete(m.states, id)
	}
	m.mu.Unlock()

	if err := m.adapter.Logout(ctx, id); err != nil {
		m.logger.Warn("logout failed during delete", "connection_id", id, "error", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.store.DeleteConnection(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.mu.Lock()
		delete(m.deleted, id)
		m.mu.Unlock()
		return fmt.Errorf("deleting connection: %w", err)
	}

	m.logger.Info("connection deleted", "connection_id", id)
	return nil
}

// RestorePersistent reconnects every connection flagged persistent with a
// stored session. Stale live statuses from a previous run are reset first.
// Returns the number of connections a restore was started for.
func (m *Manager) RestorePersistent(ctx context.Context) (int, error) {
	conns, err := m.store.ListConnections(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing connections: %w", err)
	}

	restored := 0
	for _, conn := range conns {
		if conn.Persistent && len(conn.SessionData) > 0 {
			if _, err := m.Connect(ctx, conn.ID); err != nil {
				m.logger.Warn("restore failed", "connection_id", conn.ID, "error", err)
				continue
			}
			restored++
			continue
		}

		if conn.Status != store.StatusDisconnected {
			m.setStatus(ctx, conn.ID, store.StatusDisconnected, "restart", func(c *store.Connection) {
				c.QRCode = ""
			})
		}
	}

	m.logger.Info("persistent sessions restored", "count", restored, "total", len(conns))
	return restored, nil
}

// Status returns the in-memory status of a connection.
func (m *Manager) Status(id string) store.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.states[id]; ok {
		return st.status
	}
	return store.StatusDisconnected
}

// IsConnected reports whether the connection has a confirmed live session.
func (m *Manager) IsConnected(id string) bool {
	return m.Status(id) == store.StatusConnected
}

// Phone returns the external address of a connected connection.
func (m *Manager) Phone(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[id]
	if !ok || st.status != store.StatusConnected || st.phone == "" {
		return "", false
	}
	return st.phone, true
}

// ConnectedPhones maps the external address of every connected connection to its id.
func (m *Manager) ConnectedPhones() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	phones := make(map[string]string, len(m.states))
	for id, st := range m.states {
		if st.status == store.StatusConnected && st.phone != "" {
			phones[st.phone] = id
		}
	}
	return phones
}

// Close cancels every pending timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.states {
		st.stopTimers()
	}
}

func (m *Manager) storeToken(ctx context.Context, id, token string) {
	m.update(ctx, id, func(c *store.Connection) {
		c.Status = store.StatusConnecting
		c.QRCode = token
	})
}

func (m *Manager) touch(ctx context.Context, id string) {
	m.update(ctx, id, func(c *store.Connection) {
		c.LastActivity = time.Now()
	})
}

// setStatus records a status in memory and storage and emits the change.
func (m *Manager) setStatus(ctx context.Context, id string, status store.ConnectionStatus, reason string, mutate func(*store.Connection)) {
	m.mu.Lock()
	m.stateLocked(id).status = status
	m.mu.Unlock()

	m.update(ctx, id, func(c *store.Connection) {
		c.Status = status
		if mutate != nil {
			mutate(c)
		}
	})
	m.publishStatus(id, status, "", reason)
}

// update applies mutate to the stored connection. Failures are logged; a
// connection deleted meanwhile is ignored.
func (m *Manager) update(ctx context.Context, id string, mutate func(*store.Connection)) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	conn, err := m.store.GetConnection(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("loading connection for update", "connection_id", id, "error", err)
		}
		return
	}
	mutate(conn)
	if err := m.store.UpdateConnection(ctx, conn); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error("saving connection", "connection_id", id, "error", err)
	}
}

func (m *Manager) publishStatus(id string, status store.ConnectionStatus, phone, reason string) {
	m.events.Publish(events.Event{
		Kind:         events.ConnectionStatusChanged,
		ConnectionID: id,
		Data:         events.StatusChange{Status: status, Phone: phone, Reason: reason},
	})
}

// IsConflictReason reports whether a disconnect reason describes two live
// sessions fighting over the same identity.
func IsConflictReason(reason string) bool {
	r := strings.ToLower(reason)
	for _, marker := range []string{"conflict", "replaced", "stream:error", "440"} {
		if strings.Contains(r, marker) {
			return true
		}
	}
	return false
}
