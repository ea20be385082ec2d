package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Status describes the connection lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// ErrNotConnected is returned by Emit when no live connection exists.
var ErrNotConnected = errors.New("realtime: not connected")

const (
	defaultMaxRetries  = 6
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
)

// Options configures a connection Manager.
type Options struct {
	// URL is the websocket endpoint, e.g. wss://host/api/realtime/ws.
	URL string
	// Token is the bearer token supplied by the session layer.
	Token string

	UserID      string
	Role        string
	DisplayName string

	// CorrelationID is propagated on the handshake for request tracing.
	CorrelationID string

	Logger zerolog.Logger
	Dialer *websocket.Dialer

	// MaxRetries bounds dial attempts per connect or recovery cycle. After
	// the budget is spent a single connect_error event is dispatched.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Manager owns the single persistent socket connection for a session. A new
// connection always supersedes the previous one, and each one advances the
// dispatcher epoch so in-flight events from the old connection are dropped.
type Manager struct {
	opts       Options
	dispatcher *Dispatcher
	rooms      *RoomSet
	logger     zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	status Status
	closed bool
	epoch  uint64

	writeMu sync.Mutex
}

// NewManager builds a manager around the given dispatcher. The dispatcher is
// shared with the session so both see the same epoch.
func NewManager(opts Options, dispatcher *Dispatcher) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}

	return &Manager{
		opts:       opts,
		dispatcher: dispatcher,
		rooms:      NewRoomSet(),
		logger:     opts.Logger.With().Str("component", "connection_manager").Logger(),
		status:     StatusDisconnected,
	}
}

// Dispatcher returns the shared event dispatcher.
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// Rooms returns the membership tracker for the current connection.
func (m *Manager) Rooms() *RoomSet {
	return m.rooms
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status
}

// Connect establishes the socket, superseding any live connection. It
// retries with capped exponential backoff up to MaxRetries; when the budget
// is spent one connect_error event is dispatched and the error is returned.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("realtime: manager is closed")
	}
	m.status = StatusConnecting
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	m.trackRoleRooms()

	return m.connectLoop(ctx)
}

// Disconnect tears the connection down deterministically: the socket is
// closed, room memberships are cleared and every handler registration is
// dropped so nothing stale fires on a later connection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	m.status = StatusDisconnected
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	m.rooms.Clear()
	m.dispatcher.Reset()
}

// Emit sends a named event over the live connection.
func (m *Manager) Emit(event string, payload interface{}) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return m.write(env)
}

// JoinRoom tracks the room and signals the join to the server. Joining a
// room already joined is a no-op, so views can join once per mount without
// coordinating with the reconnect path.
func (m *Manager) JoinRoom(room string) error {
	if !m.rooms.Add(room) {
		return nil
	}

	env, ok, err := joinEnvelope(room)
	if err != nil {
		m.rooms.Remove(room)
		return err
	}
	if !ok {
		return nil
	}
	if err := m.write(env); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// LeaveRoom untracks the room and signals the leave. Leaving a room that was
// never joined is a no-op.
func (m *Manager) LeaveRoom(room string) error {
	if !m.rooms.Remove(room) {
		return nil
	}

	env, ok, err := leaveEnvelope(room)
	if err != nil || !ok {
		return err
	}
	if err := m.write(env); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// JoinApplication joins the chat room for a conversation.
func (m *Manager) JoinApplication(applicationID uint) error {
	return m.JoinRoom(ApplicationRoom(applicationID))
}

// LeaveApplication leaves the chat room for a conversation.
func (m *Manager) LeaveApplication(applicationID uint) error {
	return m.LeaveRoom(ApplicationRoom(applicationID))
}

func (m *Manager) trackRoleRooms() {
	switch m.opts.Role {
	case "teacher":
		m.rooms.Add(RoomKindJobFeed)
	case "admin":
		m.rooms.Add(RoomKindAdminWebinar)
	}
}

func (m *Manager) connectLoop(ctx context.Context) error {
	backoff := m.opts.BaseBackoff

	var lastErr error
	for attempt := 0; attempt < m.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > m.opts.MaxBackoff {
				backoff = m.opts.MaxBackoff
			}
		}

		if err := m.establish(ctx); err != nil {
			lastErr = err
			m.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("dial failed")
			continue
		}
		return nil
	}

	m.mu.Lock()
	m.status = StatusDisconnected
	m.mu.Unlock()

	m.dispatchLocal(EventConnectError, ConnectErrorPayload{Reason: fmt.Sprintf("connection failed: %v", lastErr)})
	return fmt.Errorf("realtime: connect: %w", lastErr)
}

func (m *Manager) establish(ctx context.Context) error {
	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}
	if m.opts.CorrelationID != "" {
		header.Set("X-Correlation-ID", m.opts.CorrelationID)
	}

	conn, resp, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return errors.New("realtime: manager is closed")
	}
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.conn = conn
	m.status = StatusConnected
	m.epoch = m.dispatcher.Advance()
	epoch := m.epoch
	m.mu.Unlock()

	m.logger.Info().Uint64("epoch", epoch).Msg("connected")
	m.dispatchLocal(EventConnect, nil)
	m.rejoinRooms()

	go m.readPump(conn, epoch)
	return nil
}

// rejoinRooms replays the tracked membership onto the fresh connection, so
// views never have to re-join after a reconnect.
func (m *Manager) rejoinRooms() {
	for _, room := range m.rooms.Snapshot() {
		env, ok, err := joinEnvelope(room)
		if err != nil {
			m.logger.Warn().Err(err).Str("room", room).Msg("skipping rejoin")
			continue
		}
		if !ok {
			continue
		}
		if err := m.write(env); err != nil {
			m.logger.Warn().Err(err).Str("room", room).Msg("rejoin emit failed")
		}
	}
}

func (m *Manager) readPump(conn *websocket.Conn, epoch uint64) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			m.handleReadClosure(conn, epoch, err)
			return
		}
		m.dispatcher.Dispatch(epoch, env)
	}
}

func (m *Manager) handleReadClosure(conn *websocket.Conn, epoch uint64, err error) {
	m.mu.Lock()
	superseded := m.conn != conn
	closed := m.closed
	if !superseded && !closed {
		m.conn = nil
		m.status = StatusConnecting
	}
	m.mu.Unlock()

	if superseded || closed {
		return
	}

	m.logger.Warn().Err(err).Uint64("epoch", epoch).Msg("connection dropped")
	m.dispatchLocal(EventDisconnect, nil)

	go func() {
		if err := m.connectLoop(context.Background()); err != nil {
			m.logger.Error().Err(err).Msg("reconnect failed")
		}
	}()
}

func (m *Manager) write(env Envelope) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	return conn.WriteJSON(env)
}

// dispatchLocal delivers a synthetic lifecycle event under the current
// epoch, so it goes through the same handler table as server events.
func (m *Manager) dispatchLocal(event string, payload interface{}) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		m.logger.Error().Err(err).Str("event", event).Msg("encode local event")
		return
	}
	m.dispatcher.Dispatch(m.dispatcher.Epoch(), env)
}
