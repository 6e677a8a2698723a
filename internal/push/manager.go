// Package push owns the single WebSocket push channel of a logged-in
// session.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/coder/websocket"
)

//go:generate mockgen -source=manager.go -destination=mock_conn_test.go -package=push -mock_names=wsConn=MockWSConn

const (
	// DefaultReconnectDelay is the fixed wait between an unexpected close
	// and the next dial. It does not grow and has no retry ceiling.
	DefaultReconnectDelay = 3 * time.Second

	// readLimit caps a single inbound frame. Chat frames are small JSON
	// objects.
	readLimit = 1024 * 1024

	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second
)

// State is the lifecycle state of the push channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// wsConn abstracts the WebSocket connection so the manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Listener receives channel events. Callbacks run on the manager's
// session goroutine, one at a time and in arrival order, so a slow
// listener delays delivery of the next frame.
type Listener interface {
	OnOpen()
	OnMessage(data []byte)
	OnClose(err error)
}

// Config holds the parameters for a Manager.
type Config struct {
	// BaseURL is the ws:// or wss:// base; the channel address is
	// <BaseURL>/ws/<user_id>.
	BaseURL string
	// Header is sent with every dial, e.g. an Authorization header.
	Header         http.Header
	ReconnectDelay time.Duration
	Metrics        *metrics.Metrics
}

// Manager owns at most one push connection at a time. It performs no
// interpretation of frames; decoding belongs to the caller.
type Manager struct {
	logger  *slog.Logger
	baseURL string
	delay   time.Duration
	metrics *metrics.Metrics
	dial    func(ctx context.Context, url string) (wsConn, error)

	// lifecycleMu serializes Connect and Disconnect.
	lifecycleMu sync.Mutex

	mu     sync.Mutex
	state  State
	userID string
	conn   wsConn
	cancel context.CancelFunc
	// gen identifies the current session. A goroutine from a replaced
	// session must not touch state after a new one has started.
	gen uint64

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

// NewManager creates a disconnected Manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	return &Manager{
		logger:    logger,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		delay:     delay,
		metrics:   cfg.Metrics,
		dial:      dialWebSocket(cfg.Header),
		listeners: make(map[int]Listener),
	}
}

func dialWebSocket(header http.Header) func(ctx context.Context, url string) (wsConn, error) {
	return func(ctx context.Context, url string) (wsConn, error) {
		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
			HTTPHeader: header,
		})
		if err != nil {
			return nil, err
		}

		return conn, nil
	}
}

// Endpoint returns the push address for userID.
func (m *Manager) Endpoint(userID string) string {
	return m.baseURL + "/ws/" + url.PathEscape(userID)
}

// Subscribe registers l for channel events and returns a function that
// removes it.
func (m *Manager) Subscribe(l Listener) (unsubscribe func()) {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// Connect starts a session for userID and returns immediately; the dial
// happens on the session goroutine. ctx bounds the whole session,
// reconnects included. If a session for the same user is already running
// the call is a no-op, so repeated calls never stack connections or
// reconnect timers. A session for a different user is replaced.
func (m *Manager) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("connecting push channel: empty user id")
	}

	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	running := m.cancel != nil
	same := m.userID == userID
	m.mu.Unlock()

	if running && same {
		return nil
	}

	if running {
		m.disconnectLocked()
	}

	sessCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.userID = userID
	m.cancel = cancel
	m.mu.Unlock()

	m.setState(gen, StateConnecting)

	go m.run(sessCtx, gen, m.Endpoint(userID))

	return nil
}

// Disconnect closes the connection and suppresses any further reconnect.
// Calling it without an active session is a no-op.
func (m *Manager) Disconnect() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.disconnectLocked()
}

func (m *Manager) disconnectLocked() {
	m.mu.Lock()
	cancel := m.cancel
	conn := m.conn
	gen := m.gen
	m.cancel = nil
	m.conn = nil
	m.userID = ""
	m.mu.Unlock()

	if cancel == nil {
		return
	}

	if conn != nil {
		m.closeConn(conn, "bye")
	}

	cancel()
	m.setState(gen, StateDisconnected)
	m.logger.Info("push channel disconnected")
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Connected reports whether frames can be sent right now.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// UserID returns the user of the active session, or "".
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.userID
}

// Send writes one text frame. It fails with ErrNotConnected unless the
// channel is currently connected; it never queues.
func (m *Manager) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		return apperrors.ErrNotConnected
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: writing frame: %w", apperrors.ErrTransport, err)
	}

	return nil
}

// run is the session goroutine. It dials, pumps frames to listeners, and
// on any unexpected close waits the fixed delay before dialing again. It
// is the only owner of the reconnect timer, so at most one reconnect is
// ever pending.
func (m *Manager) run(ctx context.Context, gen uint64, endpoint string) {
	for {
		err := m.session(ctx, gen, endpoint)
		if m.ended(ctx, gen) {
			if ctx.Err() != nil {
				m.expire(gen)
			}

			if m.current(gen) {
				m.emitClose(fmt.Errorf("%w: disconnected", apperrors.ErrTransport))
			}

			return
		}

		m.setState(gen, StateReconnecting)
		m.logger.Warn("push channel closed, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", m.delay),
		)
		m.emitClose(err)

		timer := time.NewTimer(m.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.expire(gen)

			return
		case <-timer.C:
		}

		m.metrics.Reconnect()
	}
}

// session runs one connection from dial to close and returns why it
// ended.
func (m *Manager) session(ctx context.Context, gen uint64, endpoint string) error {
	m.logger.Debug("dialing push channel", slog.String("url", endpoint))

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := m.dial(dialCtx, endpoint)

	cancel()

	if err != nil {
		return fmt.Errorf("%w: dialing %s: %w", apperrors.ErrTransport, endpoint, err)
	}

	conn.SetReadLimit(readLimit)

	if !m.attach(gen, conn) {
		m.closeConn(conn, "superseded")
		return fmt.Errorf("%w: session superseded", apperrors.ErrTransport)
	}

	// Disconnect closes the connection itself. A session whose ctx ended
	// still owns it here and must close it.
	defer func() {
		if m.detach(gen, conn) && ctx.Err() != nil {
			m.closeConn(conn, "session ended")
		}
	}()

	m.logger.Info("push channel connected", slog.String("url", endpoint))
	m.emitOpen()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("%w: reading frame: %w", apperrors.ErrTransport, err)
		}

		if typ != websocket.MessageText {
			m.logger.Debug("discarding non-text frame", slog.Int("bytes", len(data)))
			continue
		}

		m.metrics.FrameReceived()
		m.emitMessage(data)
	}
}

// attach installs conn as the live connection if gen is still current.
func (m *Manager) attach(gen uint64, conn wsConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.cancel == nil {
		return false
	}

	m.conn = conn
	m.state = StateConnected
	m.metrics.SetConnectionState(int(StateConnected))

	return true
}

// detach clears conn as the live connection and reports whether it still
// was.
func (m *Manager) detach(gen uint64, conn wsConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen == m.gen && m.conn == conn {
		m.conn = nil
		return true
	}

	return false
}

// expire resets a session whose ctx ended without Disconnect, so State
// stops reporting a dead channel and the next Connect dials again.
func (m *Manager) expire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.cancel == nil {
		m.mu.Unlock()
		return
	}

	cancel := m.cancel
	conn := m.conn
	m.cancel = nil
	m.conn = nil
	m.userID = ""
	m.state = StateDisconnected
	m.metrics.SetConnectionState(int(StateDisconnected))
	m.mu.Unlock()

	if conn != nil {
		m.closeConn(conn, "session ended")
	}

	cancel()
	m.logger.Info("push channel session ended")
}

func (m *Manager) closeConn(conn wsConn, reason string) {
	if err := conn.Close(websocket.StatusNormalClosure, reason); err != nil {
		m.logger.Debug("closing push channel", slog.String("reason", reason), slog.String("error", err.Error()))
	}
}

// ended reports whether the session identified by gen was cancelled,
// explicitly or by replacement.
func (m *Manager) ended(ctx context.Context, gen uint64) bool {
	if ctx.Err() != nil {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return gen != m.gen || m.cancel == nil
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return gen == m.gen
}

// setState ignores updates from replaced sessions, and anything but
// Disconnected once the session has been cancelled.
func (m *Manager) setState(gen uint64, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || (m.cancel == nil && s != StateDisconnected) {
		return
	}

	m.state = s
	m.metrics.SetConnectionState(int(s))
}

func (m *Manager) snapshotListeners() []Listener {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()

	out := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}

	return out
}

func (m *Manager) emitOpen() {
	for _, l := range m.snapshotListeners() {
		l.OnOpen()
	}
}

func (m *Manager) emitMessage(data []byte) {
	for _, l := range m.snapshotListeners() {
		l.OnMessage(data)
	}
}

func (m *Manager) emitClose(err error) {
	for _, l := range m.snapshotListeners() {
		l.OnClose(err)
	}
}
