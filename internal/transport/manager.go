// Package transport owns the persistent websocket connection to the event
// broker: handshake, heartbeats, reconnection and teardown.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"tripstream/internal/metrics"
	"tripstream/pkg/types"
)

// Default intervals from the broker contract.
const (
	DefaultHeartbeat      = 4 * time.Second
	DefaultReconnectDelay = 5 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	writeBuffer           = 100
)

// Credentials identify the session owner on the handshake.
type Credentials struct {
	UserID string
	Token  string
}

// FrameHandler consumes inbound message frames.
type FrameHandler func(topic string, body json.RawMessage)

// Options configures a Manager.
type Options struct {
	BrokerURL      string
	Heartbeat      time.Duration
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration
}

func (o *Options) withDefaults() {
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
}

// Manager maintains at most one live broker connection per session. A new
// Connect for a different identity tears the previous connection down first.
type Manager struct {
	opts   Options
	logger *slog.Logger
	dialer *websocket.Dialer

	mu          sync.Mutex
	state       State
	creds       Credentials
	conn        *websocket.Conn
	writeCh     chan types.Frame
	done        chan struct{} // closed on teardown of the current connection
	gen         int           // connection generation; stale goroutines check it
	closed      bool
	onFrame     FrameHandler
	stateSubs   []func(State)
	onConnected []func()
}

// NewManager creates a manager. The frame handler and listeners must be
// registered before the first Connect.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:   opts,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:  StateDisconnected,
	}
}

// OnFrame registers the consumer for inbound message frames.
func (m *Manager) OnFrame(h FrameHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFrame = h
}

// OnState registers a state listener. Listeners run outside the manager
// lock, in registration order.
func (m *Manager) OnState(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateSubs = append(m.stateSubs, fn)
}

// OnConnected registers a callback fired after every successful handshake,
// including reconnects. Subscriptions are installed here, never eagerly.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = append(m.onConnected, fn)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the broker connection for the given identity. An
// empty identity is a no-op error: anonymous sessions get no live events.
// A handshake failure moves the manager to StateFailed and is not retried.
func (m *Manager) Connect(ctx context.Context, creds Credentials) error {
	if creds.UserID == "" {
		return ErrNoIdentity
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	// Replacing the identity (re-login) tears down the previous transport.
	m.teardownLocked()
	m.creds = creds
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.setState(StateConnecting)

	conn, err := m.dial(ctx, creds)
	if err != nil {
		m.setState(StateFailed)
		m.logger.Error("broker handshake failed", "user", creds.UserID, "error", err)
		return err
	}

	m.install(gen, conn)
	m.setState(StateConnected)
	m.logger.Info("broker connected", "user", creds.UserID)
	m.fireConnected()
	return nil
}

// Publish queues an outbound frame. It fails when the transport is not
// connected; callers that need the queue-until-connected behavior go
// through the subscription registry.
func (m *Manager) Publish(frame types.Frame) error {
	m.mu.Lock()
	if m.state != StateConnected || m.writeCh == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	ch, done := m.writeCh, m.done
	m.mu.Unlock()

	select {
	case ch <- frame:
		return nil
	case <-done:
		return ErrNotConnected
	case <-time.After(m.opts.WriteTimeout):
		return ErrWriteTimeout
	}
}

// Disconnect deactivates the connection permanently (logout or identity
// cleared). It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardownLocked()
	m.creds = Credentials{}
	m.mu.Unlock()
	m.setState(StateDisconnected)
}

// Close disconnects and rejects any further Connect.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.teardownLocked()
	m.mu.Unlock()
	m.setState(StateDisconnected)
}

func (m *Manager) dial(ctx context.Context, creds Credentials) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("X-User-ID", creds.UserID)
	if creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}

	conn, resp, err := m.dialer.DialContext(ctx, m.opts.BrokerURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	return conn, nil
}

// install wires the read/write loops for a freshly dialed connection.
func (m *Manager) install(gen int, conn *websocket.Conn) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.writeCh = make(chan types.Frame, writeBuffer)
	m.done = make(chan struct{})
	writeCh, done := m.writeCh, m.done
	m.mu.Unlock()

	pongWait := m.opts.Heartbeat*2 + m.opts.Heartbeat/2
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(m.opts.WriteTimeout))
	})

	go m.writeLoop(conn, writeCh, done)
	go m.readLoop(gen, conn)
}

// writeLoop is the single writer for one connection. Outgoing heartbeats
// ride the same goroutine so no two writers touch the socket.
func (m *Manager) writeLoop(conn *websocket.Conn, writeCh chan types.Frame, done chan struct{}) {
	ticker := time.NewTicker(m.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case frame := <-writeCh:
			data, err := json.Marshal(frame)
			if err != nil {
				m.logger.Error("failed to marshal outbound frame", "op", frame.Op, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.logger.Warn("outbound write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop consumes inbound frames until the connection drops, then hands
// off to the reconnect loop when the drop was not deliberate.
func (m *Manager) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(gen, err)
			return
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.logger.Warn("dropping malformed frame", "error", err)
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			continue
		}

		switch frame.Op {
		case types.OpMessage:
			m.mu.Lock()
			h := m.onFrame
			m.mu.Unlock()
			if h != nil {
				h(frame.Topic, frame.Body)
			}
		case types.OpError:
			m.logger.Warn("broker error frame", "error", frame.Error)
		default:
			m.logger.Debug("ignoring frame", "op", frame.Op)
		}
	}
}

// handleDrop runs the automatic reconnect loop after an unexpected drop.
// It gives up only when the manager is closed or superseded.
func (m *Manager) handleDrop(gen int, cause error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		// Deliberate teardown or a newer connection took over.
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	creds := m.creds
	m.gen++
	gen = m.gen
	m.mu.Unlock()

	m.logger.Warn("broker connection dropped", "user", creds.UserID, "error", cause)
	m.setState(StateReconnecting)

	for {
		time.Sleep(m.opts.ReconnectDelay)

		m.mu.Lock()
		if m.closed || gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		metrics.Reconnects.Inc()
		conn, err := m.dial(context.Background(), creds)
		if err != nil {
			m.logger.Warn("reconnect attempt failed", "user", creds.UserID, "error", err)
			continue
		}

		m.install(gen, conn)
		m.setState(StateConnected)
		m.logger.Info("broker reconnected", "user", creds.UserID)
		m.fireConnected()
		return
	}
}

// teardownLocked closes the live connection. Caller holds m.mu.
func (m *Manager) teardownLocked() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	m.writeCh = nil
	m.gen++
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	subs := make([]func(State), len(m.stateSubs))
	copy(subs, m.stateSubs)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

func (m *Manager) fireConnected() {
	m.mu.Lock()
	cbs := make([]func(), len(m.onConnected))
	copy(cbs, m.onConnected)
	m.mu.Unlock()

	for _, fn := range cbs {
		fn()
	}
}
