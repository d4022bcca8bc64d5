package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/insightloop/insight-client/internal/audit"
	"github.com/insightloop/insight-client/internal/credentials"
	"github.com/insightloop/insight-client/internal/events"
	"github.com/insightloop/insight-client/internal/metrics"
	"github.com/insightloop/insight-client/internal/protocol"
	"github.com/insightloop/insight-client/internal/retry"
)

// Package transport owns the client side of the duplex chat connection:
// dialing with the stored bearer credential, heartbeating, queueing outbound
// frames across outages, bounded reconnection, and fan-out of inbound frames
// onto the event bus.

// ErrAuthentication marks a connect failure that retrying cannot fix; the
// application's session-expiry handling owns it.
var ErrAuthentication = errors.New("transport: authentication failed")

// State is the logical connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Status is a point-in-time connection snapshot for the UI's indicator.
type Status struct {
	State             State
	ReconnectAttempts int
	QueuedFrames      int
}

// DisconnectInfo is the payload of events.Disconnected.
type DisconnectInfo struct {
	Code        int
	Reason      string
	Intentional bool
}

// ReconnectFailure is the payload of events.ReconnectFailed.
type ReconnectFailure struct {
	Attempts int
}

// Config configures a Manager.
type Config struct {
	// BaseURL is the WebSocket endpoint, e.g. ws://host:8000/ws. The
	// conversation id and bearer token are appended per connection.
	BaseURL string

	// HeartbeatInterval is the ping cadence while connected. Inbound
	// traffic is expected within twice this interval; a silent peer is
	// treated as a dead connection.
	HeartbeatInterval time.Duration

	// Policy bounds reconnection after non-intentional closes.
	Policy retry.Policy

	// DialTimeout bounds a single dial. Zero means 15 s.
	DialTimeout time.Duration
}

// Manager owns one logical duplex connection. At most one underlying socket
// is live at a time; Connect while connecting or connected is a no-op.
type Manager struct {
	cfg      Config
	creds    *credentials.Store
	bus      *events.Bus
	auditLog audit.Logger
	logger   *zap.Logger

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	connCancel     context.CancelFunc
	attempts       int
	intentional    bool
	conversationID string

	writeMu sync.Mutex
	queue   *outboundQueue

	// dialer is swappable for tests.
	dialer *websocket.Dialer
}

// NewManager creates a connection manager. It does not connect.
func NewManager(cfg Config, creds *credentials.Store, bus *events.Bus, auditLog audit.Logger, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		creds:    creds,
		bus:      bus,
		auditLog: auditLog,
		logger:   logger,
		queue:    newOutboundQueue(),
		dialer:   websocket.DefaultDialer,
	}
}

// Connect opens the duplex connection for the given conversation. Calling
// while a connection is pending or open is a no-op. It fails fast when no
// credential is stored and on dial errors; dial errors do not trigger
// reconnection.
func (m *Manager) Connect(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		m.logger.Debug("connect ignored, already connecting or connected",
			zap.String("state", m.state.String()))
		return nil
	}
	m.state = StateConnecting
	m.intentional = false
	m.attempts = 0
	m.conversationID = conversationID
	m.mu.Unlock()

	if err := m.dial(ctx); err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return err
	}
	return nil
}

// dial resolves the credential, opens the socket and, on success, installs
// it as the live connection. Used by both Connect and the reconnect loop.
func (m *Manager) dial(ctx context.Context) error {
	m.mu.Lock()
	conversationID := m.conversationID
	m.mu.Unlock()

	pair, err := m.creds.Tokens(ctx)
	if err != nil {
		if errors.Is(err, credentials.ErrNoCredentials) {
			return fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return fmt.Errorf("resolve credential: %w", err)
	}

	socketURL := fmt.Sprintf("%s/chat/%s/?token=%s",
		m.cfg.BaseURL, conversationID, url.QueryEscape(pair.AccessToken))

	m.logger.Debug("websocket connecting", zap.String("url", maskToken(socketURL)))

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := m.dialer.DialContext(dialCtx, socketURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return fmt.Errorf("%w: server rejected token (%d)", ErrAuthentication, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", maskToken(socketURL), err)
	}

	m.mu.Lock()
	if m.intentional {
		// Disconnect raced the dial; drop the fresh socket.
		m.mu.Unlock()
		_ = conn.Close()
		return errors.New("transport: disconnected during dial")
	}
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	connCtx, connCancel := context.WithCancel(context.Background())
	m.connCancel = connCancel
	m.mu.Unlock()

	m.logger.Info("websocket connected", zap.String("url", maskToken(socketURL)))

	go m.readLoop(conn)
	go m.heartbeat(connCtx)
	m.flushQueue(conn)
	m.bus.Publish(events.Connected, nil)
	return nil
}

// Send transmits the frame immediately when connected and queues it
// otherwise; a transmission failure also falls back to the queue. Send never
// blocks the caller on connection state and never returns an error.
func (m *Manager) Send(f *protocol.Frame) {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		m.queue.Push(f)
		metrics.FramesSent.WithLabelValues("queued").Inc()
		m.logger.Debug("not connected, frame queued", zap.String("type", string(f.Type)))
		return
	}

	if err := m.writeFrame(conn, f); err != nil {
		m.logger.Warn("send failed, frame queued",
			zap.String("type", string(f.Type)), zap.Error(err))
		m.queue.Push(f)
		metrics.FramesSent.WithLabelValues("queued").Inc()
		return
	}
	metrics.FramesSent.WithLabelValues("immediate").Inc()
}

// SendChatMessage sends a chat_message frame.
func (m *Manager) SendChatMessage(text string, attachments []string) {
	m.Send(protocol.NewChatMessage(text, attachments))
}

// SendTypingIndicator sends a typing_indicator frame.
func (m *Manager) SendTypingIndicator(isTyping bool) {
	m.Send(protocol.NewTypingIndicator(isTyping))
}

func (m *Manager) writeFrame(conn *websocket.Conn, f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// flushQueue replays queued frames in enqueue order on the fresh socket.
func (m *Manager) flushQueue(conn *websocket.Conn) {
	pending := m.queue.Drain()
	for i, f := range pending {
		if err := m.writeFrame(conn, f); err != nil {
			m.logger.Warn("queue flush interrupted", zap.Int("flushed", i), zap.Error(err))
			m.queue.Requeue(pending[i:])
			return
		}
		metrics.FramesSent.WithLabelValues("flushed").Inc()
	}
	if len(pending) > 0 {
		m.logger.Debug("outbound queue flushed", zap.Int("frames", len(pending)))
	}
}

// readLoop processes inbound frames strictly in arrival order until the
// socket dies. The read deadline doubles as the pong deadline: a peer silent
// for two heartbeat intervals is treated as gone.
func (m *Manager) readLoop(conn *websocket.Conn) {
	deadline := 2 * m.cfg.HeartbeatInterval
	for {
		if deadline > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(deadline))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, err)
			return
		}
		m.handleFrame(data)
	}
}

// handleFrame decodes one inbound frame. Ping and pong are protocol-level
// and stay inside the manager; everything else is published verbatim.
func (m *Manager) handleFrame(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			// Closed vocabulary: anything unknown lands here, not in a
			// silent fallthrough.
			metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
			m.logger.Debug("dropping frame with unknown type", zap.Error(err))
		default:
			metrics.FramesDropped.WithLabelValues("parse_error").Inc()
			m.logger.Warn("dropping unparseable frame", zap.Error(err))
		}
		return
	}

	metrics.FramesReceived.WithLabelValues(string(frame.Type)).Inc()

	switch frame.Type {
	case protocol.TypePing:
		m.Send(protocol.NewPong())
	case protocol.TypePong:
		// Heartbeat acknowledgment; the read deadline was already pushed.
	default:
		m.bus.Publish(events.FrameReceived, frame)
	}
}

// handleClose runs when the read loop dies. Intentional closes terminate the
// connection; anything else enters the bounded reconnect path.
func (m *Manager) handleClose(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// A stale read loop observed the close of an already-replaced
		// socket.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}

	code := websocket.CloseAbnormalClosure
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}
	intentional := m.intentional || code == websocket.CloseNormalClosure

	if intentional {
		m.state = StateDisconnected
		m.attempts = 0
		m.mu.Unlock()
		m.logger.Info("websocket closed", zap.Int("code", code))
		m.bus.Publish(events.Disconnected, DisconnectInfo{Code: code, Intentional: true})
		return
	}
	m.mu.Unlock()

	m.logger.Warn("websocket connection lost", zap.Int("code", code), zap.Error(err))
	m.bus.Publish(events.Disconnected, DisconnectInfo{Code: code, Reason: err.Error()})

	m.mu.Lock()
	after := m.scheduleReconnectLocked()
	m.mu.Unlock()
	if after != nil {
		after()
	}
}

// scheduleReconnectLocked either schedules the next reconnection attempt or,
// with the budget exhausted, finalizes the disconnect. The attempt counter
// increments before the backoff delay is scheduled. Returns a callback to
// run after releasing the state lock (event publishing must not happen under
// it).
func (m *Manager) scheduleReconnectLocked() func() {
	if m.cfg.Policy.Exhausted(m.attempts + 1) {
		attempts := m.attempts
		m.state = StateDisconnected
		m.attempts = 0
		return func() {
			m.logger.Error("reconnection attempts exhausted", zap.Int("attempts", attempts))
			metrics.ReconnectFailures.Inc()
			if m.auditLog != nil {
				_ = m.auditLog.LogReconnectExhausted(context.Background(), attempts)
			}
			m.bus.Publish(events.ReconnectFailed, ReconnectFailure{Attempts: attempts})
		}
	}

	m.attempts++
	m.state = StateReconnecting
	attempt := m.attempts
	delay := m.cfg.Policy.Delay(attempt)
	metrics.ReconnectAttempts.Inc()

	return func() {
		m.logger.Info("scheduling reconnection",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.Policy.MaxAttempts),
			zap.Duration("delay", delay))
		time.AfterFunc(delay, m.redial)
	}
}

// redial performs one reconnection attempt.
func (m *Manager) redial() {
	m.mu.Lock()
	if m.state != StateReconnecting {
		// Disconnect won the race; stand down.
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	err := m.dial(context.Background())
	if err == nil {
		return
	}

	if errors.Is(err, ErrAuthentication) {
		// Retrying cannot produce a credential; surface and stop.
		m.mu.Lock()
		m.state = StateDisconnected
		m.attempts = 0
		m.mu.Unlock()
		m.logger.Error("reconnection abandoned, authentication failed", zap.Error(err))
		m.bus.Publish(events.ConnectionError, err)
		return
	}

	m.logger.Warn("reconnection attempt failed", zap.Error(err))
	m.mu.Lock()
	after := m.scheduleReconnectLocked()
	m.mu.Unlock()
	if after != nil {
		after()
	}
}

// heartbeat pings on a fixed cadence while the connection lives.
func (m *Manager) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Send(protocol.NewPing())
		}
	}
}

// Disconnect closes the connection intentionally. No reconnection follows;
// queued frames and reconnect state are discarded.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	conn := m.conn
	m.conn = nil
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.state = StateDisconnected
	m.attempts = 0
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		_ = conn.Close()
	}

	m.queue.Clear()
	m.bus.Publish(events.Disconnected, DisconnectInfo{
		Code:        websocket.CloseNormalClosure,
		Intentional: true,
	})
}

// Status returns a snapshot of the connection.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:             m.state,
		ReconnectAttempts: m.attempts,
		QueuedFrames:      m.queue.Len(),
	}
}

// maskToken hides the bearer credential when a socket URL is logged.
func maskToken(socketURL string) string {
	u, err := url.Parse(socketURL)
	if err != nil {
		return "<unparseable url>"
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
