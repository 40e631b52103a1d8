// Package realtime manages the single live websocket connection to the
// messaging backend: connect and disconnect, heartbeat, reconnection with
// backoff, and fan-out of inbound frames to registered handlers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected is returned by Send when no connection is open. Callers
	// are expected to fall back to the REST path.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrReconnectExhausted is delivered to error handlers once the automatic
	// reconnect budget is spent. Only Connect or Rearm starts a new cycle.
	ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")
)

// TransportError is delivered to error handlers when a specific connection
// fails to dial or drops abnormally.
type TransportError struct {
	ConnID uuid.UUID
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("realtime: connection %s: %v", e.ConnID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type timer interface {
	Stop() bool
}

// afterFunc schedules reconnects; tests replace it to control time.
var afterFunc = func(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// Manager owns at most one live connection. Construct one per process and
// share it with every consumer.
type Manager struct {
	logger       *log.Logger
	dialer       *websocket.Dialer
	origin       string
	pingInterval time.Duration
	maxAttempts  int
	visible      func() bool

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	connID         uuid.UUID
	gen            uint64 // bumped whenever the current connection is replaced or torn down
	attempts       int
	lastBase       string
	lastToken      string
	authRejected   bool
	exhausted      bool
	cancelDial     context.CancelFunc
	reconnectTimer timer
	pingStop       chan struct{}

	writeMu sync.Mutex

	messageHandlers    observers[MessageHandler]
	connectHandlers    observers[ConnectHandler]
	disconnectHandlers observers[DisconnectHandler]
	errorHandlers      observers[ErrorHandler]
}

// NewManager returns an idle Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger: log.Default(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		pingInterval: DefaultPingInterval,
		maxAttempts:  DefaultMaxReconnectAttempts,
		visible:      func() bool { return true },
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens a connection to endpointBase authenticated by token. It is a
// no-op when either argument is empty, or when a connection is already open or
// being dialed. The handshake runs in the background; connect handlers fire
// once it completes.
func (m *Manager) Connect(endpointBase, token string) {
	if strings.TrimSpace(endpointBase) == "" || strings.TrimSpace(token) == "" {
		m.logger.Printf("WARN: [realtime] Connect called without endpoint or token. Ignoring.")
		return
	}

	m.mu.Lock()
	switch m.state {
	case StateConnecting:
		m.mu.Unlock()
		m.logger.Printf("INFO: [realtime] Connection attempt already in progress. Ignoring.")
		return
	case StateOpen:
		m.mu.Unlock()
		m.logger.Printf("INFO: [realtime] Already connected. Ignoring.")
		return
	}
	m.attempts = 0
	m.exhausted = false
	err := m.dialLocked(endpointBase, token)
	m.mu.Unlock()

	if err != nil {
		m.emitError(err)
	}
}

// Disconnect closes any connection, cancels the heartbeat and any pending
// reconnect, and resets the retry budget. Nothing from the old connection is
// delivered afterwards. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.state == StateOpen || m.state == StateConnecting
	if live {
		m.setStateLocked(StateClosing)
	}
	m.teardownLocked()
	m.attempts = 0
	m.authRejected = false
	m.exhausted = false
	m.setStateLocked(StateClosed)
	if live {
		m.logger.Printf("INFO: [realtime] [%s] Disconnected.", m.connID)
	}
}

// Rearm records a rotated access token for future dials. If the last
// connection was refused for authentication or gave up retrying, it also
// reconnects with the new token and reports true.
func (m *Manager) Rearm(token string) bool {
	if strings.TrimSpace(token) == "" {
		return false
	}

	m.mu.Lock()
	m.lastToken = token
	if m.state != StateClosed || m.lastBase == "" || !(m.authRejected || m.exhausted) {
		m.mu.Unlock()
		return false
	}
	m.logger.Printf("INFO: [realtime] Re-arming connection with refreshed token.")
	m.attempts = 0
	m.exhausted = false
	err := m.dialLocked(m.lastBase, token)
	m.mu.Unlock()

	if err != nil {
		m.emitError(err)
		return false
	}
	return true
}

// IsConnected reports whether a connection is open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.state == StateOpen
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Send encodes payload as JSON and writes it as one text frame.
func (m *Manager) Send(payload any) error {
	m.mu.Lock()
	conn, open := m.conn, m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		m.logger.Printf("ERROR: [realtime] Not connected. Cannot send message.")
		return ErrNotConnected
	}
	return m.write(conn, payload)
}

func (m *Manager) AddMessageHandler(h MessageHandler) {
	if !m.messageHandlers.add(h) {
		m.logger.Printf("WARN: [realtime] Ignoring nil or non-comparable message handler %T.", h)
	}
}

func (m *Manager) RemoveMessageHandler(h MessageHandler) { m.messageHandlers.remove(h) }

func (m *Manager) AddConnectHandler(h ConnectHandler) {
	if !m.connectHandlers.add(h) {
		m.logger.Printf("WARN: [realtime] Ignoring nil or non-comparable connect handler %T.", h)
	}
}

func (m *Manager) RemoveConnectHandler(h ConnectHandler) { m.connectHandlers.remove(h) }

func (m *Manager) AddDisconnectHandler(h DisconnectHandler) {
	if !m.disconnectHandlers.add(h) {
		m.logger.Printf("WARN: [realtime] Ignoring nil or non-comparable disconnect handler %T.", h)
	}
}

func (m *Manager) RemoveDisconnectHandler(h DisconnectHandler) { m.disconnectHandlers.remove(h) }

func (m *Manager) AddErrorHandler(h ErrorHandler) {
	if !m.errorHandlers.add(h) {
		m.logger.Printf("WARN: [realtime] Ignoring nil or non-comparable error handler %T.", h)
	}
}

func (m *Manager) RemoveErrorHandler(h ErrorHandler) { m.errorHandlers.remove(h) }

// dialLocked replaces whatever connection exists with a new dial. Must hold mu.
func (m *Manager) dialLocked(base, token string) error {
	m.teardownLocked()
	m.lastBase, m.lastToken = base, token
	m.authRejected = false

	endpoint, err := EndpointURL(base, token, m.origin)
	if err != nil {
		m.setStateLocked(StateClosed)
		m.logger.Printf("ERROR: [realtime] Cannot build realtime endpoint: %v", err)
		return err
	}

	gen := m.gen
	id := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	m.connID = id
	m.cancelDial = cancel
	m.setStateLocked(StateConnecting)

	m.logger.Printf("INFO: [realtime] [%s] Connecting to %s", id, redactToken(endpoint))
	go m.run(ctx, gen, id, endpoint)
	return nil
}

// teardownLocked detaches the current connection: it invalidates the
// generation so in-flight callbacks are dropped, stops both timers and closes
// the socket. Must hold mu.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopPingLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
}

func (m *Manager) stopPingLocked() {
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
}

func (m *Manager) setStateLocked(to State) {
	if !m.state.canTransition(to) {
		m.logger.Printf("WARN: [realtime] Refusing state transition %s -> %s", m.state, to)
		return
	}
	m.state = to
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.state == StateOpen
}

// run dials, then owns the connection's read loop until it closes.
func (m *Manager) run(ctx context.Context, gen uint64, id uuid.UUID, endpoint string) {
	header := http.Header{}
	if m.origin != "" {
		header.Set("Origin", m.origin)
	}

	conn, resp, err := m.dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		code := websocket.CloseAbnormalClosure
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			code = websocket.ClosePolicyViolation
		}
		m.handleClose(gen, id, code, err.Error(), &TransportError{ConnID: id, Err: fmt.Errorf("dial: %w", err)})
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.attempts = 0
	m.exhausted = false
	m.setStateLocked(StateOpen)
	stop := make(chan struct{})
	m.pingStop = stop
	m.mu.Unlock()

	m.logger.Printf("INFO: [realtime] [%s] Connected.", id)
	go m.pingLoop(conn, stop)

	ev := ConnectEvent{ConnID: id, Host: hostOf(endpoint), At: time.Now()}
	for _, h := range m.connectHandlers.snapshot() {
		if !m.current(gen) {
			break
		}
		m.safely("connect", func() { h.HandleConnect(ev) })
	}

	m.readLoop(gen, id, conn)
}

func (m *Manager) readLoop(gen uint64, id uuid.UUID, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeDetails(err)
			var terr error
			if code == websocket.CloseAbnormalClosure {
				terr = &TransportError{ConnID: id, Err: err}
			}
			m.handleClose(gen, id, code, reason, terr)
			return
		}
		m.handleInbound(gen, data)
	}
}

// handleInbound dispatches one frame from connection gen to message handlers,
// in registration order. Pongs stop here. Delivery stops as soon as the
// connection is torn down, even part way through the handler list.
func (m *Manager) handleInbound(gen uint64, data []byte) {
	if !m.current(gen) {
		return
	}
	f, err := parseFrame(data)
	if err != nil {
		m.logger.Printf("WARN: [realtime] Dropping unparseable frame: %v", err)
		return
	}
	if f.Type == FrameTypePong {
		m.logger.Printf("DEBUG: [realtime] Received pong.")
		return
	}
	for _, h := range m.messageHandlers.snapshot() {
		if !m.current(gen) {
			return
		}
		m.safely("message", func() { h.HandleMessage(f) })
	}
}

// handleClose records the end of connection gen and applies the reconnect
// policy. terr, when set, is reported to error handlers first.
func (m *Manager) handleClose(gen uint64, id uuid.UUID, code int, reason string, terr error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.stopPingLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.setStateLocked(StateClosed)

	class := classifyClose(code)
	var retrying, gaveUp bool
	switch class {
	case closeAuthRejected:
		m.authRejected = true
	case closeRetryable:
		retrying, gaveUp = m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	m.logger.Printf("INFO: [realtime] [%s] Connection closed (code %d, %s): %s", id, code, class, reason)

	if terr != nil {
		m.emitError(terr)
	}
	ev := CloseEvent{ConnID: id, Code: code, Reason: reason, Retrying: retrying}
	for _, h := range m.disconnectHandlers.snapshot() {
		m.safely("disconnect", func() { h.HandleDisconnect(ev) })
	}
	if gaveUp {
		m.logger.Printf("WARN: [realtime] Giving up after %d reconnect attempts.", m.maxAttempts)
		m.emitError(ErrReconnectExhausted)
	}
}

// scheduleReconnectLocked arms the next reconnect if budget remains. gaveUp is
// true only the first time the budget is found spent. Must hold mu.
func (m *Manager) scheduleReconnectLocked() (scheduled, gaveUp bool) {
	if m.lastBase == "" || m.lastToken == "" {
		return false, false
	}
	if m.attempts >= m.maxAttempts {
		if m.exhausted {
			return false, false
		}
		m.exhausted = true
		return false, true
	}
	delay := ReconnectDelay(m.attempts)
	m.attempts++
	m.armReconnectLocked(delay)
	return true, false
}

func (m *Manager) armReconnectLocked(delay time.Duration) {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	gen := m.gen
	m.reconnectTimer = afterFunc(delay, func() { m.fireReconnect(gen, delay) })
	m.logger.Printf("INFO: [realtime] Reconnecting in %s (attempt %d/%d).", delay, m.attempts, m.maxAttempts)
}

// fireReconnect runs when a reconnect timer expires. While the host is
// backgrounded the attempt is skipped and the same delay is armed again; the
// skipped attempt does not spend budget.
func (m *Manager) fireReconnect(gen uint64, delay time.Duration) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateClosed {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	if !m.visible() {
		m.logger.Printf("INFO: [realtime] Host is in the background. Skipping reconnect attempt.")
		m.armReconnectLocked(delay)
		m.mu.Unlock()
		return
	}
	m.logger.Printf("INFO: [realtime] Attempting to reconnect...")
	err := m.dialLocked(m.lastBase, m.lastToken)
	m.mu.Unlock()

	if err != nil {
		m.emitError(err)
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.write(conn, ping); err != nil {
				// The read loop observes the broken connection and closes it.
				return
			}
		}
	}
}

func (m *Manager) write(conn *websocket.Conn, payload any) error {
	data, err := jsonMarshal(payload)
	if err != nil {
		m.logger.Printf("ERROR: [realtime] Failed to encode frame: %v", err)
		return fmt.Errorf("realtime: encode frame: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.logger.Printf("WARN: [realtime] Failed to write frame: %v", err)
		return fmt.Errorf("realtime: write frame: %w", err)
	}
	return nil
}

func (m *Manager) emitError(err error) {
	for _, h := range m.errorHandlers.snapshot() {
		m.safely("error", func() { h.HandleError(err) })
	}
}

// safely runs a consumer callback, containing panics so one faulty handler
// cannot break delivery to the rest or the manager itself.
func (m *Manager) safely(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("ERROR: [realtime] Recovered panic in %s handler: %v", kind, r)
		}
	}()
	fn()
}

func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

func redactToken(endpoint string) string {
	if i := strings.Index(endpoint, EndpointPath); i >= 0 {
		return endpoint[:i+len(EndpointPath)] + "<token>"
	}
	return endpoint
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Host
}
