package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wayfarer-app/wayfarer/src/chatkit"
)

// State is the connection lifecycle state.
type State int

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String implements fmt.Stringer.
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
	default:
		return "unknown"
	}
}

const (
	defaultMaxReconnectAttempts = 5
	defaultBaseReconnectDelay   = time.Second
	defaultMaxReconnectDelay    = 30 * time.Second
	defaultConnectWait          = 5 * time.Second
	connectPollInterval         = 100 * time.Millisecond
)

// Hooks receive manager notifications. Nil fields are skipped. Hooks are called
// from the manager's read loop and timer goroutines.
type Hooks struct {
	// Event is called for every inbound protocol event.
	Event func(ev chatkit.ServerEvent)
	// StateChange is called after every state transition.
	StateChange func(s State)
	// ConnError surfaces connection-level errors: transient reconnect notices,
	// handshake rejections, and reconnect exhaustion.
	ConnError func(err error)
	// Lost is called once per abnormal transport loss, before any reconnect is
	// scheduled, so the active turn can be aborted.
	Lost func(reason string)
}

// Config configures a Manager.
type Config struct {
	// URL of the persistent connection endpoint.
	URL string
	// Dialer establishes connections. Defaults to the websocket dialer.
	Dialer Dialer
	// Tokens supplies the auth handshake credential.
	Tokens TokenProvider
	// Hooks receive events and state changes.
	Hooks Hooks
	// Logger for connection lifecycle logging.
	Logger *slog.Logger
	// MaxReconnectAttempts caps automatic reconnection (default 5).
	MaxReconnectAttempts int
	// BaseReconnectDelay is the first backoff step (default 1s).
	BaseReconnectDelay time.Duration
	// MaxReconnectDelay caps the backoff (default 30s).
	MaxReconnectDelay time.Duration
	// ConnectWait bounds how long Send waits for the connection (default 5s).
	ConnectWait time.Duration
}

// Manager maintains at most one live connection, re-establishing it
// transparently on unexpected loss and never reconnecting after an intentional
// close.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu             sync.Mutex
	state          State
	sock           Socket
	gen            int // connection generation, guards against stale read loops
	attempts       int
	reconnectTimer *time.Timer
	active         bool
}

// NewManager creates a connection manager. It does not connect.
func NewManager(cfg Config) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer()
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.BaseReconnectDelay == 0 {
		cfg.BaseReconnectDelay = defaultBaseReconnectDelay
	}
	if cfg.MaxReconnectDelay == 0 {
		cfg.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if cfg.ConnectWait == 0 {
		cfg.ConnectWait = defaultConnectWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "transport"),
	}
}

// ReconnectDelay returns the backoff before reconnect attempt n:
// min(base * 2^n, max).
func (m *Manager) ReconnectDelay(attempt int) time.Duration {
	d := m.cfg.BaseReconnectDelay << uint(attempt)
	if d > m.cfg.MaxReconnectDelay || d <= 0 {
		return m.cfg.MaxReconnectDelay
	}
	return d
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetActive marks whether a chat context is selected. Reconnects are only
// scheduled while active.
func (m *Manager) SetActive(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = active
}

// Connect establishes the connection, closing any prior one first. It performs
// the auth handshake and starts the read loop. Connect resets the reconnect
// attempt counter on success.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	// Tear down whatever is there; Connect is idempotent.
	m.cancelReconnectLocked()
	if m.sock != nil {
		_ = m.sock.Close(CloseNormal, "reconnecting")
		m.sock = nil
	}
	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	sock, err := m.cfg.Dialer(ctx, m.cfg.URL)
	if err != nil {
		m.logger.Error("dial failed", "url", m.cfg.URL, "error", err)
		m.handleClose(gen, err)
		return err
	}

	token := ""
	if m.cfg.Tokens != nil {
		token, err = m.cfg.Tokens.Token(ctx)
		if err != nil {
			_ = sock.Close(CloseNormal, "no credential")
			m.mu.Lock()
			m.setStateLocked(StateDisconnected)
			m.mu.Unlock()
			return err
		}
	}

	if err := sock.WriteJSON(chatkit.ClientEnvelope{Type: chatkit.EnvelopeAuth, Token: token}); err != nil {
		_ = sock.Close(CloseNormal, "handshake write failed")
		m.handleClose(gen, err)
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		// A newer Connect superseded this one while we were dialing.
		m.mu.Unlock()
		_ = sock.Close(CloseNormal, "superseded")
		return nil
	}
	m.sock = sock
	m.attempts = 0
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info("connected", "url", m.cfg.URL)
	go m.readLoop(sock, gen)
	return nil
}

// Disconnect intentionally tears the connection down. It cancels any pending
// reconnect, sends the normal close code, and leaves the manager Disconnected.
// Calling it repeatedly is safe.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelReconnectLocked()
	m.gen++ // orphan any running read loop
	if m.sock != nil {
		_ = m.sock.Close(CloseNormal, "client disconnect")
		m.sock = nil
	}
	m.attempts = 0
	m.setStateLocked(StateDisconnected)
}

// Send transmits one envelope. If the connection is down it triggers Connect
// and waits, bounded by ConnectWait, polling connection state; on timeout the
// send fails with ErrConnectTimeout.
func (m *Manager) Send(ctx context.Context, env chatkit.ClientEnvelope) error {
	if st := m.State(); st != StateConnected {
		// Kick off a connect unless one is already in flight, then wait for
		// the state to settle.
		if st == StateDisconnected {
			go func() {
				if err := m.Connect(context.WithoutCancel(ctx)); err != nil {
					m.logger.Warn("connect for send failed", "error", err)
				}
			}()
		}
		if err := m.waitConnected(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()
	if sock == nil {
		return ErrNotConnected
	}

	if err := sock.WriteJSON(env); err != nil {
		// The read loop will observe the closure and drive reconnection; the
		// caller just learns this send did not make it.
		m.surfaceError(ErrReconnecting)
		return err
	}
	return nil
}

func (m *Manager) waitConnected(ctx context.Context) error {
	deadline := time.Now().Add(m.cfg.ConnectWait)
	for time.Now().Before(deadline) {
		if m.State() == StateConnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectPollInterval):
		}
	}
	return ErrConnectTimeout
}

func (m *Manager) readLoop(sock Socket, gen int) {
	for {
		var ev chatkit.ServerEvent
		if err := sock.ReadJSON(&ev); err != nil {
			m.handleClose(gen, err)
			return
		}
		if m.cfg.Hooks.Event != nil {
			m.cfg.Hooks.Event(ev)
		}
	}
}

// handleClose runs the reconnect decision for a closed connection.
func (m *Manager) handleClose(gen int, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		// Stale loop from a connection we already replaced or tore down.
		m.mu.Unlock()
		return
	}
	m.sock = nil
	m.setStateLocked(StateDisconnected)

	var closeErr *CloseError
	if errors.As(cause, &closeErr) {
		switch closeErr.Code {
		case CloseNormal:
			// Intentional teardown path, nothing to do.
			m.mu.Unlock()
			return
		case ClosePolicyViolation:
			m.mu.Unlock()
			m.logger.Error("auth handshake rejected", "reason", closeErr.Reason)
			m.surfaceError(&HandshakeError{Reason: closeErr.Reason})
			return
		}
	}

	active := m.active
	attempts := m.attempts
	canRetry := active && attempts < m.cfg.MaxReconnectAttempts

	var delay time.Duration
	if canRetry {
		delay = m.ReconnectDelay(attempts)
		m.attempts++
		m.setStateLocked(StateReconnecting)
		m.reconnectTimer = time.AfterFunc(delay, func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectWait)
			defer cancel()
			if err := m.Connect(ctx); err != nil {
				m.logger.Warn("reconnect attempt failed", "error", err)
			}
		})
	}
	m.mu.Unlock()

	m.logger.Warn("connection lost", "error", cause, "attempts", attempts)
	if m.cfg.Hooks.Lost != nil {
		m.cfg.Hooks.Lost(cause.Error())
	}

	if canRetry {
		m.logger.Info("reconnect scheduled", "delay", delay, "attempt", attempts)
		m.surfaceError(ErrReconnecting)
	} else if active {
		m.surfaceError(ErrReconnectExhausted)
	}
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.cfg.Hooks.StateChange != nil {
		go m.cfg.Hooks.StateChange(s)
	}
}

func (m *Manager) surfaceError(err error) {
	if m.cfg.Hooks.ConnError != nil {
		m.cfg.Hooks.ConnError(err)
	}
}
