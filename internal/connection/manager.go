// Package connection owns the single long-lived websocket channel between
// the relay and the marketplace backend.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/neboloop/marketrelay/internal/credentials"
	"github.com/neboloop/marketrelay/internal/envelope"
	"github.com/neboloop/marketrelay/internal/events"
)

// Config holds the channel parameters.
type Config struct {
	URL               string
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration // 0 disables pings and read deadlines
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	OutboxSize        int
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.ReconnectMaxDelay < c.ReconnectDelay {
		c.ReconnectMaxDelay = c.ReconnectDelay
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 256
	}
}

// CommandHandler receives inbound commands in arrival order, on the read
// loop goroutine. It must not block for long.
type CommandHandler func(envelope.Command)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithSignals publishes state and error signals on s instead of a private Subject.
func WithSignals(s *events.Subject) Option {
	return func(m *Manager) { m.signals = s }
}

// lifecycle is one Connection: created by Connect, ended by Disconnect or a
// terminal failure. Redials after transient drops stay inside it.
type lifecycle struct {
	done chan struct{}
	once sync.Once
}

func (l *lifecycle) end() { l.once.Do(func() { close(l.done) }) }

func (l *lifecycle) context() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-l.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Manager is the Connection Manager. There is one per process; construct it
// once and share it.
type Manager struct {
	cfg         Config
	dialer      *websocket.Dialer
	logger      *slog.Logger
	signals     *events.Subject
	ownsSignals bool

	mu         sync.Mutex
	state      State
	connecting bool // an attempt of the current lifecycle is in flight
	creds      credentials.Credentials
	live       *lifecycle
	conn       *websocket.Conn
	sid        string
	lastErr    string
	outbox     [][]byte
	onCommand  CommandHandler

	writeMu sync.Mutex // serializes data frames on conn
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:    cfg,
		logger: slog.Default().With("component", "connection"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	if m.signals == nil {
		m.signals = events.NewSubject(events.WithSyncDelivery(), events.WithReplay(1), events.WithLogger(m.logger))
		m.ownsSignals = true
	}
	return m
}

// OnCommand registers the handler for inbound commands.
func (m *Manager) OnCommand(fn CommandHandler) {
	m.mu.Lock()
	m.onCommand = fn
	m.mu.Unlock()
}

// Signals returns the Subject carrying StateChange and ConnError events.
func (m *Manager) Signals() *events.Subject { return m.signals }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether an authenticated channel is up right now.
func (m *Manager) IsConnected() bool { return m.State() == Connected }

// IsConnecting reports whether an attempt is in flight.
func (m *Manager) IsConnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connecting || m.state == Connecting
}

// LastError returns the message of the most recent connection error, or "".
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// SessionID returns the identity the backend assigned on auth_ok.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sid
}

// Connect starts a Connection with creds. It returns immediately and never
// fails: missing credentials are logged and the call ignored, and a call
// while connecting or connected is a no-op.
func (m *Manager) Connect(creds credentials.Credentials) {
	if !creds.Valid() {
		m.logger.Warn("connect skipped: credentials missing or expired")
		return
	}

	m.mu.Lock()
	if m.connecting || m.state != Disconnected {
		state := m.state
		m.mu.Unlock()
		m.logger.Debug("connect ignored", "state", state.String())
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	lc := &lifecycle{done: make(chan struct{})}
	m.live = lc
	m.connecting = true
	m.creds = creds
	m.state = Connecting
	m.mu.Unlock()

	m.emitState(Connecting, "")
	go m.run(lc)
}

// Disconnect ends the current Connection. Safe to call when already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	lc, conn, prev := m.live, m.conn, m.state
	m.live = nil
	m.conn = nil
	m.connecting = false
	m.state = Disconnected
	m.sid = ""
	m.outbox = nil
	m.mu.Unlock()

	if lc != nil {
		lc.end()
	}
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ReasonClientDisconnect))
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
	if prev != Disconnected {
		m.logger.Info("disconnected", "reason", ReasonClientDisconnect)
		m.emitState(Disconnected, ReasonClientDisconnect)
	}
}

// UpdateAuth swaps the credentials used by the next handshake of the live
// Connection without tearing it down. No-op when there is no Connection.
func (m *Manager) UpdateAuth(creds credentials.Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live == nil {
		m.logger.Debug("auth update ignored: no channel")
		return
	}
	if !creds.Valid() {
		m.logger.Warn("auth update ignored: credentials missing or expired", "user_id", creds.UserID)
		return
	}
	m.creds = creds
	m.logger.Info("credentials updated", "user_id", creds.UserID)
}

// Close disconnects and releases the signal Subject if the Manager created it.
func (m *Manager) Close() {
	m.Disconnect()
	if m.ownsSignals {
		events.Complete(m.signals)
	}
}

// Send emits a response to the backend. While the channel is redialing the
// frame is queued and flushed after the next auth_ok; without a Connection
// it returns ErrNotConnected.
func (m *Manager) Send(resp envelope.Response) error {
	frame, err := envelope.NewResponse(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	m.mu.Lock()
	switch m.state {
	case Disconnected:
		m.mu.Unlock()
		return ErrNotConnected
	case Connecting:
		err := m.enqueueLocked(data)
		m.mu.Unlock()
		return err
	}
	conn, lc := m.conn, m.live
	m.mu.Unlock()

	err = m.write(conn, data)
	if err == nil {
		return nil
	}

	// The socket failed under a live Connection: queue the frame for the
	// redial and make sure the read loop notices.
	m.mu.Lock()
	defer m.mu.Unlock()
	if lc == nil || m.live != lc {
		return fmt.Errorf("write response: %w", err)
	}
	if conn != nil && m.conn == conn {
		conn.Close()
	} else if m.state == Connected {
		// Already redialed and flushed; the new socket takes it directly.
		next := m.conn
		m.mu.Unlock()
		werr := m.write(next, data)
		m.mu.Lock()
		if werr == nil {
			return nil
		}
		if m.live != lc {
			return fmt.Errorf("write response: %w", werr)
		}
	}
	m.logger.Debug("response queued after write failure", "request_id", resp.RequestID, "error", err)
	return m.enqueueLocked(data)
}

func (m *Manager) enqueueLocked(data []byte) error {
	if len(m.outbox) >= m.cfg.OutboxSize {
		return fmt.Errorf("outbox full (%d frames)", len(m.outbox))
	}
	m.outbox = append(m.outbox, data)
	return nil
}

func (m *Manager) write(conn *websocket.Conn, data []byte) error {
	if conn == nil {
		return ErrNotConnected
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// run drives one lifecycle until it ends.
func (m *Manager) run(lc *lifecycle) {
	for {
		conn, err := m.establish(lc)
		if err != nil {
			select {
			case <-lc.done:
				return
			default:
			}
			reason := ReasonTransportError
			if errors.Is(err, ErrAuthRejected) {
				reason = ReasonAuthRejected
			}
			m.teardown(lc, reason, err)
			return
		}

		reason := m.serve(lc, conn)
		select {
		case <-lc.done:
			return
		default:
		}
		if reason.Terminal() {
			m.teardown(lc, reason, nil)
			return
		}

		m.logger.Warn("connection lost, reconnecting", "reason", reason)
		if !m.transition(lc, conn, Connecting) {
			return
		}
		m.emitState(Connecting, reason)
	}
}

// establish dials and authenticates, retrying transient failures with
// capped, jittered exponential backoff. Auth rejection is not retried.
func (m *Manager) establish(lc *lifecycle) (*websocket.Conn, error) {
	ctx, cancel := lc.context()
	defer cancel()

	b := retry.NewExponential(m.cfg.ReconnectDelay)
	b = retry.WithCappedDuration(m.cfg.ReconnectMaxDelay, b)
	b = retry.WithJitterPercent(25, b)
	b = retry.WithMaxRetries(uint64(m.cfg.ReconnectAttempts), b)

	var conn *websocket.Conn
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		c, err := m.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("connect attempt failed", "attempt", attempt, "error", err)
			m.recordError(err, false)
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.live != lc {
		m.mu.Unlock()
		conn.Close()
		return nil, context.Canceled
	}
	m.conn = conn
	m.state = Connected
	m.connecting = false
	m.lastErr = ""
	queued := m.outbox
	m.outbox = nil
	m.mu.Unlock()

	m.logger.Info("connected", "url", m.cfg.URL, "sid", m.SessionID(), "attempts", attempt)
	m.emitState(Connected, "")

	for i, data := range queued {
		if err := m.write(conn, data); err != nil {
			m.logger.Warn("flush queued response failed", "error", err, "remaining", len(queued)-i)
			m.mu.Lock()
			if m.live == lc {
				m.outbox = append(queued[i:len(queued):len(queued)], m.outbox...)
			}
			m.mu.Unlock()
			conn.Close()
			break
		}
	}
	return conn, nil
}

// dial opens the socket and performs the auth handshake.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)

	conn, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: upgrade returned %s", ErrAuthRejected, resp.Status)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(envelope.NewAuth(creds.UserID, creds.Token)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write auth: %w", err)
	}

	conn.SetReadDeadline(deadline)
	var reply envelope.Frame
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	switch reply.Type {
	case envelope.TypeAuthOK:
		m.mu.Lock()
		m.sid = reply.SID
		m.mu.Unlock()
		return conn, nil
	case envelope.TypeAuthError:
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, reply.Message)
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected frame %q", ErrHandshake, reply.Type)
	}
}

// serve reads frames until the channel fails and says why it failed.
func (m *Manager) serve(lc *lifecycle, conn *websocket.Conn) Reason {
	if m.cfg.PingInterval > 0 {
		wait := 2 * m.cfg.PingInterval
		conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
		stop := make(chan struct{})
		defer close(stop)
		go m.ping(conn, stop)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-lc.done:
				return ReasonClientDisconnect
			default:
			}
			reason := classify(err)
			m.logger.Debug("read loop ended", "reason", reason, "error", err)
			return reason
		}

		var f envelope.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.logger.Warn("malformed frame", "error", err)
			continue
		}

		switch f.Type {
		case envelope.TypeCommand:
			cmd, err := f.DecodeCommand()
			if err != nil || cmd.RequestID == "" {
				m.logger.Warn("malformed command", "error", err)
				continue
			}
			m.mu.Lock()
			h := m.onCommand
			m.mu.Unlock()
			if h != nil {
				h(cmd)
			}

		case envelope.TypeDisconnect:
			m.logger.Warn("backend closed the channel", "message", f.Message)
			return ReasonServerDisconnect

		case envelope.TypeAuthError:
			m.logger.Error("backend revoked credentials", "message", f.Message)
			m.recordError(fmt.Errorf("%w: %s", ErrAuthRejected, f.Message), true)
			return ReasonAuthRejected

		default:
			m.logger.Debug("unhandled frame", "type", f.Type)
		}
	}
}

func (m *Manager) ping(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout)); err != nil {
				m.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// transition moves a still-current lifecycle to state after its socket died.
func (m *Manager) transition(lc *lifecycle, dead *websocket.Conn, state State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live != lc {
		return false
	}
	if m.conn == dead {
		m.conn = nil
	}
	dead.Close()
	m.state = state
	return true
}

// teardown ends lc after a terminal failure.
func (m *Manager) teardown(lc *lifecycle, reason Reason, cause error) {
	m.mu.Lock()
	if m.live != lc {
		m.mu.Unlock()
		return
	}
	m.live = nil
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connecting = false
	m.state = Disconnected
	m.sid = ""
	m.outbox = nil
	m.mu.Unlock()
	lc.end()

	if cause != nil {
		m.logger.Error("connection failed", "reason", reason, "error", cause)
		m.recordError(cause, true)
	} else {
		m.logger.Warn("disconnected by backend, not reconnecting", "reason", reason)
	}
	m.emitState(Disconnected, reason)
}

func (m *Manager) recordError(err error, terminal bool) {
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
	if err := events.Emit(m.signals, events.TopicConnectionError, ConnError{Message: err.Error(), Terminal: terminal}); err != nil {
		m.logger.Debug("emit error signal", "error", err)
	}
}

func (m *Manager) emitState(s State, reason Reason) {
	if err := events.Emit(m.signals, events.TopicConnectionState, StateChange{State: s, Reason: reason}); err != nil {
		m.logger.Debug("emit state signal", "error", err)
	}
}
