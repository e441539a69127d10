package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/marketrelay/internal/credentials"
	"github.com/neboloop/marketrelay/internal/envelope"
	"github.com/neboloop/marketrelay/internal/events"
)

// mockBackend is a minimal relay backend: it reads the auth frame, answers
// auth_ok (or auth_error), then records every frame it receives.
type mockBackend struct {
	srv *httptest.Server

	handshakes atomic.Int32
	reject     atomic.Bool

	mu     sync.Mutex
	hold   chan struct{} // when set, auth_ok waits until closed
	tokens []string

	conns    chan *websocket.Conn
	received chan envelope.Frame
}

func newMockBackend(t *testing.T) *mockBackend {
	t.Helper()
	b := &mockBackend{
		conns:    make(chan *websocket.Conn, 8),
		received: make(chan envelope.Frame, 32),
	}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var auth envelope.Frame
		if err := conn.ReadJSON(&auth); err != nil || auth.Type != envelope.TypeAuth {
			conn.Close()
			return
		}
		n := b.handshakes.Add(1)
		b.mu.Lock()
		b.tokens = append(b.tokens, auth.Token)
		hold := b.hold
		b.mu.Unlock()

		if hold != nil {
			<-hold
		}
		if b.reject.Load() {
			conn.WriteJSON(envelope.Frame{Type: envelope.TypeAuthError, Message: "invalid token"})
			conn.Close()
			return
		}
		conn.WriteJSON(envelope.Frame{Type: envelope.TypeAuthOK, SID: fmt.Sprintf("sid-%d", n)})
		b.conns <- conn

		for {
			var f envelope.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			b.received <- f
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *mockBackend) setHold(ch chan struct{}) {
	b.mu.Lock()
	b.hold = ch
	b.mu.Unlock()
}

func (b *mockBackend) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *mockBackend) lastToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tokens) == 0 {
		return ""
	}
	return b.tokens[len(b.tokens)-1]
}

func (b *mockBackend) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-b.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for backend connection")
		return nil
	}
}

func newTestManager(t *testing.T, url string) *Manager {
	t.Helper()
	m := NewManager(Config{
		URL:               url,
		HandshakeTimeout:  2 * time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    20 * time.Millisecond,
		ReconnectMaxDelay: 50 * time.Millisecond,
	})
	t.Cleanup(m.Close)
	return m
}

var testCreds = credentials.Credentials{Token: "tok1", UserID: "42"}

func expiredJWT(t *testing.T) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "42",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		3*time.Second, 10*time.Millisecond, "want state %s, have %s", want, m.State())
}

func TestConnectIsIdempotent(t *testing.T) {
	b := newMockBackend(t)
	hold := make(chan struct{})
	b.setHold(hold)
	m := newTestManager(t, b.url())

	m.Connect(testCreds)
	assert.True(t, m.IsConnecting())
	m.Connect(testCreds)

	require.Eventually(t, func() bool { return b.handshakes.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, m.IsConnecting())
	close(hold)

	waitState(t, m, Connected)
	m.Connect(testCreds)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(1), b.handshakes.Load())
	assert.True(t, m.IsConnected())
	assert.Equal(t, "sid-1", m.SessionID())
}

func TestConnectWithoutCredentials(t *testing.T) {
	b := newMockBackend(t)
	m := newTestManager(t, b.url())

	m.Connect(credentials.Credentials{})
	m.Connect(credentials.Credentials{Token: "tok1"})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, int32(0), b.handshakes.Load())
}

func TestAuthRejectedIsTerminal(t *testing.T) {
	b := newMockBackend(t)
	b.reject.Store(true)
	m := newTestManager(t, b.url())

	var terminal atomic.Bool
	events.Subscribe(m.Signals(), events.TopicConnectionError, func(_ context.Context, e ConnError) error {
		if e.Terminal {
			terminal.Store(true)
		}
		return nil
	})

	m.Connect(testCreds)
	require.Eventually(t, func() bool {
		return m.State() == Disconnected && m.LastError() != ""
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, m.LastError(), "invalid token")

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), b.handshakes.Load(), "auth rejection must not be retried")
	assert.Eventually(t, terminal.Load, time.Second, 10*time.Millisecond)
}

func TestServerCloseDoesNotReconnect(t *testing.T) {
	tests := []struct {
		name  string
		close func(*websocket.Conn)
	}{
		{"disconnect frame", func(c *websocket.Conn) {
			c.WriteJSON(envelope.Frame{Type: envelope.TypeDisconnect, Message: "account suspended"})
		}},
		{"normal close", func(c *websocket.Conn) {
			c.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "io server disconnect"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newMockBackend(t)
			m := newTestManager(t, b.url())

			var mu sync.Mutex
			var reasons []Reason
			events.Subscribe(m.Signals(), events.TopicConnectionState, func(_ context.Context, s StateChange) error {
				mu.Lock()
				defer mu.Unlock()
				if s.State == Disconnected {
					reasons = append(reasons, s.Reason)
				}
				return nil
			})

			m.Connect(testCreds)
			conn := b.nextConn(t)
			waitState(t, m, Connected)

			tt.close(conn)
			waitState(t, m, Disconnected)
			time.Sleep(200 * time.Millisecond)

			assert.Equal(t, Disconnected, m.State())
			assert.Equal(t, int32(1), b.handshakes.Load())
			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(reasons) == 1
			}, time.Second, 10*time.Millisecond)
			mu.Lock()
			assert.Equal(t, ReasonServerDisconnect, reasons[0])
			mu.Unlock()
		})
	}
}

func TestNetworkDropReconnects(t *testing.T) {
	b := newMockBackend(t)
	m := newTestManager(t, b.url())

	m.Connect(testCreds)
	conn := b.nextConn(t)
	waitState(t, m, Connected)

	// Drop the TCP connection without a close frame
	conn.UnderlyingConn().Close()

	b.nextConn(t)
	waitState(t, m, Connected)
	assert.Equal(t, int32(2), b.handshakes.Load())
	assert.Equal(t, "sid-2", m.SessionID())
}

func TestCommandsAreForwardedInOrder(t *testing.T) {
	b := newMockBackend(t)
	m := newTestManager(t, b.url())

	got := make(chan envelope.Command, 4)
	m.OnCommand(func(c envelope.Command) { got <- c })

	m.Connect(testCreds)
	conn := b.nextConn(t)
	waitState(t, m, Connected)

	for _, id := range []string{"r1", "r2", "r3"} {
		data, _ := json.Marshal(envelope.Command{RequestID: id, Action: "getSession"})
		require.NoError(t, conn.WriteJSON(envelope.Frame{Type: envelope.TypeCommand, Data: data}))
	}
	// Commands without a request id are dropped
	conn.WriteJSON(envelope.Frame{Type: envelope.TypeCommand, Data: json.RawMessage(`{"action":"x"}`)})

	for _, want := range []string{"r1", "r2", "r3"} {
		select {
		case c := <-got:
			assert.Equal(t, want, c.RequestID)
			assert.Equal(t, "getSession", c.Action)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
	select {
	case c := <-got:
		t.Fatalf("unexpected command %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSend(t *testing.T) {
	b := newMockBackend(t)
	m := newTestManager(t, b.url())

	err := m.Send(envelope.Success("r0", nil))
	assert.ErrorIs(t, err, ErrNotConnected)

	m.Connect(testCreds)
	b.nextConn(t)
	waitState(t, m, Connected)

	require.NoError(t, m.Send(envelope.Success("r1", json.RawMessage(`{"items":[]}`))))

	select {
	case f := <-b.received:
		require.Equal(t, envelope.TypeResponse, f.Type)
		var resp envelope.Response
		require.NoError(t, json.Unmarshal(f.Data, &resp))
		assert.Equal(t, "r1", resp.RequestID)
		assert.True(t, resp.Success)
		assert.JSONEq(t, `{"items":[]}`, string(resp.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for response frame")
	}
}

func TestSendWhileReconnectingIsQueued(t *testing.T) {
	b := newMockBackend(t)
	m := newTestManager(t, b.url())

	m.Connect(testCreds)
	conn := b.nextConn(t)
	waitState(t, m, Connected)

	hold := make(chan struct{})
	b.setHold(hold)
	conn.UnderlyingConn().Close()
	waitState(t, m, Connecting)

	require.NoError(t, m.Send(envelope.Failure("r9", "TIMEOUT", "timed out")))
	close(hold)

	select {
	case f := <-b.received:
		var resp envelope.Response
		require.NoError(t, json.Unmarshal(f.Data, &resp))
		assert.Equal(t, "r9", resp.RequestID)
		assert.Equal(t, "TIMEOUT", resp.ErrorCode)
	case <-time.After(3 * time.Second):
		t.Fatal("queued response was not flushed")
	}
}

func TestSendOnDeadSocketIsQueued(t *testing.T) {
	b := newMockBackend(t)
	m := newTestManager(t, b.url())

	got := make(chan envelope.Command, 1)
	m.OnCommand(func(c envelope.Command) { got <- c })

	m.Connect(testCreds)
	conn := b.nextConn(t)
	waitState(t, m, Connected)

	data, _ := json.Marshal(envelope.Command{RequestID: "r7", Action: "getSession"})
	require.NoError(t, conn.WriteJSON(envelope.Frame{Type: envelope.TypeCommand, Data: data}))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for command")
	}

	// The socket dies while the command is in flight; the read loop has
	// not seen it yet, so the state still says Connected.
	m.mu.Lock()
	tcp, ok := m.conn.UnderlyingConn().(*net.TCPConn)
	m.mu.Unlock()
	require.True(t, ok)
	require.NoError(t, tcp.CloseWrite())

	require.NoError(t, m.Send(envelope.Success("r7", json.RawMessage(`{"user":"seller42"}`))))

	b.nextConn(t)
	select {
	case f := <-b.received:
		var resp envelope.Response
		require.NoError(t, json.Unmarshal(f.Data, &resp))
		assert.Equal(t, "r7", resp.RequestID)
		assert.True(t, resp.Success)
	case <-time.After(3 * time.Second):
		t.Fatal("response was lost with the socket")
	}
	assert.Equal(t, int32(2), b.handshakes.Load())
}

func TestDisconnect(t *testing.T) {
	b := newMockBackend(t)
	m := newTestManager(t, b.url())

	// Safe before any connect
	m.Disconnect()
	assert.Equal(t, Disconnected, m.State())

	m.Connect(testCreds)
	b.nextConn(t)
	waitState(t, m, Connected)

	m.Disconnect()
	m.Disconnect()
	assert.Equal(t, Disconnected, m.State())
	assert.Empty(t, m.SessionID())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), b.handshakes.Load())

	// A fresh Connect after Disconnect opens a new channel
	m.Connect(testCreds)
	b.nextConn(t)
	waitState(t, m, Connected)
	assert.Equal(t, int32(2), b.handshakes.Load())
}

func TestUpdateAuth(t *testing.T) {
	b := newMockBackend(t)
	m := newTestManager(t, b.url())

	// No channel: ignored
	m.UpdateAuth(credentials.Credentials{Token: "ignored", UserID: "42"})

	m.Connect(testCreds)
	conn := b.nextConn(t)
	waitState(t, m, Connected)
	assert.Equal(t, "tok1", b.lastToken())

	m.UpdateAuth(credentials.Credentials{Token: "tok2", UserID: "42"})
	assert.True(t, m.IsConnected(), "update must not tear down the channel")

	// Empty or expired credentials never replace good ones
	m.UpdateAuth(credentials.Credentials{UserID: "42"})
	m.UpdateAuth(credentials.Credentials{Token: expiredJWT(t), UserID: "42"})

	conn.UnderlyingConn().Close()
	b.nextConn(t)
	waitState(t, m, Connected)
	assert.Equal(t, "tok2", b.lastToken())
}

func TestStateSignals(t *testing.T) {
	b := newMockBackend(t)
	m := newTestManager(t, b.url())

	var mu sync.Mutex
	var seen []State
	events.Subscribe(m.Signals(), events.TopicConnectionState, func(_ context.Context, s StateChange) error {
		mu.Lock()
		seen = append(seen, s.State)
		mu.Unlock()
		return nil
	})

	m.Connect(testCreds)
	b.nextConn(t)
	waitState(t, m, Connected)
	m.Disconnect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []State{Connecting, Connected, Disconnected}, seen)
	mu.Unlock()
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Reason
	}{
		{&websocket.CloseError{Code: websocket.CloseNormalClosure}, ReasonServerDisconnect},
		{&websocket.CloseError{Code: websocket.ClosePolicyViolation}, ReasonServerDisconnect},
		{&websocket.CloseError{Code: websocket.CloseAbnormalClosure}, ReasonTransportClose},
		{&websocket.CloseError{Code: websocket.CloseGoingAway}, ReasonTransportClose},
		{context.DeadlineExceeded, ReasonPingTimeout},
		{assert.AnError, ReasonTransportError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.err), "%v", tt.err)
	}
	assert.True(t, ReasonServerDisconnect.Terminal())
	assert.False(t, ReasonTransportClose.Terminal())
	assert.False(t, ReasonPingTimeout.Terminal())
}
