package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/marketrelay/internal/config"
	"github.com/neboloop/marketrelay/internal/db"
	"github.com/neboloop/marketrelay/internal/svc"
)

func newTestService(t *testing.T, audit bool) *svc.ServiceContext {
	t.Helper()
	c := config.Default()
	c.Backend.URL = "ws://127.0.0.1:1/ws"
	c.Credentials.Source = "env"
	c.Audit.Enabled = audit
	c.Audit.Path = filepath.Join(t.TempDir(), "audit.db")

	s, err := svc.NewServiceContext(context.Background(), c, "test")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestHealthAndStatus(t *testing.T) {
	s := newTestService(t, false)
	srv := httptest.NewServer(Router(s))
	defer srv.Close()

	code, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", string(body))

	code, body = get(t, srv.URL+"/status")
	require.Equal(t, http.StatusOK, code)
	var st svc.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, "disconnected", st.Connection.State)
	assert.Equal(t, "page", st.Bridge.Channel)
	assert.Equal(t, 0, st.Pages)
}

func TestAudit(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		srv := httptest.NewServer(Router(newTestService(t, false)))
		defer srv.Close()
		code, _ := get(t, srv.URL+"/audit")
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("enabled", func(t *testing.T) {
		s := newTestService(t, true)
		srv := httptest.NewServer(Router(s))
		defer srv.Close()

		code, body := get(t, srv.URL+"/audit")
		require.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, `[]`, string(body))

		for _, id := range []string{"r1", "r2", "r3"} {
			require.NoError(t, s.DB.RecordCommand(context.Background(), db.CommandRecord{RequestID: id, Action: "getSession", Success: true}))
		}
		code, body = get(t, srv.URL+"/audit?n=2")
		require.Equal(t, http.StatusOK, code)
		var recs []db.CommandRecord
		require.NoError(t, json.Unmarshal(body, &recs))
		require.Len(t, recs, 2)
		assert.Equal(t, "r3", recs[0].RequestID)
	})
}

func TestRejectsRemoteClients(t *testing.T) {
	h := Router(newTestService(t, false))
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "192.0.2.7:51000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebsocketEndpoints(t *testing.T) {
	s := newTestService(t, false)
	srv := httptest.NewServer(Router(s))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	ext, _, err := websocket.DefaultDialer.Dial(base+"/extension", http.Header{"Origin": {"chrome-extension://abcdef"}})
	require.NoError(t, err)
	defer ext.Close()
	require.Eventually(t, s.Link.Connected, time.Second, 5*time.Millisecond)

	page, _, err := websocket.DefaultDialer.Dial(base+"/page", http.Header{"Origin": {"chrome-extension://abcdef"}})
	require.NoError(t, err)
	defer page.Close()
	require.Eventually(t, func() bool { return s.PageBus.Peers() == 1 }, time.Second, 5*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(base+"/extension", http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	s := newTestService(t, false)
	s.Config.Extension.Listen = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, s) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunFailsWhenPortTaken(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s := newTestService(t, false)
	s.Config.Extension.Listen = strings.TrimPrefix(srv.URL, "http://")
	err := Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")
}
