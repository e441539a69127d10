// Package extension hosts the local endpoints the browser extension attaches
// to: a direct websocket link for the extension's background worker and a
// page bus for its content script.
package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/neboloop/marketrelay/internal/bridge"
)

// ErrNotAttached is returned when no extension holds the direct link.
var ErrNotAttached = errors.New("extension not attached")

// linkRequest is a relay → extension frame on the direct link.
type linkRequest struct {
	ID          string         `json:"id"`
	ExtensionID string         `json:"extensionId,omitempty"`
	Message     bridge.Message `json:"message"`
}

// linkReply is an extension → relay frame on the direct link.
type linkReply struct {
	ID       string        `json:"id"`
	Response *bridge.Reply `json:"response,omitempty"`
	Method   string        `json:"method,omitempty"` // "pong"
}

// Link is the direct call-with-callback channel to one extension background
// worker. It satisfies bridge.Messenger.
type Link struct {
	extensionID string
	prefixes    []string
	upgrader    websocket.Upgrader
	logger      *slog.Logger

	mu        sync.RWMutex
	ws        *websocket.Conn
	callbacks map[string]func(bridge.Reply)

	writeMu sync.Mutex
}

// NewLink creates a link that accepts extensions whose Origin starts with one
// of prefixes. An empty extensionID disables the direct channel.
func NewLink(extensionID string, prefixes []string) *Link {
	if len(prefixes) == 0 {
		prefixes = bridge.DefaultExtensionPrefixes
	}
	l := &Link{
		extensionID: extensionID,
		prefixes:    prefixes,
		callbacks:   make(map[string]func(bridge.Reply)),
		logger:      slog.Default().With("component", "extension.link"),
	}
	l.upgrader = websocket.Upgrader{CheckOrigin: l.checkOrigin}
	return l
}

func (l *Link) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if l.extensionID != "" {
		for _, p := range l.prefixes {
			if origin == p+l.extensionID {
				return true
			}
		}
		return false
	}
	for _, p := range l.prefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// Available reports whether the direct channel is configured.
func (l *Link) Available() bool { return l.extensionID != "" }

// Connected reports whether an extension is attached.
func (l *Link) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ws != nil
}

// SendMessage writes msg to the attached extension; callback runs once with
// the matching reply. The callback is dropped unused once ctx ends.
func (l *Link) SendMessage(ctx context.Context, extensionID string, msg bridge.Message, callback func(bridge.Reply)) error {
	id := uuid.NewString()

	l.mu.Lock()
	ws := l.ws
	if ws == nil {
		l.mu.Unlock()
		return ErrNotAttached
	}
	l.callbacks[id] = callback
	l.mu.Unlock()
	context.AfterFunc(ctx, func() { l.forget(id) })

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	ws.SetWriteDeadline(deadline)
	err := ws.WriteJSON(linkRequest{ID: id, ExtensionID: extensionID, Message: msg})
	l.writeMu.Unlock()

	if err != nil {
		l.forget(id)
		return fmt.Errorf("write to extension: %w", err)
	}
	return nil
}

func (l *Link) forget(id string) {
	l.mu.Lock()
	delete(l.callbacks, id)
	l.mu.Unlock()
}

// Outstanding returns the number of calls awaiting a reply from the extension.
func (l *Link) Outstanding() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.callbacks)
}

// HandleWS serves the extension's websocket. Only one extension may be
// attached at a time.
func (l *Link) HandleWS(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	if l.ws != nil {
		l.mu.Unlock()
		l.logger.Warn("extension connection rejected: already attached", "remote", r.RemoteAddr)
		http.Error(w, "Extension already connected", http.StatusConflict)
		return
	}
	l.mu.Unlock()

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("extension upgrade failed", "error", err)
		return
	}

	l.mu.Lock()
	if l.ws != nil {
		l.mu.Unlock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}
	l.ws = ws
	l.mu.Unlock()
	l.logger.Info("extension attached", "origin", r.Header.Get("Origin"))

	stop := make(chan struct{})
	go l.ping(ws, stop)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			l.logger.Info("extension detached", "error", err)
			break
		}
		l.handleMessage(data)
	}
	close(stop)

	l.mu.Lock()
	l.ws = nil
	dropped := len(l.callbacks)
	l.callbacks = make(map[string]func(bridge.Reply))
	l.mu.Unlock()
	ws.Close()
	if dropped > 0 {
		// The bridge's timers settle these calls.
		l.logger.Debug("dropped callbacks of detached extension", "count", dropped)
	}
}

func (l *Link) ping(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (l *Link) handleMessage(data []byte) {
	var reply linkReply
	if err := json.Unmarshal(data, &reply); err != nil {
		l.logger.Warn("malformed extension frame", "error", err)
		return
	}
	if reply.Response == nil {
		return
	}

	l.mu.Lock()
	cb, ok := l.callbacks[reply.ID]
	delete(l.callbacks, reply.ID)
	l.mu.Unlock()

	if !ok {
		l.logger.Warn("extension reply for unknown call", "id", reply.ID)
		return
	}
	cb(*reply.Response)
}
