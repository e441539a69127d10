package extension

import (
	"encoding/json"
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

// busFrame is one message crossing the page bus socket. Inbound frames carry
// the origin the content script observed; outbound frames carry the target
// origin the content script must post to.
type busFrame struct {
	Origin       string          `json:"origin,omitempty"`
	TargetOrigin string          `json:"targetOrigin,omitempty"`
	Data         json.RawMessage `json:"data"`
}

type busPeer struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// PageBus relays the page's message bus through content-script websockets.
// It satisfies bridge.Bus.
type PageBus struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu        sync.RWMutex
	peers     map[string]*busPeer
	listeners map[string]func(bridge.PageEvent)
}

// NewPageBus creates a bus that accepts content scripts running on one of
// pageOrigins or inside an extension.
func NewPageBus(pageOrigins []string) *PageBus {
	b := &PageBus{
		peers:     make(map[string]*busPeer),
		listeners: make(map[string]func(bridge.PageEvent)),
		logger:    slog.Default().With("component", "extension.bus"),
	}
	b.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			for _, o := range pageOrigins {
				if origin == o {
					return true
				}
			}
			for _, p := range bridge.DefaultExtensionPrefixes {
				if strings.HasPrefix(origin, p) {
					return true
				}
			}
			return false
		},
	}
	return b
}

// Post sends data to every attached content script, addressed to targetOrigin.
func (b *PageBus) Post(targetOrigin string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode bus message: %w", err)
	}

	b.mu.RLock()
	peers := make([]*busPeer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.RUnlock()

	if len(peers) == 0 {
		return fmt.Errorf("no page attached")
	}

	frame := busFrame{TargetOrigin: targetOrigin, Data: raw}
	var lastErr error
	sent := 0
	for _, p := range peers {
		p.writeMu.Lock()
		p.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := p.ws.WriteJSON(frame)
		p.writeMu.Unlock()
		if err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("post to page: %w", lastErr)
	}
	return nil
}

// Listen registers fn for every inbound event.
func (b *PageBus) Listen(fn func(bridge.PageEvent)) func() {
	id := uuid.NewString()
	b.mu.Lock()
	b.listeners[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Peers returns the number of attached content scripts.
func (b *PageBus) Peers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// HandleWS serves one content-script websocket.
func (b *PageBus) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("page upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	b.mu.Lock()
	b.peers[id] = &busPeer{ws: ws}
	b.mu.Unlock()
	b.logger.Debug("page attached", "peer", id, "origin", r.Header.Get("Origin"))

	defer func() {
		b.mu.Lock()
		delete(b.peers, id)
		b.mu.Unlock()
		ws.Close()
		b.logger.Debug("page detached", "peer", id)
	}()

	for {
		var f busFrame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		if len(f.Data) == 0 {
			continue
		}
		ev := bridge.PageEvent{Origin: f.Origin, Data: f.Data}

		b.mu.RLock()
		fns := make([]func(bridge.PageEvent), 0, len(b.listeners))
		for _, fn := range b.listeners {
			fns = append(fns, fn)
		}
		b.mu.RUnlock()
		for _, fn := range fns {
			fn(ev)
		}
	}
}
