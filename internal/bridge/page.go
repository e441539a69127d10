package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Page bus message types.
const (
	pageReady          = "READY"
	pageAck            = "ACK"
	pagePing           = "PING"
	pageAction         = "ACTION"
	pageActionResponse = "ACTION_RESPONSE"
)

// DefaultExtensionPrefixes are the origins a browser extension can post from.
var DefaultExtensionPrefixes = []string{
	"chrome-extension://",
	"moz-extension://",
	"safari-web-extension://",
}

// PageEvent is one message observed on the page bus.
type PageEvent struct {
	Origin string
	Data   json.RawMessage
}

// Bus is an origin-scoped message bus shared with the extension's content
// script.
type Bus interface {
	// Post sends data to listeners at targetOrigin ("*" for any).
	Post(targetOrigin string, data any) error
	// Listen registers fn for every incoming event until stop is called.
	Listen(fn func(PageEvent)) (stop func())
}

type pageMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Action    string          `json:"action,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Success   bool            `json:"success,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
}

// PageOption configures a PageChannel.
type PageOption func(*PageChannel)

// WithAllowedPrefixes replaces DefaultExtensionPrefixes.
func WithAllowedPrefixes(prefixes ...string) PageOption {
	return func(c *PageChannel) { c.prefixes = prefixes }
}

// WithProbe sets how many PINGs are sent, and how far apart, before the
// extension is declared missing.
func WithProbe(attempts int, interval time.Duration) PageOption {
	return func(c *PageChannel) {
		c.probeAttempts = attempts
		c.probeInterval = interval
	}
}

// WithPageLogger sets a custom logger.
func WithPageLogger(l *slog.Logger) PageOption {
	return func(c *PageChannel) { c.logger = l }
}

// PageChannel talks to the extension over a Bus. Nothing is sent until the
// extension has announced itself with READY from an allowed origin; that
// origin is then pinned and every other origin is ignored.
type PageChannel struct {
	bus           Bus
	prefixes      []string
	probeAttempts int
	probeInterval time.Duration
	logger        *slog.Logger
	stop          func()

	mu     sync.RWMutex
	origin string
	ready  chan struct{} // closed once origin is pinned
	sink   func(Reply)
}

// NewPageChannel starts listening on bus.
func NewPageChannel(bus Bus, opts ...PageOption) *PageChannel {
	c := &PageChannel{
		bus:           bus,
		prefixes:      DefaultExtensionPrefixes,
		probeAttempts: 5,
		probeInterval: 500 * time.Millisecond,
		logger:        slog.Default().With("component", "bridge.page"),
		ready:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.probeAttempts < 1 {
		c.probeAttempts = 1
	}
	if c.probeInterval <= 0 {
		c.probeInterval = 500 * time.Millisecond
	}
	c.stop = bus.Listen(c.handle)
	return c
}

func (c *PageChannel) Name() string { return "page" }

// Origin returns the pinned extension origin, or "" before the handshake.
func (c *PageChannel) Origin() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.origin
}

func (c *PageChannel) Connected() bool { return c.Origin() != "" }

func (c *PageChannel) Attach(sink func(Reply)) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

// Close stops listening on the bus.
func (c *PageChannel) Close() {
	if c.stop != nil {
		c.stop()
	}
}

// Ready returns once the handshake has happened, probing with PING while it
// has not. After the last unanswered probe it returns ErrNotInstalled.
func (c *PageChannel) Ready(ctx context.Context) error {
	if c.Connected() {
		return nil
	}

	// Each attempt waits out probeInterval for READY itself, so the backoff
	// between attempts adds nothing.
	next := retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	b := retry.WithMaxRetries(uint64(c.probeAttempts-1), next)
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		select {
		case <-c.ready:
			return nil
		default:
		}
		if err := c.bus.Post("*", pageMessage{Type: pagePing}); err != nil {
			c.logger.Debug("probe post failed", "error", err)
		}
		select {
		case <-c.ready:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.probeInterval):
			c.logger.Debug("extension not detected yet", "attempt", attempt)
			return retry.RetryableError(ErrNotInstalled)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrNotInstalled
	}
	return nil
}

func (c *PageChannel) Send(_ context.Context, msg Message) error {
	origin := c.Origin()
	if origin == "" {
		return ErrNotInstalled
	}
	err := c.bus.Post(origin, pageMessage{
		Type:      pageAction,
		RequestID: msg.RequestID,
		Action:    msg.Action,
		Payload:   msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("post to %s: %w", origin, err)
	}
	return nil
}

func (c *PageChannel) allowed(origin string) bool {
	for _, p := range c.prefixes {
		if strings.HasPrefix(origin, p) && len(origin) > len(p) {
			return true
		}
	}
	return false
}

// handle processes one bus event. Events from origins other than the pinned
// one (or, before pinning, from non-extension origins) change nothing.
func (c *PageChannel) handle(ev PageEvent) {
	var m pageMessage
	if err := json.Unmarshal(ev.Data, &m); err != nil {
		return
	}

	switch m.Type {
	case pageReady:
		if !c.allowed(ev.Origin) {
			c.logger.Debug("ignoring announcement from foreign origin", "origin", ev.Origin)
			return
		}
		c.mu.Lock()
		switch c.origin {
		case "":
			c.origin = ev.Origin
			close(c.ready)
		case ev.Origin:
			// Extension reloaded; answer again.
		default:
			c.mu.Unlock()
			c.logger.Warn("ignoring announcement from second extension origin", "origin", ev.Origin, "pinned", c.Origin())
			return
		}
		c.mu.Unlock()

		c.logger.Info("extension detected", "origin", ev.Origin)
		if err := c.bus.Post(ev.Origin, pageMessage{Type: pageAck}); err != nil {
			c.logger.Warn("ack failed", "origin", ev.Origin, "error", err)
		}

	case pageActionResponse:
		c.mu.RLock()
		pinned, sink := c.origin, c.sink
		c.mu.RUnlock()
		if pinned == "" || ev.Origin != pinned {
			c.logger.Debug("ignoring response from unpinned origin", "origin", ev.Origin)
			return
		}
		if m.RequestID == "" || sink == nil {
			return
		}
		sink(Reply{
			RequestID: m.RequestID,
			Success:   m.Success,
			Data:      m.Data,
			Error:     m.Error,
			ErrorCode: m.ErrorCode,
		})
	}
}
