// Package bridge turns capability calls into requests to the user's browser
// extension and correlates the replies.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Config controls channel selection and timeouts.
type Config struct {
	ExtensionID      string
	AllowedOrigins   []string
	RequestTimeout   time.Duration
	BatchItemTimeout time.Duration
	ProbeAttempts    int
	ProbeInterval    time.Duration
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithIDGenerator replaces the uuid request id generator.
func WithIDGenerator(fn func() string) Option {
	return func(b *Bridge) { b.newID = fn }
}

// Bridge is the Capability Bridge. It owns the pending-request table and is
// shared by every caller in the process.
type Bridge struct {
	channel          Channel
	requestTimeout   time.Duration
	batchItemTimeout time.Duration
	newID            func() string
	logger           *slog.Logger
	pending          *pendingTable
}

// New selects the channel once: the direct link when m is usable in this
// environment, else the page bus, else none (every call then fails with
// EXTENSION_NOT_INSTALLED).
func New(cfg Config, m Messenger, bus Bus, opts ...Option) *Bridge {
	var ch Channel
	switch {
	case m != nil && m.Available():
		ch = NewDirectChannel(m, cfg.ExtensionID)
	case bus != nil:
		pageOpts := []PageOption{WithProbe(cfg.ProbeAttempts, cfg.ProbeInterval)}
		if len(cfg.AllowedOrigins) > 0 {
			pageOpts = append(pageOpts, WithAllowedPrefixes(cfg.AllowedOrigins...))
		}
		ch = NewPageChannel(bus, pageOpts...)
	}
	return NewWithChannel(ch, cfg, opts...)
}

// NewWithChannel builds a Bridge over ch, which may be nil.
func NewWithChannel(ch Channel, cfg Config, opts ...Option) *Bridge {
	b := &Bridge{
		channel:          ch,
		requestTimeout:   cfg.RequestTimeout,
		batchItemTimeout: cfg.BatchItemTimeout,
		newID:            uuid.NewString,
		logger:           slog.Default().With("component", "bridge"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.requestTimeout <= 0 {
		b.requestTimeout = 30 * time.Second
	}
	if b.batchItemTimeout <= 0 {
		b.batchItemTimeout = 5 * time.Second
	}
	b.pending = newPendingTable(b.logger)
	if ch != nil {
		ch.Attach(b.pending.resolve)
		b.logger.Info("extension channel selected", "channel", ch.Name())
	} else {
		b.logger.Warn("no extension channel available")
	}
	return b
}

// Close fails every pending call and releases the channel.
func (b *Bridge) Close() {
	if n := b.pending.cancelAll(failure(KindFailed, "bridge closed")); n > 0 {
		b.logger.Debug("cancelled pending requests", "count", n)
	}
	if c, ok := b.channel.(interface{ Close() }); ok {
		c.Close()
	}
}

// Status is a point-in-time view of the bridge.
type Status struct {
	Channel   string `json:"channel"`
	Connected bool   `json:"connected"`
	Origin    string `json:"origin,omitempty"`
	Pending   int    `json:"pending"`
}

// Status reports the selected channel and its state without probing.
func (b *Bridge) Status() Status {
	s := Status{Channel: "none", Pending: b.pending.len()}
	if b.channel == nil {
		return s
	}
	s.Channel = b.channel.Name()
	s.Connected = b.channel.Connected()
	if p, ok := b.channel.(interface{ Origin() string }); ok {
		s.Origin = p.Origin()
	}
	return s
}

// Pending returns the number of calls awaiting a reply.
func (b *Bridge) Pending() int { return b.pending.len() }

// Check reports whether the extension can be reached, probing if needed.
func (b *Bridge) Check(ctx context.Context) *Result {
	if b.channel == nil {
		return notInstalled()
	}
	if err := b.channel.Ready(ctx); err != nil {
		return b.readyFailure(err)
	}
	data, _ := json.Marshal(b.Status())
	return ok(data)
}

func (b *Bridge) readyFailure(err error) *Result {
	if errors.Is(err, ErrNotInstalled) {
		return notInstalled()
	}
	return failure(KindFailed, err.Error())
}

// call sends one request and waits for its reply, its timeout or ctx.
func (b *Bridge) call(ctx context.Context, action string, payload any, timeout time.Duration) *Result {
	if b.channel == nil {
		return notInstalled()
	}
	if err := b.channel.Ready(ctx); err != nil {
		return b.readyFailure(err)
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return failure(KindFailed, fmt.Sprintf("encode %s payload: %v", action, err))
		}
		raw = data
	}

	id := b.newID()
	result, err := b.pending.add(id, action, timeout)
	if err != nil {
		return failure(KindFailed, err.Error())
	}

	// Channels release per-call state when ctx ends.
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := b.channel.Send(sendCtx, Message{Action: action, RequestID: id, Payload: raw}); err != nil {
		b.pending.cancel(id)
		b.logger.Warn("extension send failed", "action", action, "request_id", id, "error", err)
		if errors.Is(err, ErrNotInstalled) {
			return notInstalled()
		}
		return failure(KindFailed, err.Error())
	}
	b.logger.Debug("extension request sent", "action", action, "request_id", id, "channel", b.channel.Name())

	select {
	case r := <-result:
		return r
	case <-ctx.Done():
		b.pending.cancel(id)
		return failure(KindFailed, ctx.Err().Error())
	}
}

// GetSession fetches the marketplace identity of the extension's session.
func (b *Bridge) GetSession(ctx context.Context) *Result {
	return b.call(ctx, ActionGetSession, nil, b.requestTimeout)
}

// CollectionQuery selects one page of a marketplace collection.
type CollectionQuery struct {
	Collection  string `json:"collection"` // "wardrobe", "users"
	UserID      string `json:"userId,omitempty"`
	Page        int    `json:"page,omitempty"`
	PerPage     int    `json:"perPage,omitempty"`
	Marketplace string `json:"marketplace,omitempty"`
}

// FetchCollection fetches one page of a paginated marketplace collection.
func (b *Bridge) FetchCollection(ctx context.Context, q CollectionQuery) *Result {
	if q.Collection == "" {
		return failure(KindFailed, "collection is required")
	}
	return b.call(ctx, ActionFetchCollection, q, b.requestTimeout)
}

// APIRequest is an arbitrary call against the marketplace API, run from the
// extension's session.
type APIRequest struct {
	Method      string            `json:"method"`
	Endpoint    string            `json:"endpoint"`
	Body        json.RawMessage   `json:"body,omitempty"`
	Query       map[string]string `json:"query,omitempty"`
	Marketplace string            `json:"marketplace,omitempty"`
}

// APICall executes req through the extension.
func (b *Bridge) APICall(ctx context.Context, req APIRequest) *Result {
	if req.Endpoint == "" {
		return failure(KindFailed, "endpoint is required")
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	return b.call(ctx, ActionAPICall, req, b.requestTimeout)
}

// Listing identifies a listing and carries its marketplace fields.
type Listing struct {
	ListingID   string          `json:"listingId,omitempty"`
	Marketplace string          `json:"marketplace,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// PublishListing creates a listing on the marketplace.
func (b *Bridge) PublishListing(ctx context.Context, l Listing) *Result {
	return b.call(ctx, ActionPublishListing, l, b.requestTimeout)
}

// UpdateListing edits an existing listing.
func (b *Bridge) UpdateListing(ctx context.Context, l Listing) *Result {
	if l.ListingID == "" {
		return failure(KindFailed, "listingId is required")
	}
	return b.call(ctx, ActionUpdateListing, l, b.requestTimeout)
}

// DeleteListing removes a listing.
func (b *Bridge) DeleteListing(ctx context.Context, l Listing) *Result {
	if l.ListingID == "" {
		return failure(KindFailed, "listingId is required")
	}
	return b.call(ctx, ActionDeleteListing, Listing{ListingID: l.ListingID, Marketplace: l.Marketplace}, b.requestTimeout)
}

// BatchOperation is one step of a batch.
type BatchOperation struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BatchRequest runs Operations in order inside the extension, DelayMs apart.
type BatchRequest struct {
	Operations []BatchOperation `json:"operations"`
	DelayMs    int              `json:"delayMs,omitempty"`
}

// BatchTimeout is the wait window for a batch of n operations.
func (b *Bridge) BatchTimeout(n int, delay time.Duration) time.Duration {
	return b.requestTimeout + time.Duration(n)*(b.batchItemTimeout+delay)
}

// Batch sends every operation under one request id. The wait window grows
// with the number of operations and the pacing delay between them.
func (b *Bridge) Batch(ctx context.Context, req BatchRequest) *Result {
	if len(req.Operations) == 0 {
		return failure(KindFailed, "batch has no operations")
	}
	if req.DelayMs < 0 {
		req.DelayMs = 0
	}
	timeout := b.BatchTimeout(len(req.Operations), time.Duration(req.DelayMs)*time.Millisecond)
	return b.call(ctx, ActionBatch, req, timeout)
}
