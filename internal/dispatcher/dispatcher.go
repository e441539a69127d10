// Package dispatcher routes backend commands to bridge capabilities and
// answers each with exactly one correlated response.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/neboloop/marketrelay/internal/bridge"
	"github.com/neboloop/marketrelay/internal/connection"
	"github.com/neboloop/marketrelay/internal/db"
	"github.com/neboloop/marketrelay/internal/envelope"
)

// Error codes of failures the dispatcher itself produces.
const (
	CodeUnknownAction  = "UNKNOWN_ACTION"
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeFailed         = string(bridge.KindFailed)
)

// Capabilities is what the dispatcher needs from the bridge.
type Capabilities interface {
	GetSession(ctx context.Context) *bridge.Result
	FetchCollection(ctx context.Context, q bridge.CollectionQuery) *bridge.Result
	APICall(ctx context.Context, req bridge.APIRequest) *bridge.Result
	PublishListing(ctx context.Context, l bridge.Listing) *bridge.Result
	UpdateListing(ctx context.Context, l bridge.Listing) *bridge.Result
	DeleteListing(ctx context.Context, l bridge.Listing) *bridge.Result
	Batch(ctx context.Context, req bridge.BatchRequest) *bridge.Result
	Check(ctx context.Context) *bridge.Result
}

// Sender emits responses to the backend.
type Sender interface {
	Send(resp envelope.Response) error
}

// Recorder persists command outcomes.
type Recorder interface {
	RecordCommand(ctx context.Context, r db.CommandRecord) error
}

type handlerFunc func(ctx context.Context, payload json.RawMessage) (*bridge.Result, error)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder records every outcome.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher is the Command Dispatcher.
type Dispatcher struct {
	caps     Capabilities
	sender   Sender
	recorder Recorder
	logger   *slog.Logger
	handlers map[Action]handlerFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Dispatcher answering through sender.
func New(caps Capabilities, sender Sender, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		caps:   caps,
		sender: sender,
		logger: slog.Default().With("component", "dispatcher"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.handlers = map[Action]handlerFunc{
		ActionGetSession:     d.getSession,
		ActionFetchWardrobe:  d.fetchCollection("wardrobe"),
		ActionFetchUsers:     d.fetchCollection("users"),
		ActionAPICall:        d.apiCall,
		ActionPublishListing: d.listing(caps.PublishListing),
		ActionUpdateListing:  d.listing(caps.UpdateListing),
		ActionDeleteListing:  d.listing(caps.DeleteListing),
		ActionBatch:          d.batch,
		ActionCheckExtension: d.checkExtension,
	}
	return d
}

// Handle accepts one command. Routing happens in the caller's order; the
// capability call runs on its own goroutine.
func (d *Dispatcher) Handle(cmd envelope.Command) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Debug("command dropped: dispatcher closed", "request_id", cmd.RequestID)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.emit(d.Dispatch(d.ctx, cmd))
	}()
}

// Dispatch runs cmd and returns its response. It never panics.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd envelope.Command) (resp envelope.Response) {
	start := time.Now()
	action := ParseAction(cmd.Action)
	logger := d.logger.With("request_id", cmd.RequestID, "action", cmd.Action)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic", "panic", r, "stack", string(debug.Stack()))
			resp = envelope.Failure(cmd.RequestID, CodeFailed, panicMessage(r))
		}
		d.record(cmd, resp, time.Since(start))
		logger.Debug("command handled", "success", resp.Success, "error_code", resp.ErrorCode, "duration", time.Since(start))
	}()

	h, ok := d.handlers[action]
	if !ok {
		logger.Warn("unknown action")
		return envelope.Failure(cmd.RequestID, CodeUnknownAction, "unknown action: "+cmd.Action)
	}

	result, err := h(ctx, cmd.Payload)
	if err != nil {
		var pe *payloadError
		if errors.As(err, &pe) {
			return envelope.Failure(cmd.RequestID, CodeInvalidPayload, err.Error())
		}
		logger.Warn("handler failed", "error", err)
		return envelope.Failure(cmd.RequestID, CodeFailed, err.Error())
	}
	if result == nil {
		return envelope.Failure(cmd.RequestID, CodeFailed, "handler returned no result")
	}
	if result.Success {
		return envelope.Success(cmd.RequestID, result.Data)
	}
	return envelope.Failure(cmd.RequestID, string(result.ErrorCode), result.Error)
}

// Close stops accepting commands and waits for in-flight ones until ctx
// ends; then their capability calls are cancelled.
func (d *Dispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
	case <-ctx.Done():
		d.cancel()
		<-done
	}
}

func (d *Dispatcher) emit(resp envelope.Response) {
	err := d.sender.Send(resp)
	switch {
	case err == nil:
	case errors.Is(err, connection.ErrNotConnected):
		d.logger.Debug("response dropped: connection gone", "request_id", resp.RequestID)
	default:
		d.logger.Warn("send response failed", "request_id", resp.RequestID, "error", err)
	}
}

func (d *Dispatcher) record(cmd envelope.Command, resp envelope.Response, took time.Duration) {
	if d.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := d.recorder.RecordCommand(ctx, db.CommandRecord{
		RequestID: cmd.RequestID,
		Action:    cmd.Action,
		Success:   resp.Success,
		ErrorCode: resp.ErrorCode,
		Error:     resp.Error,
		Duration:  took,
	})
	if err != nil {
		d.logger.Warn("audit record failed", "request_id", cmd.RequestID, "error", err)
	}
}

func panicMessage(r any) string {
	switch v := r.(type) {
	case error:
		return v.Error()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
