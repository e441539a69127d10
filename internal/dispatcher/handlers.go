package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neboloop/marketrelay/internal/bridge"
)

type payloadError struct {
	err error
}

func (e *payloadError) Error() string { return "invalid payload: " + e.err.Error() }
func (e *payloadError) Unwrap() error { return e.err }

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return &payloadError{err: err}
	}
	return nil
}

func (d *Dispatcher) getSession(ctx context.Context, _ json.RawMessage) (*bridge.Result, error) {
	return d.caps.GetSession(ctx), nil
}

func (d *Dispatcher) checkExtension(ctx context.Context, _ json.RawMessage) (*bridge.Result, error) {
	return d.caps.Check(ctx), nil
}

type collectionPayload struct {
	UserID      string `json:"userId"`
	Page        int    `json:"page"`
	PerPage     int    `json:"perPage"`
	Marketplace string `json:"marketplace"`
}

func (d *Dispatcher) fetchCollection(collection string) handlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (*bridge.Result, error) {
		var p collectionPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if p.Page < 0 || p.PerPage < 0 {
			return nil, &payloadError{err: fmt.Errorf("page and perPage must not be negative")}
		}
		return d.caps.FetchCollection(ctx, bridge.CollectionQuery{
			Collection:  collection,
			UserID:      p.UserID,
			Page:        p.Page,
			PerPage:     p.PerPage,
			Marketplace: p.Marketplace,
		}), nil
	}
}

func (d *Dispatcher) apiCall(ctx context.Context, payload json.RawMessage) (*bridge.Result, error) {
	var req bridge.APIRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return d.caps.APICall(ctx, req), nil
}

func (d *Dispatcher) listing(call func(context.Context, bridge.Listing) *bridge.Result) handlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (*bridge.Result, error) {
		var l bridge.Listing
		if err := decode(payload, &l); err != nil {
			return nil, err
		}
		return call(ctx, l), nil
	}
}

// batchActions maps the actions allowed inside a batch to the names the
// extension runs them under. batch and checkExtension are not batchable.
var batchActions = map[Action]string{
	ActionGetSession:     bridge.ActionGetSession,
	ActionFetchWardrobe:  bridge.ActionFetchCollection,
	ActionFetchUsers:     bridge.ActionFetchCollection,
	ActionAPICall:        bridge.ActionAPICall,
	ActionPublishListing: bridge.ActionPublishListing,
	ActionUpdateListing:  bridge.ActionUpdateListing,
	ActionDeleteListing:  bridge.ActionDeleteListing,
}

func batchOperation(op bridge.BatchOperation) (bridge.BatchOperation, error) {
	a := ParseAction(op.Action)
	name, ok := batchActions[a]
	if !ok {
		if a == ActionUnknown {
			return op, fmt.Errorf("unknown action %q", op.Action)
		}
		return op, fmt.Errorf("action %q cannot run inside a batch", op.Action)
	}
	out := bridge.BatchOperation{Action: name, Payload: op.Payload}

	var collection string
	switch a {
	case ActionFetchWardrobe:
		collection = "wardrobe"
	case ActionFetchUsers:
		collection = "users"
	default:
		return out, nil
	}
	var p collectionPayload
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return op, err
		}
	}
	data, err := json.Marshal(bridge.CollectionQuery{
		Collection:  collection,
		UserID:      p.UserID,
		Page:        p.Page,
		PerPage:     p.PerPage,
		Marketplace: p.Marketplace,
	})
	if err != nil {
		return op, err
	}
	out.Payload = data
	return out, nil
}

func (d *Dispatcher) batch(ctx context.Context, payload json.RawMessage) (*bridge.Result, error) {
	var req bridge.BatchRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	ops := make([]bridge.BatchOperation, len(req.Operations))
	for i, op := range req.Operations {
		out, err := batchOperation(op)
		if err != nil {
			return nil, &payloadError{err: fmt.Errorf("operation %d: %w", i, err)}
		}
		ops[i] = out
	}
	req.Operations = ops
	return d.caps.Batch(ctx, req), nil
}
