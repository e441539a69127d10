package bridge

import (
	"context"
	"encoding/json"
)

// Extension action names.
const (
	ActionGetSession      = "GET_SESSION"
	ActionFetchCollection = "FETCH_COLLECTION"
	ActionAPICall         = "API_CALL"
	ActionPublishListing  = "PUBLISH_LISTING"
	ActionUpdateListing   = "UPDATE_LISTING"
	ActionDeleteListing   = "DELETE_LISTING"
	ActionBatch           = "BATCH"
)

// Message is a request addressed to the extension.
type Message struct {
	Action    string          `json:"action"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Reply is the extension's answer to one Message.
type Reply struct {
	RequestID string          `json:"requestId,omitempty"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
}

// Channel is one way of reaching the extension.
type Channel interface {
	// Name identifies the transport in logs and status ("direct", "page").
	Name() string

	// Connected reports, without blocking, whether requests can be sent now.
	Connected() bool

	// Ready blocks until the channel can carry requests. It returns
	// ErrNotInstalled when the extension cannot be reached.
	Ready(ctx context.Context) error

	// Send delivers msg. Replies are handed to the sink set with Attach,
	// carrying msg.RequestID.
	Send(ctx context.Context, msg Message) error

	// Attach sets the function that receives every reply.
	Attach(sink func(Reply))
}
