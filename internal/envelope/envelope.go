// Package envelope defines the frames exchanged with the marketplace backend
// over the relay channel.
package envelope

import "encoding/json"

// Frame types on the backend channel.
const (
	TypeAuth       = "auth"       // relay → backend, first frame after dial
	TypeAuthOK     = "auth_ok"    // backend → relay
	TypeAuthError  = "auth_error" // backend → relay, credentials rejected
	TypeCommand    = "command"    // backend → relay
	TypeResponse   = "response"   // relay → backend
	TypeDisconnect = "disconnect" // backend → relay, forced close
)

// Frame is one JSON text message on the backend channel. Which fields are
// populated depends on Type.
type Frame struct {
	Type string `json:"type"`

	// auth
	UserID string `json:"user_id,omitempty"`
	Token  string `json:"token,omitempty"`

	// auth_ok
	SID string `json:"sid,omitempty"`

	// auth_error, disconnect
	Message string `json:"message,omitempty"`

	// command, response
	Data json.RawMessage `json:"data,omitempty"`
}

// Command is a unit of work requested by the backend.
type Command struct {
	RequestID string          `json:"request_id"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response is the result correlated to one Command by RequestID.
type Response struct {
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
}

// Success builds a successful response.
func Success(requestID string, data json.RawMessage) Response {
	return Response{RequestID: requestID, Success: true, Data: data}
}

// Failure builds a failed response.
func Failure(requestID, code, message string) Response {
	return Response{RequestID: requestID, Success: false, Error: message, ErrorCode: code}
}

// NewAuth builds the handshake frame.
func NewAuth(userID, token string) Frame {
	return Frame{Type: TypeAuth, UserID: userID, Token: token}
}

// NewResponse wraps r in a response frame.
func NewResponse(r Response) (Frame, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: TypeResponse, Data: data}, nil
}

// DecodeCommand extracts the command carried by a command frame.
func (f Frame) DecodeCommand() (Command, error) {
	var c Command
	err := json.Unmarshal(f.Data, &c)
	return c, err
}
