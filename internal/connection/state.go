package connection

import (
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of the backend channel.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Reason says why a channel went away.
type Reason string

const (
	ReasonServerDisconnect Reason = "io server disconnect"
	ReasonClientDisconnect Reason = "io client disconnect"
	ReasonTransportClose   Reason = "transport close"
	ReasonTransportError   Reason = "transport error"
	ReasonPingTimeout      Reason = "ping timeout"
	ReasonAuthRejected     Reason = "auth rejected"
)

// Terminal reports whether the relay must stay disconnected after a
// disconnect for this reason. The backend rejecting or closing the channel
// is final; network trouble is retried.
func (r Reason) Terminal() bool {
	switch r {
	case ReasonServerDisconnect, ReasonClientDisconnect, ReasonAuthRejected:
		return true
	default:
		return false
	}
}

// StateChange is published on events.TopicConnectionState.
type StateChange struct {
	State  State
	Reason Reason
}

// ConnError is published on events.TopicConnectionError. Terminal is true
// when no further automatic attempt will follow.
type ConnError struct {
	Message  string
	Terminal bool
}

var (
	ErrNotConnected = errors.New("not connected")
	ErrAuthRejected = errors.New("auth rejected")
	ErrHandshake    = errors.New("handshake failed")
)

// classify maps a read error on a live channel to a disconnect reason.
func classify(err error) Reason {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.ClosePolicyViolation:
			return ReasonServerDisconnect
		default:
			return ReasonTransportClose
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonPingTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ReasonTransportClose
	}
	return ReasonTransportError
}
