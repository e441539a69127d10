package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failed capability call. Callers act differently on each:
// install the extension, open a marketplace tab, retry later, or read the
// marketplace error.
type Kind string

const (
	KindNotInstalled Kind = "EXTENSION_NOT_INSTALLED"
	KindNoActiveTab  Kind = "NO_ACTIVE_TAB"
	KindTimeout      Kind = "TIMEOUT"
	KindFailed       Kind = "FAILED"
)

var (
	ErrNotInstalled = errors.New("extension not installed")
	ErrNoActiveTab  = errors.New("no active marketplace tab")
	ErrTimeout      = errors.New("extension request timed out")
	ErrFailed       = errors.New("extension request failed")
)

// noTabCodes are the extension error codes that mean "reachable, but no
// usable marketplace session".
var noTabCodes = map[string]bool{
	"NO_ACTIVE_TAB":      true,
	"NO_TAB":             true,
	"NO_MARKETPLACE_TAB": true,
}

// Result is the uniform outcome of every capability call.
type Result struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode Kind            `json:"errorCode,omitempty"`
}

// Err returns nil for a successful result, otherwise an error wrapping the
// sentinel for the result's kind.
func (r *Result) Err() error {
	if r == nil {
		return ErrFailed
	}
	if r.Success {
		return nil
	}
	var base error
	switch r.ErrorCode {
	case KindNotInstalled:
		base = ErrNotInstalled
	case KindNoActiveTab:
		base = ErrNoActiveTab
	case KindTimeout:
		base = ErrTimeout
	default:
		base = ErrFailed
	}
	if r.Error == "" || r.Error == base.Error() {
		return base
	}
	return fmt.Errorf("%w: %s", base, r.Error)
}

func ok(data json.RawMessage) *Result {
	return &Result{Success: true, Data: data}
}

func failure(kind Kind, msg string) *Result {
	return &Result{Success: false, Error: msg, ErrorCode: kind}
}

func notInstalled() *Result {
	return failure(KindNotInstalled, ErrNotInstalled.Error())
}

func timedOut(after time.Duration) *Result {
	return failure(KindTimeout, fmt.Sprintf("extension did not respond within %s", after))
}

// fromReply converts an extension reply into a Result.
func fromReply(r Reply) *Result {
	if r.Success {
		return ok(r.Data)
	}
	msg := r.Error
	if noTabCodes[r.ErrorCode] {
		if msg == "" {
			msg = ErrNoActiveTab.Error()
		}
		return failure(KindNoActiveTab, msg)
	}
	if msg == "" {
		msg = "extension reported failure"
		if r.ErrorCode != "" {
			msg += " (" + r.ErrorCode + ")"
		}
	}
	return failure(KindFailed, msg)
}
