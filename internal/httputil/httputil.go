// Package httputil holds the small response and request helpers shared by the
// local listener's handlers.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
)

// ErrorBody is the JSON body of every non-2xx answer.
type ErrorBody struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

// JSON encodes v with status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("write json response", "error", err)
	}
}

// OK encodes v with 200.
func OK(w http.ResponseWriter, v any) { JSON(w, http.StatusOK, v) }

// Error answers status with msg; an empty msg uses the status text.
func Error(w http.ResponseWriter, status int, msg string) {
	if msg == "" {
		msg = http.StatusText(status)
	}
	JSON(w, status, ErrorBody{Status: status, Error: msg})
}

// Limit reads a positive count query parameter. Missing or malformed
// values give def; values above max are clamped.
func Limit(r *http.Request, name string, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

// LoopbackOnly rejects requests that do not come from this machine.
func LoopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.RemoteAddr
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			Error(w, http.StatusForbidden, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
