package bridge

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type pendingRequest struct {
	action string
	result chan *Result
	timer  *time.Timer
}

// pendingTable correlates extension replies with waiting calls. Every entry
// is removed exactly once: by its reply, its timer or a cancellation.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
	logger  *slog.Logger
}

func newPendingTable(logger *slog.Logger) *pendingTable {
	return &pendingTable{
		entries: make(map[string]*pendingRequest),
		logger:  logger,
	}
}

// add registers id and arms its timeout. The returned channel receives the
// settling Result exactly once.
func (t *pendingTable) add(id, action string, timeout time.Duration) (<-chan *Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		return nil, fmt.Errorf("request %s already pending", id)
	}
	req := &pendingRequest{
		action: action,
		result: make(chan *Result, 1),
	}
	req.timer = time.AfterFunc(timeout, func() {
		if t.settle(id, timedOut(timeout)) {
			t.logger.Warn("extension request timed out", "request_id", id, "action", action, "timeout", timeout)
		}
	})
	t.entries[id] = req
	return req.result, nil
}

// settle removes id and delivers r. It reports false when id was not pending.
func (t *pendingTable) settle(id string, r *Result) bool {
	t.mu.Lock()
	req, exists := t.entries[id]
	if exists {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !exists {
		return false
	}
	req.timer.Stop()
	req.result <- r
	return true
}

// cancel removes id without delivering anything.
func (t *pendingTable) cancel(id string) {
	t.mu.Lock()
	req, exists := t.entries[id]
	delete(t.entries, id)
	t.mu.Unlock()
	if exists {
		req.timer.Stop()
	}
}

// resolve settles the entry a reply belongs to. Late and duplicate replies
// are dropped with a warning.
func (t *pendingTable) resolve(reply Reply) {
	if !t.settle(reply.RequestID, fromReply(reply)) {
		t.logger.Warn("dropping reply for unknown request", "request_id", reply.RequestID, "success", reply.Success)
	}
}

// cancelAll settles every entry with r.
func (t *pendingTable) cancelAll(r *Result) int {
	t.mu.Lock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	n := 0
	for _, id := range ids {
		if t.settle(id, r) {
			n++
		}
	}
	return n
}

func (t *pendingTable) has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, exists := t.entries[id]
	return exists
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
