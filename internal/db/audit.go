package db

import (
	"context"
	"fmt"
	"time"
)

// CommandRecord is the audit trail of one dispatched command.
type CommandRecord struct {
	ID        int64         `json:"id"`
	RequestID string        `json:"request_id"`
	Action    string        `json:"action"`
	Success   bool          `json:"success"`
	ErrorCode string        `json:"error_code,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// RecordCommand appends r to the audit log.
func (s *Store) RecordCommand(ctx context.Context, r CommandRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_audit (request_id, action, success, error_code, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.Action, r.Success, r.ErrorCode, r.Error, r.Duration.Milliseconds(), r.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record command %s: %w", r.RequestID, err)
	}
	return nil
}

// RecentCommands returns up to limit records, newest first.
func (s *Store) RecentCommands(ctx context.Context, limit int) ([]CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, action, success, error_code, error, duration_ms, created_at
		FROM command_audit
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	out := []CommandRecord{}
	for rows.Next() {
		var (
			r          CommandRecord
			durationMs int64
			createdAt  int64
		)
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Action, &r.Success, &r.ErrorCode, &r.Error, &durationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
