package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chimera-sh/factory/internal/shared"
)

const (
	kindAudit  = "audit"
	kindMemory = "memory"
)

// OutboxEntry is a staged follow-up effect awaiting the background sweep.
type OutboxEntry struct {
	ID         int64           `json:"id"`
	Kind       string          `json:"kind"`
	TaskID     string          `json:"task_id"`
	CampaignID string          `json:"campaign_id"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ListOutbox returns pending outbox entries in insertion order, up to limit.
func (s *Store) ListOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, task_id, campaign_id, payload, attempts, COALESCE(last_error, ''), created_at
		FROM saga_outbox
		ORDER BY id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var payload string
		if err := rows.Scan(&entry.ID, &entry.Kind, &entry.TaskID, &entry.CampaignID, &payload, &entry.Attempts, &entry.LastError, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entry.Payload = json.RawMessage(payload)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox rows: %w", err)
	}
	return out, nil
}

// ResolveOutboxEntry removes an outbox entry once its effect landed.
func (s *Store) ResolveOutboxEntry(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM saga_outbox WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("resolve outbox entry: %w", err)
	}
	return nil
}

// DeferOutboxEntry records a failed delivery attempt; the entry stays queued
// for the next sweep.
func (s *Store) DeferOutboxEntry(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = shared.Redact(cause.Error())
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE saga_outbox
		SET attempts = attempts + 1, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, msg, id); err != nil {
		return fmt.Errorf("defer outbox entry: %w", err)
	}
	return nil
}

// OutboxDepth reports the number of staged entries.
func (s *Store) OutboxDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM saga_outbox;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox depth: %w", err)
	}
	return n, nil
}
