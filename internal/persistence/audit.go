package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AuditRecord is one immutable row in the per-campaign ledger. Sequence
// numbers are assigned by the store and only ever grow.
type AuditRecord struct {
	Sequence       int64     `json:"sequence"`
	TaskID         string    `json:"task_id"`
	CampaignID     string    `json:"campaign_id"`
	ContentHash    string    `json:"content_hash"`
	PayloadSummary string    `json:"payload_summary"`
	CreatedAt      time.Time `json:"created_at"`
}

// AppendAuditRecord writes the ledger row for a committed task result. The
// UNIQUE(task_id) constraint makes the append idempotent: re-applying the
// same task is a no-op and the original sequence is preserved.
func (s *Store) AppendAuditRecord(ctx context.Context, taskID, campaignID, contentHash, summary string) (appended bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_records (task_id, campaign_id, content_hash, payload_summary, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(task_id) DO NOTHING;
		`, taskID, campaignID, contentHash, summary)
		if err != nil {
			return fmt.Errorf("append audit record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("audit rows affected: %w", err)
		}
		appended = n == 1
		return nil
	})
	return appended, err
}

// GetAuditRecord returns the ledger row for a task, or nil when absent.
func (s *Store) GetAuditRecord(ctx context.Context, taskID string) (*AuditRecord, error) {
	var r AuditRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT sequence, task_id, campaign_id, content_hash, payload_summary, created_at
		FROM audit_records
		WHERE task_id = ?;
	`, taskID).Scan(&r.Sequence, &r.TaskID, &r.CampaignID, &r.ContentHash, &r.PayloadSummary, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get audit record: %w", err)
	}
	return &r, nil
}

// ListAuditRecords returns a campaign's ledger in sequence order.
func (s *Store) ListAuditRecords(ctx context.Context, campaignID string) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, task_id, campaign_id, content_hash, payload_summary, created_at
		FROM audit_records
		WHERE campaign_id = ?
		ORDER BY sequence ASC;
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.Sequence, &r.TaskID, &r.CampaignID, &r.ContentHash, &r.PayloadSummary, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}
	return out, nil
}
