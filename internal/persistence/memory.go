package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MemoryRecord is one stored embedding row in the semantic memory table.
type MemoryRecord struct {
	Key       string          `json:"key"`
	Embedding []float32       `json:"embedding"`
	Metadata  json.RawMessage `json:"metadata"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// UpsertMemoryRecord writes or replaces a memory row. Last write wins on key
// conflict, which is what makes the saga's memory follow-up safe to replay.
func (s *Store) UpsertMemoryRecord(ctx context.Context, key string, embedding []float32, metadata json.RawMessage) error {
	if key == "" {
		return fmt.Errorf("upsert memory: key required")
	}
	embJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_records (key, embedding, metadata, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET
				embedding = excluded.embedding,
				metadata = excluded.metadata,
				updated_at = CURRENT_TIMESTAMP;
		`, key, string(embJSON), string(metadata))
		if err != nil {
			return fmt.Errorf("upsert memory record: %w", err)
		}
		return nil
	})
}

// GetMemoryRecord returns a memory row by key, or nil when absent.
func (s *Store) GetMemoryRecord(ctx context.Context, key string) (*MemoryRecord, error) {
	var r MemoryRecord
	var embJSON, metaJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT key, embedding, metadata, updated_at
		FROM memory_records
		WHERE key = ?;
	`, key).Scan(&r.Key, &embJSON, &metaJSON, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get memory record: %w", err)
	}
	if err := json.Unmarshal([]byte(embJSON), &r.Embedding); err != nil {
		return nil, fmt.Errorf("decode embedding for %s: %w", r.Key, err)
	}
	r.Metadata = json.RawMessage(metaJSON)
	return &r, nil
}

// ListMemoryRecords returns every memory row. Similarity ranking happens in
// the gateway; the store just hands over the vectors.
func (s *Store) ListMemoryRecords(ctx context.Context) ([]MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, embedding, metadata, updated_at
		FROM memory_records
		ORDER BY key ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list memory records: %w", err)
	}
	defer rows.Close()

	var out []MemoryRecord
	for rows.Next() {
		var r MemoryRecord
		var embJSON, metaJSON string
		if err := rows.Scan(&r.Key, &embJSON, &metaJSON, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		if err := json.Unmarshal([]byte(embJSON), &r.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding for %s: %w", r.Key, err)
		}
		r.Metadata = json.RawMessage(metaJSON)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory rows: %w", err)
	}
	return out, nil
}

// DeleteMemoryRecord removes a memory row if present.
func (s *Store) DeleteMemoryRecord(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_records WHERE key = ?;`, key); err != nil {
		return fmt.Errorf("delete memory record: %w", err)
	}
	return nil
}

