package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent is a registered worker identity with declared skill capabilities.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	WalletRef    string    `json:"wallet_ref,omitempty"`
	Capabilities []string  `json:"capabilities"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RegisterAgent inserts an active agent and returns its id.
func (s *Store) RegisterAgent(ctx context.Context, name, walletRef string, capabilities []string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("register agent: name required")
	}
	if capabilities == nil {
		capabilities = []string{}
	}
	capJSON, err := json.Marshal(capabilities)
	if err != nil {
		return "", fmt.Errorf("marshal capabilities: %w", err)
	}
	id := uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, name, wallet_ref, capabilities, status, created_at, updated_at)
			VALUES (?, ?, NULLIF(?, ''), ?, 'active', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, name, walletRef, string(capJSON))
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// RetireAgent marks an agent retired so schedulers stop assigning to it.
func (s *Store) RetireAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = 'retired', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'active';
	`, agentID)
	if err != nil {
		return fmt.Errorf("retire agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("retire agent rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("agent %s not found or already retired", agentID)
	}
	return nil
}

// GetAgent returns an agent by id.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	var walletRef sql.NullString
	var capJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, wallet_ref, capabilities, status, created_at, updated_at
		FROM agents
		WHERE id = ?;
	`, agentID).Scan(&a.ID, &a.Name, &walletRef, &capJSON, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %s not found", agentID)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if walletRef.Valid {
		a.WalletRef = walletRef.String
	}
	if err := json.Unmarshal([]byte(capJSON), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode agent capabilities: %w", err)
	}
	return &a, nil
}

// ListAgents returns agents, active first, then by name.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, wallet_ref, capabilities, status, created_at, updated_at
		FROM agents
		ORDER BY status ASC, name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		var walletRef sql.NullString
		var capJSON string
		if err := rows.Scan(&a.ID, &a.Name, &walletRef, &capJSON, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if walletRef.Valid {
			a.WalletRef = walletRef.String
		}
		if err := json.Unmarshal([]byte(capJSON), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("decode agent capabilities: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}
