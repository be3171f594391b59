// Package agent exposes the agent registry: virtual identities with declared
// skill capabilities that campaigns are assigned to.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/chimera-sh/factory/internal/persistence"
)

// Registry answers capability questions over the persisted agent set.
type Registry struct {
	store  *persistence.Store
	logger *slog.Logger
}

func NewRegistry(store *persistence.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger}
}

// Register adds an active agent and returns its id. The wildcard capability
// "*" marks a generalist.
func (r *Registry) Register(ctx context.Context, name, walletRef string, capabilities []string) (string, error) {
	id, err := r.store.RegisterAgent(ctx, name, walletRef, capabilities)
	if err != nil {
		return "", err
	}
	r.logger.Info("agent registered", "agent_id", id, "name", name, "capabilities", capabilities)
	return id, nil
}

// Retire deactivates an agent.
func (r *Registry) Retire(ctx context.Context, agentID string) error {
	if err := r.store.RetireAgent(ctx, agentID); err != nil {
		return err
	}
	r.logger.Info("agent retired", "agent_id", agentID)
	return nil
}

// Get returns one agent.
func (r *Registry) Get(ctx context.Context, agentID string) (*persistence.Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

// List returns all agents.
func (r *Registry) List(ctx context.Context) ([]persistence.Agent, error) {
	return r.store.ListAgents(ctx)
}

// CanExecute reports whether any of the given active agents declares the
// skill (or the wildcard) among its capabilities.
func (r *Registry) CanExecute(ctx context.Context, agentIDs []string, skill string) (bool, error) {
	for _, id := range agentIDs {
		agent, err := r.store.GetAgent(ctx, id)
		if err != nil {
			return false, fmt.Errorf("resolve agent %s: %w", id, err)
		}
		if agent.Status != "active" {
			continue
		}
		if slices.Contains(agent.Capabilities, skill) || slices.Contains(agent.Capabilities, "*") {
			return true, nil
		}
	}
	return false, nil
}
