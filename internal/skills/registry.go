package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Skill executes one unit of campaign work. Implementations must be safe for
// concurrent use; the worker pool calls Execute from multiple goroutines.
type Skill interface {
	Name() string
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// Registry maps skill names to implementations and their contracts. Skills
// without a contract are rejected at registration so an uncontracted skill
// can never reach the queue.
type Registry struct {
	mu        sync.RWMutex
	skills    map[string]Skill
	contracts map[string]*Contract
}

func NewRegistry() *Registry {
	return &Registry{
		skills:    map[string]Skill{},
		contracts: map[string]*Contract{},
	}
}

// Register adds a skill with its compiled contract.
func (r *Registry) Register(skill Skill, contract *Contract) error {
	if skill == nil || skill.Name() == "" {
		return fmt.Errorf("register: skill with empty name")
	}
	if contract == nil {
		return fmt.Errorf("register %s: contract required", skill.Name())
	}
	if contract.Skill != skill.Name() {
		return fmt.Errorf("register %s: contract is for %s", skill.Name(), contract.Skill)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.skills[skill.Name()]; dup {
		return fmt.Errorf("register %s: already registered", skill.Name())
	}
	r.skills[skill.Name()] = skill
	r.contracts[skill.Name()] = contract
	return nil
}

// ReplaceContract swaps in a recompiled contract for a registered skill.
// Used by the watcher on contract file changes.
func (r *Registry) ReplaceContract(contract *Contract) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.skills[contract.Skill]; !ok {
		return fmt.Errorf("replace contract: skill %s not registered", contract.Skill)
	}
	r.contracts[contract.Skill] = contract
	return nil
}

// Lookup returns a skill and its contract.
func (r *Registry) Lookup(name string) (Skill, *Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	skill, ok := r.skills[name]
	if !ok {
		return nil, nil, false
	}
	return skill, r.contracts[name], true
}

// Names returns the registered skill names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
