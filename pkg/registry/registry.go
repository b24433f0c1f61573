// Package registry holds the orchestrator's in-memory directory of live
// agents. The directory is process-local and never persisted: agents
// re-register after an orchestrator restart.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/nwbflow/nwbflow/pkg/models"
)

// ErrNotRegistered is returned when no agent exists under the given name.
var ErrNotRegistered = errors.New("agent not registered")

// Registry maps agent names to their records.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]models.AgentRecord
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{agents: make(map[string]models.AgentRecord)}
}

// Register upserts the record. Last writer wins: a duplicate name with a
// new endpoint replaces the prior entry (agents are assumed cooperative).
func (r *Registry) Register(rec models.AgentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.Status == "" {
		rec.Status = models.AgentStatusHealthy
	}
	r.agents[rec.Name] = rec
}

// Get returns the record for name, or ErrNotRegistered.
func (r *Registry) Get(name string) (models.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[name]
	if !ok {
		return models.AgentRecord{}, ErrNotRegistered
	}
	return rec, nil
}

// GetByType returns the first registered agent of the given type.
func (r *Registry) GetByType(t models.AgentType) (models.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.agents {
		if rec.Type == t {
			return rec, nil
		}
	}
	return models.AgentRecord{}, ErrNotRegistered
}

// List returns a snapshot of all records, sorted by name for stable output.
func (r *Registry) List() []models.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Unregister removes the record. Idempotent.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
}
