package adapters

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Info describes a registered adapter for discovery responses.
type Info struct {
	ResourceID  string          `json:"resourceId"`
	Actions     []string        `json:"actions"`
	Auth        AuthInfo        `json:"auth"`
	Constraints ConstraintsInfo `json:"constraints"`
}

// AuthInfo advertises the proof scheme a resource accepts.
type AuthInfo struct {
	Pop PopInfo `json:"pop"`
}

// PopInfo carries the proof-of-possession protocol version.
type PopInfo struct {
	Version int `json:"version"`
}

// ConstraintsInfo lists the constraint keys enforced for a resource.
type ConstraintsInfo struct {
	Supports []string `json:"supports"`
}

// ConstraintLister is implemented by adapters whose payloads are subject
// to permission constraints.
type ConstraintLister interface {
	SupportedConstraints() []string
}

// Registry is the typed resourceID -> adapter map. Adapters register at
// process start and the map is effectively immutable afterwards; the
// lock exists for the registration phase only.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its "<type>:<provider>" id.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ID(a)
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("adapter %q already registered", id)
	}
	r.adapters[id] = a
	slog.Info("registered resource adapter", "resource", id, "actions", a.SupportedActions())
	return nil
}

// Get resolves an adapter by resource id.
func (r *Registry) Get(resourceID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[resourceID]
	return a, ok
}

// Supports reports whether the adapter for resourceID handles action.
func (r *Registry) Supports(resourceID, action string) bool {
	a, ok := r.Get(resourceID)
	if !ok {
		return false
	}
	for _, supported := range a.SupportedActions() {
		if supported == action {
			return true
		}
	}
	return false
}

// List returns discovery metadata for every adapter, sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.adapters))
	for id, a := range r.adapters {
		supports := []string{}
		if cl, ok := a.(ConstraintLister); ok {
			supports = cl.SupportedConstraints()
		}
		infos = append(infos, Info{
			ResourceID:  id,
			Actions:     a.SupportedActions(),
			Auth:        AuthInfo{Pop: PopInfo{Version: 1}},
			Constraints: ConstraintsInfo{Supports: supports},
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ResourceID < infos[j].ResourceID })
	return infos
}

// Count returns the number of registered adapters.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
