// Package health aggregates readiness probes for the subsystems the
// settlement engine depends on, such as the database and the event outbox.
package health

import (
	"context"
	"sort"
	"sync"
)

// Status is the outcome of probing one subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a single subsystem.
type Checker func(ctx context.Context) Status

// Registry collects named checkers and evaluates them together for the
// readiness endpoint.
type Registry struct {
	mu     sync.RWMutex
	checks map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

// Register adds the checker for name, replacing any previous one.
func (r *Registry) Register(name string, c Checker) {
	r.mu.Lock()
	r.checks[name] = c
	r.mu.Unlock()
}

// CheckAll probes every registered subsystem in name order and reports
// whether all of them came back healthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	snapshot := make(map[string]Checker, len(r.checks))
	for name, c := range r.checks {
		snapshot[name] = c
	}
	r.mu.RUnlock()

	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	all := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		st := snapshot[name](ctx)
		if !st.Healthy {
			all = false
		}
		statuses = append(statuses, st)
	}
	return all, statuses
}
