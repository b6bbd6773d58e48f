package module

import (
	"sort"
	"sync"
)

// Registry holds the full set of modules, sorted stably by priority
// order at construction, and exposes an enabled-subset filter
// re-evaluated on every call. A module is part of the registry for
// its whole lifetime; only its enablement is re-checked per call, so
// configuration changes at runtime take effect without rebuilding the
// registry.
type Registry struct {
	mu      sync.RWMutex
	modules []Module
}

// NewRegistry builds a Registry from the full module set, sorting
// stably by Order() ascending so that equal-priority modules keep
// their input order.
func NewRegistry(modules []Module) *Registry {
	sorted := make([]Module, len(modules))
	copy(sorted, modules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order() < sorted[j].Order()
	})
	return &Registry{modules: sorted}
}

// All returns every registered module in priority order, regardless
// of enablement.
func (r *Registry) All() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Module, len(r.modules))
	copy(out, r.modules)
	return out
}

// Enabled returns the subset of modules currently enabled, in
// priority order. IsEnabled is re-evaluated on every call since
// configuration can be swapped at runtime.
func (r *Registry) Enabled(mctx *Context) []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		if m.IsEnabled(mctx) {
			out = append(out, m)
		}
	}
	return out
}
