// Package registry owns the canonical set of platform modules and guards
// every status transition and settings update behind the dependency rules in
// [core]. All mutations publish exactly one [bus.ModuleChanged] event.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sitepay/core/internal/bus"
	"github.com/sitepay/core/internal/core"
)

var (
	// ErrNotFound means the referenced module key does not exist.
	ErrNotFound = errors.New("module not found")
	// ErrInvalidStatus means the requested target status is not a known status.
	ErrInvalidStatus = errors.New("invalid module status")
	// ErrComingSoon means the module has not shipped yet and cannot leave the
	// ComingSoon state through the public transition operation.
	ErrComingSoon = errors.New("module is not yet available")
)

// Registry is the in-memory module store. A single mutex covers every
// operation so the dependency check and the status flip it guards are one
// critical section.
type Registry struct {
	mu      sync.Mutex
	modules map[string]core.Module
	order   []string
	bus     *bus.Bus
}

// New builds a Registry from the given catalog, validating it for duplicate
// keys, unknown dependencies, and cycles. Construction fails loudly on an
// invalid catalog rather than deferring the problem to runtime.
func New(eventBus *bus.Bus, catalog []core.Module) (*Registry, error) {
	if eventBus == nil {
		return nil, errors.New("event bus is nil")
	}
	if err := core.ValidateCatalog(catalog); err != nil {
		return nil, fmt.Errorf("validate catalog: %w", err)
	}

	r := &Registry{
		modules: make(map[string]core.Module, len(catalog)),
		order:   make([]string, 0, len(catalog)),
		bus:     eventBus,
	}
	for _, module := range catalog {
		if !module.Status.Valid() {
			return nil, fmt.Errorf("module %q: %w: %q", module.Key, ErrInvalidStatus, module.Status)
		}
		r.modules[module.Key] = module.Clone()
		r.order = append(r.order, module.Key)
	}

	return r, nil
}

// lockedLookup adapts the registry's module map to [core.Lookup] for use
// inside sections that already hold r.mu. Keeping it unexported keeps the
// unsynchronized accessor off the public surface.
type lockedLookup map[string]core.Module

func (l lockedLookup) Module(key string) (core.Module, bool) {
	module, ok := l[key]
	return module, ok
}

// Get returns a copy of the module with the given key.
func (r *Registry) Get(key string) (core.Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	module, ok := r.modules[key]
	if !ok {
		return core.Module{}, ErrNotFound
	}
	return module.Clone(), nil
}

// List returns modules in catalog declaration order, optionally filtered by
// category. An empty category returns everything.
func (r *Registry) List(category string) []core.Module {
	r.mu.Lock()
	defer r.mu.Unlock()

	modules := make([]core.Module, 0, len(r.order))
	for _, key := range r.order {
		module := r.modules[key]
		if category != "" && module.Category != category {
			continue
		}
		modules = append(modules, module.Clone())
	}
	return modules
}

// Stats aggregates the current module counts by status.
func (r *Registry) Stats() core.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats core.Stats
	for _, module := range r.modules {
		switch module.Status {
		case core.StatusEnabled:
			stats.Enabled++
		case core.StatusAvailable:
			stats.Available++
		case core.StatusComingSoon:
			stats.ComingSoon++
		}
	}
	return stats
}

// CheckDependencies evaluates the module's prerequisites against the current
// registry state.
func (r *Registry) CheckDependencies(key string) core.DependencyCheck {
	r.mu.Lock()
	defer r.mu.Unlock()
	return core.CheckDependencies(lockedLookup(r.modules), key)
}

// RequestTransition changes a module's status. Transitions into Enabled
// require every dependency to be Enabled; transitions out of Enabled are
// blocked while any Enabled module still depends on this one; ComingSoon
// modules cannot transition at all. A rejected transition leaves the module
// untouched. On success the module's change event is published before the
// call returns.
func (r *Registry) RequestTransition(key string, target core.Status) (core.Module, error) {
	if !target.Valid() {
		return core.Module{}, fmt.Errorf("%w: %q", ErrInvalidStatus, target)
	}

	r.mu.Lock()
	module, ok := r.modules[key]
	if !ok {
		r.mu.Unlock()
		return core.Module{}, ErrNotFound
	}

	if module.Status == core.StatusComingSoon {
		r.mu.Unlock()
		return core.Module{}, ErrComingSoon
	}

	if target == core.StatusEnabled {
		check := core.CheckDependencies(lockedLookup(r.modules), key)
		if !check.Satisfied {
			r.mu.Unlock()
			return core.Module{}, &core.MissingDependenciesError{Key: key, Missing: check.Missing}
		}
	}

	if module.Status == core.StatusEnabled && target != core.StatusEnabled {
		dependents := core.EnabledDependents(r.snapshotLocked(), key)
		if len(dependents) > 0 {
			r.mu.Unlock()
			return core.Module{}, &core.DependentsEnabledError{Key: key, Dependents: dependents}
		}
	}

	module.Status = target
	r.modules[key] = module
	updated := module.Clone()
	r.mu.Unlock()

	r.bus.Publish(bus.ModuleChanged{
		Key:      updated.Key,
		Status:   updated.Status,
		Settings: updated.Settings,
	})

	return updated, nil
}

// UpdateSettings shallow-merges patch into the module's settings. It emits
// the same change event kind as a transition, so subscribers only need one
// kind for any module mutation.
func (r *Registry) UpdateSettings(key string, patch map[string]any) (core.Module, error) {
	r.mu.Lock()
	module, ok := r.modules[key]
	if !ok {
		r.mu.Unlock()
		return core.Module{}, ErrNotFound
	}

	module.Settings = core.MergeSettings(module.Settings, patch)
	r.modules[key] = module
	updated := module.Clone()
	r.mu.Unlock()

	r.bus.Publish(bus.ModuleChanged{
		Key:      updated.Key,
		Status:   updated.Status,
		Settings: updated.Settings,
	})

	return updated, nil
}

// Restore applies persisted status and settings for a module without guard
// checks or event publication. Used when rehydrating registry state from
// storage at startup or on a replica resync; unknown keys are ignored so a
// catalog that dropped a module tolerates stale rows.
func (r *Registry) Restore(key string, status core.Status, settings map[string]any) {
	if !status.Valid() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	module, ok := r.modules[key]
	if !ok {
		return
	}
	module.Status = status
	if settings != nil {
		module.Settings = core.MergeSettings(nil, settings)
	}
	r.modules[key] = module
}

// snapshotLocked returns the modules in declaration order. Callers must hold
// r.mu.
func (r *Registry) snapshotLocked() []core.Module {
	modules := make([]core.Module, 0, len(r.order))
	for _, key := range r.order {
		modules = append(modules, r.modules[key])
	}
	return modules
}
