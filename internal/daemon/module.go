// Package daemon implements the daemon host: it loads, supervises, and stops
// the registry of worker modules in the constrained environment.
package daemon

import (
	"context"
	"sort"

	"github.com/lilithos/lilithd/internal/domain"
)

// Module is an independently loadable, independently lifecycle-managed
// concurrent task performing one kind of periodic work.
//
// Run blocks until its context is canceled; cancellation is cooperative and
// is checked once per cycle, so a module's cycle interval upper-bounds its
// shutdown latency. A module signals readiness by writing its own status
// artifact; the host never blocks waiting for it.
type Module interface {
	// Descriptor returns the module's immutable registry entry.
	Descriptor() domain.ModuleDescriptor

	// Run executes the module until ctx is canceled.
	Run(ctx context.Context) error
}

type described struct {
	Module
	desc domain.ModuleDescriptor
}

func (d described) Descriptor() domain.ModuleDescriptor { return d.desc }

// WithDescriptor overrides a module's registry entry, letting a manifest
// adjust priority or the enabled flag without touching the module itself.
func WithDescriptor(m Module, desc domain.ModuleDescriptor) Module {
	return described{Module: m, desc: desc}
}

// byPriority orders modules for startup; completion order is unordered and
// must not be assumed.
func byPriority(modules []Module) []Module {
	sorted := make([]Module, len(modules))
	copy(sorted, modules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Descriptor().Priority < sorted[j].Descriptor().Priority
	})
	return sorted
}
