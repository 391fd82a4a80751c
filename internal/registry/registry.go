// Package registry defines the Module capability every bundled detector
// implements, and the ordered, enablement-aware collection the engine
// drives each request and response through.
package registry

import (
	"sort"
	"sync"

	"github.com/sentinai/sentinai/internal/eventmodel"
	"github.com/sentinai/sentinai/internal/modctx"
)

// Module is the capability every security detector implements. Response
// and batch analysis are optional — a module that only cares about the
// request path embeds DefaultModule to get no-op defaults, mirroring the
// original's interface default methods.
type Module interface {
	ID() string
	Name() string
	Order() int
	AnalyzeRequest(event eventmodel.RequestEvent, ctx *modctx.Context) eventmodel.ThreatVerdict
	AnalyzeResponse(resp eventmodel.ResponseEvent, ctx *modctx.Context) eventmodel.ResponseEvent
	AnalyzeBatch(events []eventmodel.RequestEvent, ctx *modctx.Context) []eventmodel.ThreatVerdict
	IsEnabled(ctx *modctx.Context) bool
}

// DefaultModule supplies the optional parts of Module (response passthrough,
// empty batch, config-driven enablement) so each detector only implements
// what it actually needs, the way the Java interface's default methods did.
type DefaultModule struct {
	ModuleID string
}

func (d DefaultModule) ID() string { return d.ModuleID }

func (d DefaultModule) AnalyzeResponse(resp eventmodel.ResponseEvent, _ *modctx.Context) eventmodel.ResponseEvent {
	return resp
}

func (d DefaultModule) AnalyzeBatch(_ []eventmodel.RequestEvent, _ *modctx.Context) []eventmodel.ThreatVerdict {
	return nil
}

func (d DefaultModule) IsEnabled(ctx *modctx.Context) bool {
	return ctx.Config.IsEnabled(d.ModuleID)
}

func (d DefaultModule) Order() int { return 500 }

// Registry holds the full set of modules, sorted stably by ascending
// priority order at construction time, and exposes an enabled-subset
// filter that re-evaluates IsEnabled on every call.
type Registry struct {
	mu      sync.RWMutex
	modules []Module
	byID    map[string]Module
}

// New builds a Registry from modules, sorting them stably by Order().
func New(modules []Module) *Registry {
	sorted := make([]Module, len(modules))
	copy(sorted, modules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order() < sorted[j].Order()
	})

	byID := make(map[string]Module, len(sorted))
	for _, m := range sorted {
		byID[m.ID()] = m
	}

	return &Registry{modules: sorted, byID: byID}
}

// All returns every registered module in priority order.
func (r *Registry) All() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Module, len(r.modules))
	copy(out, r.modules)
	return out
}

// Enabled returns the subset of modules currently enabled under ctx, in
// priority order. Enablement is re-evaluated on every call since it can
// depend on live configuration.
func (r *Registry) Enabled(ctx *modctx.Context) []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		if m.IsEnabled(ctx) {
			out = append(out, m)
		}
	}
	return out
}

// Get returns the module with the given id, and whether it was found.
func (r *Registry) Get(id string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	return m, ok
}
