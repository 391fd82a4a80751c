package registry

import (
	"log/slog"
	"testing"

	"github.com/sentinai/sentinai/internal/config"
	"github.com/sentinai/sentinai/internal/eventmodel"
	"github.com/sentinai/sentinai/internal/modctx"
	"github.com/sentinai/sentinai/internal/store"
)

type stubModule struct {
	DefaultModule
	order   int
	enabled bool
}

func (s stubModule) Order() int { return s.order }
func (s stubModule) Name() string { return s.ModuleID }
func (s stubModule) AnalyzeRequest(eventmodel.RequestEvent, *modctx.Context) eventmodel.ThreatVerdict {
	return eventmodel.Safe(s.ModuleID)
}
func (s stubModule) IsEnabled(*modctx.Context) bool { return s.enabled }

func newTestContext(t *testing.T) *modctx.Context {
	t.Helper()
	return modctx.New(store.NewMemory(), nil, config.Defaults(), slog.Default())
}

func TestNewSortsStablyByOrder(t *testing.T) {
	modules := []Module{
		stubModule{DefaultModule: DefaultModule{ModuleID: "c"}, order: 900, enabled: true},
		stubModule{DefaultModule: DefaultModule{ModuleID: "a"}, order: 100, enabled: true},
		stubModule{DefaultModule: DefaultModule{ModuleID: "b"}, order: 100, enabled: true},
	}
	reg := New(modules)

	all := reg.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 modules, got %d", len(all))
	}
	// "a" and "b" share order 100; stable sort must keep their relative
	// input order ahead of "c" at order 900.
	if all[0].ID() != "a" || all[1].ID() != "b" || all[2].ID() != "c" {
		t.Fatalf("unexpected order: %s, %s, %s", all[0].ID(), all[1].ID(), all[2].ID())
	}
}

func TestEnabledFiltersLiveConfig(t *testing.T) {
	modules := []Module{
		stubModule{DefaultModule: DefaultModule{ModuleID: "on"}, order: 100, enabled: true},
		stubModule{DefaultModule: DefaultModule{ModuleID: "off"}, order: 200, enabled: false},
	}
	reg := New(modules)
	ctx := newTestContext(t)

	enabled := reg.Enabled(ctx)
	if len(enabled) != 1 || enabled[0].ID() != "on" {
		t.Fatalf("expected only the enabled module, got %v", idsOf(enabled))
	}
}

func TestGetReturnsModuleByID(t *testing.T) {
	reg := New([]Module{
		stubModule{DefaultModule: DefaultModule{ModuleID: "x"}, order: 100, enabled: true},
	})

	mod, ok := reg.Get("x")
	if !ok || mod.ID() != "x" {
		t.Fatalf("expected to find module x, got ok=%v mod=%v", ok, mod)
	}

	if _, ok := reg.Get("missing"); ok {
		t.Fatal("expected missing module to report not found")
	}
}

func TestDefaultModuleNoOps(t *testing.T) {
	d := DefaultModule{ModuleID: "d"}
	ctx := newTestContext(t)

	if d.Order() != 500 {
		t.Errorf("expected default order 500, got %d", d.Order())
	}
	resp := eventmodel.ResponseEvent{Body: "unchanged"}
	if got := d.AnalyzeResponse(resp, ctx); got.Body != "unchanged" {
		t.Errorf("expected default response passthrough, got %q", got.Body)
	}
	if verdicts := d.AnalyzeBatch(nil, ctx); verdicts != nil {
		t.Errorf("expected default batch to be empty, got %v", verdicts)
	}
	if !d.IsEnabled(ctx) {
		t.Error("expected default module to be enabled when unconfigured")
	}
}

func idsOf(modules []Module) []string {
	out := make([]string, len(modules))
	for i, m := range modules {
		out[i] = m.ID()
	}
	return out
}
