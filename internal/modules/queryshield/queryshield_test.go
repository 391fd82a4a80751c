package queryshield

import (
	"log/slog"
	"testing"
	"time"

	"github.com/sentinai/sentinai/internal/config"
	"github.com/sentinai/sentinai/internal/eventmodel"
	"github.com/sentinai/sentinai/internal/modctx"
	"github.com/sentinai/sentinai/internal/store"
)

func newTestContext() *modctx.Context {
	return modctx.New(store.NewMemory(), nil, config.Defaults(), slog.Default())
}

// TestDangerousPattern_SQLTautology: a URL-encoded SQL tautology in the
// query string must block, with the source IP as target.
func TestDangerousPattern_SQLTautology(t *testing.T) {
	m := New(nil)
	ctx := newTestContext()
	event := eventmodel.RequestEvent{
		Path:     "/api/search",
		Query:    "q=%27%20OR%20%271%27%3D%271",
		SourceIP: "9.9.9.9",
	}

	v := m.AnalyzeRequest(event, ctx)
	if !v.ShouldBlock() {
		t.Fatalf("expected a block verdict, got %+v", v)
	}
	if v.Target != event.SourceIP {
		t.Errorf("expected target to be source ip, got %q", v.Target)
	}
}

func TestDangerousPattern_UnionSelectInBody(t *testing.T) {
	m := New(nil)
	ctx := newTestContext()
	body := "id=1 UNION SELECT password FROM users"
	event := eventmodel.RequestEvent{Path: "/api/items", Body: &body, SourceIP: "1.1.1.1"}

	v := m.AnalyzeRequest(event, ctx)
	if !v.ShouldBlock() {
		t.Fatalf("expected a block verdict for union select, got %+v", v)
	}
}

func TestWildcardAbuse_PureWildcardValue(t *testing.T) {
	m := New(nil)
	ctx := newTestContext()
	event := eventmodel.RequestEvent{Path: "/api/search", Query: "name=%25%25%25", SourceIP: "1.1.1.1"}

	v := m.AnalyzeRequest(event, ctx)
	if !v.ShouldBlock() {
		t.Fatalf("expected a block verdict for pure-wildcard value, got %+v", v)
	}
}

func TestSafeQueryPassesThrough(t *testing.T) {
	m := New(nil)
	ctx := newTestContext()
	event := eventmodel.RequestEvent{Path: "/api/search", Query: "q=hello", SourceIP: "1.1.1.1"}

	v := m.AnalyzeRequest(event, ctx)
	if v.IsThreat() {
		t.Fatalf("expected safe verdict, got %+v", v)
	}
}

func TestConcurrencyLimitThrottles(t *testing.T) {
	m := New(nil)
	cfg := config.Defaults()
	cfg.Modules[id] = config.Module{Enabled: true, Config: map[string]any{"max-concurrency": 2}}
	ctx := modctx.New(store.NewMemory(), nil, cfg, slog.Default())

	event := eventmodel.RequestEvent{Path: "/api/heavy", Query: "", SourceIP: "1.1.1.1"}

	for i := 0; i < 2; i++ {
		v := m.AnalyzeRequest(event, ctx)
		if v.IsThreat() {
			t.Fatalf("expected request %d within limit to be safe, got %+v", i, v)
		}
	}

	v := m.AnalyzeRequest(event, ctx)
	if v.Action != eventmodel.ActionThrottle {
		t.Fatalf("expected throttle once concurrency exceeded, got %+v", v)
	}
}

func TestCircuitOpensAfterConsecutiveSlowResponses(t *testing.T) {
	m := New(nil)
	ctx := newTestContext()
	path := "/api/slow"

	for i := 0; i < circuitFailureThreshold; i++ {
		resp := eventmodel.ResponseEvent{Path: path, ResponseTimeMs: 5000}
		m.AnalyzeResponse(resp, ctx)
	}

	event := eventmodel.RequestEvent{Path: path, SourceIP: "1.1.1.1"}
	v := m.AnalyzeRequest(event, ctx)
	if v.Action != eventmodel.ActionThrottle {
		t.Fatalf("expected circuit breaker to throttle, got %+v", v)
	}
}

// TestCircuitResetsAfterCooldown: the breaker resets to closed once
// now-openedAt exceeds the recovery window, even under no traffic.
func TestCircuitResetsAfterCooldown(t *testing.T) {
	m := New(nil)
	ctx := newTestContext()
	path := "/api/slow"

	for i := 0; i < circuitFailureThreshold; i++ {
		m.AnalyzeResponse(eventmodel.ResponseEvent{Path: path, ResponseTimeMs: 5000}, ctx)
	}

	m.mu.Lock()
	m.circuits[path].openedAt = time.Now().Add(-circuitRecovery - time.Second)
	m.mu.Unlock()

	event := eventmodel.RequestEvent{Path: path, SourceIP: "1.1.1.1"}
	v := m.AnalyzeRequest(event, ctx)
	if v.Action == eventmodel.ActionThrottle {
		t.Fatalf("expected circuit to have reset after cooldown, got %+v", v)
	}
}
