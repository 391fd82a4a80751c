package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/sentinai/sentinai/internal/config"
	"github.com/sentinai/sentinai/internal/eventmodel"
	"github.com/sentinai/sentinai/internal/modctx"
	"github.com/sentinai/sentinai/internal/registry"
	"github.com/sentinai/sentinai/internal/store"
)

// fakeModule lets each test script exactly the verdict(s) it wants without
// pulling in a full bundled detector.
type fakeModule struct {
	registry.DefaultModule
	order         int
	requestVerdict eventmodel.ThreatVerdict
	panicOnRequest bool
	responseFn    func(eventmodel.ResponseEvent) eventmodel.ResponseEvent
	batchVerdicts []eventmodel.ThreatVerdict
}

func (f *fakeModule) Name() string { return f.ModuleID }
func (f *fakeModule) Order() int   { return f.order }

func (f *fakeModule) AnalyzeRequest(eventmodel.RequestEvent, *modctx.Context) eventmodel.ThreatVerdict {
	if f.panicOnRequest {
		panic("boom")
	}
	return f.requestVerdict
}

func (f *fakeModule) AnalyzeResponse(resp eventmodel.ResponseEvent, _ *modctx.Context) eventmodel.ResponseEvent {
	if f.responseFn != nil {
		return f.responseFn(resp)
	}
	return resp
}

func (f *fakeModule) AnalyzeBatch(_ []eventmodel.RequestEvent, _ *modctx.Context) []eventmodel.ThreatVerdict {
	return f.batchVerdicts
}

func newTestEngine(t *testing.T, cfg *config.Config, modules ...registry.Module) (*Engine, store.Store) {
	t.Helper()
	st := store.NewMemory()
	reg := registry.New(modules)
	logger := slog.New(slog.NewTextHandler(noopWriter{}, nil))
	eng := New(cfg, reg, st, nil, nil, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return eng, st
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func activeConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Mode = config.ModeActive
	return cfg
}

func TestProcessRequest_GloballyDisabledIsSafe(t *testing.T) {
	cfg := activeConfig()
	cfg.Enabled = false
	mod := &fakeModule{DefaultModule: registry.DefaultModule{ModuleID: "m"}, order: 100,
		requestVerdict: eventmodel.Block("m", "should never run", "x", 0)}
	eng, _ := newTestEngine(t, cfg, mod)

	v := eng.ProcessRequest(eventmodel.RequestEvent{Path: "/anything"})
	if v.IsThreat() {
		t.Fatalf("expected safe verdict when globally disabled, got %+v", v)
	}
}

func TestProcessRequest_ExcludedPathSkipsModules(t *testing.T) {
	cfg := activeConfig()
	cfg.ExcludePaths = []string{"/health/**"}
	mod := &fakeModule{DefaultModule: registry.DefaultModule{ModuleID: "m"}, order: 100,
		requestVerdict: eventmodel.Block("m", "should never run", "x", 0)}
	eng, _ := newTestEngine(t, cfg, mod)

	v := eng.ProcessRequest(eventmodel.RequestEvent{Path: "/health/live"})
	if v.IsThreat() {
		t.Fatalf("expected safe verdict for excluded path, got %+v", v)
	}
}

func TestProcessRequest_IPBlocklistPreCheck(t *testing.T) {
	cfg := activeConfig()
	eng, st := newTestEngine(t, cfg)
	if err := st.Block("6.6.6.6", "known bad actor", 0); err != nil {
		t.Fatal(err)
	}

	v := eng.ProcessRequest(eventmodel.RequestEvent{Path: "/api/x", SourceIP: "6.6.6.6"})
	if !v.ShouldBlock() {
		t.Fatalf("expected blocked ip to be rejected, got %+v", v)
	}
}

func TestProcessRequest_UserBlocklistPreCheck(t *testing.T) {
	cfg := activeConfig()
	eng, st := newTestEngine(t, cfg)
	if err := st.Block("user:mallory", "prior offense", 0); err != nil {
		t.Fatal(err)
	}

	uid := "mallory"
	v := eng.ProcessRequest(eventmodel.RequestEvent{Path: "/api/x", UserID: &uid})
	if !v.ShouldBlock() {
		t.Fatalf("expected blocked user to be rejected, got %+v", v)
	}
}

func TestProcessRequest_ActiveModeBlocksAndWritesStore(t *testing.T) {
	cfg := activeConfig()
	mod := &fakeModule{DefaultModule: registry.DefaultModule{ModuleID: "m"}, order: 100,
		requestVerdict: eventmodel.Block("m", "dangerous", "1.2.3.4", 60)}
	eng, st := newTestEngine(t, cfg, mod)

	v := eng.ProcessRequest(eventmodel.RequestEvent{Path: "/api/x", SourceIP: "1.2.3.4"})
	if !v.ShouldBlock() {
		t.Fatalf("expected block verdict, got %+v", v)
	}

	blocked, err := st.IsBlocked("1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if !blocked {
		t.Fatal("expected the engine to have written the block to the store before returning")
	}
}

func TestProcessRequest_MonitorModeNeverBlocks(t *testing.T) {
	cfg := config.Defaults() // monitor by default
	mod := &fakeModule{DefaultModule: registry.DefaultModule{ModuleID: "m"}, order: 100,
		requestVerdict: eventmodel.Block("m", "dangerous", "1.2.3.4", 60)}
	eng, st := newTestEngine(t, cfg, mod)

	v := eng.ProcessRequest(eventmodel.RequestEvent{Path: "/api/x", SourceIP: "1.2.3.4"})
	if v.ShouldBlock() {
		t.Fatalf("monitor mode must never deny, got %+v", v)
	}

	blocked, err := st.IsBlocked("1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if blocked {
		t.Fatal("monitor mode must never write a block to the store")
	}
}

func TestProcessRequest_PanickingModuleIsIsolated(t *testing.T) {
	cfg := activeConfig()
	bad := &fakeModule{DefaultModule: registry.DefaultModule{ModuleID: "bad"}, order: 50, panicOnRequest: true}
	good := &fakeModule{DefaultModule: registry.DefaultModule{ModuleID: "good"}, order: 100,
		requestVerdict: eventmodel.Safe("good")}
	eng, _ := newTestEngine(t, cfg, bad, good)

	v := eng.ProcessRequest(eventmodel.RequestEvent{Path: "/api/x"})
	if v.IsThreat() {
		t.Fatalf("expected the request to survive a panicking module, got %+v", v)
	}
}

func TestProcessRequest_ShortCircuitsOnFirstBlock(t *testing.T) {
	cfg := activeConfig()
	first := &fakeModule{DefaultModule: registry.DefaultModule{ModuleID: "first"}, order: 50,
		requestVerdict: eventmodel.Block("first", "caught it", "1.1.1.1", 60)}
	var secondCalled bool
	second := &fakeModule{DefaultModule: registry.DefaultModule{ModuleID: "second"}, order: 100,
		requestVerdict: eventmodel.Safe("second")}
	wrapped := &observingModule{fakeModule: second, called: &secondCalled}
	eng, _ := newTestEngine(t, cfg, first, wrapped)

	eng.ProcessRequest(eventmodel.RequestEvent{Path: "/api/x", SourceIP: "1.1.1.1"})
	if secondCalled {
		t.Fatal("expected the engine to short-circuit after the first block verdict")
	}
}

type observingModule struct {
	*fakeModule
	called *bool
}

func (o *observingModule) AnalyzeRequest(e eventmodel.RequestEvent, ctx *modctx.Context) eventmodel.ThreatVerdict {
	*o.called = true
	return o.fakeModule.AnalyzeRequest(e, ctx)
}

func TestProcessResponse_ChainsModulesInOrder(t *testing.T) {
	cfg := activeConfig()
	first := &fakeModule{DefaultModule: registry.DefaultModule{ModuleID: "first"}, order: 100,
		responseFn: func(r eventmodel.ResponseEvent) eventmodel.ResponseEvent { return r.WithBody(r.Body + "-first") }}
	second := &fakeModule{DefaultModule: registry.DefaultModule{ModuleID: "second"}, order: 200,
		responseFn: func(r eventmodel.ResponseEvent) eventmodel.ResponseEvent { return r.WithBody(r.Body + "-second") }}
	eng, _ := newTestEngine(t, cfg, first, second)

	out := eng.ProcessResponse(eventmodel.ResponseEvent{Body: "base"})
	if out.Body != "base-first-second" {
		t.Fatalf("expected modules to chain in priority order, got %q", out.Body)
	}
}

func TestBatchFlushRunsAnalyzeBatch(t *testing.T) {
	cfg := activeConfig()
	mod := &fakeModule{DefaultModule: registry.DefaultModule{ModuleID: "m"}, order: 100,
		requestVerdict: eventmodel.Safe("m"),
		batchVerdicts:  []eventmodel.ThreatVerdict{eventmodel.Block("m", "batch block", "9.9.9.9", 60)}}
	eng, st := newTestEngine(t, cfg, mod)

	eng.SubmitForAsyncAnalysis(eventmodel.RequestEvent{Path: "/api/x"})
	eng.FlushEventBuffer()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		blocked, err := st.IsBlocked("9.9.9.9")
		if err != nil {
			t.Fatal(err)
		}
		if blocked {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected batch analysis to eventually write the block to the store")
}
