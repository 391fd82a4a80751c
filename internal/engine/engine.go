// Package engine implements SentinAI's detection pipeline coordinator: it
// drives the module registry through the synchronous request/response path
// and batches events for asynchronous analysis, both by the bundled modules'
// own analyze-batch methods and, if configured, the AI analyzer.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinai/sentinai/internal/auditlog"
	"github.com/sentinai/sentinai/internal/config"
	"github.com/sentinai/sentinai/internal/eventmodel"
	"github.com/sentinai/sentinai/internal/modctx"
	"github.com/sentinai/sentinai/internal/registry"
	"github.com/sentinai/sentinai/internal/store"
)

// AuditLogger records verdicts for forensics. The engine treats it as
// entirely optional and best-effort — a nil AuditLogger simply means
// nothing is recorded, and Log itself must never block the pipeline.
type AuditLogger interface {
	Log(auditlog.Entry)
}

// batchThreshold is the fixed batch-size that triggers an async flush. It
// is an engine implementation constant, not module configuration.
const batchThreshold = 20

const (
	minWorkers  = 2
	maxWorkers  = 4
	queueCap    = 100
	batchAIContext = "periodic batch security analysis"
)

// Engine is SentinAI's detection pipeline. It owns the event buffer and the
// bounded async worker pool; construct one with New and call Shutdown
// before discarding it so queued batches are not lost silently.
type Engine struct {
	cfg      *config.Config
	registry *registry.Registry
	store    store.Store
	ctx      *modctx.Context
	logger   *slog.Logger
	audit    AuditLogger

	bufMu  sync.Mutex
	buffer []eventmodel.RequestEvent

	queue   chan []eventmodel.RequestEvent
	workers int
	wg      sync.WaitGroup
}

// New builds an Engine and starts its async worker pool. Call Shutdown to
// drain the pool on process exit. audit may be nil.
func New(cfg *config.Config, reg *registry.Registry, st store.Store, ai modctx.Analyzer, audit AuditLogger, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:      cfg,
		registry: reg,
		store:    st,
		ctx:      modctx.New(st, ai, cfg, logger),
		logger:   logger,
		audit:    audit,
		buffer:   make([]eventmodel.RequestEvent, 0, batchThreshold),
		queue:    make(chan []eventmodel.RequestEvent, queueCap),
		workers:  minWorkers,
	}

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.runWorker()
	}
	return e
}

// ProcessRequest runs the synchronous request path: global/exclude gates,
// the blocklist pre-check, then each enabled module in priority order.
func (e *Engine) ProcessRequest(event eventmodel.RequestEvent) eventmodel.ThreatVerdict {
	if !e.cfg.Enabled {
		return eventmodel.Safe("engine")
	}
	if e.cfg.MatchesExcludePath(event.Path) {
		return eventmodel.Safe("engine")
	}

	blocked, err := e.store.IsBlocked(event.SourceIP)
	if err != nil {
		e.logger.Error("engine: store fault checking ip block", "error", err)
	} else if blocked {
		return eventmodel.Block("engine", "IP is blacklisted", event.SourceIP, 0)
	}

	if event.UserID != nil {
		if blocked, err := e.userBlocked(*event.UserID); err != nil {
			e.logger.Error("engine: store fault checking user block", "error", err)
		} else if blocked {
			return eventmodel.Block("engine", "User is blocked", *event.UserID, 0)
		}
	}

	active := e.cfg.Mode == config.ModeActive

	for _, mod := range e.registry.Enabled(e.ctx) {
		verdict := e.analyzeRequestSafely(mod, event)
		if !verdict.IsThreat() {
			continue
		}
		if !active {
			e.logger.Info("engine: would have blocked (monitor mode)",
				"module", mod.ID(), "reason", verdict.Reason, "target", verdict.Target)
			e.recordAudit(event, verdict)
			continue
		}
		switch verdict.Action {
		case eventmodel.ActionBlock, eventmodel.ActionThrottle, eventmodel.ActionChallenge:
			if verdict.Action == eventmodel.ActionBlock && verdict.Target != "" {
				duration := time.Duration(verdict.BlockDurationSeconds) * time.Second
				if err := e.store.Block(verdict.Target, verdict.Reason, duration); err != nil {
					e.logger.Error("engine: store fault writing block", "error", err)
				}
			}
			e.recordAudit(event, verdict)
			return verdict
		}
	}

	e.bufferEvent(event)
	return eventmodel.Safe("engine")
}

// ProcessResponse runs the response path: each enabled module in priority
// order, passing along whatever the previous module already produced.
func (e *Engine) ProcessResponse(resp eventmodel.ResponseEvent) eventmodel.ResponseEvent {
	for _, mod := range e.registry.Enabled(e.ctx) {
		resp = e.analyzeResponseSafely(mod, resp)
	}
	return resp
}

// SubmitForAsyncAnalysis appends an event carrying response metadata to the
// buffer, subject to the same batch-threshold flush as the request path.
func (e *Engine) SubmitForAsyncAnalysis(event eventmodel.RequestEvent) {
	e.bufferEvent(event)
}

// FlushEventBuffer drains whatever is currently buffered and submits it for
// async analysis, regardless of whether the threshold has been reached.
func (e *Engine) FlushEventBuffer() {
	e.bufMu.Lock()
	if len(e.buffer) == 0 {
		e.bufMu.Unlock()
		return
	}
	batch := e.buffer
	e.buffer = make([]eventmodel.RequestEvent, 0, batchThreshold)
	e.bufMu.Unlock()

	e.submitBatch(batch)
}

// Shutdown stops accepting new work and waits for the worker pool to drain
// its queue, up to ctx's deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.FlushEventBuffer()
	close(e.queue)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// userBlocked honors both the bare user-id and the "user:"-prefixed key:
// BOLA's block verdicts carry the bare user-id as their block target,
// while this pre-check's own key is "user:"+user-id.
// Checking only one side would let module-issued blocks never take effect.
func (e *Engine) userBlocked(userID string) (bool, error) {
	if blocked, err := e.store.IsBlocked("user:" + userID); err != nil {
		return false, err
	} else if blocked {
		return true, nil
	}
	return e.store.IsBlocked(userID)
}

// recordAudit hands a threat verdict to the configured AuditLogger, if any.
// This is purely a forensic side effect — it never affects enforcement.
func (e *Engine) recordAudit(event eventmodel.RequestEvent, verdict eventmodel.ThreatVerdict) {
	if e.audit == nil {
		return
	}
	userID := ""
	if event.UserID != nil {
		userID = *event.UserID
	}
	e.audit.Log(auditlog.Entry{
		RequestID: event.RequestID,
		Verdict:   verdict,
		Path:      event.Path,
		SourceIP:  event.SourceIP,
		UserID:    userID,
		Mode:      string(e.cfg.Mode),
	})
}

func (e *Engine) analyzeRequestSafely(mod registry.Module, event eventmodel.RequestEvent) (verdict eventmodel.ThreatVerdict) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine: module panicked during analyze-request", "module", mod.ID(), "panic", r)
			verdict = eventmodel.Safe(mod.ID())
		}
	}()
	return mod.AnalyzeRequest(event, e.ctx)
}

func (e *Engine) analyzeResponseSafely(mod registry.Module, resp eventmodel.ResponseEvent) (out eventmodel.ResponseEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine: module panicked during analyze-response", "module", mod.ID(), "panic", r)
			out = resp
		}
	}()
	return mod.AnalyzeResponse(resp, e.ctx)
}

// bufferEvent appends to the shared buffer under lock and, once the fixed
// threshold is reached, atomically swaps in a fresh buffer and hands the
// drained batch to the worker pool. This is the classic bounded
// single-producer-batcher: a short critical section, never an unbounded
// queue.
func (e *Engine) bufferEvent(event eventmodel.RequestEvent) {
	e.bufMu.Lock()
	e.buffer = append(e.buffer, event)
	if len(e.buffer) < batchThreshold {
		e.bufMu.Unlock()
		return
	}
	batch := e.buffer
	e.buffer = make([]eventmodel.RequestEvent, 0, batchThreshold)
	e.bufMu.Unlock()

	e.submitBatch(batch)
}

func (e *Engine) submitBatch(batch []eventmodel.RequestEvent) {
	select {
	case e.queue <- batch:
	default:
		e.logger.Warn("engine: async queue full, dropping batch", "size", len(batch))
	}
}

func (e *Engine) runWorker() {
	defer e.wg.Done()
	for batch := range e.queue {
		e.runBatch(batch)
	}
}

func (e *Engine) runBatch(batch []eventmodel.RequestEvent) {
	active := e.cfg.Mode == config.ModeActive

	for _, mod := range e.registry.Enabled(e.ctx) {
		verdicts := e.analyzeBatchSafely(mod, batch)
		e.handleBatchVerdicts(mod.ID(), verdicts, active)
	}

	if e.ctx.AI != nil && e.ctx.AI.IsAvailable() {
		verdicts := e.ctx.AI.Analyze(batch, batchAIContext)
		e.handleBatchVerdicts("ai-analyzer", verdicts, active)
	}
}

func (e *Engine) handleBatchVerdicts(moduleID string, verdicts []eventmodel.ThreatVerdict, active bool) {
	for _, v := range verdicts {
		if e.audit != nil {
			e.audit.Log(auditlog.Entry{Verdict: v, Mode: string(e.cfg.Mode)})
		}
		if v.Action != eventmodel.ActionBlock {
			continue
		}
		e.logger.Warn("engine: batch analysis block verdict",
			"module", moduleID, "reason", v.Reason, "target", v.Target)
		if !active || v.Target == "" {
			continue
		}
		duration := time.Duration(v.BlockDurationSeconds) * time.Second
		if err := e.store.Block(v.Target, v.Reason, duration); err != nil {
			e.logger.Error("engine: store fault writing batch block", "error", err)
		}
	}
}

func (e *Engine) analyzeBatchSafely(mod registry.Module, batch []eventmodel.RequestEvent) (verdicts []eventmodel.ThreatVerdict) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine: module panicked during analyze-batch", "module", mod.ID(), "panic", r)
			verdicts = nil
		}
	}()
	return mod.AnalyzeBatch(batch, e.ctx)
}
