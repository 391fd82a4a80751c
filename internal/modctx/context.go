// Package modctx defines the read-only aggregate handle every module and
// the engine share: the decision store, the AI analyzer, and the
// configuration. It is built once at composition time and carries no
// per-request state.
package modctx

import (
	"log/slog"

	"github.com/sentinai/sentinai/internal/config"
	"github.com/sentinai/sentinai/internal/eventmodel"
	"github.com/sentinai/sentinai/internal/store"
)

// Analyzer is the narrow capability the AI analyzer exposes to modules and
// the engine. It is defined here (rather than in internal/aianalyzer) so
// that modctx.Context has no import-cycle dependency on the analyzer's own
// chat-completion client internals.
type Analyzer interface {
	// Analyze inspects a batch of request events and returns zero or more
	// verdicts. Only ever called from the asynchronous batch domain.
	Analyze(events []eventmodel.RequestEvent, context string) []eventmodel.ThreatVerdict
	// AnalyzeSingle asks a specific question about one event.
	AnalyzeSingle(event eventmodel.RequestEvent, question string) eventmodel.ThreatVerdict
	IsAvailable() bool
}

// Context is the shared, read-only handle passed to every module call.
type Context struct {
	Store    store.Store
	AI       Analyzer
	Config   *config.Config
	Logger   *slog.Logger
}

// New builds a Context. logger must not be nil; pass slog.Default() if the
// caller has no logger of its own.
func New(s store.Store, ai Analyzer, cfg *config.Config, logger *slog.Logger) *Context {
	return &Context{Store: s, AI: ai, Config: cfg, Logger: logger}
}
