// Package contentscan wraps the Aguara content-risk engine for Query-Shield's
// opportunistic third layer — a supplementary scan that runs after the
// mandatory dangerous-pattern and wildcard-abuse checks and only ever
// contributes to logging/escalation, never to the module's own Block/Throttle
// decisions. This layer ships no custom rule pack; Aguara's built-in rules
// are the whole point of it.
package contentscan

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/garagon/aguara"
)

// Scanner runs Aguara's built-in detection rules over request content that
// has already passed Query-Shield's literal pattern checks.
type Scanner struct {
	logger *slog.Logger
}

// New builds a Scanner using only Aguara's built-in rule set.
func New(logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{logger: logger}
}

// Flagged reports whether content triggered any Aguara rule at medium
// severity or above. Scan failures are logged and treated as clean —
// this layer is opportunistic, never load-bearing.
func (s *Scanner) Flagged(content string) (bool, string) {
	if content == "" {
		return false, ""
	}

	result, err := aguara.ScanContent(context.Background(), content, "request.md")
	if err != nil {
		s.logger.Error("aguara content scan failed", "error", err)
		return false, ""
	}

	for _, f := range result.Findings {
		if f.Severity >= aguara.SeverityMedium {
			return true, fmt.Sprintf("%s (%s)", f.RuleName, f.Severity.String())
		}
	}
	return false, ""
}
