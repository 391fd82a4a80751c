// Package aianalyzer implements the optional AI-backed batch analyzer.
// It treats the chat completion backend as an opaque capability — a single
// Complete(prompt) method — and wires a concrete client in at composition
// time rather than reaching for a specific provider SDK.
package aianalyzer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sentinai/sentinai/internal/eventmodel"
)

// Completer is the one capability the analyzer needs from an LLM backend:
// turn a prompt into a completion. Concrete clients (OpenAI-compatible,
// Anthropic, a local Ollama) implement this and are wired in by the
// composition root; the analyzer itself never imports an SDK.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// callTimeout bounds every Complete call so a hung upstream never stalls
// the async batch worker indefinitely.
const callTimeout = 10 * time.Second

const blockDurationSeconds = 1800

// Analyzer is the default AI analyzer. It is available whenever a
// Completer was configured; Complete failures never propagate to the
// caller — they are logged and degrade to an empty/Safe verdict.
type Analyzer struct {
	client Completer
	logger *slog.Logger
}

// New builds an Analyzer. client may be nil, in which case IsAvailable
// reports false and every analysis call degrades gracefully — mirroring
// the source's "no ChatClient configured" fallback to rule-based analysis.
func New(client Completer, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{client: client, logger: logger}
}

func (a *Analyzer) IsAvailable() bool {
	return a.client != nil
}

// Analyze enumerates events with index, method, path, source IP, user id
// (or "anonymous"), user agent, response status, and response time, asks
// for a SAFE/SUSPICIOUS/BLOCK verdict per pattern, and parses the reply
// into ThreatVerdicts. Any transport or parse failure yields an empty
// list — the caller never observes an error.
func (a *Analyzer) Analyze(events []eventmodel.RequestEvent, analysisContext string) []eventmodel.ThreatVerdict {
	if !a.IsAvailable() || len(events) == 0 {
		return nil
	}

	prompt := buildBatchPrompt(events, analysisContext)
	reply, err := a.complete(prompt)
	if err != nil {
		a.logger.Error("ai batch analysis failed", "error", err)
		return nil
	}
	return parseBatchReply(reply)
}

// AnalyzeSingle asks a targeted question about one event.
func (a *Analyzer) AnalyzeSingle(event eventmodel.RequestEvent, question string) eventmodel.ThreatVerdict {
	if !a.IsAvailable() {
		return eventmodel.Safe("ai-analyzer")
	}

	prompt := buildSinglePrompt(event, question)
	reply, err := a.complete(prompt)
	if err != nil {
		a.logger.Error("ai single analysis failed", "error", err)
		return eventmodel.Safe("ai-analyzer")
	}
	return parseSingleReply(reply)
}

func (a *Analyzer) complete(prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	reply, err := a.client.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	return reply, nil
}

func buildBatchPrompt(events []eventmodel.RequestEvent, analysisContext string) string {
	var b strings.Builder
	b.WriteString("You are SentinAI, an API security analyzer. Analyze the following batch of HTTP requests.\n\n")
	b.WriteString("Context: ")
	b.WriteString(analysisContext)
	b.WriteString("\n\nEvents:\n")

	for i, e := range events {
		userID := "anonymous"
		if e.UserID != nil {
			userID = *e.UserID
		}
		fmt.Fprintf(&b, "[%d] %s %s from IP=%s user=%s UA=%s status=%d time=%dms\n",
			i+1, e.Method, e.Path, e.SourceIP, userID, e.UserAgent, e.ResponseStatus, e.ResponseTimeMs)
	}

	b.WriteString("\nRespond with one of: SAFE, SUSPICIOUS, BLOCK\n")
	b.WriteString("If SUSPICIOUS or BLOCK, explain the pattern you detected.\n")
	b.WriteString("Format: VERDICT|REASON|TARGET_IDENTIFIER\n")
	return b.String()
}

func buildSinglePrompt(event eventmodel.RequestEvent, question string) string {
	userID := ""
	if event.UserID != nil {
		userID = *event.UserID
	}
	body := ""
	if event.Body != nil {
		body = *event.Body
	}
	return fmt.Sprintf(
		"You are SentinAI, an API security analyzer.\n\n"+
			"Request: %s %s\nIP: %s\nUser: %s\nUser-Agent: %s\n"+
			"Query: %s\nBody: %s\n\n"+
			"Question: %s\n\n"+
			"Respond with: SAFE, SUSPICIOUS, or BLOCK followed by a brief reason.\n"+
			"Format: VERDICT|REASON",
		event.Method, event.Path, event.SourceIP, userID, event.UserAgent, event.Query, body, question)
}

// parseBatchReply tolerates chatter around the structured lines: any line
// lacking a pipe is ignored, and an unrecognized verdict is dropped.
func parseBatchReply(reply string) []eventmodel.ThreatVerdict {
	var verdicts []eventmodel.ThreatVerdict
	for _, line := range strings.Split(reply, "\n") {
		if !strings.Contains(line, "|") {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		verdictWord := strings.ToUpper(strings.TrimSpace(parts[0]))
		reason := "AI detected threat"
		if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
			reason = strings.TrimSpace(parts[1])
		}
		target := "unknown"
		if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
			target = strings.TrimSpace(parts[2])
		}

		switch verdictWord {
		case "BLOCK":
			verdicts = append(verdicts, eventmodel.Block("ai-analyzer", reason, target, blockDurationSeconds))
		case "SUSPICIOUS":
			verdicts = append(verdicts, eventmodel.LogVerdict("ai-analyzer", reason, target, eventmodel.LevelMedium))
		}
	}
	return verdicts
}

func parseSingleReply(reply string) eventmodel.ThreatVerdict {
	parts := strings.SplitN(reply, "|", 2)
	verdictWord := strings.ToUpper(strings.TrimSpace(parts[0]))
	reason := "AI analysis"
	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		reason = strings.TrimSpace(parts[1])
	}

	switch verdictWord {
	case "BLOCK":
		return eventmodel.Block("ai-analyzer", reason, "request", blockDurationSeconds)
	case "SUSPICIOUS":
		return eventmodel.LogVerdict("ai-analyzer", reason, "request", eventmodel.LevelMedium)
	default:
		return eventmodel.Safe("ai-analyzer")
	}
}
