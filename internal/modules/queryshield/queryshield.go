// Package queryshield implements SentinAI's Query-Shield module, priority
// 200: literal dangerous-pattern and wildcard-abuse blocking, plus a
// per-path concurrency cap and circuit breaker against expensive-query
// application-layer DDoS. An opportunistic Aguara content scan
// (internal/contentscan) runs strictly after the mandatory checks — it
// only escalates to a log-level verdict, never a block, so the literal
// pattern list stays the sole authority over what gets rejected outright.
package queryshield

import (
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sentinai/sentinai/internal/contentscan"
	"github.com/sentinai/sentinai/internal/eventmodel"
	"github.com/sentinai/sentinai/internal/modctx"
	"github.com/sentinai/sentinai/internal/registry"
)

const id = "query-shield"

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)['"]\s*(OR|AND)\s+['"]?\d`),
	regexp.MustCompile(`(?i)\bSLEEP\s*\(`),
	regexp.MustCompile(`(?i)\bUNION\s+SELECT\b`),
	regexp.MustCompile(`(?i)\$where\b`),
	regexp.MustCompile(`(?i)\bDROP\s+TABLE\b`),
	regexp.MustCompile(`(?i)<script[^>]*>`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
}

var wildcardPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^%+$`),
	regexp.MustCompile(`^_+$`),
	regexp.MustCompile(`(?i)\bLIKE\s+'%`),
}

const (
	dangerousBlockDuration = 10 * time.Minute
	wildcardBlockDuration  = 5 * time.Minute
	defaultMaxConcurrency  = 50
	slowResponseThreshold  = 3000 * time.Millisecond
	circuitFailureThreshold = 5
	circuitRecovery         = 30 * time.Second
)

// circuitState is a per-path, process-local stress signal. It deliberately
// lives outside the decision store — a fleet-shared circuit would let one
// slow instance trip every other instance needlessly.
type circuitState struct {
	failureCount int
	open         bool
	openedAt     time.Time
}

func (c *circuitState) isOpen() bool {
	if !c.open {
		return false
	}
	if time.Since(c.openedAt) > circuitRecovery {
		c.open = false
		c.failureCount = 0
		return false
	}
	return true
}

func (c *circuitState) recordFailure() {
	c.failureCount++
}

func (c *circuitState) recordSuccess() {
	if c.failureCount > 0 {
		c.failureCount--
	}
	if c.failureCount == 0 {
		c.open = false
	}
}

func (c *circuitState) shouldOpen() bool {
	return c.failureCount >= circuitFailureThreshold
}

func (c *circuitState) openNow() {
	c.open = true
	c.openedAt = time.Now()
}

// Module is the Query-Shield detector.
type Module struct {
	registry.DefaultModule

	mu          sync.Mutex
	inFlight    map[string]int
	circuits    map[string]*circuitState
	scanner     *contentscan.Scanner
}

// New builds the Query-Shield module.
func New(scanner *contentscan.Scanner) *Module {
	return &Module{
		DefaultModule: registry.DefaultModule{ModuleID: id},
		inFlight:      make(map[string]int),
		circuits:      make(map[string]*circuitState),
		scanner:       scanner,
	}
}

func (m *Module) Name() string { return "Query Shield" }
func (m *Module) Order() int   { return 200 }

func (m *Module) AnalyzeRequest(event eventmodel.RequestEvent, ctx *modctx.Context) eventmodel.ThreatVerdict {
	haystack := buildFullQuery(event)

	for _, p := range dangerousPatterns {
		if p.MatchString(haystack) {
			return eventmodel.Block(id, "Dangerous query pattern detected: "+p.String(),
				event.SourceIP, int(dangerousBlockDuration.Seconds()))
		}
	}

	decoded, err := url.QueryUnescape(event.Query)
	if err != nil {
		decoded = event.Query
	}
	for _, pair := range strings.Split(decoded, "&") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		for _, p := range wildcardPatterns {
			if p.MatchString(kv[1]) {
				return eventmodel.Block(id, "Wildcard query abuse detected: "+kv[0]+"="+kv[1],
					event.SourceIP, int(wildcardBlockDuration.Seconds()))
			}
		}
	}

	if m.scanner != nil {
		if flagged, reason := m.scanner.Flagged(haystack); flagged {
			ctx.Logger.Warn("query-shield: opportunistic content scan flagged request",
				"path", event.Path, "reason", reason)
			return eventmodel.LogVerdict(id, "Supplementary content scan flagged: "+reason,
				event.SourceIP, eventmodel.LevelMedium)
		}
	}

	m.mu.Lock()
	circuit := m.circuits[event.Path]
	if circuit != nil && circuit.isOpen() {
		m.mu.Unlock()
		return eventmodel.Throttle(id, "Circuit breaker OPEN for "+event.Path+" — endpoint under stress",
			event.SourceIP)
	}

	m.inFlight[event.Path]++
	current := m.inFlight[event.Path]
	maxConcurrency := m.maxConcurrency(ctx)
	if current > maxConcurrency {
		m.inFlight[event.Path]--
		m.mu.Unlock()
		return eventmodel.Throttle(id, "Concurrency limit reached for "+event.Path, event.SourceIP)
	}
	m.mu.Unlock()

	return eventmodel.Safe(id)
}

func (m *Module) AnalyzeResponse(resp eventmodel.ResponseEvent, ctx *modctx.Context) eventmodel.ResponseEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight[resp.Path] > 0 {
		m.inFlight[resp.Path]--
	}

	if time.Duration(resp.ResponseTimeMs)*time.Millisecond > slowResponseThreshold {
		circuit := m.circuits[resp.Path]
		if circuit == nil {
			circuit = &circuitState{}
			m.circuits[resp.Path] = circuit
		}
		circuit.recordFailure()
		if circuit.shouldOpen() {
			circuit.openNow()
			ctx.Logger.Warn("query-shield: circuit opened", "path", resp.Path, "failures", circuit.failureCount)
		}
	} else if circuit := m.circuits[resp.Path]; circuit != nil {
		circuit.recordSuccess()
	}

	return resp
}

func (m *Module) maxConcurrency(ctx *modctx.Context) int {
	cfg := ctx.Config.ModuleConfig(id)
	val, ok := cfg["max-concurrency"]
	if !ok {
		return defaultMaxConcurrency
	}
	switch v := val.(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return defaultMaxConcurrency
	}
}

func buildFullQuery(event eventmodel.RequestEvent) string {
	var b strings.Builder
	decoded, err := url.QueryUnescape(event.Query)
	if err != nil {
		decoded = event.Query
	}
	b.WriteString(decoded)
	if event.Body != nil {
		b.WriteString(" ")
		b.WriteString(*event.Body)
	}
	return b.String()
}
