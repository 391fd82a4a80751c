// Package dlp implements SentinAI's Data-Leak-Prevention module, priority
// 800: it runs late in the response chain, scanning outgoing JSON bodies
// for sensitive values (card numbers, SSNs, password hashes, API keys,
// JWTs, PEM private keys, bare hex secrets) and redacting, blocking, or
// merely logging depending on configured mode.
package dlp

import (
	"regexp"
	"strings"

	"github.com/sentinai/sentinai/internal/config"
	"github.com/sentinai/sentinai/internal/eventmodel"
	"github.com/sentinai/sentinai/internal/modctx"
	"github.com/sentinai/sentinai/internal/registry"
)

const id = "data-leak-prevention"

const redactedPlaceholder = "[REDACTED BY SENTINAI]"

const maxBodySize = 1 << 20 // 1MB

var authPaths = map[string]struct{}{
	"/api/login": {}, "/api/auth": {}, "/api/token": {}, "/api/register": {},
	"/api/refresh": {}, "/api/oauth": {}, "/login": {}, "/auth": {}, "/token": {},
	"/oauth/token": {}, "/api/auth/login": {}, "/api/auth/register": {},
}

type detector struct {
	name      string
	pattern   *regexp.Regexp
	validator func(string) bool
}

var detectors = []detector{
	{"credit-card", regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|6(?:011|5[0-9]{2})[0-9]{12})\b`), luhnCheck},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), nil},
	{"aadhaar", regexp.MustCompile(`\b\d{4}[\s-]\d{4}[\s-]\d{4}\b`), nil},
	{"password-hash-bcrypt", regexp.MustCompile(`\$2[aby]?\$\d{2}\$[./A-Za-z0-9]{53}`), nil},
	{"password-hash-argon2", regexp.MustCompile(`\$argon2[id]{1,2}\$[^"\s]+`), nil},
	{"api-key-openai", regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), nil},
	{"api-key-aws", regexp.MustCompile(`AKIA[0-9A-Z]{16}`), nil},
	{"api-key-github", regexp.MustCompile(`gh[ps]_[A-Za-z0-9_]{36,}`), nil},
	{"jwt-token", regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]+`), nil},
	{"private-key", regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA )?PRIVATE KEY-----`), nil},
	// RE2 has no lookaround, so the surrounding quotes can't be asserted
	// without being consumed; match the bare hex span only so the quotes
	// in the original body are left untouched by the redaction pass below.
	{"hex-secret", regexp.MustCompile(`\b[a-f0-9]{64}\b`), nil},
}

type detection struct {
	detectorName string
	matchedValue string
}

// Module is the Data-Leak-Prevention detector. It never emits a verdict on
// the request path — its entire job happens in AnalyzeResponse.
type Module struct {
	registry.DefaultModule
}

// New builds the Data-Leak-Prevention module.
func New() *Module {
	return &Module{DefaultModule: registry.DefaultModule{ModuleID: id}}
}

func (m *Module) Name() string { return "Data Leak Prevention" }
func (m *Module) Order() int   { return 800 }

func (m *Module) AnalyzeRequest(event eventmodel.RequestEvent, ctx *modctx.Context) eventmodel.ThreatVerdict {
	return eventmodel.Safe(id)
}

func (m *Module) AnalyzeResponse(resp eventmodel.ResponseEvent, ctx *modctx.Context) eventmodel.ResponseEvent {
	if resp.Body == "" {
		return resp
	}
	if resp.ContentType != "" && !strings.Contains(resp.ContentType, "json") {
		return resp
	}
	if len(resp.Body) > maxBodySize {
		return resp
	}

	body := resp.Body
	var found []detection

	for _, d := range detectors {
		if d.name == "jwt-token" && isAuthPath(resp.Path) {
			continue
		}
		for _, match := range d.pattern.FindAllString(body, -1) {
			if d.validator != nil && !d.validator(match) {
				continue
			}
			found = append(found, detection{detectorName: d.name, matchedValue: match})
		}
	}

	if len(found) == 0 {
		return resp
	}

	for _, d := range found {
		ctx.Logger.Warn("data-leak-prevention: sensitive data detected in response",
			"path", resp.Path, "type", d.detectorName, "preview", preview(d.matchedValue))
	}

	if ctx.Config.Mode != config.ModeActive {
		// Monitor mode never denies or mutates — the findings above are the
		// only observable effect, matching the engine's own monitor-mode
		// contract.
		return resp
	}

	mode, explicit := moduleMode(ctx)

	// An explicit LOG setting is honored even under global active mode —
	// only an unset per-module mode falls back to the active-mode default
	// of redacting.
	if explicit && mode == "LOG" {
		return resp
	}

	if mode == "BLOCK" {
		ctx.Logger.Error("data-leak-prevention: blocked response", "path", resp.Path, "count", len(found))
		return resp.WithBody(`{"error":"Response blocked by SentinAI: contains sensitive data"}`)
	}

	redacted := body
	for _, d := range found {
		redacted = strings.ReplaceAll(redacted, d.matchedValue, redactedPlaceholder)
	}
	ctx.Logger.Info("data-leak-prevention: redacted sensitive items", "path", resp.Path, "count", len(found))
	return resp.WithBody(redacted)
}

func luhnCheck(number string) bool {
	var digits []int
	for _, r := range number {
		if r < '0' || r > '9' {
			continue
		}
		digits = append(digits, int(r-'0'))
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	alternate := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := digits[i]
		if alternate {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		alternate = !alternate
	}
	return sum%10 == 0
}

func isAuthPath(path string) bool {
	if path == "" {
		return false
	}
	if _, ok := authPaths[path]; ok {
		return true
	}
	lower := strings.ToLower(path)
	return strings.Contains(lower, "/login") || strings.Contains(lower, "/auth/") ||
		strings.Contains(lower, "/token") || strings.Contains(lower, "/oauth")
}

// moduleMode returns the configured mode, upper-cased, and whether it was
// explicitly set (as opposed to defaulted).
func moduleMode(ctx *modctx.Context) (string, bool) {
	cfg := ctx.Config.ModuleConfig(id)
	val, ok := cfg["mode"]
	if !ok {
		return "LOG", false
	}
	if s, ok := val.(string); ok && s != "" {
		return strings.ToUpper(s), true
	}
	return "LOG", false
}

func preview(value string) string {
	if len(value) <= 8 {
		return value
	}
	return value[:4] + "..." + value[len(value)-4:]
}
