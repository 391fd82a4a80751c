// Package credguard implements SentinAI's Credential-Guard module: brute
// force and credential-stuffing detection on login endpoints, priority 100.
package credguard

import (
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sentinai/sentinai/internal/eventmodel"
	"github.com/sentinai/sentinai/internal/modctx"
	"github.com/sentinai/sentinai/internal/registry"
)

const id = "credential-guard"

const (
	window              = 5 * time.Minute
	blockDuration       = 30 * time.Minute
	defaultPerUsername  = 10
	defaultPerFingerprint = 20
	defaultGlobalSpike  = 500
)

var loginSubstrings = []string{"/login", "/auth", "/signin", "/token", "/authenticate"}

var usernamePattern = regexp.MustCompile(`"username"\s*:\s*"([^"]*)"`)

// Module is the Credential-Guard detector.
type Module struct {
	registry.DefaultModule
}

// New builds the Credential-Guard module.
func New() *Module {
	return &Module{DefaultModule: registry.DefaultModule{ModuleID: id}}
}

func (m *Module) Name() string { return "Credential Guard" }
func (m *Module) Order() int   { return 100 }

func (m *Module) AnalyzeRequest(event eventmodel.RequestEvent, ctx *modctx.Context) eventmodel.ThreatVerdict {
	if !isLoginAttempt(event) {
		return eventmodel.Safe(id)
	}

	fingerprint := computeFingerprint(event)
	blocked, err := ctx.Store.IsBlocked("cg:fp:" + fingerprint)
	if err != nil {
		ctx.Logger.Error("credential-guard: store fault on fingerprint check", "error", err)
		return eventmodel.Safe(id)
	}
	if blocked {
		return eventmodel.Block(id, "Fingerprint blocked due to credential stuffing",
			event.SourceIP, int(blockDuration.Seconds()))
	}

	return eventmodel.Safe(id)
}

func (m *Module) AnalyzeResponse(resp eventmodel.ResponseEvent, ctx *modctx.Context) eventmodel.ResponseEvent {
	if !isLoginPath(resp.Path) || !isLoginFailure(resp.StatusCode) {
		return resp
	}

	if _, err := ctx.Store.IncrementCounter("cg:path:"+resp.Path, window); err != nil {
		ctx.Logger.Error("credential-guard: store fault incrementing path counter", "error", err)
	}
	if _, err := ctx.Store.IncrementCounter("cg:global:failures", window); err != nil {
		ctx.Logger.Error("credential-guard: store fault incrementing global counter", "error", err)
	}
	return resp
}

func (m *Module) AnalyzeBatch(events []eventmodel.RequestEvent, ctx *modctx.Context) []eventmodel.ThreatVerdict {
	var verdicts []eventmodel.ThreatVerdict

	for _, event := range events {
		if !isLoginAttempt(event) || !isLoginFailure(event.ResponseStatus) {
			continue
		}

		fingerprint := computeFingerprint(event)
		fpKey := "cg:fp:" + fingerprint
		fpCount, err := ctx.Store.IncrementCounter(fpKey, window)
		if err != nil {
			ctx.Logger.Error("credential-guard: store fault on fingerprint counter", "error", err)
			continue
		}
		if fpCount >= int64(perFingerprintThreshold(ctx)) {
			verdicts = append(verdicts, eventmodel.Block(id,
				"Credential stuffing: "+strconv.FormatInt(fpCount, 10)+" failed attempts",
				fpKey, int(blockDuration.Seconds())))
		}

		if username := extractUsername(event); username != "" {
			userKey := "cg:user:" + username
			userCount, err := ctx.Store.IncrementCounter(userKey, window)
			if err != nil {
				ctx.Logger.Error("credential-guard: store fault on username counter", "error", err)
				continue
			}
			if userCount >= int64(perUsernameThreshold(ctx)) {
				verdicts = append(verdicts, eventmodel.Block(id,
					"Brute force attack: "+strconv.FormatInt(userCount, 10)+" failed attempts on user",
					userKey, int(blockDuration.Seconds())))
			}
		}
	}

	globalFailures, err := ctx.Store.GetCounter("cg:global:failures")
	if err != nil {
		ctx.Logger.Error("credential-guard: store fault reading global counter", "error", err)
		return verdicts
	}
	if globalFailures > int64(globalSpikeThreshold(ctx)) {
		verdicts = append(verdicts, eventmodel.LogVerdict(id,
			"Global login failure spike: "+strconv.FormatInt(globalFailures, 10)+" failures in window",
			"global", eventmodel.LevelMedium))
	}

	return verdicts
}

func isLoginAttempt(event eventmodel.RequestEvent) bool {
	return strings.EqualFold(event.Method, "POST") && isLoginPath(event.Path)
}

func isLoginPath(path string) bool {
	lower := strings.ToLower(path)
	for _, s := range loginSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func isLoginFailure(status int) bool {
	return status == 400 || status == 401 || status == 403
}

// computeFingerprint hashes user-agent|accept-language|accept into a stable
// hex token so the same browser/client is recognized across IPs.
func computeFingerprint(event eventmodel.RequestEvent) string {
	acceptLang, _ := event.Header("accept-language")
	accept, _ := event.Header("accept")
	h := fnv.New32a()
	h.Write([]byte(event.UserAgent + "|" + acceptLang + "|" + accept))
	return strconv.FormatUint(uint64(h.Sum32()), 16)
}

// extractUsername pulls a "username" field out of a JSON-shaped login body
// without a full JSON parse — deliberately tolerant, matching the module's
// best-effort approach to a field it doesn't own the schema of.
func extractUsername(event eventmodel.RequestEvent) string {
	if event.Body == nil {
		return ""
	}
	match := usernamePattern.FindStringSubmatch(*event.Body)
	if match == nil {
		return ""
	}
	return match[1]
}

func perUsernameThreshold(ctx *modctx.Context) int {
	return intOption(ctx, "per-username-failures", defaultPerUsername)
}

func perFingerprintThreshold(ctx *modctx.Context) int {
	return intOption(ctx, "per-fingerprint-failures", defaultPerFingerprint)
}

func globalSpikeThreshold(ctx *modctx.Context) int {
	return intOption(ctx, "global-failure-spike", defaultGlobalSpike)
}

func intOption(ctx *modctx.Context, key string, def int) int {
	cfg := ctx.Config.ModuleConfig(id)
	val, ok := cfg[key]
	if !ok {
		return def
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
