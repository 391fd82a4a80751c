// Package costprotection implements SentinAI's Cost-Protection module,
// priority 900: throttles calls to AI-backed endpoints once an estimated
// daily spend or a per-user daily call count crosses a configured budget.
// Daily spend is tracked through the decision store's shared counter
// rather than an in-process total — a per-process counter would silently
// reset per instance behind a load balancer, defeating the point of a
// shared budget.
package costprotection

import (
	"fmt"
	"strings"
	"time"

	"github.com/sentinai/sentinai/internal/eventmodel"
	"github.com/sentinai/sentinai/internal/modctx"
	"github.com/sentinai/sentinai/internal/registry"
)

const id = "cost-protection"

const (
	defaultDailyLimit      = 50.0
	defaultPerUserLimit    = 100
	defaultCostPerRequest  = 0.003
	defaultAlertThreshold  = 0.8
	dailyWindow            = 24 * time.Hour
)

var aiPathSubstrings = []string{"/chat", "/summarize", "/generate", "/ai/", "/completion", "/predict"}

// Module is the Cost-Protection detector. Unlike the other bundled
// modules it is disabled unless explicitly configured — a silent default
// budget would throttle traffic the operator never asked it to watch.
type Module struct {
	registry.DefaultModule
}

// New builds the Cost-Protection module.
func New() *Module {
	return &Module{DefaultModule: registry.DefaultModule{ModuleID: id}}
}

func (m *Module) Name() string { return "Cost Protection" }
func (m *Module) Order() int   { return 900 }

// IsEnabled requires an explicit budget — a bare daily-limit entry, or an
// explicit enabled flag on the module's own config section.
func (m *Module) IsEnabled(ctx *modctx.Context) bool {
	cfg := ctx.Config.ModuleConfig(id)
	if _, ok := cfg["daily-limit"]; ok {
		return true
	}
	return ctx.Config.HasModuleSection(id) && ctx.Config.IsEnabled(id)
}

func (m *Module) AnalyzeRequest(event eventmodel.RequestEvent, ctx *modctx.Context) eventmodel.ThreatVerdict {
	if !isAIEndpoint(event.Path) {
		return eventmodel.Safe(id)
	}

	dailyLimit := floatOption(ctx, "daily-limit", defaultDailyLimit)
	costPerRequest := floatOption(ctx, "cost-per-request", defaultCostPerRequest)

	dailyKey := "cp:daily:" + currentDay()
	currentDaily, err := ctx.Store.GetCounter(dailyKey)
	if err != nil {
		ctx.Logger.Error("cost-protection: store fault reading daily counter", "error", err)
		return eventmodel.Safe(id)
	}
	// Spend is estimated against what the counter would become if this
	// request is admitted, so a request that ends up throttled never
	// consumes a slot of the daily budget.
	estimatedSpend := float64(currentDaily+1) * costPerRequest

	if estimatedSpend >= dailyLimit {
		ctx.Logger.Warn("cost-protection: daily budget exceeded",
			"spend", estimatedSpend, "limit", dailyLimit)
		return eventmodel.Throttle(id,
			fmt.Sprintf("Daily AI budget exceeded ($%.2f/$%.0f)", estimatedSpend, dailyLimit),
			event.SourceIP)
	}

	alertThreshold := floatOption(ctx, "alert-threshold", defaultAlertThreshold)
	if estimatedSpend >= dailyLimit*alertThreshold {
		ctx.Logger.Warn("cost-protection: budget alert",
			"spend", estimatedSpend, "limit", dailyLimit,
			"percent", (estimatedSpend/dailyLimit)*100)
	}

	if event.UserID != nil {
		perUserLimit := intOption(ctx, "per-user-limit", defaultPerUserLimit)
		userKey := "cp:user:" + *event.UserID
		userCount, err := ctx.Store.IncrementCounter(userKey, dailyWindow)
		if err != nil {
			ctx.Logger.Error("cost-protection: store fault incrementing user counter", "error", err)
			return eventmodel.Safe(id)
		}
		if userCount > int64(perUserLimit) {
			ctx.Logger.Warn("cost-protection: user exceeded daily AI limit",
				"user", *event.UserID, "count", userCount, "limit", perUserLimit)
			return eventmodel.Throttle(id,
				fmt.Sprintf("User daily AI limit exceeded (%d/%d)", userCount, perUserLimit),
				"user:"+*event.UserID)
		}
	}

	if _, err := ctx.Store.IncrementCounter(dailyKey, dailyWindow); err != nil {
		ctx.Logger.Error("cost-protection: store fault incrementing daily counter", "error", err)
	}

	return eventmodel.Safe(id)
}

func isAIEndpoint(path string) bool {
	lower := strings.ToLower(path)
	for _, s := range aiPathSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func currentDay() string {
	return time.Now().UTC().Format("2006-01-02")
}

func floatOption(ctx *modctx.Context, key string, def float64) float64 {
	cfg := ctx.Config.ModuleConfig(id)
	val, ok := cfg[key]
	if !ok {
		return def
	}
	switch v := val.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
			return f
		}
	}
	return def
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
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
