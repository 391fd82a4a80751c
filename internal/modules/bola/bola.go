// Package bola implements SentinAI's BOLA-Detection module, priority 300:
// flags broken object-level authorization by watching how many distinct
// resource IDs a user touches in a tracking window and whether those IDs
// walk sequentially (1, 2, 3, ...). Two things are worth spelling out:
//
//   - Distinct-ID counting only advances the first time a resource ID is
//     seen in the window — a per-ID KV marker with the window's TTL gates
//     the increment, so repeat visits to the same resource never count as
//     new enumeration.
//   - The sequential streak is kept as a single KV-stored integer end to
//     end, rather than splitting it across the store's counter and KV
//     classes.
package bola

import (
	"regexp"
	"strconv"
	"time"

	"github.com/sentinai/sentinai/internal/eventmodel"
	"github.com/sentinai/sentinai/internal/modctx"
	"github.com/sentinai/sentinai/internal/registry"
)

const id = "bola-detection"

var (
	numericIDPattern = regexp.MustCompile(`/api/\w+/([0-9]+)`)
	uuidIDPattern     = regexp.MustCompile(`/api/\w+/([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`)
)

const (
	trackingWindow            = 10 * time.Minute
	blockDuration             = 60 * time.Minute
	sequentialBlockDuration   = 30 * time.Minute
	defaultUniqueIDThreshold  = 15
	defaultSequentialThreshold = 5
	batchUniqueIDThreshold    = 10
)

// Module is the BOLA-Detection detector, enabled by default like the rest
// of the bundled set; an explicit config section can still disable it or
// override its thresholds.
type Module struct {
	registry.DefaultModule
}

// New builds the BOLA-Detection module.
func New() *Module {
	return &Module{DefaultModule: registry.DefaultModule{ModuleID: id}}
}

func (m *Module) Name() string { return "BOLA Detection" }
func (m *Module) Order() int   { return 300 }

func (m *Module) AnalyzeRequest(event eventmodel.RequestEvent, ctx *modctx.Context) eventmodel.ThreatVerdict {
	if event.UserID == nil {
		return eventmodel.Safe(id)
	}
	resourceID := extractResourceID(event.Path)
	if resourceID == "" {
		return eventmodel.Safe(id)
	}

	userID := *event.UserID
	userKey := "bola:user:" + userID
	idsKey := userKey + ":ids"

	blocked, err := ctx.Store.IsBlocked(userKey)
	if err != nil {
		ctx.Logger.Error("bola-detection: store fault on block check", "error", err)
		return eventmodel.Safe(id)
	}
	if blocked {
		return eventmodel.Block(id, "User blocked for BOLA attack", userID, int(blockDuration.Seconds()))
	}

	totalUnique, err := trackUniqueAccess(ctx, idsKey, resourceID)
	if err != nil {
		ctx.Logger.Error("bola-detection: store fault tracking unique access", "error", err)
		return eventmodel.Safe(id)
	}

	uniqueThreshold := uniqueIDThreshold(ctx)
	if totalUnique > int64(uniqueThreshold) {
		ctx.Logger.Warn("bola-detection: possible enumeration",
			"user", userID, "unique_ids", totalUnique, "window", trackingWindow)
		return eventmodel.Block(id,
			"BOLA: User accessed "+strconv.FormatInt(totalUnique, 10)+" unique IDs in "+trackingWindow.String(),
			userID, int(sequentialBlockDuration.Seconds()))
	}

	if currentID, ok := parseInt64(resourceID); ok {
		seqCount, err := trackSequentialAccess(ctx, userID, currentID)
		if err != nil {
			ctx.Logger.Error("bola-detection: store fault tracking sequential access", "error", err)
			return eventmodel.Safe(id)
		}
		seqThreshold := sequentialThreshold(ctx)
		if seqCount >= int64(seqThreshold) {
			ctx.Logger.Warn("bola-detection: sequential ID enumeration", "user", userID, "streak", seqCount)
			return eventmodel.Block(id,
				"BOLA: Sequential ID enumeration detected ("+strconv.FormatInt(seqCount, 10)+" consecutive IDs)",
				userID, int(sequentialBlockDuration.Seconds()))
		}
	}

	return eventmodel.Safe(id)
}

func (m *Module) AnalyzeBatch(events []eventmodel.RequestEvent, ctx *modctx.Context) []eventmodel.ThreatVerdict {
	byUser := make(map[string]map[string]struct{})
	for _, e := range events {
		if e.UserID == nil {
			continue
		}
		resourceID := extractResourceID(e.Path)
		if resourceID == "" {
			continue
		}
		set, ok := byUser[*e.UserID]
		if !ok {
			set = make(map[string]struct{})
			byUser[*e.UserID] = set
		}
		set[resourceID] = struct{}{}
	}

	var verdicts []eventmodel.ThreatVerdict
	for userID, set := range byUser {
		if len(set) > batchUniqueIDThreshold {
			verdicts = append(verdicts, eventmodel.LogVerdict(id,
				"Batch analysis: user '"+userID+"' accessed "+strconv.Itoa(len(set))+" unique IDs",
				userID, eventmodel.LevelMedium))
		}
	}
	return verdicts
}

func extractResourceID(path string) string {
	// UUIDs are tried first: a UUID that starts with digits would otherwise
	// be cut short by the numeric pattern.
	if m := uuidIDPattern.FindStringSubmatch(path); m != nil {
		return m[1]
	}
	if m := numericIDPattern.FindStringSubmatch(path); m != nil {
		return m[1]
	}
	return ""
}

func parseInt64(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// trackUniqueAccess increments the user's distinct-ID total only the first
// time resourceID is seen within the tracking window.
func trackUniqueAccess(ctx *modctx.Context, idsKey, resourceID string) (int64, error) {
	markerKey := idsKey + ":" + resourceID
	_, seen, err := ctx.Store.Get(markerKey)
	if err != nil {
		return 0, err
	}
	if seen {
		return ctx.Store.GetCounter(idsKey + ":total")
	}
	if err := ctx.Store.Put(markerKey, "1", trackingWindow); err != nil {
		return 0, err
	}
	return ctx.Store.IncrementCounter(idsKey+":total", trackingWindow)
}

func trackSequentialAccess(ctx *modctx.Context, userID string, currentID int64) (int64, error) {
	lastIDKey := "bola:seq:" + userID + ":last"
	seqCountKey := "bola:seq:" + userID + ":count"

	lastID := int64(-1)
	if lastIDStr, ok, err := ctx.Store.Get(lastIDKey); err != nil {
		return 0, err
	} else if ok {
		if parsed, ok := parseInt64(lastIDStr); ok {
			lastID = parsed
		}
	}

	seqCount := int64(0)
	if seqCountStr, ok, err := ctx.Store.Get(seqCountKey); err != nil {
		return 0, err
	} else if ok {
		if parsed, ok := parseInt64(seqCountStr); ok {
			seqCount = parsed
		}
	}

	var newCount int64
	if currentID == lastID+1 || currentID == lastID-1 {
		newCount = seqCount + 1
	} else {
		newCount = 0
	}

	if err := ctx.Store.Put(lastIDKey, strconv.FormatInt(currentID, 10), trackingWindow); err != nil {
		return 0, err
	}
	if err := ctx.Store.Put(seqCountKey, strconv.FormatInt(newCount, 10), trackingWindow); err != nil {
		return 0, err
	}
	return newCount, nil
}

func uniqueIDThreshold(ctx *modctx.Context) int {
	return intOption(ctx, "unique-id-threshold", defaultUniqueIDThreshold)
}

func sequentialThreshold(ctx *modctx.Context) int {
	return intOption(ctx, "sequential-threshold", defaultSequentialThreshold)
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
