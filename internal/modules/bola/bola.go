// Package bola implements the BOLA-Detection module: detecting
// object-level-authorization abuse by watching how many distinct
// resource ids an authenticated user touches, and whether they are
// walking ids sequentially.
package bola

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/tapeshchavle/sentinai/internal/events"
	"github.com/tapeshchavle/sentinai/internal/module"
)

const (
	ID    = "bola-detection"
	Order = 300

	defaultUniqueIDThreshold = 15
	defaultSequentialThreshold = 5
	batchDistinctThreshold   = 10

	trackingWindow   = 10 * time.Minute
	userBlockDuration = 60 * time.Minute
	idBlockDuration    = 30 * time.Minute
)

var numericIDPath = regexp.MustCompile(`^/api/[^/]+/(\d+)$`)
var uuidIDPath = regexp.MustCompile(`(?i)^/api/[^/]+/([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)

// Module is the BOLA-Detection detector.
type Module struct {
	module.DefaultEnabled
	module.NoopResponseAnalyzer
}

// New constructs the BOLA-Detection module.
func New() *Module {
	return &Module{DefaultEnabled: module.DefaultEnabled{ModuleID: ID}}
}

func (m *Module) ID() string   { return ID }
func (m *Module) Name() string { return "BOLA-Detection" }
func (m *Module) Order() int   { return Order }

// extractResourceID matches paths of the shape
// /api/<word>/<numeric or canonical uuid>. Returns the id and whether
// it is numeric.
func extractResourceID(path string) (id string, numeric bool, matched bool) {
	if m := numericIDPath.FindStringSubmatch(path); m != nil {
		return m[1], true, true
	}
	if m := uuidIDPath.FindStringSubmatch(path); m != nil {
		return m[1], false, true
	}
	return "", false, false
}

func (m *Module) AnalyzeRequest(ctx context.Context, event events.RequestEvent, mctx *module.Context) events.ThreatVerdict {
	if !event.HasUserID {
		return events.SafeVerdict(ID)
	}
	resourceID, numeric, matched := extractResourceID(event.Path)
	if !matched {
		return events.SafeVerdict(ID)
	}
	userID := event.UserID
	selfBlockKey := "bola:user:" + userID

	// Step 1: already-blocked users are shut down immediately. This
	// reads the same synthetic key the block verdicts below write, so
	// the engine's store write in steps 3/4 rendezvouses with this
	// check on the user's next request.
	blocked, err := mctx.Store.IsBlocked(ctx, selfBlockKey)
	if err != nil {
		mctx.Logger.ErrorWithContext(ctx, "bola: store error checking user block", map[string]interface{}{"error": err.Error()})
		return events.SafeVerdict(ID)
	}
	if blocked {
		return events.BlockVerdict(ID, "user previously blocked for BOLA activity", selfBlockKey, int(userBlockDuration.Seconds()))
	}

	uniqueThreshold := mctx.Config.ModuleOptionInt(ID, "unique-id-threshold", defaultUniqueIDThreshold)
	sequentialThreshold := mctx.Config.ModuleOptionInt(ID, "sequential-threshold", defaultSequentialThreshold)

	// Step 2/3: true distinct-resource-id counting via a KV-TTL
	// first-insert marker — a plain per-id counter would over-count
	// repeat visits to the same resource instead of counting distinct
	// ones.
	idMarkerKey := fmt.Sprintf("bola:user:%s:ids:%s", userID, resourceID)
	_, alreadySeen, err := mctx.Store.Get(ctx, idMarkerKey)
	if err != nil {
		mctx.Logger.ErrorWithContext(ctx, "bola: store error checking id marker", map[string]interface{}{"error": err.Error()})
	}
	if !alreadySeen {
		if err := mctx.Store.Put(ctx, idMarkerKey, "1", trackingWindow); err != nil {
			mctx.Logger.ErrorWithContext(ctx, "bola: store error writing id marker", map[string]interface{}{"error": err.Error()})
		}
		total, err := mctx.Store.IncrementCounter(ctx, "bola:user:"+userID+":ids:total", trackingWindow)
		if err != nil {
			mctx.Logger.ErrorWithContext(ctx, "bola: store error incrementing total", map[string]interface{}{"error": err.Error()})
		}
		if int(total) > uniqueThreshold {
			return events.BlockVerdict(ID, fmt.Sprintf("accessed %d distinct resource ids", total), selfBlockKey, int(idBlockDuration.Seconds()))
		}
	}

	// Step 4: sequential-id enumeration over numeric ids only.
	if numeric {
		n, convErr := strconv.ParseInt(resourceID, 10, 64)
		if convErr == nil {
			lastKey := "bola:seq:" + userID + ":last"
			countKey := "bola:seq:" + userID + ":count"

			lastStr, hasLast, err := mctx.Store.Get(ctx, lastKey)
			if err != nil {
				mctx.Logger.ErrorWithContext(ctx, "bola: store error reading sequence state", map[string]interface{}{"error": err.Error()})
			}

			sequential := false
			if hasLast {
				if last, convErr := strconv.ParseInt(lastStr, 10, 64); convErr == nil {
					sequential = n == last+1 || n == last-1
				}
			}

			if sequential {
				count := 0
				countStr, _, err := mctx.Store.Get(ctx, countKey)
				if err != nil {
					mctx.Logger.ErrorWithContext(ctx, "bola: store error reading sequence count", map[string]interface{}{"error": err.Error()})
				}
				if parsed, convErr := strconv.Atoi(countStr); convErr == nil {
					count = parsed
				}
				count++
				if err := mctx.Store.Put(ctx, countKey, strconv.Itoa(count), trackingWindow); err != nil {
					mctx.Logger.ErrorWithContext(ctx, "bola: store error incrementing sequence count", map[string]interface{}{"error": err.Error()})
				}
				if err := mctx.Store.Put(ctx, lastKey, resourceID, trackingWindow); err != nil {
					mctx.Logger.ErrorWithContext(ctx, "bola: store error updating last id", map[string]interface{}{"error": err.Error()})
				}
				if count >= sequentialThreshold {
					return events.BlockVerdict(ID, "Sequential ID enumeration detected", selfBlockKey, int(idBlockDuration.Seconds()))
				}
			} else {
				if err := mctx.Store.Put(ctx, countKey, "0", trackingWindow); err != nil {
					mctx.Logger.ErrorWithContext(ctx, "bola: store error resetting sequence count", map[string]interface{}{"error": err.Error()})
				}
				if err := mctx.Store.Put(ctx, lastKey, resourceID, trackingWindow); err != nil {
					mctx.Logger.ErrorWithContext(ctx, "bola: store error updating last id", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}

	return events.SafeVerdict(ID)
}

// AnalyzeBatch flags any user who touched more than
// batchDistinctThreshold distinct resource ids within the submitted
// batch.
func (m *Module) AnalyzeBatch(_ context.Context, batch []events.RequestEvent, _ *module.Context) []events.ThreatVerdict {
	seen := map[string]map[string]struct{}{}
	for _, e := range batch {
		if !e.HasUserID {
			continue
		}
		resourceID, _, matched := extractResourceID(e.Path)
		if !matched {
			continue
		}
		ids, ok := seen[e.UserID]
		if !ok {
			ids = map[string]struct{}{}
			seen[e.UserID] = ids
		}
		ids[resourceID] = struct{}{}
	}

	var verdicts []events.ThreatVerdict
	for userID, ids := range seen {
		if len(ids) > batchDistinctThreshold {
			v := events.LogVerdict(ID, fmt.Sprintf("accessed %d distinct resources in batch", len(ids)), events.Medium)
			v.Target = userID
			v.HasTarget = true
			verdicts = append(verdicts, v)
		}
	}
	return verdicts
}
