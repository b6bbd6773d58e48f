// Package costprotection implements the Cost-Protection module:
// throttling requests to AI-cost-bearing endpoints once a daily spend
// estimate or a per-user request count crosses a configured ceiling.
// It only activates when explicitly configured.
package costprotection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tapeshchavle/sentinai/internal/events"
	"github.com/tapeshchavle/sentinai/internal/module"
)

const (
	ID    = "cost-protection"
	Order = 900

	defaultCostPerRequest = 0.003
	defaultDailyLimit     = 50.0
	defaultAlertThreshold = 0.8
	defaultPerUserLimit   = 100

	perUserWindow = 24 * time.Hour
)

var costlyPathMarkers = []string{"/chat", "/summarize", "/generate", "/ai/", "/completion", "/predict"}

func inScope(path string) bool {
	lower := strings.ToLower(path)
	for _, marker := range costlyPathMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Module is the Cost-Protection detector. Its daily counter is
// process-local by design: sharing it through the decision store would
// require consulting the store on every request in scope just to read
// the running total, which is unnecessary given the daily counter only
// needs to be roughly accurate per instance.
type Module struct {
	module.NoopResponseAnalyzer
	module.NoopBatchAnalyzer

	mu          sync.Mutex
	day         string
	dailyCount  int64
}

// New constructs the Cost-Protection module.
func New() *Module {
	return &Module{}
}

func (m *Module) ID() string   { return ID }
func (m *Module) Name() string { return "Cost-Protection" }
func (m *Module) Order() int   { return Order }

// IsEnabled is an explicit opt-in: the module only runs when its
// configuration section is present at all, not merely when it
// defaults to enabled.
func (m *Module) IsEnabled(mctx *module.Context) bool {
	return mctx.Config.ModuleConfigured(ID) && mctx.Config.ModuleEnabled(ID)
}

func (m *Module) AnalyzeRequest(ctx context.Context, event events.RequestEvent, mctx *module.Context) events.ThreatVerdict {
	if !inScope(event.Path) {
		return events.SafeVerdict(ID)
	}

	costPerRequest := mctx.Config.ModuleOptionFloat(ID, "cost-per-request", defaultCostPerRequest)
	dailyLimit := mctx.Config.ModuleOptionFloat(ID, "daily-limit", defaultDailyLimit)
	alertThreshold := mctx.Config.ModuleOptionFloat(ID, "alert-threshold", defaultAlertThreshold)
	perUserLimit := mctx.Config.ModuleOptionInt(ID, "per-user-limit", defaultPerUserLimit)

	dailyCount := m.rolloverAndPeek(time.Now())
	estimatedSpend := float64(dailyCount) * costPerRequest
	if estimatedSpend >= dailyLimit {
		return events.ThrottleVerdict(ID, fmt.Sprintf("daily spend estimate $%.2f exceeds limit $%.2f", estimatedSpend, dailyLimit), event.SourceIP)
	}
	if estimatedSpend >= alertThreshold*dailyLimit {
		mctx.Logger.WarnWithContext(ctx, "cost-protection: approaching daily limit", map[string]interface{}{
			"estimated_spend": estimatedSpend,
			"daily_limit":     dailyLimit,
		})
	}

	if event.HasUserID {
		count, err := mctx.Store.IncrementCounter(ctx, "cp:user:"+event.UserID, perUserWindow)
		if err != nil {
			mctx.Logger.ErrorWithContext(ctx, "cost-protection: store error incrementing per-user counter", map[string]interface{}{"error": err.Error()})
			return events.SafeVerdict(ID)
		}
		if int(count) > perUserLimit {
			return events.ThrottleVerdict(ID, fmt.Sprintf("%d requests in 24h exceeds per-user limit %d", count, perUserLimit), "user:"+event.UserID)
		}
		return events.SafeVerdict(ID)
	}

	m.incrementDaily()
	return events.SafeVerdict(ID)
}

// rolloverAndPeek resets the in-process daily counter when the
// calendar day has changed and returns the count as of that moment.
func (m *Module) rolloverAndPeek(now time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	today := now.Format("2006-01-02")
	if m.day != today {
		m.day = today
		m.dailyCount = 0
	}
	return m.dailyCount
}

func (m *Module) incrementDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyCount++
}
