package costprotection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tapeshchavle/sentinai/internal/config"
	"github.com/tapeshchavle/sentinai/internal/events"
	"github.com/tapeshchavle/sentinai/internal/logging"
	"github.com/tapeshchavle/sentinai/internal/module"
	"github.com/tapeshchavle/sentinai/internal/store"
)

func newTestContext(cfg *config.Config) *module.Context {
	return &module.Context{Store: store.NewInMemory(), Config: cfg, Logger: logging.NoOp{}}
}

func TestInScope(t *testing.T) {
	assert.True(t, inScope("/api/chat/completions"))
	assert.True(t, inScope("/v1/ai/generate"))
	assert.False(t, inScope("/api/orders"))
}

func TestModule_IsEnabled_OptInOnlyWhenConfigured(t *testing.T) {
	m := New()
	cfg := config.Default()

	assert.False(t, m.IsEnabled(newTestContext(cfg)), "must stay disabled until explicitly configured")

	cfg.Modules = map[string]config.ModuleConfig{ID: {Enabled: true}}
	assert.True(t, m.IsEnabled(newTestContext(cfg)))

	cfg.Modules = map[string]config.ModuleConfig{ID: {Enabled: false}}
	assert.False(t, m.IsEnabled(newTestContext(cfg)), "explicit disable is honored once configured")
}

func TestModule_AnalyzeRequest_IgnoresOutOfScopePaths(t *testing.T) {
	m := New()
	mctx := newTestContext(config.Default())

	v := m.AnalyzeRequest(context.Background(), events.RequestEvent{Path: "/api/orders"}, mctx)
	assert.False(t, v.IsThreat())
}

func TestModule_AnalyzeRequest_ThrottlesOnceDailySpendEstimateExceedsLimit(t *testing.T) {
	m := New()
	cfg := config.Default()
	cfg.Modules = map[string]config.ModuleConfig{
		ID: {Enabled: true, Config: map[string]interface{}{
			"cost-per-request": 1.0,
			"daily-limit":      3.0,
		}},
	}
	mctx := newTestContext(cfg)
	ctx := context.Background()

	var last events.ThreatVerdict
	for i := 0; i < 4; i++ {
		last = m.AnalyzeRequest(ctx, events.RequestEvent{Path: "/api/chat"}, mctx)
	}

	assert.Equal(t, events.Throttle, last.Action)
	assert.Contains(t, last.Reason, "daily spend estimate")
}

func TestModule_AnalyzeRequest_PerUserLimitThrottlesIndependentlyOfDailySpend(t *testing.T) {
	m := New()
	cfg := config.Default()
	cfg.Modules = map[string]config.ModuleConfig{
		ID: {Enabled: true, Config: map[string]interface{}{"per-user-limit": 2}},
	}
	mctx := newTestContext(cfg)
	ctx := context.Background()

	event := events.RequestEvent{Path: "/api/chat", UserID: "alice", HasUserID: true}

	v1 := m.AnalyzeRequest(ctx, event, mctx)
	v2 := m.AnalyzeRequest(ctx, event, mctx)
	v3 := m.AnalyzeRequest(ctx, event, mctx)

	assert.False(t, v1.IsThreat())
	assert.False(t, v2.IsThreat())
	assert.Equal(t, events.Throttle, v3.Action)
	assert.Equal(t, "user:alice", v3.Target)
}

func TestModule_AnalyzeRequest_UserScopedRequestsDoNotFeedTheDailyCounter(t *testing.T) {
	m := New()
	cfg := config.Default()
	cfg.Modules = map[string]config.ModuleConfig{
		ID: {Enabled: true, Config: map[string]interface{}{
			"cost-per-request": 1.0,
			"daily-limit":      1.0,
			"per-user-limit":   1000,
		}},
	}
	mctx := newTestContext(cfg)
	ctx := context.Background()

	event := events.RequestEvent{Path: "/api/chat", UserID: "bob", HasUserID: true}
	for i := 0; i < 5; i++ {
		v := m.AnalyzeRequest(ctx, event, mctx)
		assert.False(t, v.IsThreat(), "per-user traffic should not trip the anonymous daily-spend estimate")
	}
}

func TestModule_AnalyzeRequest_DailyCounterResetsOnRollover(t *testing.T) {
	m := New()
	m.day = "2020-01-01"
	m.dailyCount = 1000

	got := m.rolloverAndPeek(time.Now())
	assert.Equal(t, int64(0), got, "a new calendar day must reset the counter before peeking")
}
