package filter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeshchavle/sentinai/internal/ai"
	"github.com/tapeshchavle/sentinai/internal/config"
	"github.com/tapeshchavle/sentinai/internal/engine"
	"github.com/tapeshchavle/sentinai/internal/events"
	"github.com/tapeshchavle/sentinai/internal/logging"
	"github.com/tapeshchavle/sentinai/internal/module"
	"github.com/tapeshchavle/sentinai/internal/modules/dlp"
	"github.com/tapeshchavle/sentinai/internal/store"
)

// capturingModule is a minimal module.Module used to observe exactly
// what RequestEvent the adapter built, and/or to return a fixed
// verdict, without pulling in any of the real detection modules.
type capturingModule struct {
	module.NoopResponseAnalyzer
	module.NoopBatchAnalyzer

	verdict events.ThreatVerdict
	seen    *events.RequestEvent
}

func (c *capturingModule) ID() string                        { return "capture" }
func (c *capturingModule) Name() string                       { return "Capture" }
func (c *capturingModule) Order() int                         { return 100 }
func (c *capturingModule) IsEnabled(*module.Context) bool     { return true }
func (c *capturingModule) AnalyzeRequest(_ context.Context, event events.RequestEvent, _ *module.Context) events.ThreatVerdict {
	if c.seen != nil {
		*c.seen = event
	}
	return c.verdict
}

func newTestAdapter(t *testing.T, cfg *config.Config, identity IdentityFunc, modules ...module.Module) *Adapter {
	t.Helper()
	st := store.NewInMemory()
	registry := module.NewRegistry(modules)
	analyzer := ai.NewAnalyzer(nil, logging.NoOp{})
	eng := engine.New(cfg, st, registry, analyzer, logging.NoOp{})
	t.Cleanup(eng.Close)
	return New(cfg, eng, logging.NoOp{}, identity)
}

func TestAdapter_ActiveMode_BlockVerdictReturns403WithExactBody(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = config.ModeActive
	m := &capturingModule{verdict: events.BlockVerdict("capture", "Dangerous query pattern detected", "1.2.3.4", 600)}
	a := newTestAdapter(t, cfg, nil, m)

	downstreamCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { downstreamCalled = true })

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=x", nil)
	rec := httptest.NewRecorder()
	a.Wrap(next).ServeHTTP(rec, req)

	assert.False(t, downstreamCalled, "a blocked request must never reach the downstream handler")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Request blocked by SentinAI", body["error"])
	assert.Equal(t, "Dangerous query pattern detected", body["reason"])
	assert.Len(t, body["requestId"], 8, "request id is an 8-char opaque token")
}

func TestAdapter_ActiveMode_ThrottleVerdictReturns429(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = config.ModeActive
	m := &capturingModule{verdict: events.ThrottleVerdict("capture", "too many requests", "5.5.5.5")}
	a := newTestAdapter(t, cfg, nil, m)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("downstream must not run once throttled")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	rec := httptest.NewRecorder()
	a.Wrap(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "too many requests", body["reason"])
}

func TestAdapter_MonitorMode_ThreatVerdictNeverBlocks(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = config.ModeMonitor
	m := &capturingModule{verdict: events.BlockVerdict("capture", "would have blocked", "1.2.3.4", 600)}
	a := newTestAdapter(t, cfg, nil, m)

	downstreamCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downstreamCalled = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	rec := httptest.NewRecorder()
	a.Wrap(next).ServeHTTP(rec, req)

	assert.True(t, downstreamCalled, "monitor mode must never deny the request")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdapter_DLPRedaction_RewritesResponseBodyReachingTheClient(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = config.ModeActive
	cfg.Modules = map[string]config.ModuleConfig{
		dlp.ID: {Enabled: true, Config: map[string]interface{}{"mode": "REDACT"}},
	}
	a := newTestAdapter(t, cfg, nil, dlp.New())

	hash := "$2a$10$" + strings.Repeat("x", 53)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"name":"Jo","password_hash":"` + hash + `","ssn":"123-45-6789"}`))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/users/5", nil)
	rec := httptest.NewRecorder()
	a.Wrap(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"name":"Jo","password_hash":"[REDACTED BY SENTINAI]","ssn":"[REDACTED BY SENTINAI]"}`, rec.Body.String())
}

func TestAdapter_NonJSONResponse_PassesThroughUnchanged(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = config.ModeActive
	cfg.Modules = map[string]config.ModuleConfig{
		dlp.ID: {Enabled: true, Config: map[string]interface{}{"mode": "REDACT"}},
	}
	a := newTestAdapter(t, cfg, nil, dlp.New())

	body := `name=Jo&password_hash=` + strings.Repeat("x", 53)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/export", nil)
	rec := httptest.NewRecorder()
	a.Wrap(next).ServeHTTP(rec, req)

	assert.Equal(t, body, rec.Body.String())
}

func TestAdapter_ResolveIdentity_PrefersHostIdentityFuncOverBasicAuth(t *testing.T) {
	cfg := config.Default()
	var seen events.RequestEvent
	m := &capturingModule{seen: &seen}
	identity := func(*http.Request) (string, bool) { return "host-resolved-user", true }
	a := newTestAdapter(t, cfg, identity, m)

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.SetBasicAuth("basic-user", "secret")
	rec := httptest.NewRecorder()
	a.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rec, req)

	assert.True(t, seen.HasUserID)
	assert.Equal(t, "host-resolved-user", seen.UserID)
}

func TestAdapter_ResolveIdentity_FallsBackToBasicAuthUsername(t *testing.T) {
	cfg := config.Default()
	var seen events.RequestEvent
	m := &capturingModule{seen: &seen}
	a := newTestAdapter(t, cfg, nil, m)

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("alice:hunter2")))
	rec := httptest.NewRecorder()
	a.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rec, req)

	assert.True(t, seen.HasUserID)
	assert.Equal(t, "alice", seen.UserID, "only the decoded username is used, never the password")
}

func TestAdapter_ResolveIdentity_NoCredentialsLeavesUserIDUnset(t *testing.T) {
	cfg := config.Default()
	var seen events.RequestEvent
	m := &capturingModule{seen: &seen}
	a := newTestAdapter(t, cfg, nil, m)

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	rec := httptest.NewRecorder()
	a.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rec, req)

	assert.False(t, seen.HasUserID)
}

func TestAdapter_ExtractSourceIP_PrefersXForwardedForOverXRealIPOverRemoteAddr(t *testing.T) {
	cfg := config.Default()
	var seen events.RequestEvent
	m := &capturingModule{seen: &seen}
	a := newTestAdapter(t, cfg, nil, m)

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.RemoteAddr = "10.0.0.9:54321"
	req.Header.Set("X-Real-IP", "10.0.0.2")
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	a.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rec, req)

	assert.Equal(t, "203.0.113.7", seen.SourceIP, "the first X-Forwarded-For hop wins over X-Real-IP and RemoteAddr")
}

func TestAdapter_ExtractSourceIP_FallsBackToXRealIPWithoutForwardedFor(t *testing.T) {
	cfg := config.Default()
	var seen events.RequestEvent
	m := &capturingModule{seen: &seen}
	a := newTestAdapter(t, cfg, nil, m)

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.RemoteAddr = "10.0.0.9:54321"
	req.Header.Set("X-Real-IP", "10.0.0.2")
	rec := httptest.NewRecorder()
	a.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rec, req)

	assert.Equal(t, "10.0.0.2", seen.SourceIP)
}

func TestAdapter_ExtractSourceIP_FallsBackToRemoteAddr(t *testing.T) {
	cfg := config.Default()
	var seen events.RequestEvent
	m := &capturingModule{seen: &seen}
	a := newTestAdapter(t, cfg, nil, m)

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.RemoteAddr = "10.0.0.9:54321"
	rec := httptest.NewRecorder()
	a.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rec, req)

	assert.Equal(t, "10.0.0.9", seen.SourceIP)
}

func TestAdapter_GlobalDisabled_SkipsAnalysisEntirely(t *testing.T) {
	cfg := config.Default()
	cfg.Enabled = false
	m := &capturingModule{verdict: events.BlockVerdict("capture", "r", "t", 60)}
	a := newTestAdapter(t, cfg, nil, m)

	downstreamCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downstreamCalled = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	rec := httptest.NewRecorder()
	a.Wrap(next).ServeHTTP(rec, req)

	assert.True(t, downstreamCalled)
	assert.Equal(t, http.StatusOK, rec.Code)
}
