// Package credentialguard implements the Credential-Guard module: it
// fingerprints browsers attempting to authenticate and blocks
// fingerprints/accounts behind credential-stuffing bursts.
package credentialguard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/tapeshchavle/sentinai/internal/events"
	"github.com/tapeshchavle/sentinai/internal/module"
)

const (
	ID    = "credential-guard"
	Order = 100

	defaultPerUsernameFailures   = 10
	defaultPerFingerprintFailures = 20
	defaultGlobalFailureSpike    = 500

	fingerprintBlockDuration = 30 * time.Minute
	failureWindow            = 5 * time.Minute
)

var authPathMarkers = []string{"/login", "/auth", "/signin", "/token", "/authenticate"}
var loginFailureStatuses = map[int]bool{400: true, 401: true, 403: true}

// Module is the Credential-Guard detector.
type Module struct {
	module.DefaultEnabled
	module.NoopBatchAnalyzer
}

// New constructs the Credential-Guard module. Its request, response
// and batch analyzers are all implemented directly on Module; the
// embedded NoopBatchAnalyzer is shadowed by AnalyzeBatch.
func New() *Module {
	return &Module{DefaultEnabled: module.DefaultEnabled{ModuleID: ID}}
}

func (m *Module) ID() string   { return ID }
func (m *Module) Name() string { return "Credential-Guard" }
func (m *Module) Order() int   { return Order }

// isLoginAttempt matches POST requests to a path containing one of
// the auth-flow substrings, case-insensitively.
func isLoginAttempt(method, path string) bool {
	if !strings.EqualFold(method, "POST") {
		return false
	}
	lower := strings.ToLower(path)
	for _, marker := range authPathMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Fingerprint computes a stable browser fingerprint: a hash of
// user-agent|accept-language|accept.
func Fingerprint(userAgent, acceptLanguage, accept string) string {
	sum := sha256.Sum256([]byte(userAgent + "|" + acceptLanguage + "|" + accept))
	return hex.EncodeToString(sum[:])
}

func (m *Module) AnalyzeRequest(ctx context.Context, event events.RequestEvent, mctx *module.Context) events.ThreatVerdict {
	if !isLoginAttempt(event.Method, event.Path) {
		return events.SafeVerdict(ID)
	}

	acceptLanguage, _ := event.Header("Accept-Language")
	accept, _ := event.Header("Accept")
	fp := Fingerprint(event.UserAgent, acceptLanguage, accept)

	blocked, err := mctx.Store.IsBlocked(ctx, "cg:fp:"+fp)
	if err != nil {
		mctx.Logger.ErrorWithContext(ctx, "credential-guard: store error checking fingerprint block", map[string]interface{}{"error": err.Error()})
		return events.SafeVerdict(ID)
	}
	if blocked {
		return events.BlockVerdict(ID, "fingerprint previously blocked for credential stuffing", event.SourceIP, int(fingerprintBlockDuration.Seconds()))
	}
	return events.SafeVerdict(ID)
}

func (m *Module) AnalyzeResponse(ctx context.Context, resp events.ResponseEvent, mctx *module.Context) events.ResponseEvent {
	if !isLoginPath(resp.Path) || !loginFailureStatuses[resp.StatusCode] {
		return resp
	}

	if _, err := mctx.Store.IncrementCounter(ctx, "cg:path:"+resp.Path, failureWindow); err != nil {
		mctx.Logger.ErrorWithContext(ctx, "credential-guard: failed incrementing path counter", map[string]interface{}{"error": err.Error()})
	}
	if _, err := mctx.Store.IncrementCounter(ctx, "cg:global:failures", failureWindow); err != nil {
		mctx.Logger.ErrorWithContext(ctx, "credential-guard: failed incrementing global counter", map[string]interface{}{"error": err.Error()})
	}
	return resp
}

func isLoginPath(path string) bool {
	lower := strings.ToLower(path)
	for _, marker := range authPathMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// AnalyzeBatch partitions login-failure events by target (user-id if
// present, else source-ip), checking the global spike counter first.
func (m *Module) AnalyzeBatch(ctx context.Context, batch []events.RequestEvent, mctx *module.Context) []events.ThreatVerdict {
	globalSpike := mctx.Config.ModuleOptionInt(ID, "global-failure-spike", defaultGlobalFailureSpike)
	perUsername := mctx.Config.ModuleOptionInt(ID, "per-username-failures", defaultPerUsernameFailures)
	perFingerprint := mctx.Config.ModuleOptionInt(ID, "per-fingerprint-failures", defaultPerFingerprintFailures)

	globalCount, err := mctx.Store.GetCounter(ctx, "cg:global:failures")
	if err != nil {
		mctx.Logger.ErrorWithContext(ctx, "credential-guard: failed reading global counter", map[string]interface{}{"error": err.Error()})
	}
	if globalCount > int64(globalSpike) {
		v := events.LogVerdict(ID, fmt.Sprintf("global login-failure spike: %d failures in window", globalCount), events.Medium)
		v.Target = "global"
		v.HasTarget = true
		return []events.ThreatVerdict{v}
	}

	type targetCount struct {
		count  int
		isUser bool
	}
	counts := map[string]*targetCount{}
	fingerprintCounts := map[string]int{}
	for _, e := range batch {
		if !isLoginAttempt(e.Method, e.Path) || !e.HasResponseData || !loginFailureStatuses[int(e.ResponseStatus)] {
			continue
		}
		target := e.SourceIP
		isUser := false
		if e.HasUserID {
			target = e.UserID
			isUser = true
		}
		tc, ok := counts[target]
		if !ok {
			tc = &targetCount{isUser: isUser}
			counts[target] = tc
		}
		tc.count++
		if e.HasFingerprint {
			fingerprintCounts[e.Fingerprint]++
		}
	}

	var verdicts []events.ThreatVerdict
	for target, tc := range counts {
		if tc.count < perUsername {
			continue
		}
		reason := fmt.Sprintf("%d failed login attempts for %s", tc.count, target)
		if tc.isUser {
			verdicts = append(verdicts, events.BlockUserVerdict(ID, reason, target, int(fingerprintBlockDuration.Seconds())))
		} else {
			verdicts = append(verdicts, events.BlockVerdict(ID, reason, target, int(fingerprintBlockDuration.Seconds())))
		}
	}
	for fp, count := range fingerprintCounts {
		if count >= perFingerprint {
			reason := fmt.Sprintf("%d failed login attempts from fingerprint %s", count, fp)
			verdicts = append(verdicts, events.BlockVerdict(ID, reason, "cg:fp:"+fp, int(fingerprintBlockDuration.Seconds())))
		}
	}
	return verdicts
}
