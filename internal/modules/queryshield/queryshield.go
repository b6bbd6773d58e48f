// Package queryshield implements the Query-Shield module: dangerous
// query-pattern detection, wildcard-abuse detection, and a per-path
// circuit breaker with in-flight concurrency limiting.
package queryshield

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/tapeshchavle/sentinai/internal/circuit"
	"github.com/tapeshchavle/sentinai/internal/events"
	"github.com/tapeshchavle/sentinai/internal/module"
)

const (
	ID    = "query-shield"
	Order = 200

	defaultMaxConcurrency          = 50
	defaultCircuitBreakerThreshold = 5
	defaultSlowResponseMS          = 3000
	circuitOpenDuration            = 30 * time.Second

	dangerousPatternBlockDuration = 10 * time.Minute
	wildcardAbuseBlockDuration    = 5 * time.Minute
)

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

var (
	purePercent   = regexp.MustCompile(`^%+$`)
	pureUnderscore = regexp.MustCompile(`^_+$`)
	likeWildcard   = regexp.MustCompile(`(?i)\bLIKE\s+'%`)
)

// Module is the Query-Shield detector. Circuit state lives entirely
// in the process (internal/circuit.Registry), deliberately not shared
// through the decision store.
type Module struct {
	module.DefaultEnabled
	module.NoopBatchAnalyzer

	breakers       *circuit.Registry
	slowResponseMS int
}

// New constructs the Query-Shield module. Thresholds come from the
// arguments (a non-positive value selects the package default) and are
// fixed for the module's lifetime: a single Registry built from them
// backs every path's breaker, and module configuration options are not
// consulted.
func New(maxConcurrency, circuitBreakerThreshold, slowResponseMS int) *Module {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	if circuitBreakerThreshold <= 0 {
		circuitBreakerThreshold = defaultCircuitBreakerThreshold
	}
	return &Module{
		DefaultEnabled: module.DefaultEnabled{ModuleID: ID},
		breakers:       circuit.NewRegistry(circuitBreakerThreshold, circuitOpenDuration, maxConcurrency),
		slowResponseMS: slowResponseMSOrDefault(slowResponseMS),
	}
}

func slowResponseMSOrDefault(v int) int {
	if v <= 0 {
		return defaultSlowResponseMS
	}
	return v
}

func (m *Module) ID() string   { return ID }
func (m *Module) Name() string { return "Query-Shield" }
func (m *Module) Order() int   { return Order }

func (m *Module) AnalyzeRequest(ctx context.Context, event events.RequestEvent, mctx *module.Context) events.ThreatVerdict {
	decodedQuery, _ := url.QueryUnescape(event.Query)

	// Layer 1: dangerous pattern check over query+body haystack.
	haystack := decodedQuery + event.Body
	for _, pattern := range dangerousPatterns {
		if pattern.MatchString(haystack) {
			return events.BlockVerdict(ID, "Dangerous query pattern detected: "+pattern.String(), event.SourceIP, int(dangerousPatternBlockDuration.Seconds()))
		}
	}

	// Layer 2: wildcard-abuse check over individual query values.
	for _, value := range queryValues(decodedQuery) {
		if purePercent.MatchString(value) || pureUnderscore.MatchString(value) || likeWildcard.MatchString(value) {
			return events.BlockVerdict(ID, "Wildcard query abuse detected", event.SourceIP, int(wildcardAbuseBlockDuration.Seconds()))
		}
	}

	// Layer 3: circuit + concurrency.
	breaker := m.breakers.For(event.Path)
	if breaker.CurrentState() == circuit.Open {
		return events.ThrottleVerdict(ID, "circuit open for path "+event.Path, event.SourceIP)
	}
	if !breaker.AllowAndEnter() {
		return events.ThrottleVerdict(ID, "too many in-flight requests for path "+event.Path, event.SourceIP)
	}
	return events.SafeVerdict(ID)
}

// queryValues splits an already URL-decoded query string on '&', then
// on '=', and returns each value.
func queryValues(decodedQuery string) []string {
	var values []string
	for _, pair := range strings.Split(decodedQuery, "&") {
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			values = append(values, parts[1])
		}
	}
	return values
}

func (m *Module) AnalyzeResponse(_ context.Context, resp events.ResponseEvent, _ *module.Context) events.ResponseEvent {
	breaker := m.breakers.For(resp.Path)
	breaker.Exit()
	breaker.Observe(resp.ResponseTimeMS > int64(m.slowResponseMS))
	return resp
}
