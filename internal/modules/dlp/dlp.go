// Package dlp implements the Data-Leak-Prevention module: scanning
// outbound JSON response bodies for sensitive data patterns and
// logging, redacting, or blocking according to configuration.
package dlp

import (
	"context"
	"regexp"
	"strings"

	"github.com/tapeshchavle/sentinai/internal/config"
	"github.com/tapeshchavle/sentinai/internal/events"
	"github.com/tapeshchavle/sentinai/internal/module"
)

const (
	ID    = "data-leak-prevention"
	Order = 800

	maxPayloadSize   = 1 << 20 // 1 MiB
	redactionMarker  = "[REDACTED BY SENTINAI]"
	blockedBody      = `{"error":"Response blocked by SentinAI: contains sensitive data"}`
)

// detectionMode is the module's per-instance handling policy.
type detectionMode string

const (
	modeLog    detectionMode = "LOG"
	modeRedact detectionMode = "REDACT"
	modeBlock  detectionMode = "BLOCK"
)

var authPathExact = map[string]bool{
	"/login": true, "/auth": true, "/token": true, "/oauth": true,
}
var authPathSubstrings = []string{"/login", "/auth/", "/token", "/oauth"}

type detector struct {
	name     string
	pattern  *regexp.Regexp
	validate func(match string) bool
	suppress func(path string) bool
	// group, if non-zero, selects which capture group is the actual
	// redaction target instead of the whole match (used when the
	// pattern must match surrounding context it shouldn't redact).
	group int
}

// detection is one (detector name, matched text) pair found in a
// response body.
type detection struct {
	name  string
	match string
}

func isAuthPath(path string) bool {
	lower := strings.ToLower(path)
	if authPathExact[lower] {
		return true
	}
	for _, s := range authPathSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func luhnValid(digits string) bool {
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0 && len(digits) > 0
}

var detectors = []detector{
	{
		name:    "credit-card",
		pattern: regexp.MustCompile(`\b(?:4\d{12}(?:\d{3})?|5[1-5]\d{14}|3[47]\d{13}|6(?:011|5\d{2})\d{12})\b`),
		validate: func(match string) bool {
			digitsOnly := strings.Map(func(r rune) rune {
				if r >= '0' && r <= '9' {
					return r
				}
				return -1
			}, match)
			return luhnValid(digitsOnly)
		},
	},
	{name: "ssn", pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{name: "aadhaar", pattern: regexp.MustCompile(`\b\d{4}[\s-]\d{4}[\s-]\d{4}\b`)},
	{name: "password-hash-bcrypt", pattern: regexp.MustCompile(`\$2[aby]?\$\d{2}\$[./A-Za-z0-9]{53}`)},
	{name: "password-hash-argon2", pattern: regexp.MustCompile(`\$argon2[id]{1,2}\$[^"\s]+`)},
	{name: "api-key-openai", pattern: regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)},
	{name: "api-key-aws", pattern: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{name: "api-key-github", pattern: regexp.MustCompile(`gh[ps]_[A-Za-z0-9_]{36,}`)},
	{
		name:     "jwt-token",
		pattern:  regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]+`),
		suppress: isAuthPath,
	},
	{name: "private-key", pattern: regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA )?PRIVATE KEY-----`)},
	// Go's RE2 engine has no lookaround, so the "inside JSON string
	// quotes" constraint is expressed as a capturing group: the
	// quotes are matched but only the inner 64 hex chars are
	// extracted and redacted.
	{name: "hex-secret", pattern: regexp.MustCompile(`"([a-f0-9]{64})"`), group: 1},
}

// Module is the Data-Leak-Prevention detector. It only runs on the
// response path.
type Module struct {
	module.DefaultEnabled
	module.NoopBatchAnalyzer
}

// New constructs the Data-Leak-Prevention module.
func New() *Module {
	return &Module{DefaultEnabled: module.DefaultEnabled{ModuleID: ID}}
}

func (m *Module) ID() string   { return ID }
func (m *Module) Name() string { return "Data-Leak-Prevention" }
func (m *Module) Order() int   { return Order }

func (m *Module) AnalyzeRequest(_ context.Context, _ events.RequestEvent, _ *module.Context) events.ThreatVerdict {
	return events.SafeVerdict(ID)
}

func maxPayload(mctx *module.Context) int {
	return mctx.Config.ModuleOptionInt(ID, "max-payload-size", maxPayloadSize)
}

func (m *Module) AnalyzeResponse(ctx context.Context, resp events.ResponseEvent, mctx *module.Context) events.ResponseEvent {
	if resp.Body == "" {
		return resp
	}
	if resp.ContentType != "" && !strings.Contains(strings.ToLower(resp.ContentType), "json") {
		return resp
	}
	if len(resp.Body) > maxPayload(mctx) {
		return resp
	}

	var hits []detection
	for _, d := range detectors {
		if d.suppress != nil && d.suppress(resp.Path) {
			continue
		}
		for _, match := range findAllValid(d, resp.Body) {
			hits = append(hits, detection{name: d.name, match: match})
		}
	}
	if len(hits) == 0 {
		return resp
	}

	for _, h := range hits {
		mctx.Logger.InfoWithContext(ctx, "dlp detection", map[string]interface{}{
			"detector": h.name,
			"path":     resp.Path,
			"sample":   maskSample(h.match),
		})
	}

	switch resolveMode(mctx) {
	case modeBlock:
		if mctx.Config.Mode == config.ModeActive {
			return resp.WithBody(blockedBody)
		}
		return resp
	case modeRedact:
		return resp.WithBody(redactAll(resp.Body, hits))
	default:
		return resp
	}
}

// resolveMode: an explicitly set per-module mode always wins; only
// when the option is entirely absent does global Active mode imply
// REDACT.
func resolveMode(mctx *module.Context) detectionMode {
	raw, explicit := mctx.Config.ModuleOption(ID, "mode")
	if explicit {
		if s, ok := raw.(string); ok {
			switch strings.ToUpper(s) {
			case string(modeBlock):
				return modeBlock
			case string(modeRedact):
				return modeRedact
			case string(modeLog):
				return modeLog
			}
		}
	}
	if mctx.Config.Mode == config.ModeActive {
		return modeRedact
	}
	return modeLog
}

func findAllValid(d detector, body string) []string {
	var raw [][]string
	if d.group > 0 {
		raw = d.pattern.FindAllStringSubmatch(body, -1)
	}

	var candidates []string
	if d.group > 0 {
		for _, m := range raw {
			if len(m) > d.group {
				candidates = append(candidates, m[d.group])
			}
		}
	} else {
		candidates = d.pattern.FindAllString(body, -1)
	}

	if d.validate == nil {
		return candidates
	}
	var out []string
	for _, m := range candidates {
		if d.validate(m) {
			out = append(out, m)
		}
	}
	return out
}

// redactAll whole-string-replaces every detected match in body with
// the redaction marker. This is a textual substitution, not a
// JSON-structural one, so it works regardless of where in the body a
// match was found.
func redactAll(body string, hits []detection) string {
	out := body
	for _, h := range hits {
		out = strings.ReplaceAll(out, h.match, redactionMarker)
	}
	return out
}

// maskSample returns the first/last four characters of a matched
// value, never the middle, so detections can be logged safely.
func maskSample(match string) string {
	if len(match) <= 8 {
		return strings.Repeat("*", len(match))
	}
	return match[:4] + "..." + match[len(match)-4:]
}
