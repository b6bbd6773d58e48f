package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/tapeshchavle/sentinai/internal/config"
	"github.com/tapeshchavle/sentinai/internal/events"
	"github.com/tapeshchavle/sentinai/internal/logging"
)

// blockDurationSeconds is the fixed block duration for an AI-reported
// BLOCK verdict.
const blockDurationSeconds = 1800

// Analyzer turns a batch of events (or a single event plus a question)
// into a prompt, sends it through a ChatCompleter, and parses the
// structured VERDICT|REASON|TARGET lines back into ThreatVerdicts. Any
// transport or parse failure is swallowed here and never surfaces to
// the caller — request/response analysis must never block on or be
// broken by an AI outage.
type Analyzer struct {
	completer ChatCompleter
	logger    logging.Logger
}

// NewAnalyzer wires a ChatCompleter into an Analyzer. completer may be
// nil, in which case IsAvailable reports false and every call returns
// an empty/Safe result.
func NewAnalyzer(completer ChatCompleter, logger logging.Logger) *Analyzer {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Analyzer{completer: completer, logger: logger}
}

// IsAvailable reports whether a backing ChatCompleter is configured.
func (a *Analyzer) IsAvailable() bool {
	return a.completer != nil
}

// Analyze runs a batch analysis prompt against contextString and
// returns every verdict parsed from the response. On any failure it
// logs and returns an empty slice.
func (a *Analyzer) Analyze(ctx context.Context, batch []events.RequestEvent, contextString string) []events.ThreatVerdict {
	if !a.IsAvailable() {
		return nil
	}
	prompt := buildBatchPrompt(batch, contextString)

	reply, err := a.completer.Complete(ctx, prompt)
	if err != nil {
		a.logger.ErrorWithContext(ctx, "ai analyzer batch completion failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return parseVerdicts(reply, "ai-analyzer")
}

// AnalyzeSingle asks a yes/no-shaped question about a single event. On
// failure or an unparseable reply it returns a Safe verdict rather
// than propagating an error.
func (a *Analyzer) AnalyzeSingle(ctx context.Context, event events.RequestEvent, question string) events.ThreatVerdict {
	if !a.IsAvailable() {
		return events.SafeVerdict("ai-analyzer")
	}
	prompt := buildSinglePrompt(event, question)

	reply, err := a.completer.Complete(ctx, prompt)
	if err != nil {
		a.logger.ErrorWithContext(ctx, "ai analyzer single completion failed", map[string]interface{}{"error": err.Error()})
		return events.SafeVerdict("ai-analyzer")
	}
	verdicts := parseVerdicts(reply, "ai-analyzer")
	if len(verdicts) == 0 {
		return events.SafeVerdict("ai-analyzer")
	}
	return verdicts[0]
}

func buildBatchPrompt(batch []events.RequestEvent, contextString string) string {
	var b strings.Builder
	b.WriteString("You are reviewing a batch of API requests for security threats.\n")
	b.WriteString("Context: ")
	b.WriteString(contextString)
	b.WriteString("\n\nRequests:\n")
	for i, e := range batch {
		userID := "anonymous"
		if e.HasUserID {
			userID = e.UserID
		}
		fmt.Fprintf(&b, "%d. method=%s path=%s source_ip=%s user_id=%s user_agent=%s response_status=%d response_time_ms=%d\n",
			i, e.Method, e.Path, e.SourceIP, userID, e.UserAgent, e.ResponseStatus, e.ResponseTimeMS)
	}
	b.WriteString("\nReply with one line per request you consider SUSPICIOUS or worth a BLOCK, in the form:\n")
	b.WriteString("VERDICT|REASON|TARGET\n")
	b.WriteString("where VERDICT is one of SAFE, SUSPICIOUS, BLOCK. Omit SAFE lines. No other text.\n")
	return b.String()
}

func buildSinglePrompt(e events.RequestEvent, question string) string {
	userID := "anonymous"
	if e.HasUserID {
		userID = e.UserID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Request: method=%s path=%s source_ip=%s user_id=%s user_agent=%s response_status=%d response_time_ms=%d\n",
		e.Method, e.Path, e.SourceIP, userID, e.UserAgent, e.ResponseStatus, e.ResponseTimeMS)
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\nReply with exactly one line: VERDICT|REASON|TARGET where VERDICT is one of SAFE, SUSPICIOUS, BLOCK.\n")
	return b.String()
}

// parseVerdicts parses lines of the form VERDICT|REASON|TARGET out of
// a chat completion reply, tolerating extra whitespace and prompt
// chatter around the structured lines. Lines lacking a pipe are
// ignored; unrecognized verdicts are dropped.
func parseVerdicts(reply, moduleID string) []events.ThreatVerdict {
	var out []events.ThreatVerdict
	for _, rawLine := range strings.Split(reply, "\n") {
		line := strings.TrimSpace(rawLine)
		if !strings.Contains(line, "|") {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		verdictWord := strings.ToUpper(strings.TrimSpace(parts[0]))
		reason := ""
		if len(parts) > 1 {
			reason = strings.TrimSpace(parts[1])
		}
		target := ""
		if len(parts) > 2 {
			target = strings.TrimSpace(parts[2])
		}

		switch verdictWord {
		case "BLOCK":
			out = append(out, events.BlockVerdict(moduleID, reason, target, blockDurationSeconds))
		case "SUSPICIOUS":
			v := events.LogVerdict(moduleID, reason, events.Medium)
			if target != "" {
				v.Target = target
				v.HasTarget = true
			}
			out = append(out, v)
		case "SAFE":
			// explicit SAFE lines carry no actionable verdict.
		default:
			// unrecognized verdict word: dropped.
		}
	}
	return out
}
