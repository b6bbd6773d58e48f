// Package filter provides the HTTP middleware that wires a host
// application into SentinAI's detection engine: it captures the
// request, enforces the engine's verdict, and lets response analysis
// rewrite the body before it reaches the client.
package filter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tapeshchavle/sentinai/internal/config"
	"github.com/tapeshchavle/sentinai/internal/engine"
	"github.com/tapeshchavle/sentinai/internal/events"
	"github.com/tapeshchavle/sentinai/internal/logging"
	"github.com/tapeshchavle/sentinai/internal/modules/credentialguard"
)

// IdentityFunc resolves the authenticated principal for a request
// using whatever identity mechanism the host application already has
// in place. Return ok=false when the host framework has no opinion;
// the adapter then falls back to the request's Basic-auth username.
type IdentityFunc func(r *http.Request) (userID string, ok bool)

// Adapter wraps an http.Handler with SentinAI's request/response
// analysis pipeline.
type Adapter struct {
	cfg      *config.Config
	engine   *engine.Engine
	logger   logging.Logger
	identity IdentityFunc
}

// New builds an Adapter. identity may be nil, in which case identity
// resolution always falls through to Basic-auth parsing.
func New(cfg *config.Config, eng *engine.Engine, logger logging.Logger, identity IdentityFunc) *Adapter {
	return &Adapter{cfg: cfg, engine: eng, logger: logger, identity: identity}
}

// Wrap returns next wrapped with the detection pipeline.
func (a *Adapter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		requestID := newRequestID()
		ctx := r.Context()

		bodyBytes := readAndRestoreBody(r)
		userID, hasUserID := a.resolveIdentity(r)
		fingerprint := credentialguard.Fingerprint(r.UserAgent(), r.Header.Get("Accept-Language"), r.Header.Get("Accept"))

		event := events.RequestEvent{
			RequestID:      requestID,
			Method:         r.Method,
			Path:           r.URL.Path,
			Query:          r.URL.RawQuery,
			Headers:        lowerCasedHeaders(r.Header),
			Body:           string(bodyBytes),
			HasBody:        len(bodyBytes) > 0,
			SourceIP:       extractSourceIP(r),
			UserAgent:      r.UserAgent(),
			UserID:         userID,
			HasUserID:      hasUserID,
			Fingerprint:    fingerprint,
			HasFingerprint: true,
			Timestamp:      time.Now(),
		}

		verdict := a.safeProcessRequest(ctx, event)

		if verdict.IsThreat() && a.cfg.Mode == config.ModeActive {
			switch verdict.Action {
			case events.Block, events.Challenge:
				writeBlockedResponse(w, http.StatusForbidden, verdict.Reason, requestID)
				return
			case events.Throttle:
				writeBlockedResponse(w, http.StatusTooManyRequests, verdict.Reason, requestID)
				return
			}
		}

		rec := newRecorder(w)
		a.runDownstream(next, rec, r, event, start)

		responseTimeMS := time.Since(start).Milliseconds()
		finalBody := rec.body.Bytes()

		if len(finalBody) > 0 && strings.Contains(strings.ToLower(rec.Header().Get("Content-Type")), "json") {
			respEvent := events.ResponseEvent{
				RequestID:      requestID,
				Path:           r.URL.Path,
				StatusCode:     rec.statusCode,
				ContentType:    rec.Header().Get("Content-Type"),
				Body:           string(finalBody),
				ResponseTimeMS: responseTimeMS,
			}
			processed := a.safeProcessResponse(ctx, respEvent)
			if processed.Body != respEvent.Body {
				finalBody = []byte(processed.Body)
			}
		}

		a.safeSubmitAsync(event.WithResponseData(rec.statusCode, responseTimeMS))
		rec.flushWith(finalBody)
	})
}

// runDownstream invokes next, and on a downstream panic flushes the
// cached body unmodified, submits the event for async analysis, and
// re-panics so the host's own recovery middleware still sees it.
func (a *Adapter) runDownstream(next http.Handler, rec *recorder, r *http.Request, event events.RequestEvent, start time.Time) {
	defer func() {
		if p := recover(); p != nil {
			rec.flush()
			a.safeSubmitAsync(event.WithResponseData(rec.statusCode, time.Since(start).Milliseconds()))
			panic(p)
		}
	}()
	next.ServeHTTP(rec, r)
}

func (a *Adapter) resolveIdentity(r *http.Request) (string, bool) {
	if a.identity != nil {
		if id, ok := a.identity(r); ok {
			return id, true
		}
	}
	if username, _, ok := r.BasicAuth(); ok {
		return username, true
	}
	return "", false
}

func extractSourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.SplitN(fwd, ",", 2)[0]
		return strings.TrimSpace(first)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newRequestID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func lowerCasedHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

func readAndRestoreBody(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data
}

func writeBlockedResponse(w http.ResponseWriter, status int, reason, requestID string) {
	body, _ := json.Marshal(map[string]string{
		"error":     "Request blocked by SentinAI",
		"reason":    reason,
		"requestId": requestID,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func (a *Adapter) safeProcessRequest(ctx context.Context, event events.RequestEvent) (verdict events.ThreatVerdict) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.ErrorWithContext(ctx, "filter: engine panicked processing request", map[string]interface{}{"panic": fmt.Sprintf("%v", r)})
			verdict = events.SafeVerdict("engine")
		}
	}()
	return a.engine.ProcessRequest(ctx, event)
}

func (a *Adapter) safeProcessResponse(ctx context.Context, resp events.ResponseEvent) (out events.ResponseEvent) {
	out = resp
	defer func() {
		if r := recover(); r != nil {
			a.logger.ErrorWithContext(ctx, "filter: engine panicked processing response", map[string]interface{}{"panic": fmt.Sprintf("%v", r)})
			out = resp
		}
	}()
	return a.engine.ProcessResponse(ctx, resp)
}

func (a *Adapter) safeSubmitAsync(event events.RequestEvent) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("filter: engine panicked submitting async analysis", map[string]interface{}{"panic": fmt.Sprintf("%v", r)})
		}
	}()
	a.engine.SubmitForAsyncAnalysis(event)
}
