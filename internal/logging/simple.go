package logging

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// Simple is a dependency-free Logger implementation that writes
// line-oriented structured output through the standard library's log
// package. It is the default logger wired in by the composition root
// when no other backend is configured.
type Simple struct {
	mu     sync.Mutex
	fields map[string]interface{}
}

// NewSimple creates a ready-to-use Simple logger.
func NewSimple() *Simple {
	return &Simple{fields: map[string]interface{}{}}
}

func (s *Simple) Debug(msg string, fields map[string]interface{}) { s.log("DEBUG", msg, fields) }
func (s *Simple) Info(msg string, fields map[string]interface{})  { s.log("INFO", msg, fields) }
func (s *Simple) Warn(msg string, fields map[string]interface{})  { s.log("WARN", msg, fields) }
func (s *Simple) Error(msg string, fields map[string]interface{}) { s.log("ERROR", msg, fields) }

func (s *Simple) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	s.log("DEBUG", msg, withRequestID(ctx, fields))
}
func (s *Simple) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	s.log("INFO", msg, withRequestID(ctx, fields))
}
func (s *Simple) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	s.log("WARN", msg, withRequestID(ctx, fields))
}
func (s *Simple) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	s.log("ERROR", msg, withRequestID(ctx, fields))
}

func (s *Simple) With(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(s.fields)+len(fields))
	s.mu.Lock()
	for k, v := range s.fields {
		merged[k] = v
	}
	s.mu.Unlock()
	for k, v := range fields {
		merged[k] = v
	}
	return &Simple{fields: merged}
}

func (s *Simple) log(level, msg string, fields map[string]interface{}) {
	parts := make([]string, 0, len(s.fields)+len(fields)+2)
	parts = append(parts, fmt.Sprintf("[%s]", level), msg)

	merged := make(map[string]interface{}, len(s.fields)+len(fields))
	s.mu.Lock()
	for k, v := range s.fields {
		merged[k] = v
	}
	s.mu.Unlock()
	for k, v := range fields {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, merged[k]))
	}

	log.Println(strings.Join(parts, " "))
}

type requestIDKey struct{}

// WithRequestID returns a context carrying a request id for correlated
// logging across the synchronous and async domains.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func withRequestID(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	id, _ := ctx.Value(requestIDKey{}).(string)
	if id == "" {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["request_id"] = id
	return out
}
