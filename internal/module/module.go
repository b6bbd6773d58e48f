// Package module defines the detection module capability contract and
// the Context every module is handed. The registry built on top of it
// is a mutex-guarded collection built once and iterated in a stable
// order.
package module

import (
	"context"

	"github.com/tapeshchavle/sentinai/internal/ai"
	"github.com/tapeshchavle/sentinai/internal/config"
	"github.com/tapeshchavle/sentinai/internal/events"
	"github.com/tapeshchavle/sentinai/internal/logging"
	"github.com/tapeshchavle/sentinai/internal/store"
)

// DefaultOrder is the priority a module runs at when it does not
// specify one; lower values run earlier.
const DefaultOrder = 500

// Context is the aggregate handle modules use to reach the decision
// store, the AI analyzer, configuration, and logging. It carries no
// per-request state and is constructed once at composition time.
type Context struct {
	Store    store.Store
	Analyzer *ai.Analyzer
	Config   *config.Config
	Logger   logging.Logger
}

// Module is the detection capability contract. AnalyzeResponse and
// AnalyzeBatch are optional: a module that has nothing to do on a
// given path should embed NoopResponseAnalyzer / NoopBatchAnalyzer
// rather than implementing trivial methods by hand.
type Module interface {
	ID() string
	Name() string
	Order() int
	IsEnabled(ctx *Context) bool

	AnalyzeRequest(ctx context.Context, event events.RequestEvent, mctx *Context) events.ThreatVerdict
	AnalyzeResponse(ctx context.Context, resp events.ResponseEvent, mctx *Context) events.ResponseEvent
	AnalyzeBatch(ctx context.Context, batch []events.RequestEvent, mctx *Context) []events.ThreatVerdict
}

// NoopResponseAnalyzer can be embedded by modules with nothing to do
// on the response path.
type NoopResponseAnalyzer struct{}

func (NoopResponseAnalyzer) AnalyzeResponse(_ context.Context, resp events.ResponseEvent, _ *Context) events.ResponseEvent {
	return resp
}

// NoopBatchAnalyzer can be embedded by modules with nothing to do on
// the async batch path.
type NoopBatchAnalyzer struct{}

func (NoopBatchAnalyzer) AnalyzeBatch(_ context.Context, _ []events.RequestEvent, _ *Context) []events.ThreatVerdict {
	return nil
}

// DefaultEnabled can be embedded by modules that should simply defer
// to the configuration's per-module enablement flag (the common
// case).
type DefaultEnabled struct {
	ModuleID string
}

func (d DefaultEnabled) IsEnabled(mctx *Context) bool {
	return mctx.Config.ModuleEnabled(d.ModuleID)
}
