// Package engine implements SentinAI's detection engine: it evaluates
// requests and responses against the enabled module set, enforces
// block/throttle verdicts, and hands off batches of completed
// request/response pairs for asynchronous, cross-request analysis.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tapeshchavle/sentinai/internal/ai"
	"github.com/tapeshchavle/sentinai/internal/config"
	"github.com/tapeshchavle/sentinai/internal/events"
	"github.com/tapeshchavle/sentinai/internal/logging"
	"github.com/tapeshchavle/sentinai/internal/module"
	"github.com/tapeshchavle/sentinai/internal/store"
)

const (
	// batchSizeThreshold is an engine-level constant, not module
	// configuration: once the request buffer reaches this size it is
	// atomically swapped out and handed to the async worker pool.
	batchSizeThreshold = 20

	asyncQueueCapacity = 100
	asyncWorkerCount   = 4
)

// Engine is the request/response pipeline: it owns the module
// registry, the decision store handle, and the bounded event buffer
// feeding asynchronous batch analysis.
type Engine struct {
	cfg      *config.Config
	st       store.Store
	registry *module.Registry
	analyzer *ai.Analyzer
	logger   logging.Logger

	bufMu  sync.Mutex
	buffer []events.RequestEvent

	batchQueue chan []events.RequestEvent
	wg         sync.WaitGroup
}

// New constructs an Engine and starts its fixed-size async worker
// pool. Close should be called once at shutdown, after a final
// FlushEventBuffer, to drain any in-flight batches.
func New(cfg *config.Config, st store.Store, registry *module.Registry, analyzer *ai.Analyzer, logger logging.Logger) *Engine {
	e := &Engine{
		cfg:        cfg,
		st:         st,
		registry:   registry,
		analyzer:   analyzer,
		logger:     logger,
		batchQueue: make(chan []events.RequestEvent, asyncQueueCapacity),
	}
	for i := 0; i < asyncWorkerCount; i++ {
		e.wg.Add(1)
		go e.asyncWorker()
	}
	return e
}

func (e *Engine) moduleContext() *module.Context {
	return &module.Context{Store: e.st, Analyzer: e.analyzer, Config: e.cfg, Logger: e.logger}
}

// ProcessRequest runs a captured request through the blacklist check
// and every enabled module in priority order, returning the first
// actionable verdict (or a Safe verdict if none fires). Requests that
// pass are appended to the async analysis buffer.
func (e *Engine) ProcessRequest(ctx context.Context, event events.RequestEvent) events.ThreatVerdict {
	if !e.cfg.Enabled {
		return events.SafeVerdict("engine")
	}
	if e.cfg.IsExcluded(event.Path) {
		return events.SafeVerdict("engine")
	}

	if blocked, err := e.st.IsBlocked(ctx, event.SourceIP); err != nil {
		e.logger.ErrorWithContext(ctx, "engine: store error checking ip block", map[string]interface{}{"error": err.Error()})
	} else if blocked {
		return events.BlockVerdict("engine", "IP is blacklisted", event.SourceIP, 0)
	}

	if event.HasUserID {
		if blocked, err := e.st.IsBlocked(ctx, "user:"+event.UserID); err != nil {
			e.logger.ErrorWithContext(ctx, "engine: store error checking user block", map[string]interface{}{"error": err.Error()})
		} else if blocked {
			return events.BlockVerdict("engine", "user is blacklisted", event.UserID, 0)
		}
	}

	mctx := e.moduleContext()
	for _, m := range e.registry.Enabled(mctx) {
		verdict := e.safeAnalyzeRequest(ctx, m, event, mctx)
		if !verdict.IsThreat() {
			continue
		}

		if e.cfg.Mode == config.ModeMonitor {
			e.logger.WarnWithContext(ctx, "monitor mode: would have acted on threat", map[string]interface{}{
				"module": m.ID(),
				"action": verdict.Action.String(),
				"reason": verdict.Reason,
			})
			continue
		}

		switch verdict.Action {
		case events.Block, events.Throttle, events.Challenge:
			if verdict.Action == events.Block && verdict.HasTarget {
				duration := time.Duration(verdict.BlockDurationSeconds) * time.Second
				if err := e.st.Block(ctx, blockKey(verdict), verdict.Reason, duration); err != nil {
					e.logger.ErrorWithContext(ctx, "engine: store error writing block", map[string]interface{}{"error": err.Error()})
				}
			}
			return verdict
		}
	}

	e.bufferEvent(event)
	return events.SafeVerdict("engine")
}

// ProcessResponse threads a captured response through every enabled
// module in the same priority order used for requests, letting each
// module rewrite the body in sequence.
func (e *Engine) ProcessResponse(ctx context.Context, resp events.ResponseEvent) events.ResponseEvent {
	if !e.cfg.Enabled {
		return resp
	}

	mctx := e.moduleContext()
	out := resp
	for _, m := range e.registry.Enabled(mctx) {
		out = e.safeAnalyzeResponse(ctx, m, out, mctx)
	}
	return out
}

// SubmitForAsyncAnalysis appends a single completed request/response
// event to the buffer, triggering the same batch-threshold handoff
// ProcessRequest uses.
func (e *Engine) SubmitForAsyncAnalysis(event events.RequestEvent) {
	e.bufferEvent(event)
}

// FlushEventBuffer drains whatever is currently buffered, regardless
// of size, and submits it for batch analysis. Call at shutdown so a
// partially filled batch is never silently lost.
func (e *Engine) FlushEventBuffer() {
	e.bufMu.Lock()
	drained := e.buffer
	e.buffer = nil
	e.bufMu.Unlock()

	if len(drained) > 0 {
		e.submitBatch(drained)
	}
}

// Close stops accepting new batches and waits for the worker pool to
// drain in-flight work.
func (e *Engine) Close() {
	close(e.batchQueue)
	e.wg.Wait()
}

// blockKey resolves the store key a verdict's target should be
// written/read under. A bare user-id target is namespaced with
// "user:" so that the write here rendezvouses with the engine's own
// per-user blacklist pre-check in ProcessRequest, regardless of which
// module (or which write path, synchronous or batch) produced it.
func blockKey(v events.ThreatVerdict) string {
	if v.TargetIsUser {
		return "user:" + v.Target
	}
	return v.Target
}

func (e *Engine) bufferEvent(event events.RequestEvent) {
	e.bufMu.Lock()
	e.buffer = append(e.buffer, event)
	var drained []events.RequestEvent
	if len(e.buffer) >= batchSizeThreshold {
		drained = e.buffer
		e.buffer = nil
	}
	e.bufMu.Unlock()

	if drained != nil {
		e.submitBatch(drained)
	}
}

func (e *Engine) submitBatch(batch []events.RequestEvent) {
	select {
	case e.batchQueue <- batch:
	default:
		e.logger.Warn("async batch queue full, dropping batch", map[string]interface{}{"size": len(batch)})
	}
}

func (e *Engine) asyncWorker() {
	defer e.wg.Done()
	for batch := range e.batchQueue {
		e.analyzeBatch(batch)
	}
}

func (e *Engine) analyzeBatch(batch []events.RequestEvent) {
	ctx := context.Background()
	mctx := e.moduleContext()
	for _, m := range e.registry.Enabled(mctx) {
		for _, v := range e.safeAnalyzeBatch(ctx, m, batch, mctx) {
			if v.Action != events.Block {
				continue
			}
			e.logger.Warn("batch analysis verdict", map[string]interface{}{
				"module": m.ID(),
				"reason": v.Reason,
				"target": v.Target,
			})
			if e.cfg.Mode == config.ModeActive && v.HasTarget {
				duration := time.Duration(v.BlockDurationSeconds) * time.Second
				if err := e.st.Block(ctx, blockKey(v), v.Reason, duration); err != nil {
					e.logger.Error("engine: store error writing batch block", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}
}

// safeAnalyzeRequest, safeAnalyzeResponse, and safeAnalyzeBatch each
// wrap one module call in a recover boundary: a module that panics
// must never take the request path down with it.

func (e *Engine) safeAnalyzeRequest(ctx context.Context, m module.Module, event events.RequestEvent, mctx *module.Context) (verdict events.ThreatVerdict) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorWithContext(ctx, "module panicked during request analysis", map[string]interface{}{
				"module": m.ID(),
				"panic":  fmt.Sprintf("%v", r),
			})
			verdict = events.SafeVerdict(m.ID())
		}
	}()
	return m.AnalyzeRequest(ctx, event, mctx)
}

func (e *Engine) safeAnalyzeResponse(ctx context.Context, m module.Module, resp events.ResponseEvent, mctx *module.Context) (out events.ResponseEvent) {
	out = resp
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorWithContext(ctx, "module panicked during response analysis", map[string]interface{}{
				"module": m.ID(),
				"panic":  fmt.Sprintf("%v", r),
			})
			out = resp
		}
	}()
	return m.AnalyzeResponse(ctx, resp, mctx)
}

func (e *Engine) safeAnalyzeBatch(ctx context.Context, m module.Module, batch []events.RequestEvent, mctx *module.Context) (verdicts []events.ThreatVerdict) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("module panicked during batch analysis", map[string]interface{}{
				"module": m.ID(),
				"panic":  fmt.Sprintf("%v", r),
			})
			verdicts = nil
		}
	}()
	return m.AnalyzeBatch(ctx, batch, mctx)
}
