// Package observability provides hooks for metrics, tracing, and logging.
//
// This package enables optional instrumentation without adding hard dependencies
// on specific observability backends. Consumers register hooks at startup to
// receive events about pipeline phases, external-service calls and cache use.
//
// # Usage
//
// Register hooks at application startup:
//
//	func main() {
//	    observability.SetPipelineHooks(&myPipelineHooks{})
//	    observability.SetServiceHooks(&myServiceHooks{})
//	    // ... run application
//	}
//
// Libraries call hooks to emit events:
//
//	observability.Pipeline().OnPhaseStart(ctx, runID, "planning")
//	// ... retrieve, plan, style ...
//	observability.Pipeline().OnPhaseComplete(ctx, runID, "planning", duration, err)
package observability

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// Pipeline Hooks
// =============================================================================

// PipelineHooks receives events from the orchestrator.
type PipelineHooks interface {
	// Phase events ("planning", "refining")
	OnPhaseStart(ctx context.Context, runID, phase string)
	OnPhaseComplete(ctx context.Context, runID, phase string, duration time.Duration, err error)

	// OnIteration is called once per finalized refinement pass.
	// verdict is "accept", "revise" or "render_failed".
	OnIteration(ctx context.Context, runID string, index int, verdict string, duration time.Duration)

	// OnRunComplete is called when a run reaches a terminal state.
	OnRunComplete(ctx context.Context, runID, status string, iterations int, duration time.Duration)
}

// =============================================================================
// Service Hooks
// =============================================================================

// ServiceHooks receives events from calls through the retry wrapper.
type ServiceHooks interface {
	// OnRetry records a transient failure that will be retried after delay.
	OnRetry(ctx context.Context, op string, attempt int, delay time.Duration, err error)

	// OnCallComplete records the outcome of a wrapped call after all attempts.
	OnCallComplete(ctx context.Context, op string, attempts int, duration time.Duration, err error)
}

// =============================================================================
// Cache Hooks
// =============================================================================

// CacheHooks receives events from cache operations.
type CacheHooks interface {
	// OnCacheHit records a cache hit.
	OnCacheHit(ctx context.Context, keyType string)

	// OnCacheMiss records a cache miss.
	OnCacheMiss(ctx context.Context, keyType string)

	// OnCacheSet records a cache write.
	OnCacheSet(ctx context.Context, keyType string, size int)
}

// =============================================================================
// No-op Implementations
// =============================================================================

// NoopPipelineHooks is a no-op implementation of PipelineHooks.
type NoopPipelineHooks struct{}

func (NoopPipelineHooks) OnPhaseStart(context.Context, string, string) {}
func (NoopPipelineHooks) OnPhaseComplete(context.Context, string, string, time.Duration, error) {
}
func (NoopPipelineHooks) OnIteration(context.Context, string, int, string, time.Duration) {}
func (NoopPipelineHooks) OnRunComplete(context.Context, string, string, int, time.Duration) {
}

// NoopServiceHooks is a no-op implementation of ServiceHooks.
type NoopServiceHooks struct{}

func (NoopServiceHooks) OnRetry(context.Context, string, int, time.Duration, error)        {}
func (NoopServiceHooks) OnCallComplete(context.Context, string, int, time.Duration, error) {}

// NoopCacheHooks is a no-op implementation of CacheHooks.
type NoopCacheHooks struct{}

func (NoopCacheHooks) OnCacheHit(context.Context, string)      {}
func (NoopCacheHooks) OnCacheMiss(context.Context, string)     {}
func (NoopCacheHooks) OnCacheSet(context.Context, string, int) {}

// =============================================================================
// Global Hook Registry
// =============================================================================

var (
	pipelineHooks PipelineHooks = NoopPipelineHooks{}
	serviceHooks  ServiceHooks  = NoopServiceHooks{}
	cacheHooks    CacheHooks    = NoopCacheHooks{}
	hooksMu       sync.RWMutex
)

// SetPipelineHooks registers custom pipeline hooks.
// This should be called once at application startup before any run starts.
func SetPipelineHooks(h PipelineHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		pipelineHooks = h
	}
}

// SetServiceHooks registers custom service-call hooks.
func SetServiceHooks(h ServiceHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		serviceHooks = h
	}
}

// SetCacheHooks registers custom cache hooks.
func SetCacheHooks(h CacheHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		cacheHooks = h
	}
}

// Pipeline returns the registered pipeline hooks.
func Pipeline() PipelineHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return pipelineHooks
}

// Service returns the registered service-call hooks.
func Service() ServiceHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return serviceHooks
}

// Cache returns the registered cache hooks.
func Cache() CacheHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return cacheHooks
}

// Reset restores all hooks to their no-op defaults.
// This is primarily useful for testing.
func Reset() {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	pipelineHooks = NoopPipelineHooks{}
	serviceHooks = NoopServiceHooks{}
	cacheHooks = NoopCacheHooks{}
}
