package observability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNoopHooksDoNotPanic(t *testing.T) {
	ctx := context.Background()

	p := NoopPipelineHooks{}
	p.OnPhaseStart(ctx, "run_1", "planning")
	p.OnPhaseComplete(ctx, "run_1", "planning", time.Second, nil)
	p.OnIteration(ctx, "run_1", 1, "revise", time.Second)
	p.OnRunComplete(ctx, "run_1", "succeeded", 3, time.Minute)

	s := NoopServiceHooks{}
	s.OnRetry(ctx, "plan", 1, time.Second, errors.New("503"))
	s.OnCallComplete(ctx, "plan", 2, time.Second, nil)

	c := NoopCacheHooks{}
	c.OnCacheHit(ctx, "retrieval")
	c.OnCacheMiss(ctx, "retrieval")
	c.OnCacheSet(ctx, "retrieval", 1024)
}

func TestGlobalHooksRegistry(t *testing.T) {
	Reset()

	if _, ok := Pipeline().(NoopPipelineHooks); !ok {
		t.Error("Pipeline() should return NoopPipelineHooks by default")
	}
	if _, ok := Service().(NoopServiceHooks); !ok {
		t.Error("Service() should return NoopServiceHooks by default")
	}
	if _, ok := Cache().(NoopCacheHooks); !ok {
		t.Error("Cache() should return NoopCacheHooks by default")
	}

	customPipeline := &testPipelineHooks{}
	SetPipelineHooks(customPipeline)
	if Pipeline() != customPipeline {
		t.Error("SetPipelineHooks should set custom hooks")
	}

	customService := &testServiceHooks{}
	SetServiceHooks(customService)
	if Service() != customService {
		t.Error("SetServiceHooks should set custom hooks")
	}

	customCache := &testCacheHooks{}
	SetCacheHooks(customCache)
	if Cache() != customCache {
		t.Error("SetCacheHooks should set custom hooks")
	}

	Reset()
	if _, ok := Pipeline().(NoopPipelineHooks); !ok {
		t.Error("Reset() should restore NoopPipelineHooks")
	}
	if _, ok := Service().(NoopServiceHooks); !ok {
		t.Error("Reset() should restore NoopServiceHooks")
	}
}

func TestSetNilHooksIsIgnored(t *testing.T) {
	Reset()

	custom := &testPipelineHooks{}
	SetPipelineHooks(custom)
	SetPipelineHooks(nil)

	if Pipeline() != custom {
		t.Error("SetPipelineHooks(nil) should be ignored")
	}

	Reset()
}

type testPipelineHooks struct{ NoopPipelineHooks }
type testServiceHooks struct{ NoopServiceHooks }
type testCacheHooks struct{ NoopCacheHooks }
