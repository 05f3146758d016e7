package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/songzhibin97/edgegate/internal/types"
)

func TestPool_AcquireAndRelease(t *testing.T) {
	pool := NewPool(2, 20*time.Millisecond)
	group := &types.Upstream{Name: "svc"}
	target := &types.Target{Host: "10.0.0.1", Port: 80}

	release1, err := pool.Acquire(context.Background(), group, target)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	release2, err := pool.Acquire(context.Background(), group, target)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if pool.InUse(target.Key()) != 2 {
		t.Errorf("InUse = %d, want 2", pool.InUse(target.Key()))
	}

	start := time.Now()
	if _, err := pool.Acquire(context.Background(), group, target); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Expected ErrPoolExhausted, got %v", err)
	}
	if waited := time.Since(start); waited < 20*time.Millisecond {
		t.Errorf("Acquire gave up after %v, before the pool timeout", waited)
	}

	release1()
	release3, err := pool.Acquire(context.Background(), group, target)
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	release2()
	release3()
	if pool.InUse(target.Key()) != 0 {
		t.Errorf("InUse = %d, want 0", pool.InUse(target.Key()))
	}
}

func TestPool_WaitsForReleasedSlot(t *testing.T) {
	pool := NewPool(1, time.Second)
	target := &types.Target{Host: "10.0.0.1", Port: 80}

	release, _ := pool.Acquire(context.Background(), nil, target)
	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()

	next, err := pool.Acquire(context.Background(), nil, target)
	if err != nil {
		t.Fatalf("Expected the released slot, got %v", err)
	}
	next()
}

func TestPool_ContextCancelled(t *testing.T) {
	pool := NewPool(1, time.Second)
	target := &types.Target{Host: "10.0.0.1", Port: 80}
	release, _ := pool.Acquire(context.Background(), nil, target)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Acquire(ctx, nil, target); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestPool_GroupLimitAndUnbounded(t *testing.T) {
	target := &types.Target{Host: "10.0.0.1", Port: 80}

	t.Run("group limit overrides default", func(t *testing.T) {
		pool := NewPool(10, 0)
		group := &types.Upstream{Name: "svc", MaxConnsPerTarget: 1}
		release, err := pool.Acquire(context.Background(), group, target)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		defer release()
		if _, err := pool.Acquire(context.Background(), group, target); !errors.Is(err, ErrPoolExhausted) {
			t.Errorf("Expected immediate ErrPoolExhausted, got %v", err)
		}
	})

	t.Run("zero limit is unbounded", func(t *testing.T) {
		pool := NewPool(0, 0)
		for i := 0; i < 100; i++ {
			if _, err := pool.Acquire(context.Background(), nil, target); err != nil {
				t.Fatalf("Acquire %d failed: %v", i, err)
			}
		}
	})
}

func TestPool_Prune(t *testing.T) {
	pool := NewPool(4, 0)
	a := &types.Target{Host: "10.0.0.1", Port: 80}
	b := &types.Target{Host: "10.0.0.2", Port: 80}
	group := &types.Upstream{Name: "svc", Targets: []*types.Target{a, b}}

	releaseA, _ := pool.Acquire(context.Background(), group, a)
	releaseB, _ := pool.Acquire(context.Background(), group, b)

	pool.Prune([]*types.Upstream{{Name: "svc", Targets: []*types.Target{a}}})
	if pool.InUse(b.Key()) != 0 {
		t.Error("Removed target should have no pool entry")
	}
	if pool.InUse(a.Key()) != 1 {
		t.Error("Surviving target with an unchanged limit keeps its slots")
	}

	pool.Prune([]*types.Upstream{{Name: "svc", MaxConnsPerTarget: 1, Targets: []*types.Target{a}}})
	if pool.InUse(a.Key()) != 0 {
		t.Error("Changed limit should install a fresh semaphore")
	}

	// releasing into the replaced semaphores must not block or panic
	releaseA()
	releaseB()
}
