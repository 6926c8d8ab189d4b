package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestContextShardedMutex_BasicLockUnlock(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "ord_1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()
}

func TestContextShardedMutex_MutualExclusion(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "counter")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			// Non-atomic increment — if mutual exclusion is broken, this will be visible.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d — mutual exclusion violated", n, atomic.LoadInt64(&counter))
	}
}

func TestContextShardedMutex_ContextCancelled(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "blocked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(cancelCtx, "blocked")
	if err == nil {
		t.Fatal("expected context error, got nil")
	}
	if err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	unlock()
}
