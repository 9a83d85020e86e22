package keylock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/credits/internal/keylock"
)

func TestLockIsExclusivePerKey(t *testing.T) {
	l := keylock.New(time.Second)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "tenant")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside)
	}
	if l.Len() != 0 {
		t.Errorf("expected no tracked keys after release, got %d", l.Len())
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	l := keylock.New(50 * time.Millisecond)
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("Lock a: %v", err)
	}
	defer unlockA()

	unlockB, err := l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("Lock b should not wait on a: %v", err)
	}
	unlockB()
}

func TestLockTimeout(t *testing.T) {
	l := keylock.New(20 * time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "k")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	_, err = l.Lock(ctx, "k")
	if !errors.Is(err, keylock.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestLockContextCancelled(t *testing.T) {
	l := keylock.New(time.Second)

	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Lock(ctx, "k")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	l := keylock.New(time.Second)
	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	unlock()
	unlock()

	unlock2, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	unlock2()
}
