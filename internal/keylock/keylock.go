// Package keylock provides per-key mutual exclusion with a bounded wait.
//
// Each key gets a weighted semaphore of size one. Entries are reference
// counted and dropped once no goroutine holds or waits for them, so the map
// only grows with the number of keys in flight.
package keylock

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrTimeout is returned when the lock could not be acquired in time.
var ErrTimeout = errors.New("keylock: timeout")

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Locker hands out exclusive per-key locks.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
}

// New returns a Locker whose Lock calls wait at most timeout. A zero
// timeout waits until the context is done.
func New(timeout time.Duration) *Locker {
	return &Locker{
		entries: make(map[string]*entry),
		timeout: timeout,
	}
}

// Lock acquires the lock for key and returns its release function.
// It returns ErrTimeout when the configured wait elapses and the context
// error when ctx is cancelled first.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	e := l.ref(key)

	waitCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	if err := e.sem.Acquire(waitCtx, 1); err != nil {
		l.unref(key)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(key)
		})
	}, nil
}

// Len reports how many keys currently have holders or waiters.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locker) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(l.entries, key)
	}
}
