// Package lock provides keyed shared/exclusive locking for refresh
// coordination. Subject-level refreshes of the same scope run concurrently;
// a bulk refresh of a scope excludes everything else in it.
package lock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Keyed hands out weighted semaphores per key, created on first use and
// dropped when the last holder releases. Exclusive acquisition takes the
// full width; shared acquisition takes one unit.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
	width   int64
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewKeyed builds a lock table. width is the maximum number of concurrent
// shared holders per key.
func NewKeyed(width int64) *Keyed {
	if width < 1 {
		width = 1
	}
	return &Keyed{entries: make(map[string]*entry), width: width}
}

// AcquireShared takes one unit of the key's semaphore, blocking until the
// context expires. The returned func releases it.
func (k *Keyed) AcquireShared(ctx context.Context, key string) (func(), error) {
	return k.acquire(ctx, key, 1)
}

// AcquireExclusive takes the key's full width, excluding all shared and
// exclusive holders.
func (k *Keyed) AcquireExclusive(ctx context.Context, key string) (func(), error) {
	return k.acquire(ctx, key, k.width)
}

func (k *Keyed) acquire(ctx context.Context, key string, n int64) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(k.width)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	if err := e.sem.Acquire(ctx, n); err != nil {
		k.put(key, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(n)
			k.put(key, e)
		})
	}, nil
}

func (k *Keyed) put(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}
