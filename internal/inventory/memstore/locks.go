package memstore

import (
	"context"
	"sync"
)

// lockArena hands out one exclusive lock per product. Entries are reference
// counted and dropped once nobody holds or waits for them.
type lockArena struct {
	mu    sync.Mutex
	locks map[int64]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func newLockArena() *lockArena {
	return &lockArena{locks: make(map[int64]*keyLock)}
}

func (a *lockArena) acquire(ctx context.Context, key int64) error {
	a.mu.Lock()
	l, ok := a.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		a.locks[key] = l
	}
	l.refs++
	a.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		a.unref(key, l)
		return ctx.Err()
	}
}

func (a *lockArena) release(key int64) {
	a.mu.Lock()
	l, ok := a.locks[key]
	a.mu.Unlock()
	if !ok {
		return
	}
	<-l.sem
	a.unref(key, l)
}

func (a *lockArena) unref(key int64, l *keyLock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(a.locks, key)
	}
}

func (a *lockArena) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
