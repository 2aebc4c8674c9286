package state

import (
	"context"
	"sync"
)

// lockArena hands out one lock per entity id. Locks are created on first use
// and dropped once nobody holds or waits for them, so the arena only grows
// with the number of entities being written concurrently.
type lockArena struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	slot chan struct{}
	refs int
}

func newLockArena() *lockArena {
	return &lockArena{locks: make(map[string]*entityLock)}
}

// acquire blocks until the lock for id is held or ctx is done. Waiters are
// queued on the lock's channel.
func (a *lockArena) acquire(ctx context.Context, id string) (func(), error) {
	a.mu.Lock()
	l, ok := a.locks[id]
	if !ok {
		l = &entityLock{slot: make(chan struct{}, 1)}
		a.locks[id] = l
	}
	l.refs++
	a.mu.Unlock()

	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		a.unref(id, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.slot
			a.unref(id, l)
		})
	}, nil
}

func (a *lockArena) unref(id string, l *entityLock) {
	a.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(a.locks, id)
	}
	a.mu.Unlock()
}

func (a *lockArena) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
