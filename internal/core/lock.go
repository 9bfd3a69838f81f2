package core

import (
	"context"
	"fmt"
	"sync"
)

// turnLocks serializes turns per session. Entries are dropped when unused.
type turnLocks struct {
	mu    sync.Mutex
	locks map[string]*turnLock
}

type turnLock struct {
	sem  chan struct{}
	refs int
}

func newTurnLocks() *turnLocks {
	return &turnLocks{locks: make(map[string]*turnLock)}
}

// acquire blocks until the session's lock is free or ctx ends.
func (l *turnLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &turnLock{sem: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-lock.sem
				l.unref(key, lock)
			})
		}, nil
	case <-ctx.Done():
		l.unref(key, lock)
		return nil, fmt.Errorf("%w: %v", ErrTurnInProgress, ctx.Err())
	}
}

func (l *turnLocks) unref(key string, lock *turnLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
}
