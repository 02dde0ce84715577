// Package lock serializes build pipelines that share a workspace.
package lock

import (
	"context"
	"sync"
)

// Unlock releases a held lock. It is safe to call more than once.
type Unlock func()

// Locker acquires named mutual-exclusion locks.
type Locker interface {
	// Lock blocks until key is held or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
	// Ping checks that the lock backend is reachable.
	Ping(ctx context.Context) error
	// Close releases resources held by the locker.
	Close() error
}

// CompanyKey returns the lock key guarding a company's workspace folder.
func CompanyKey(companyID string) string {
	return "company:" + companyID
}

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*memoryLock
}

type memoryLock struct {
	sem  chan struct{}
	refs int
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*memoryLock)}
}

// Lock acquires key.
func (l *MemoryLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	ml, ok := l.locks[key]
	if !ok {
		ml = &memoryLock{sem: make(chan struct{}, 1)}
		l.locks[key] = ml
	}
	ml.refs++
	l.mu.Unlock()

	select {
	case ml.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, ml, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, ml, true) })
	}, nil
}

func (l *MemoryLocker) release(key string, ml *memoryLock, held bool) {
	if held {
		<-ml.sem
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ml.refs--
	if ml.refs == 0 {
		delete(l.locks, key)
	}
}

// Ping always succeeds.
func (l *MemoryLocker) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (l *MemoryLocker) Close() error { return nil }
