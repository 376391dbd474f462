// Package syncutil provides locking primitives shared by the scoring path.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex hands out one context-aware mutex per key. Entries are reference
// counted and dropped once no goroutine holds or waits on them, so memory is
// bounded by the number of keys in flight rather than the number ever seen.
// Two different keys never share a lock.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*chanMutex
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*chanMutex)}
}

// LockContext acquires the mutex for key, respecting context cancellation.
// On success it returns an unlock function the caller MUST call exactly once.
// On cancellation it returns nil and the context error.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	cm := m.acquire(key)

	select {
	case <-cm.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				cm.ch <- struct{}{}
				m.release(key, cm)
			})
		}, nil
	case <-ctx.Done():
		m.release(key, cm)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquire(key string) *chanMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	cm, ok := m.locks[key]
	if !ok {
		cm = &chanMutex{ch: make(chan struct{}, 1)}
		cm.ch <- struct{}{} // Start unlocked.
		m.locks[key] = cm
	}
	cm.refs++
	return cm
}

func (m *KeyedMutex) release(key string, cm *chanMutex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cm.refs--
	if cm.refs == 0 {
		delete(m.locks, key)
	}
}
