package kernel

import (
	"context"
	"sync"
)

// Locker serializes commands per session. All state-changing kernel
// commands run under the session lock, which is what makes multi-record
// updates (task + deliverable + ledger) atomic with respect to each other.
type Locker interface {
	// Lock acquires the session lock and returns an unlock func.
	Lock(ctx context.Context, sessionID string) (func(), error)
}

// MemoryLocker is the in-process Locker, one mutex per session.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the per-session mutex.
func (l *MemoryLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock, nil
}
