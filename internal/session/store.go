package session

import (
	"context"
	"sync"
)

// Store persists per-session windows. Load returns a zero-length window
// (never an error) for unknown sessions; errors mean the backing store is
// unreachable.
type Store interface {
	Load(ctx context.Context, sessionID string) (Window, error)
	Save(ctx context.Context, sessionID string, w Window) error
}

// KeyedMutex serializes load-modify-save cycles per session. Two concurrent
// requests for the same session would otherwise race on the window; we
// choose single-writer-per-session serialization for determinism over
// optimistic retry. Entries are reference counted and dropped once the last
// holder unlocks, so idle sessions do not accumulate locks.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the session's mutex and returns its unlock func.
func (k *KeyedMutex) Lock(sessionID string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[sessionID]
	if !ok {
		l = &keyedLock{}
		k.locks[sessionID] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, sessionID)
		}
		k.mu.Unlock()
	}
}
