package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory Store with TTL-based cleanup.
// Suitable for single-node deployments; distributed deployments use
// RedisStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry

	maxAge      time.Duration
	cleanupTick time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	window  Window
	touched time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxAge sets the idle TTL after which a session window is dropped.
func WithMaxAge(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.maxAge = d }
}

// WithCleanupInterval sets how often the cleanup loop runs.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.cleanupTick = d }
}

// NewMemoryStore creates the store and starts its cleanup loop.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		sessions:    make(map[string]*memoryEntry),
		maxAge:      time.Hour,
		cleanupTick: 5 * time.Minute,
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[sessionID]
	if !ok || time.Since(entry.touched) > s.maxAge {
		return Window{}, nil
	}

	// Copy the action slice so callers never alias stored state.
	w := Window{Cap: entry.window.Cap, Spent: entry.window.Spent}
	w.Actions = append(w.Actions, entry.window.Actions...)
	return w, nil
}

func (s *MemoryStore) Save(_ context.Context, sessionID string, w Window) error {
	actions := make([]Action, len(w.Actions))
	copy(actions, w.Actions)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = &memoryEntry{
		window:  Window{Cap: w.Cap, Spent: w.Spent, Actions: actions},
		touched: time.Now(),
	}
	return nil
}

// Close stops the cleanup loop. Safe to call more than once.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-s.maxAge)
			s.mu.Lock()
			for id, entry := range s.sessions {
				if entry.touched.Before(cutoff) {
					delete(s.sessions, id)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}
