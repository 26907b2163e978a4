package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestWindow_AppendEvictsOldest(t *testing.T) {
	w := NewWindow(3)
	for i := 0; i < 5; i++ {
		w.Append(Action{Name: "call", Args: fmt.Sprintf("%d", i)})
	}

	if w.Len() != 3 {
		t.Fatalf("expected window capped at 3, got %d", w.Len())
	}
	if w.Actions[0].Args != "2" {
		t.Errorf("expected oldest surviving action args=2, got %s", w.Actions[0].Args)
	}
}

func TestAction_KeyStableAndDistinct(t *testing.T) {
	a := Action{Name: "search", Args: `{"q":"x"}`}
	b := Action{Name: "search", Args: `{"q":"x"}`}
	c := Action{Name: "search", Args: `{"q":"y"}`}

	if a.Key() != b.Key() {
		t.Error("identical actions must share a key")
	}
	if a.Key() == c.Key() {
		t.Error("distinct args must not collide")
	}
}

func TestWindow_TotalTokens(t *testing.T) {
	w := NewWindow(10)
	w.Append(Action{Name: "a", Tokens: 100})
	w.Append(Action{Name: "b", Tokens: 250})

	if got := w.TotalTokens(); got != 350 {
		t.Errorf("expected 350, got %d", got)
	}
}

func TestWindow_TotalTokensSurvivesEviction(t *testing.T) {
	w := NewWindow(2)
	for i := 0; i < 5; i++ {
		w.Append(Action{Name: "gen", Args: fmt.Sprintf("%d", i), Tokens: 100})
	}

	if w.Len() != 2 {
		t.Fatalf("expected window capped at 2, got %d", w.Len())
	}
	if got := w.TotalTokens(); got != 500 {
		t.Errorf("expected 500 cumulative tokens, got %d", got)
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	w := NewWindow(5)
	w.Append(Action{Name: "search", Args: `{"q":"x"}`, Tokens: 42})
	if err := s.Save(ctx, "sess-1", w); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Len() != 1 || got.Actions[0].Tokens != 42 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.TotalTokens() != 42 {
		t.Errorf("expected cumulative tokens persisted, got %d", got.TotalTokens())
	}
}

func TestMemoryStore_UnknownSessionIsEmptyNotError(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	w, err := s.Load(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Len() != 0 {
		t.Fatalf("expected empty window, got %d actions", w.Len())
	}
}

func TestMemoryStore_LoadCopiesState(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	w := NewWindow(5)
	w.Append(Action{Name: "a", Args: "1"})
	_ = s.Save(ctx, "sess-1", w)

	first, _ := s.Load(ctx, "sess-1")
	first.Actions[0].Args = "mutated"

	second, _ := s.Load(ctx, "sess-1")
	if second.Actions[0].Args != "1" {
		t.Error("loaded window aliases stored state")
	}
}

func TestMemoryStore_ExpiredSessionDropped(t *testing.T) {
	s := NewMemoryStore(WithMaxAge(10*time.Millisecond), WithCleanupInterval(5*time.Millisecond))
	defer s.Close()
	ctx := context.Background()

	w := NewWindow(5)
	w.Append(Action{Name: "a"})
	_ = s.Save(ctx, "sess-1", w)

	time.Sleep(30 * time.Millisecond)

	got, err := s.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Len() != 0 {
		t.Error("expected expired window to be empty")
	}
}

// Two goroutines appending under the keyed mutex must not lose either
// append, the failure mode of an unguarded load-modify-save.
func TestKeyedMutex_SerializesLoadModifySave(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	var km KeyedMutex

	const writers = 8
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(n int) {
			defer wg.Done()
			unlock := km.Lock("sess-1")
			defer unlock()

			w, _ := s.Load(ctx, "sess-1")
			if w.Cap == 0 {
				w = NewWindow(20)
			}
			w.Append(Action{Name: "call", Args: fmt.Sprintf("%d", n)})
			_ = s.Save(ctx, "sess-1", w)
		}(i)
	}
	wg.Wait()

	w, _ := s.Load(ctx, "sess-1")
	if w.Len() != writers {
		t.Fatalf("lost appends: expected %d actions, got %d", writers, w.Len())
	}
}

func TestKeyedMutex_ReleasesIdleEntries(t *testing.T) {
	var km KeyedMutex

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				unlock := km.Lock(fmt.Sprintf("sess-%d", n))
				unlock()
			}
		}(i)
	}
	wg.Wait()

	km.mu.Lock()
	defer km.mu.Unlock()
	if len(km.locks) != 0 {
		t.Errorf("expected no retained locks, got %d", len(km.locks))
	}
}

func TestKeyedMutex_IndependentSessionsDoNotContend(t *testing.T) {
	var km KeyedMutex

	unlockA := km.Lock("sess-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("sess-b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different session blocked")
	}
}
