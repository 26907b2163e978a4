package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)

	s, err := NewRedisStore(context.Background(), mr.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStore_RoundTrip(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	w := NewWindow(5)
	w.Append(Action{Name: "search", Args: `{"q":"weather"}`, Tokens: 17, Progress: 2})
	if err := s.Save(ctx, "sess-1", w); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Cap != 5 || got.Len() != 1 {
		t.Fatalf("shape mismatch: cap=%d len=%d", got.Cap, got.Len())
	}
	a := got.Actions[0]
	if a.Name != "search" || a.Tokens != 17 || a.Progress != 2 {
		t.Errorf("action mismatch: %+v", a)
	}
	if a.ArgsHash == "" {
		t.Error("args hash not persisted")
	}
	if got.TotalTokens() != 17 {
		t.Errorf("expected cumulative tokens persisted, got %d", got.TotalTokens())
	}
}

func TestRedisStore_UnknownSessionIsEmptyNotError(t *testing.T) {
	s := newTestRedisStore(t)

	w, err := s.Load(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Len() != 0 {
		t.Fatalf("expected empty window, got %d actions", w.Len())
	}
}

func TestRedisStore_TTLSet(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), mr.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	defer func() { _ = s.Close() }()

	w := NewWindow(5)
	w.Append(Action{Name: "a"})
	if err := s.Save(context.Background(), "sess-1", w); err != nil {
		t.Fatalf("save: %v", err)
	}

	if ttl := mr.TTL(redisKeyPrefix + "sess-1"); ttl != time.Minute {
		t.Errorf("expected 1m TTL, got %v", ttl)
	}
}

func TestNewRedisStore_BadAddressFailsFast(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "127.0.0.1:1", time.Minute)
	if err == nil {
		t.Fatal("expected connection error at construction")
	}
}

func TestRedisStore_ErrorSurfacesWhenDown(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), mr.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	defer func() { _ = s.Close() }()

	mr.Close()

	if _, err := s.Load(context.Background(), "sess-1"); err == nil {
		t.Error("expected load error with redis down")
	}
	if err := s.Save(context.Background(), "sess-1", NewWindow(5)); err == nil {
		t.Error("expected save error with redis down")
	}
}
