package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "bastion:window:"

// RedisStore keeps session windows in Redis as JSON values with a TTL, so
// multiple gateway instances share loop-detection state.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore pings the server before returning so a misconfigured
// address fails at startup, not mid-request.
func NewRedisStore(ctx context.Context, addr string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis ping %s: %w", addr, err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (Window, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return Window{}, nil
	}
	if err != nil {
		return Window{}, fmt.Errorf("session: redis get: %w", err)
	}

	var w Window
	if err := json.Unmarshal(data, &w); err != nil {
		return Window{}, fmt.Errorf("session: decode window: %w", err)
	}
	return w, nil
}

func (s *RedisStore) Save(ctx context.Context, sessionID string, w Window) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("session: encode window: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+sessionID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("session: redis set: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
