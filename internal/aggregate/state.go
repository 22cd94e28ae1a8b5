package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore remembers the previous timestamp per aggregation key.
type StateStore interface {
	Get(ctx context.Context, key string) (time.Time, bool, error)
	Set(ctx context.Context, key string, t time.Time) error
}

// MemoryState keeps previous timestamps in process memory. It starts empty
// on every run.
type MemoryState struct {
	mu   sync.RWMutex
	last map[string]time.Time
}

func NewMemoryState() *MemoryState {
	return &MemoryState{last: make(map[string]time.Time)}
}

func (s *MemoryState) Get(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.last[key]
	return t, ok, nil
}

func (s *MemoryState) Set(ctx context.Context, key string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[key] = t
	return nil
}

// RedisState keeps previous timestamps in Redis so deltas continue across
// restarts.
type RedisState struct {
	Client redis.Cmdable
	Prefix string
}

func NewRedisState(client redis.Cmdable, prefix string) *RedisState {
	return &RedisState{Client: client, Prefix: prefix}
}

func (s *RedisState) Get(ctx context.Context, key string) (time.Time, bool, error) {
	val, err := s.Client.Get(ctx, s.Prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read state for %s: %w", key, err)
	}

	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt state for %s: %w", key, err)
	}
	return t, true, nil
}

func (s *RedisState) Set(ctx context.Context, key string, t time.Time) error {
	if err := s.Client.Set(ctx, s.Prefix+key, t.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("failed to write state for %s: %w", key, err)
	}
	return nil
}
