package apiward

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrStorageMiss is returned by Storage.Get when no value is stored under
// the requested key.
var ErrStorageMiss = errors.New("apiward: storage key not found")

// Storage is the session-scoped key-value capability backing token
// persistence.
//
// In a browser-like host this maps onto session storage; server-side it can
// be memory or Redis. Values are opaque strings; the pipeline stores a single
// serialized blob per concern. Implementations must be safe for concurrent
// use and must scope keys so they are not readable across sessions.
type Storage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// MemoryStorage is an in-process Storage. It is the default when no Storage
// is injected and is the natural choice for tests and short-lived sessions.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStorage returns an empty in-process Storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

func (s *MemoryStorage) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return "", ErrStorageMiss
	}
	return v, nil
}

func (s *MemoryStorage) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	return nil
}

func (s *MemoryStorage) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	return nil
}

// RedisStorage is a Redis-backed Storage for server-side deployments where
// sessions outlive a single process. Keys are namespaced per session so one
// session can never read another's blob.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage returns a Storage over the given Redis client. sessionID
// scopes all keys; it must be unique per logical session.
func NewRedisStorage(client *redis.Client, sessionID string) *RedisStorage {
	return &RedisStorage{
		client: client,
		prefix: "apiward:" + sessionID + ":",
	}
}

func (s *RedisStorage) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrStorageMiss
		}
		return "", fmt.Errorf("apiward: redis get: %w", err)
	}
	return v, nil
}

func (s *RedisStorage) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("apiward: redis set: %w", err)
	}
	return nil
}

func (s *RedisStorage) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("apiward: redis del: %w", err)
	}
	return nil
}
