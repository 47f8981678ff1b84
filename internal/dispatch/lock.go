package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BatchLocker provides add-if-absent mutual exclusion for batch ids so
// the same logical batch is never processed twice across workers or
// replicas. Entries expire after their TTL.
type BatchLocker interface {
	// AddIfAbsent records key unless a live entry exists and reports
	// whether this caller won.
	AddIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryLocker is the single-process locker used when no Redis is
// configured.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryLocker creates an empty in-memory locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLocker) AddIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, expiry := range l.entries {
		if now.After(expiry) {
			delete(l.entries, k)
		}
	}
	if _, held := l.entries[key]; held {
		return false, nil
	}
	l.entries[key] = now.Add(ttl)
	return true, nil
}

// RedisLocker backs the batch lock with Redis SETNX so replicas share
// one idempotency space.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker connects to Redis and verifies connectivity. Callers
// fall back to the in-memory locker when this fails.
func NewRedisLocker(addr, password string, db int) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return &RedisLocker{client: client}, nil
}

func (l *RedisLocker) AddIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, "1", ttl).Result()
}

// Close shuts down the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
