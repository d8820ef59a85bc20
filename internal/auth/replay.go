package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConsumedCodeStore remembers authorisation codes that have already been
// exchanged so a replayed callback cannot mint a second credential bundle.
type ConsumedCodeStore interface {
	// Consume marks the code as used. It reports false when the code was
	// already consumed.
	Consume(ctx context.Context, code string) (bool, error)
	// Release forgets a consumed code. It backs out a reservation when the
	// exchange never reached the platform, so the operator can retry.
	Release(ctx context.Context, code string) error
}

// MemoryConsumedCodes is the single-process default.
type MemoryConsumedCodes struct {
	mu    sync.Mutex
	codes map[string]struct{}
}

// NewMemoryConsumedCodes builds an empty in-memory store.
func NewMemoryConsumedCodes() *MemoryConsumedCodes {
	return &MemoryConsumedCodes{codes: make(map[string]struct{})}
}

func (m *MemoryConsumedCodes) Consume(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.codes[code]; seen {
		return false, nil
	}
	m.codes[code] = struct{}{}
	return true, nil
}

func (m *MemoryConsumedCodes) Release(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codes, code)
	return nil
}

// RedisConsumedCodes shares the replay guard across processes. Codes are kept
// hashed; the raw grant never reaches Redis.
type RedisConsumedCodes struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisConsumedCodes wraps the given client. A zero ttl defaults to ten
// minutes, matching the lifetime of platform authorisation codes.
func NewRedisConsumedCodes(client redis.UniversalClient, ttl time.Duration) *RedisConsumedCodes {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisConsumedCodes{client: client, ttl: ttl, prefix: "streamcast:oauth:code:"}
}

func (r *RedisConsumedCodes) Consume(ctx context.Context, code string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(code), "1", r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record consumed code: %w", err)
	}
	return ok, nil
}

func (r *RedisConsumedCodes) Release(ctx context.Context, code string) error {
	if err := r.client.Del(ctx, r.key(code)).Err(); err != nil {
		return fmt.Errorf("release consumed code: %w", err)
	}
	return nil
}

func (r *RedisConsumedCodes) key(code string) string {
	digest := sha256.Sum256([]byte(code))
	return r.prefix + hex.EncodeToString(digest[:])
}
