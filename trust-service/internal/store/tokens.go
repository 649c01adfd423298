package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cpass-platform/platform/trust-service/internal/credential"
)

// RedisTokenStore keeps one-time tokens in Redis. Expiry is delegated to
// Redis TTLs and redemption uses GETDEL so only one caller can win.
type RedisTokenStore struct {
	rdb *redis.Client
}

// NewRedisTokenStore connects and pings Redis. The caller decides whether to
// fall back to memory on error.
func NewRedisTokenStore(addr, password string, db int) (*RedisTokenStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("[tokens] Redis connected", "addr", addr, "db", db)
	return &RedisTokenStore{rdb: rdb}, nil
}

func (s *RedisTokenStore) Put(ctx context.Context, key string, g credential.Grant, ttl time.Duration) error {
	b, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal grant: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, key, b, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("token key collision")
	}
	return nil
}

func (s *RedisTokenStore) Take(ctx context.Context, key string) (credential.Grant, bool, error) {
	b, err := s.rdb.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return credential.Grant{}, false, nil
	}
	if err != nil {
		return credential.Grant{}, false, err
	}
	var g credential.Grant
	if err := json.Unmarshal(b, &g); err != nil {
		return credential.Grant{}, false, fmt.Errorf("decode grant: %w", err)
	}
	return g, true, nil
}

func (s *RedisTokenStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisTokenStore) Close() error {
	return s.rdb.Close()
}

// MemoryTokenStore is a process-local token store. Expired entries are
// treated as absent and removed lazily.
type MemoryTokenStore struct {
	mu      sync.Mutex
	entries map[string]memoryToken

	// NowFunc allows tests to control expiry.
	NowFunc func() time.Time
}

type memoryToken struct {
	grant     credential.Grant
	expiresAt time.Time
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		entries: make(map[string]memoryToken),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryTokenStore) Put(ctx context.Context, key string, g credential.Grant, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	if _, exists := m.entries[key]; exists {
		return fmt.Errorf("token key collision")
	}
	m.entries[key] = memoryToken{grant: g, expiresAt: m.NowFunc().Add(ttl)}
	return nil
}

func (m *MemoryTokenStore) Take(ctx context.Context, key string) (credential.Grant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return credential.Grant{}, false, nil
	}
	delete(m.entries, key)
	if !m.NowFunc().Before(e.expiresAt) {
		return credential.Grant{}, false, nil
	}
	return e.grant, true, nil
}

// Len returns the number of unexpired entries.
func (m *MemoryTokenStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	return len(m.entries)
}

func (m *MemoryTokenStore) sweep() {
	now := m.NowFunc()
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}
