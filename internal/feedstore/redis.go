package feedstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bitriver-submerger/internal/models"
)

// RedisStore persists seen feed items as individual Redis keys, letting
// multiple router instances share dedup state without a Postgres
// dependency.
//
// Grounded on ManuGH-xg2g/internal/cache/redis.go's RedisCache:
// redis.NewClient with connection-pool tuning, a Ping on construction, and
// per-operation context.WithTimeout around Get/Set.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	opTimeout time.Duration
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// OpTimeout bounds a single Get/Set round trip. Defaults to 2 seconds.
	OpTimeout time.Duration
}

// NewRedisStore dials addr and verifies connectivity with a Ping before
// returning.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("feedstore: redis connection failed: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "feeditem:"
	}
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisStore{client: client, keyPrefix: prefix, opTimeout: timeout}, nil
}

func (s *RedisStore) key(itemID string) string {
	return s.keyPrefix + itemID
}

func (s *RedisStore) Exists(ctx context.Context, itemID string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	n, err := s.client.Exists(opCtx, s.key(itemID)).Result()
	if err != nil {
		return false, fmt.Errorf("feedstore: redis exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Insert(ctx context.Context, record models.FeedItemRecord) error {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("feedstore: marshal record: %w", err)
	}
	// No TTL: published items are retained for the store's lifetime, per
	// the no-eviction invariant in the Store interface doc.
	if err := s.client.Set(opCtx, s.key(record.ItemID), data, 0).Err(); err != nil {
		return fmt.Errorf("feedstore: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Close(context.Context) error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)

// errRedisNil re-exports redis.Nil's identity for callers that want to
// distinguish a cache miss from a connection failure without importing
// go-redis directly.
var errRedisNil = redis.Nil

// IsMiss reports whether err represents a Redis cache miss.
func IsMiss(err error) bool {
	return errors.Is(err, errRedisNil)
}
