// ABOUTME: Redis-backed memory Backend using go-redis
// ABOUTME: One JSON value per record with TTL plus per-tenant index sets for sweeping

package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores records as JSON strings:
//
//	{prefix}:rec:{tenant}:{conversation}  record JSON, EXPIRE ttl
//	{prefix}:idx:{tenant}                 set of conversation ids
//	{prefix}:tenants                      set of tenant ids
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to redisURL and verifies the connection.
func NewRedisBackend(ctx context.Context, redisURL, prefix string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	if prefix == "" {
		prefix = "batchline:mem"
	}
	return &RedisBackend{client: client, prefix: prefix}, nil
}

func (b *RedisBackend) recordKey(key Key) string {
	return fmt.Sprintf("%s:rec:%s:%s", b.prefix, key.TenantID, key.ConversationID)
}

func (b *RedisBackend) indexKey(tenantID string) string {
	return fmt.Sprintf("%s:idx:%s", b.prefix, tenantID)
}

func (b *RedisBackend) tenantsKey() string {
	return b.prefix + ":tenants"
}

// Load implements Backend.
func (b *RedisBackend) Load(ctx context.Context, key Key) (*Record, error) {
	data, err := b.client.Get(ctx, b.recordKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading memory record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling memory record: %w", err)
	}
	return &rec, nil
}

// Save implements Backend. ttl <= 0 keeps the record until deleted.
func (b *RedisBackend) Save(ctx context.Context, key Key, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling memory record: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.recordKey(key), data, ttl)
		pipe.SAdd(ctx, b.indexKey(key.TenantID), key.ConversationID)
		pipe.SAdd(ctx, b.tenantsKey(), key.TenantID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving memory record: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, key Key) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.recordKey(key))
		pipe.SRem(ctx, b.indexKey(key.TenantID), key.ConversationID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting memory record: %w", err)
	}

	n, err := b.client.SCard(ctx, b.indexKey(key.TenantID)).Result()
	if err == nil && n == 0 {
		b.client.SRem(ctx, b.tenantsKey(), key.TenantID)
	}
	return nil
}

// Keys implements Backend.
func (b *RedisBackend) Keys(ctx context.Context, tenantID string) ([]Key, error) {
	ids, err := b.client.SMembers(ctx, b.indexKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing memory keys: %w", err)
	}
	sort.Strings(ids)

	keys := make([]Key, len(ids))
	for i, id := range ids {
		keys[i] = Key{TenantID: tenantID, ConversationID: id}
	}
	return keys, nil
}

// Tenants implements Backend.
func (b *RedisBackend) Tenants(ctx context.Context) ([]string, error) {
	tenants, err := b.client.SMembers(ctx, b.tenantsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing memory tenants: %w", err)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Ping checks the connection.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close implements Backend.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
