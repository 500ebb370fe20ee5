package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the entity store with Redis so that every pod in a
// multi-instance deployment sees the same entities. The actor runtime still
// serializes writers per entity id inside one process; multi-pod
// deployments must route by entity id at the load balancer.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to addr and namespaces keys under keyPrefix
// ("fabric:" when empty).
func NewRedisStore(addr, keyPrefix string) (*RedisStore, error) {
	if keyPrefix == "" {
		keyPrefix = "fabric:"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

func (r *RedisStore) key(kind, id string) string {
	return r.keyPrefix + kind + ":" + id
}

func (r *RedisStore) indexKey(kind string) string {
	return r.keyPrefix + "ids:" + kind
}

func (r *RedisStore) Get(ctx context.Context, kind, id string) ([]byte, error) {
	raw, err := r.client.Get(ctx, r.key(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s:%s: %w", kind, id, err)
	}
	return raw, nil
}

func (r *RedisStore) Put(ctx context.Context, kind, id string, value []byte) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(kind, id), value, 0)
	pipe.SAdd(ctx, r.indexKey(kind), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis SET %s:%s: %w", kind, id, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, kind, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(kind, id))
	pipe.SRem(ctx, r.indexKey(kind), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis DEL %s:%s: %w", kind, id, err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, kind string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS %s: %w", kind, err)
	}
	return ids, nil
}

// Ping reports store connectivity for health checks.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *RedisStore) Close() error { return r.client.Close() }
