package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix scopes every Kestrel key in a shared Redis.
const keyPrefix = "kestrel:"

// scanBatch bounds both SCAN page size and UNLINK batch size.
const scanBatch = 500

// RedisCache implements Cache using Redis. It is the shared L2 behind the
// per-node LRU in two-phase mode.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache connects to addr, which is either host:port or a
// redis:// or rediss:// URL. A URL carries its own password and DB.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	opts, err := redisOptions(addr, password, db)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	return &RedisCache{client: client}, nil
}

func redisOptions(addr, password string, db int) (*redis.Options, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return opts, nil
	}
	if addr == "" {
		addr = "localhost:6379"
	}
	return &redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, namespace string, key string) ([]byte, error) {
	if namespace == "" {
		return nil, ErrNamespaceRequired
	}

	val, err := c.client.Get(ctx, makeRedisKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error {
	if namespace == "" {
		return ErrNamespaceRequired
	}
	return c.client.Set(ctx, makeRedisKey(namespace, key), value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, namespace string, key string) error {
	if namespace == "" {
		return ErrNamespaceRequired
	}
	return c.client.Del(ctx, makeRedisKey(namespace, key)).Err()
}

// DeletePrefix walks the key range with SCAN and removes it with UNLINK
// in batches, so a large range never blocks the server.
func (c *RedisCache) DeletePrefix(ctx context.Context, namespace string, prefix string) (int, error) {
	if namespace == "" {
		return 0, ErrNamespaceRequired
	}

	match := escapeGlob(makeRedisKey(namespace, prefix)) + "*"
	iter := c.client.Scan(ctx, 0, match, scanBatch).Iterator()

	dropped := 0
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Unlink(ctx, batch...).Result()
		if err != nil {
			return err
		}
		dropped += int(n)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return dropped, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return dropped, err
	}
	return dropped, flush()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func makeRedisKey(namespace, key string) string {
	return keyPrefix + namespace + ":" + key
}

// escapeGlob quotes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
