package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// TextCache memoizes embeddings by (model, input text). Neighbors shared between
// projects embed once.
type TextCache interface {
	Get(ctx context.Context, model, text string) ([]float32, bool, error)
	Set(ctx context.Context, model, text string, vector []float32) error
}

// textKey hashes the model and text into a fixed-size key.
func textKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return model + ":" + hex.EncodeToString(sum[:])
}

// RedisConfig configures a RedisCache.
type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
	TTL         time.Duration
}

// RedisCache is a TextCache shared by every worker process. Vectors are stored
// msgpack-encoded under KeyPrefix + model + text hash.
type RedisCache struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

var _ TextCache = (*RedisCache)(nil)

// NewRedisCache connects to Redis and verifies the connection with a ping.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisCacheWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisCacheWithClient wraps an existing client. A non-positive ttl keeps entries forever.
func NewRedisCacheWithClient(client *goredis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: max(ttl, 0)}
}

// Get returns the cached vector, reporting false on a miss.
func (c *RedisCache) Get(ctx context.Context, model, text string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+textKey(model, text)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var vector []float32
	if err := msgpack.Unmarshal(data, &vector); err != nil {
		return nil, false, fmt.Errorf("decode cached embedding: %w", err)
	}
	return vector, true, nil
}

// Set stores vector with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, model, text string, vector []float32) error {
	data, err := msgpack.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+textKey(model, text), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// MemoryCache is a process-local TextCache bounded by size and TTL.
type MemoryCache struct {
	entries *lru.LRU[string, []float32]
}

var _ TextCache = (*MemoryCache)(nil)

// NewMemoryCache creates a cache of at most size entries.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 4096
	}
	return &MemoryCache{entries: lru.NewLRU[string, []float32](size, nil, max(ttl, 0))}
}

// Get returns the cached vector, reporting false on a miss.
func (c *MemoryCache) Get(_ context.Context, model, text string) ([]float32, bool, error) {
	vector, ok := c.entries.Get(textKey(model, text))
	return vector, ok, nil
}

// Set stores a copy of vector.
func (c *MemoryCache) Set(_ context.Context, model, text string, vector []float32) error {
	c.entries.Add(textKey(model, text), append([]float32(nil), vector...))
	return nil
}
