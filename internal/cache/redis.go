package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisCache stores embeddings in Redis keyed by model and text hash.
type RedisCache struct {
	client *redis.Client
	config Config
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(config Config, logger *zap.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns

	c := &RedisCache{
		client: redis.NewClient(opts),
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		_ = c.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Embedding cache initialized",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", opts.PoolSize),
		zap.Duration("ttl", config.TTL))

	return c, nil
}

// GetMany looks up every text under scope. The result has one slot per text; misses are nil.
func (c *RedisCache) GetMany(ctx context.Context, scope string, texts []string) ([]*Entry, error) {
	out := make([]*Entry, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = Key(c.config.KeyPrefix, scope, text)
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}

	var hits int64
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			c.logger.Warn("Dropping corrupt cache entry", zap.String("key", keys[i]), zap.Error(err))
			c.client.Del(ctx, keys[i])
			continue
		}
		out[i] = entry
		hits++
	}
	c.hits.Add(hits)
	c.misses.Add(int64(len(texts)) - hits)
	return out, nil
}

// SetMany stores one entry per text in a single pipeline.
func (c *RedisCache) SetMany(ctx context.Context, scope string, texts []string, entries []Entry) error {
	if len(texts) != len(entries) {
		return fmt.Errorf("texts and entries length mismatch: %d != %d", len(texts), len(entries))
	}
	if len(texts) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	now := time.Now()
	for i, text := range texts {
		entry := entries[i]
		entry.CachedAt = now
		data, err := json.Marshal(entry)
		if err != nil {
			c.logger.Error("Failed to marshal cache entry", zap.Error(err))
			continue
		}
		pipe.Set(ctx, Key(c.config.KeyPrefix, scope, text), data, c.config.TTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch cache write failed: %w", err)
	}

	c.logger.Debug("Cached embeddings", zap.Int("count", len(texts)))
	return nil
}

// Stats returns hit/miss counters plus Redis key count and memory usage.
func (c *RedisCache) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return stats, fmt.Errorf("failed to get Redis info: %w", err)
	}
	for _, line := range strings.Split(info, "\r\n") {
		if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				stats.MemoryUsage = mem
			}
		}
	}
	if keys, err := c.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}
	return stats, nil
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Scope names the key space of one model served by one engine configuration, so entries
// written under a different engine or output dimension are never read back.
func Scope(model, engine string) string {
	return model + "@" + engine
}

// Key builds the cache key for text embedded under scope.
func Key(prefix, scope, text string) string {
	sum := sha256.Sum256([]byte(text))
	if prefix == "" {
		prefix = "embed"
	}
	return fmt.Sprintf("%s:emb:%s:%s", prefix, scope, hex.EncodeToString(sum[:]))
}

func decodeEntry(raw string) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, err
	}
	if len(entry.Embedding) == 0 {
		return nil, fmt.Errorf("entry has no embedding")
	}
	return &entry, nil
}

// maskRedisURL masks the password in a Redis URL for logging
func maskRedisURL(url string) string {
	scheme, rest := "", url
	if i := strings.Index(url, "://"); i >= 0 {
		scheme, rest = url[:i+3], url[i+3:]
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return url
	}
	userInfo := rest[:at]
	colon := strings.Index(userInfo, ":")
	if colon < 0 {
		return url
	}
	return scheme + userInfo[:colon+1] + "***" + rest[at:]
}
