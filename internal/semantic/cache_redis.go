package semantic

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisEmbeddingPrefix = "resolver:emb:"
	defaultEmbeddingTTL  = 30 * 24 * time.Hour
)

// RedisEmbeddingCache stores unit vectors keyed by model and title hash.
type RedisEmbeddingCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisEmbeddingCache(client *redis.Client, ttl time.Duration) *RedisEmbeddingCache {
	if ttl <= 0 {
		ttl = defaultEmbeddingTTL
	}
	return &RedisEmbeddingCache{client: client, ttl: ttl}
}

func (c *RedisEmbeddingCache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	data, err := c.client.Get(ctx, embeddingKey(model, text)).Bytes()
	if err != nil {
		return nil, false
	}
	vector, err := decodeVector(data)
	if err != nil || len(vector) == 0 {
		return nil, false
	}
	return vector, true
}

func (c *RedisEmbeddingCache) Set(ctx context.Context, model, text string, vector []float32) {
	_ = c.client.Set(ctx, embeddingKey(model, text), encodeVector(vector), c.ttl).Err()
}

func embeddingKey(model, text string) string {
	sum := sha1.Sum([]byte(text))
	return redisEmbeddingPrefix + model + ":" + hex.EncodeToString(sum[:])
}
