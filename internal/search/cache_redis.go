package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"storyhub/resolverservice/internal/domain"
)

// Keys are hashed because keywords are free text of any length and script.
// The version segment changes whenever redisEntry does.
const redisCacheNamespace = "resolver:search:v2:"

var errMalformedEntry = errors.New("malformed cached search entry")

// RedisCacheBackend shares search responses between resolver replicas. The
// stored copy never carries catalog flags.
type RedisCacheBackend struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisCacheBackend(client redis.UniversalClient) *RedisCacheBackend {
	return &RedisCacheBackend{client: client, now: time.Now}
}

type redisEntry struct {
	Response domain.SearchResponse `json:"response"`
	CachedAt time.Time             `json:"cachedAt"`
}

// Get returns the cached response and when it was produced. Entries that do
// not decode are deleted and reported as a miss.
func (r *RedisCacheBackend) Get(ctx context.Context, key string) (domain.SearchResponse, time.Time, bool, error) {
	redisKey := redisCacheKey(key)
	data, err := r.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.SearchResponse{}, time.Time{}, false, nil
		}
		return domain.SearchResponse{}, time.Time{}, false, err
	}
	response, cachedAt, err := decodeRedisEntry(data)
	if err != nil {
		_ = r.client.Del(ctx, redisKey).Err()
		return domain.SearchResponse{}, time.Time{}, false, nil
	}
	return response, cachedAt, true, nil
}

func (r *RedisCacheBackend) Set(ctx context.Context, key string, response domain.SearchResponse, ttl time.Duration) error {
	data, err := encodeRedisEntry(response, r.now())
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisCacheKey(key), data, ttl).Err()
}

func redisCacheKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return redisCacheNamespace + hex.EncodeToString(sum[:16])
}

func encodeRedisEntry(response domain.SearchResponse, now time.Time) ([]byte, error) {
	stored := cloneSearchResponse(response)
	for i := range stored.Results {
		stored.Results[i].ExistsInDB = false
	}
	return json.Marshal(redisEntry{Response: stored, CachedAt: now.UTC()})
}

func decodeRedisEntry(data []byte) (domain.SearchResponse, time.Time, error) {
	var entry redisEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return domain.SearchResponse{}, time.Time{}, fmt.Errorf("%w: %v", errMalformedEntry, err)
	}
	if entry.CachedAt.IsZero() {
		return domain.SearchResponse{}, time.Time{}, errMalformedEntry
	}
	return entry.Response, entry.CachedAt, nil
}
