package search

import (
	"errors"
	"strings"
	"testing"
	"time"

	"storyhub/resolverservice/internal/domain"
)

func TestRedisCacheKeyIsBoundedAndStable(t *testing.T) {
	long := strings.Repeat("小红帽", 400)
	key := redisCacheKey(long)
	if !strings.HasPrefix(key, redisCacheNamespace) {
		t.Fatalf("key %q lacks namespace", key)
	}
	if len(key) != len(redisCacheNamespace)+32 {
		t.Fatalf("unexpected key length %d", len(key))
	}
	if key != redisCacheKey(long) {
		t.Fatalf("key is not stable")
	}
	if redisCacheKey("雪人|bilibili") == redisCacheKey("雪人|youtube") {
		t.Fatalf("distinct keywords share a key")
	}
}

func TestRedisEntryDropsCatalogFlags(t *testing.T) {
	cachedAt := time.Date(2026, 3, 1, 8, 0, 0, 0, time.FixedZone("CST", 8*3600))
	response := domain.SearchResponse{
		Keyword: "雪人",
		Results: []domain.SearchResultItem{{Title: "雪人", URL: "https://www.bilibili.com/video/BV1", ExistsInDB: true}},
	}

	data, err := encodeRedisEntry(response, cachedAt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !response.Results[0].ExistsInDB {
		t.Fatalf("encode mutated the caller's response")
	}

	decoded, at, err := decodeRedisEntry(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Results[0].ExistsInDB {
		t.Fatalf("cached entry kept existsInDb")
	}
	if !at.Equal(cachedAt) {
		t.Fatalf("cachedAt = %v, want %v", at, cachedAt)
	}
}

func TestDecodeRedisEntryRejectsOldPayloads(t *testing.T) {
	// A bare response, as written before entries carried cachedAt.
	if _, _, err := decodeRedisEntry([]byte(`{"keyword":"雪人","results":[]}`)); !errors.Is(err, errMalformedEntry) {
		t.Fatalf("expected errMalformedEntry, got %v", err)
	}
	if _, _, err := decodeRedisEntry([]byte(`not json`)); !errors.Is(err, errMalformedEntry) {
		t.Fatalf("expected errMalformedEntry, got %v", err)
	}
}
