package search

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"storyhub/resolverservice/internal/domain"
	"storyhub/resolverservice/internal/metrics"
)

const (
	defaultCacheTTL        = 30 * time.Minute
	defaultStaleTTL        = 90 * time.Minute
	defaultCacheMaxEntries = 400
)

// Cached responses never carry existsInDb flags; those are recomputed per
// request because the catalog changes underneath the cache.
type cachedSearchResponse struct {
	response    domain.SearchResponse
	updatedAt   time.Time
	expiresAt   time.Time
	staleUntil  time.Time
	refreshOnce sync.Once
}

// cacheLookup returns the cached response for key. The third result asks the
// caller to refresh a stale entry in the background; it is true at most once
// per entry.
func (s *Service) cacheLookup(ctx context.Context, key string, now time.Time) (domain.SearchResponse, bool, bool) {
	if s.redisCache != nil {
		resp, cachedAt, found, err := s.redisCache.Get(ctx, key)
		if err != nil {
			s.logger.Debug("search redis cache read failed", "error", err.Error())
		}
		if err == nil && found {
			metrics.SearchCacheHitsTotal.Inc()
			// Another replica produced it; expire it on that replica's clock.
			if cachedAt.After(now) {
				cachedAt = now
			}
			s.cacheStoreMemoryOnly(key, resp, cachedAt)
			return resp, true, false
		}
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	entry, ok := s.cache[key]
	if !ok {
		metrics.SearchCacheMissesTotal.Inc()
		return domain.SearchResponse{}, false, false
	}

	if now.Before(entry.expiresAt) {
		metrics.SearchCacheHitsTotal.Inc()
		return cloneSearchResponse(entry.response), true, false
	}

	if now.Before(entry.staleUntil) {
		metrics.SearchCacheHitsTotal.Inc()
		needsRefresh := false
		entry.refreshOnce.Do(func() {
			needsRefresh = true
		})
		return cloneSearchResponse(entry.response), true, needsRefresh
	}

	metrics.SearchCacheMissesTotal.Inc()
	delete(s.cache, key)
	return domain.SearchResponse{}, false, false
}

func (s *Service) cacheStore(ctx context.Context, key string, response domain.SearchResponse, now time.Time) {
	if s.redisCache != nil {
		if err := s.redisCache.Set(ctx, key, response, s.cacheTTL); err != nil {
			s.logger.Debug("search redis cache write failed", "error", err.Error())
		}
	}
	s.cacheStoreMemoryOnly(key, response, now)
}

func (s *Service) cacheStoreMemoryOnly(key string, response domain.SearchResponse, now time.Time) {
	staleTTL := s.staleTTL
	if staleTTL <= s.cacheTTL {
		staleTTL = s.cacheTTL * 3
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	s.cache[key] = &cachedSearchResponse{
		response:   cloneSearchResponse(response),
		updatedAt:  now,
		expiresAt:  now.Add(s.cacheTTL),
		staleUntil: now.Add(staleTTL),
	}
	s.trimCacheLocked(now)
}

func (s *Service) trimCacheLocked(now time.Time) {
	for key, entry := range s.cache {
		if now.After(entry.staleUntil) {
			delete(s.cache, key)
		}
	}
	if len(s.cache) <= defaultCacheMaxEntries {
		return
	}

	type pair struct {
		key   string
		entry *cachedSearchResponse
	}
	items := make([]pair, 0, len(s.cache))
	for key, entry := range s.cache {
		items = append(items, pair{key: key, entry: entry})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].entry.updatedAt.Before(items[j].entry.updatedAt)
	})
	for i := 0; i < len(items)-defaultCacheMaxEntries; i++ {
		delete(s.cache, items[i].key)
	}
}

func cloneSearchResponse(response domain.SearchResponse) domain.SearchResponse {
	cloned := response
	if response.Results != nil {
		cloned.Results = make([]domain.SearchResultItem, len(response.Results))
		for i, item := range response.Results {
			copied := item
			copied.Duplicates = append([]domain.SourceRef(nil), item.Duplicates...)
			cloned.Results[i] = copied
		}
	}
	cloned.PlatformsSearched = append([]string(nil), response.PlatformsSearched...)
	cloned.Platforms = append([]domain.PlatformStatus(nil), response.Platforms...)
	return cloned
}

func buildSearchCacheKey(request domain.SearchRequest, platforms []string) string {
	return strings.Join([]string{
		"q=" + strings.ToLower(strings.TrimSpace(request.Keyword)),
		"c=" + string(request.Category),
		"n=" + strconv.Itoa(request.MaxResults),
		"p=" + strings.Join(normalizePlatformNames(platforms), ","),
	}, "|")
}

func normalizePlatformNames(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, raw := range names {
		value := strings.ToLower(strings.TrimSpace(raw))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
