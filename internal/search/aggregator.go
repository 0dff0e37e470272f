package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"storyhub/resolverservice/internal/connectors"
	"storyhub/resolverservice/internal/domain"
	"storyhub/resolverservice/internal/metrics"
	"storyhub/resolverservice/internal/telemetry"
)

const (
	DefaultMaxResults         = 10
	MaxResultsLimit           = 50
	maxConcurrentPlatforms    = 4
	maxConcurrentExistChecks  = 8
	backgroundRefreshHeadroom = 2 * time.Second
)

type preparedSearch struct {
	request  domain.SearchRequest
	selected []connectors.Connector
	names    []string
	cacheKey string
}

// Search queries every selected platform concurrently and returns the merged,
// scored and deduplicated results. A failing platform only shows up in the
// per-platform status; if all fail the response is empty and err is nil.
func (s *Service) Search(ctx context.Context, request domain.SearchRequest) (domain.SearchResponse, error) {
	prepared, err := s.prepareSearch(request)
	if err != nil {
		return domain.SearchResponse{}, err
	}

	ctx, span := telemetry.Tracer("search").Start(ctx, "search.aggregate",
		trace.WithAttributes(
			attribute.String("search.keyword", prepared.request.Keyword),
			attribute.String("search.category", string(prepared.request.Category)),
			attribute.StringSlice("search.platforms", prepared.names),
		))
	defer span.End()

	if len(prepared.selected) == 0 {
		return emptyResponse(prepared.request), nil
	}

	useCache := !s.cacheDisabled && !prepared.request.NoCache
	if useCache {
		if cached, ok, needsRefresh := s.cacheLookup(ctx, prepared.cacheKey, time.Now()); ok {
			if needsRefresh {
				s.refreshCacheAsync(prepared)
			}
			span.SetAttributes(attribute.Bool("search.cache_hit", true))
			s.markExisting(ctx, prepared.request.Category, cached.Results)
			return cached, nil
		}
	}

	response := s.executePreparedSearch(ctx, prepared)
	span.SetAttributes(
		attribute.Int("search.results", len(response.Results)),
		attribute.Int("search.dedup_removed", response.DedupRemovedCount),
	)
	if len(response.PlatformsSearched) == 0 {
		span.SetStatus(codes.Error, "no platform answered")
	} else if !s.cacheDisabled {
		s.cacheStore(ctx, prepared.cacheKey, response, time.Now())
	}

	s.markExisting(ctx, prepared.request.Category, response.Results)
	return response, nil
}

func (s *Service) prepareSearch(request domain.SearchRequest) (preparedSearch, error) {
	request.Keyword = strings.TrimSpace(request.Keyword)
	if request.Keyword == "" {
		return preparedSearch{}, domain.ErrInvalidQuery
	}
	if request.Category == "" {
		request.Category = domain.CategoryMusic
	}
	if !request.Category.Valid() {
		return preparedSearch{}, fmt.Errorf("%w: %q", domain.ErrInvalidCategory, request.Category)
	}
	if request.MaxResults <= 0 {
		request.MaxResults = DefaultMaxResults
	}
	request.MaxResults = min(request.MaxResults, MaxResultsLimit)

	var selected []connectors.Connector
	if s.registry != nil {
		selected = s.registry.Select(request.Platforms)
	}
	names := make([]string, 0, len(selected))
	for _, c := range selected {
		names = append(names, c.Name())
	}
	request.Platforms = names

	return preparedSearch{
		request:  request,
		selected: selected,
		names:    names,
		cacheKey: buildSearchCacheKey(request, names),
	}, nil
}

func (s *Service) refreshCacheAsync(prepared preparedSearch) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout+backgroundRefreshHeadroom)
		defer cancel()
		response := s.executePreparedSearch(ctx, prepared)
		if len(response.PlatformsSearched) == 0 {
			return
		}
		s.cacheStore(ctx, prepared.cacheKey, response, time.Now())
	}()
}

func (s *Service) executePreparedSearch(ctx context.Context, prepared preparedSearch) domain.SearchResponse {
	startedAt := time.Now()
	request := prepared.request
	keyword := request.Category.SearchKeyword(request.Keyword)

	statuses := make([]domain.PlatformStatus, len(prepared.selected))
	perPlatform := make([][]domain.MediaInfo, len(prepared.selected))

	sem := semaphore.NewWeighted(maxConcurrentPlatforms)
	var wg sync.WaitGroup
	for i, connector := range prepared.selected {
		wg.Add(1)
		go func(index int, current connectors.Connector) {
			defer wg.Done()
			name := current.Name()

			if err := sem.Acquire(ctx, 1); err != nil {
				statuses[index] = domain.PlatformStatus{Name: name, Error: "context cancelled"}
				return
			}
			defer sem.Release(1)

			if blocked, until, lastErr := s.isPlatformBlocked(name, time.Now()); blocked {
				statuses[index] = domain.PlatformStatus{
					Name:  name,
					Error: fmt.Sprintf("platform temporarily unhealthy until %s: %s", until.UTC().Format(time.RFC3339), lastErr),
				}
				return
			}

			platformCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			platformStartedAt := time.Now()
			var items []domain.MediaInfo
			err := RetryWithBackoff(platformCtx, s.retry, func() error {
				var searchErr error
				items, searchErr = current.Search(platformCtx, domain.ConnectorQuery{
					Keyword: keyword,
					Limit:   request.MaxResults,
				})
				return searchErr
			})
			if err == nil && platformCtx.Err() != nil {
				err = platformCtx.Err()
			}
			s.recordPlatformResult(name, OperationSearch, keyword, err, time.Since(platformStartedAt), time.Now())

			status := domain.PlatformStatus{Name: name, OK: err == nil}
			if err != nil {
				status.Error = err.Error()
				s.logger.Warn("platform search failed",
					slog.String("platform", name),
					slog.String("keyword", keyword),
					slog.String("error", err.Error()),
				)
				items = nil
			}
			status.Count = len(items)
			statuses[index] = status
			perPlatform[index] = items
		}(i, connector)
	}
	wg.Wait()

	now := s.now()
	searched := make([]string, 0, len(statuses))
	var merged []domain.SearchResultItem
	for i, status := range statuses {
		if !status.OK {
			continue
		}
		searched = append(searched, status.Name)
		for _, info := range perPlatform[i] {
			item, ok := normalizeMediaInfo(status.Name, info)
			if !ok {
				continue
			}
			item.QualityScore = QualityScore(s.scoring, item, request.Category, request.Keyword, now)
			merged = append(merged, item)
		}
	}

	deduped, removed := Dedup(s.dedup, merged)
	if deduped == nil {
		deduped = []domain.SearchResultItem{}
	}
	if removed > 0 {
		metrics.SearchDedupRemovedTotal.Add(float64(removed))
	}
	sortResults(deduped)

	total := len(deduped)
	if len(deduped) > request.MaxResults {
		deduped = deduped[:request.MaxResults]
	}

	response := emptyResponse(request)
	response.Results = deduped
	response.PlatformsSearched = searched
	response.Platforms = statuses
	response.DedupRemovedCount = removed
	response.TotalCount = total
	response.ElapsedMS = time.Since(startedAt).Milliseconds()
	return response
}

func emptyResponse(request domain.SearchRequest) domain.SearchResponse {
	return domain.SearchResponse{
		Keyword:           request.Keyword,
		Category:          request.Category,
		Results:           []domain.SearchResultItem{},
		PlatformsSearched: []string{},
		Platforms:         []domain.PlatformStatus{},
	}
}

// normalizeMediaInfo maps connector output onto a result row. Entries
// without a URL or a title are dropped.
func normalizeMediaInfo(platform string, info domain.MediaInfo) (domain.SearchResultItem, bool) {
	url := strings.TrimSpace(info.URL)
	title := strings.TrimSpace(info.Title)
	if url == "" || title == "" {
		return domain.SearchResultItem{}, false
	}
	if info.Platform != "" {
		platform = info.Platform
	}
	return domain.SearchResultItem{
		Platform:        strings.ToLower(platform),
		URL:             url,
		SourceID:        info.SourceID,
		Title:           title,
		DurationSeconds: max(info.DurationSeconds, 0),
		ViewCount:       max(info.ViewCount, 0),
		LikeCount:       max(info.LikeCount, 0),
		Thumbnail:       info.Thumbnail,
		Uploader:        info.Uploader,
		UploadDate:      info.UploadDate,
	}, true
}

func sortResults(items []domain.SearchResultItem) {
	sort.SliceStable(items, func(i, j int) bool {
		left, right := items[i], items[j]
		if left.QualityScore != right.QualityScore {
			return left.QualityScore > right.QualityScore
		}
		if left.ViewCount != right.ViewCount {
			return left.ViewCount > right.ViewCount
		}
		if left.Platform != right.Platform {
			return left.Platform < right.Platform
		}
		return left.URL < right.URL
	})
}

// markExisting sets ExistsInDB on each result. A failed lookup leaves the
// flag false.
func (s *Service) markExisting(ctx context.Context, category domain.Category, items []domain.SearchResultItem) {
	if s.existence == nil || len(items) == 0 {
		return
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentExistChecks)
	for i := range items {
		group.Go(func() error {
			exists, err := s.existence.Exists(groupCtx, items[i].Title, category)
			if err != nil {
				s.logger.Debug("catalog existence check failed",
					slog.String("title", items[i].Title),
					slog.String("error", err.Error()),
				)
				return nil
			}
			items[i].ExistsInDB = exists
			return nil
		})
	}
	_ = group.Wait()
}
