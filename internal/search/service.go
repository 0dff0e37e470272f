// Package search fans a keyword out to media platforms and merges the
// answers into one scored, deduplicated list.
package search

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"storyhub/resolverservice/internal/connectors"
	"storyhub/resolverservice/internal/domain"
)

// ExistenceChecker reports whether the catalog already holds title.
type ExistenceChecker interface {
	Exists(ctx context.Context, title string, category domain.Category) (bool, error)
}

type Service struct {
	registry  *connectors.Registry
	timeout   time.Duration
	existence ExistenceChecker
	logger    *slog.Logger
	retry     RetryConfig
	dedup     DedupConfig
	scoring   ScoreConfig
	now       func() time.Time

	cacheDisabled bool
	cacheTTL      time.Duration
	staleTTL      time.Duration
	cacheMu       sync.Mutex
	cache         map[string]*cachedSearchResponse
	redisCache    *RedisCacheBackend

	healthMu sync.Mutex
	health   map[string]*platformHealth
}

type ServiceOption func(*Service)

func WithRedisCache(backend *RedisCacheBackend) ServiceOption {
	return func(s *Service) {
		s.redisCache = backend
	}
}

func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.cacheTTL = ttl
			s.staleTTL = ttl * 3
		}
	}
}

func WithCacheDisabled(disabled bool) ServiceOption {
	return func(s *Service) {
		s.cacheDisabled = disabled
	}
}

func WithExistenceChecker(checker ExistenceChecker) ServiceOption {
	return func(s *Service) {
		s.existence = checker
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRetryConfig(cfg RetryConfig) ServiceOption {
	return func(s *Service) {
		s.retry = cfg
	}
}

func WithDedupConfig(cfg DedupConfig) ServiceOption {
	return func(s *Service) {
		s.dedup = cfg.withDefaults()
	}
}

func WithScoreConfig(cfg ScoreConfig) ServiceOption {
	return func(s *Service) {
		s.scoring = cfg
	}
}

func NewService(registry *connectors.Registry, timeout time.Duration, opts ...ServiceOption) *Service {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	svc := &Service{
		registry: registry,
		timeout:  timeout,
		logger:   slog.Default(),
		retry:    DefaultRetryConfig(),
		dedup:    DefaultDedupConfig(),
		scoring:  DefaultScoreConfig(),
		now:      time.Now,
		cacheTTL: defaultCacheTTL,
		staleTTL: defaultStaleTTL,
		cache:    make(map[string]*cachedSearchResponse),
		health:   make(map[string]*platformHealth),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *Service) Platforms() []domain.PlatformInfo {
	if s.registry == nil {
		return nil
	}
	return s.registry.Platforms()
}
