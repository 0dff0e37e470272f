package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"storyhub/resolverservice/internal/domain"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Resolver interface {
	Resolve(ctx context.Context, title string, category domain.Category) (domain.Resolution, error)
}

type SearchService interface {
	Search(ctx context.Context, request domain.SearchRequest) (domain.SearchResponse, error)
	Platforms() []domain.PlatformInfo
	PlatformDiagnostics() []domain.PlatformDiagnostics
}

type AcquisitionService interface {
	Submit(ctx context.Context, request domain.AcquisitionRequest) (domain.AcquisitionTask, error)
	Get(ctx context.Context, id string) (domain.AcquisitionTask, error)
	List(ctx context.Context) ([]domain.AcquisitionTask, error)
	Cancel(ctx context.Context, id string) (domain.AcquisitionTask, error)
	AcquireBest(ctx context.Context, keyword string, category domain.Category) (domain.AcquisitionTask, error)
}

type CatalogService interface {
	Deactivate(ctx context.Context, id int64) error
	ListActive(ctx context.Context) ([]domain.ContentRecord, error)
}

type SemanticIndex interface {
	Ready() bool
	Floor() float64
	Count(ctx context.Context) int
	Reindex(ctx context.Context, records []domain.ContentRecord) (int, error)
}

type Server struct {
	resolver     Resolver
	search       SearchService
	acquisitions AcquisitionService
	catalog      CatalogService
	semantic     SemanticIndex
	logger       *slog.Logger
	rateLimits   RateLimits
	startedAt    time.Time
}

const maxQueryLength = 500

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithRateLimits(limits RateLimits) ServerOption {
	return func(s *Server) {
		s.rateLimits = limits
	}
}

func WithResolver(resolver Resolver) ServerOption {
	return func(s *Server) {
		s.resolver = resolver
	}
}

func WithAcquisitions(acquisitions AcquisitionService) ServerOption {
	return func(s *Server) {
		s.acquisitions = acquisitions
	}
}

func WithCatalog(catalog CatalogService) ServerOption {
	return func(s *Server) {
		s.catalog = catalog
	}
}

func WithSemanticIndex(index SemanticIndex) ServerOption {
	return func(s *Server) {
		s.semantic = index
	}
}

func NewServer(searchService SearchService, options ...ServerOption) *Server {
	server := &Server{
		search:     searchService,
		logger:     slog.Default(),
		rateLimits: DefaultRateLimits,
		startedAt:  time.Now(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/resolve", s.handleResolve)
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/search/platforms", s.handlePlatforms)
	mux.HandleFunc("/search/platforms/health", s.handlePlatformsHealth)
	mux.HandleFunc("/search/thumbnail", s.handleThumbnailProxy)
	mux.HandleFunc("/acquisitions", s.handleAcquisitions)
	mux.HandleFunc("/acquisitions/", s.handleAcquisitionByID)
	mux.HandleFunc("/catalog/", s.handleCatalogByID)
	mux.HandleFunc("/semantic/status", s.handleSemanticStatus)
	mux.HandleFunc("/semantic/reindex", s.handleSemanticReindex)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "content-resolver",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	return requestIDMiddleware(recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateLimits, metricsMiddleware(traced))))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	semanticReady := s.semantic != nil && s.semantic.Ready()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"semanticReady": semanticReady,
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
		"timestamp":     time.Now().UTC(),
	})
}

type semanticStatus struct {
	Ready bool    `json:"ready"`
	Size  int     `json:"size"`
	Floor float64 `json:"floor"`
}

func (s *Server) handleSemanticStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.semantic == nil {
		writeJSON(w, http.StatusOK, semanticStatus{})
		return
	}
	writeJSON(w, http.StatusOK, semanticStatus{
		Ready: s.semantic.Ready(),
		Size:  s.semantic.Count(r.Context()),
		Floor: s.semantic.Floor(),
	})
}

func (s *Server) handleSemanticReindex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.semantic == nil || s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "semantic index is not configured")
		return
	}
	if !s.semantic.Ready() {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "semantic index is not ready")
		return
	}
	records, err := s.catalog.ListActive(r.Context())
	if err != nil {
		s.logger.Error("list catalog for reindex failed", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	indexed, err := s.semantic.Reindex(r.Context(), records)
	if err != nil {
		s.logger.Warn("semantic reindex failed",
			slog.Int("indexed", indexed),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"records": len(records),
		"indexed": indexed,
	})
}
