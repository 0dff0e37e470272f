package apihttp

import (
	"log/slog"
	"net/http"
	"strings"

	"storyhub/resolverservice/internal/domain"
)

type resolveResponse struct {
	Resolution   domain.Resolution       `json:"resolution"`
	Task         *domain.AcquisitionTask `json:"task,omitempty"`
	AcquireError string                  `json:"acquireError,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/resolve" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.resolver == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "resolver is not configured")
		return
	}

	title := strings.TrimSpace(r.URL.Query().Get("title"))
	if title == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "title is required")
		return
	}
	if len(title) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "title too long (max 500 characters)")
		return
	}
	category, err := parseCategory(r.URL.Query().Get("category"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resolution, err := s.resolver.Resolve(r.Context(), title, category)
	if err != nil {
		s.logger.Warn("resolve request failed",
			slog.String("title", truncate(title, 80)),
			slog.String("category", string(category)),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	response := resolveResponse{Resolution: resolution}

	if !resolution.Hit() && parseOptionalBool(r.URL.Query().Get("acquire")) && s.acquisitions != nil {
		task, err := s.acquisitions.AcquireBest(r.Context(), title, category)
		if err != nil {
			s.logger.Warn("auto-acquire after miss failed",
				slog.String("title", truncate(title, 80)),
				slog.String("category", string(category)),
				slog.String("error", err.Error()),
			)
			response.AcquireError = err.Error()
		} else {
			response.Task = &task
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return
	}
	limit, err := parsePositiveInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	category, err := parseCategory(r.URL.Query().Get("category"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	platforms := parseCSV(r.URL.Query().Get("platforms"))
	noCache := parseOptionalBool(r.URL.Query().Get("nocache")) || parseOptionalBool(r.URL.Query().Get("noCache"))

	response, err := s.search.Search(r.Context(), domain.SearchRequest{
		Keyword:    query,
		Category:   category,
		Platforms:  platforms,
		MaxResults: limit,
		NoCache:    noCache,
	})
	if err != nil {
		s.logger.Warn("search request failed",
			slog.String("query", truncate(query, 80)),
			slog.Any("platforms", platforms),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	failedPlatforms := make([]string, 0, len(response.Platforms))
	for _, status := range response.Platforms {
		if !status.OK {
			failedPlatforms = append(failedPlatforms, status.Name)
		}
	}
	s.logger.Info("search completed",
		slog.String("query", truncate(query, 80)),
		slog.String("category", string(response.Category)),
		slog.Any("platforms", response.PlatformsSearched),
		slog.Int("totalCount", response.TotalCount),
		slog.Int("dedupRemoved", response.DedupRemovedCount),
		slog.Int64("elapsedMs", response.ElapsedMS),
		slog.Int("failedPlatforms", len(failedPlatforms)),
	)
	if len(failedPlatforms) > 0 {
		s.logger.Warn("search platforms partially failed",
			slog.String("query", truncate(query, 80)),
			slog.Any("failedPlatforms", failedPlatforms),
		)
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePlatforms(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/platforms" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.search.Platforms()})
}

func (s *Server) handlePlatformsHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.search.PlatformDiagnostics()})
}
