package apihttp

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"storyhub/resolverservice/internal/domain"
)

type acquisitionRequest struct {
	URL            string                `json:"url"`
	Title          string                `json:"title"`
	Category       domain.Category       `json:"category"`
	Classification domain.Classification `json:"classification"`
}

type batchAcquisitionRequest struct {
	URLs           []string                 `json:"urls"`
	Items          []domain.AcquisitionItem `json:"items"`
	Category       domain.Category          `json:"category"`
	Classification domain.Classification    `json:"classification"`
}

func (b batchAcquisitionRequest) toDomain() domain.AcquisitionRequest {
	items := make([]domain.AcquisitionItem, 0, len(b.Items)+len(b.URLs))
	items = append(items, b.Items...)
	for _, raw := range b.URLs {
		items = append(items, domain.AcquisitionItem{URL: raw})
	}
	return domain.AcquisitionRequest{
		Items:          items,
		Category:       normalizeCategory(b.Category),
		Classification: b.Classification,
	}
}

func normalizeCategory(category domain.Category) domain.Category {
	return domain.Category(strings.ToLower(strings.TrimSpace(string(category))))
}

func (s *Server) handleAcquisitions(w http.ResponseWriter, r *http.Request) {
	if s.acquisitions == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "acquisition service is not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		tasks, err := s.acquisitions.List(r.Context())
		if err != nil {
			s.logger.Error("list acquisition tasks failed", slog.String("error", err.Error()))
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": tasks, "count": len(tasks)})
	case http.MethodPost:
		var body acquisitionRequest
		if err := decodeJSONBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.submitAcquisition(w, r, domain.AcquisitionRequest{
			Items:          []domain.AcquisitionItem{{URL: body.URL, Title: body.Title}},
			Category:       normalizeCategory(body.Category),
			Classification: body.Classification,
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAcquisitionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/acquisitions/"), "/")
	if path == "" {
		http.NotFound(w, r)
		return
	}
	if s.acquisitions == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "acquisition service is not configured")
		return
	}

	if path == "batch" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body batchAcquisitionRequest
		if err := decodeJSONBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.submitAcquisition(w, r, body.toDomain())
		return
	}

	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		task, err := s.acquisitions.Get(r.Context(), parts[0])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		task, err := s.acquisitions.Cancel(r.Context(), parts[0])
		if err != nil {
			s.logger.Warn("cancel acquisition failed",
				slog.String("taskId", parts[0]),
				slog.String("error", err.Error()),
			)
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) submitAcquisition(w http.ResponseWriter, r *http.Request, request domain.AcquisitionRequest) {
	task, err := s.acquisitions.Submit(r.Context(), request)
	if err != nil {
		s.logger.Warn("acquisition submit rejected",
			slog.String("category", string(request.Category)),
			slog.Int("items", len(request.Items)),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleCatalogByID(w http.ResponseWriter, r *http.Request) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/catalog/"), "/")
	if raw == "" || strings.Contains(raw, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.catalog == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "catalog is not configured")
		return
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid content id")
		return
	}
	if err := s.catalog.Deactivate(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
