// Package catalog is the content record store the resolver matches against
// and the acquisition pipeline writes to.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"storyhub/resolverservice/internal/domain"
	"storyhub/resolverservice/internal/textnorm"
)

// Store is the catalog contract. Lookups only return active records.
type Store interface {
	// FindByNormalizedTitle returns active records whose normalized title equals
	// the normalized form of title, ordered by id.
	FindByNormalizedTitle(ctx context.Context, title string, category domain.Category) ([]domain.ContentRecord, error)
	// FindFuzzy returns candidate records for fuzzy scoring, callers score
	// them. A store may cap the candidate set, keeping the records that share
	// the most character bigrams with title.
	FindFuzzy(ctx context.Context, title string, category domain.Category) ([]domain.ContentRecord, error)
	Create(ctx context.Context, record domain.ContentRecord) (int64, error)
	Get(ctx context.Context, id int64) (domain.ContentRecord, error)
	Deactivate(ctx context.Context, id int64) error
	ListActive(ctx context.Context) ([]domain.ContentRecord, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	records map[int64]domain.ContentRecord
	now     func() time.Time
}

func NewMemoryStore(seed ...domain.ContentRecord) *MemoryStore {
	store := &MemoryStore{
		records: make(map[int64]domain.ContentRecord),
		now:     time.Now,
	}
	for _, record := range seed {
		if record.ID > store.nextID {
			store.nextID = record.ID
		}
	}
	for _, record := range seed {
		if record.ID == 0 {
			store.nextID++
			record.ID = store.nextID
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = store.now().UTC()
		}
		store.records[record.ID] = record
	}
	return store
}

func (s *MemoryStore) FindByNormalizedTitle(_ context.Context, title string, category domain.Category) ([]domain.ContentRecord, error) {
	key := textnorm.Normalize(title)
	if key == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ContentRecord
	for _, record := range s.records {
		if !record.Active || record.Category != category {
			continue
		}
		if textnorm.Normalize(record.Title) == key {
			out = append(out, record)
		}
	}
	sortByID(out)
	return out, nil
}

func (s *MemoryStore) FindFuzzy(_ context.Context, title string, category domain.Category) ([]domain.ContentRecord, error) {
	if strings.TrimSpace(title) == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ContentRecord
	for _, record := range s.records {
		if record.Active && record.Category == category {
			out = append(out, record)
		}
	}
	sortByID(out)
	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, record domain.ContentRecord) (int64, error) {
	if strings.TrimSpace(record.Title) == "" {
		return 0, fmt.Errorf("create content record: title is required")
	}
	if !record.Category.Valid() {
		return 0, fmt.Errorf("create content record: %w", domain.ErrInvalidCategory)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	record.ID = s.nextID
	record.Active = true
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now().UTC()
	}
	record.Classification.TagIDs = append([]int64(nil), record.Classification.TagIDs...)
	s.records[record.ID] = record
	return record.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (domain.ContentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return domain.ContentRecord{}, domain.ErrNotFound
	}
	return record, nil
}

func (s *MemoryStore) Deactivate(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	record.Active = false
	s.records[id] = record
	return nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]domain.ContentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ContentRecord, 0, len(s.records))
	for _, record := range s.records {
		if record.Active {
			out = append(out, record)
		}
	}
	sortByID(out)
	return out, nil
}

func sortByID(records []domain.ContentRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})
}
