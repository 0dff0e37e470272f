package semantic

import (
	"context"
	"slices"
	"sync"

	"storyhub/resolverservice/internal/domain"
)

// MemoryStore keeps vectors in process. Last writer wins per id.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int64]EmbeddingRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]EmbeddingRecord)}
}

func (s *MemoryStore) Upsert(_ context.Context, record EmbeddingRecord) error {
	record.Vector = append([]float32(nil), record.Vector...)
	s.mu.Lock()
	s.records[record.ID] = record
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Search(_ context.Context, vector []float32, category domain.Category, limit int) ([]domain.SemanticHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]domain.SemanticHit, 0, len(s.records))
	for _, record := range s.records {
		if category != "" && record.Category != category {
			continue
		}
		hits = append(hits, domain.SemanticHit{
			ID:           record.ID,
			Similarity:   Similarity(vector, record.Vector),
			MatchedTitle: record.Title,
			Category:     record.Category,
		})
	}
	return topHits(hits, limit), nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *MemoryStore) IDs(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids, nil
}
