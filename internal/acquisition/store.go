package acquisition

import (
	"context"
	"sort"
	"sync"

	"storyhub/resolverservice/internal/domain"
)

// TaskStore persists task snapshots so history survives restarts.
type TaskStore interface {
	Save(ctx context.Context, task domain.AcquisitionTask) error
	Get(ctx context.Context, id string) (domain.AcquisitionTask, error)
	// List returns up to limit tasks, newest first. A non-positive limit
	// returns every task.
	List(ctx context.Context, limit int) ([]domain.AcquisitionTask, error)
}

type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]domain.AcquisitionTask
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]domain.AcquisitionTask)}
}

func (s *MemoryTaskStore) Save(_ context.Context, task domain.AcquisitionTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryTaskStore) Get(_ context.Context, id string) (domain.AcquisitionTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return domain.AcquisitionTask{}, domain.ErrNotFound
	}
	return task.Clone(), nil
}

func (s *MemoryTaskStore) List(_ context.Context, limit int) ([]domain.AcquisitionTask, error) {
	s.mu.RLock()
	out := make([]domain.AcquisitionTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
