package catalog

import (
	"context"
	"log/slog"

	"storyhub/resolverservice/internal/domain"
)

// EmbeddingRemover drops the semantic embedding of a catalog record.
type EmbeddingRemover interface {
	Remove(ctx context.Context, id int64) bool
}

// Lifecycle couples catalog deactivation with embedding removal so an
// inactive record can never be returned by the semantic stage.
type Lifecycle struct {
	store  Store
	index  EmbeddingRemover
	logger *slog.Logger
}

func NewLifecycle(store Store, index EmbeddingRemover, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{store: store, index: index, logger: logger}
}

func (l *Lifecycle) Deactivate(ctx context.Context, id int64) error {
	if err := l.store.Deactivate(ctx, id); err != nil {
		return err
	}
	if l.index != nil && !l.index.Remove(ctx, id) {
		l.logger.Warn("embedding removal skipped", slog.Int64("contentId", id))
	}
	l.logger.Info("content record deactivated", slog.Int64("contentId", id))
	return nil
}

// ListActive returns every active record, the input of a semantic reindex.
func (l *Lifecycle) ListActive(ctx context.Context) ([]domain.ContentRecord, error) {
	return l.store.ListActive(ctx)
}
