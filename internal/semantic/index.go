// Package semantic maintains title embeddings for catalog records and answers
// nearest-neighbour queries. The Index is a capability handle: when the
// embedding backend is absent every operation is a safe no-op.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"storyhub/resolverservice/internal/domain"
	"storyhub/resolverservice/internal/metrics"
)

const (
	DefaultFloor              = 0.72
	defaultReindexConcurrency = 4
	defaultPingTimeout        = 5 * time.Second
)

var ErrIndexNotReady = errors.New("semantic index is not ready")

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelName() string
	Ping(ctx context.Context) error
}

// EmbeddingRecord is one stored vector, keyed by the catalog record id.
type EmbeddingRecord struct {
	ID       int64
	Category domain.Category
	Title    string
	Model    string
	Vector   []float32
}

// VectorStore persists unit-normalized vectors. Upsert and Delete must be
// safe for concurrent use.
type VectorStore interface {
	Upsert(ctx context.Context, record EmbeddingRecord) error
	Delete(ctx context.Context, id int64) error
	// Search returns up to limit records ordered by descending cosine
	// similarity. An empty category searches every category.
	Search(ctx context.Context, vector []float32, category domain.Category, limit int) ([]domain.SemanticHit, error)
	Count(ctx context.Context) (int, error)
	// IDs lists every stored record id.
	IDs(ctx context.Context) ([]int64, error)
}

// EmbeddingCache memoizes title vectors across restarts.
type EmbeddingCache interface {
	Get(ctx context.Context, model, text string) ([]float32, bool)
	Set(ctx context.Context, model, text string, vector []float32)
}

type Index struct {
	embedder           Embedder
	store              VectorStore
	cache              EmbeddingCache
	floor              float64
	reindexConcurrency int
	logger             *slog.Logger
	ready              atomic.Bool
}

type Option func(*Index)

func WithFloor(floor float64) Option {
	return func(i *Index) {
		if floor > 0 && floor <= 1 {
			i.floor = floor
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(i *Index) {
		if logger != nil {
			i.logger = logger
		}
	}
}

func WithEmbeddingCache(cache EmbeddingCache) Option {
	return func(i *Index) {
		i.cache = cache
	}
}

func WithReindexConcurrency(n int) Option {
	return func(i *Index) {
		if n > 0 {
			i.reindexConcurrency = n
		}
	}
}

func newIndex(opts []Option) *Index {
	idx := &Index{
		floor:              DefaultFloor,
		reindexConcurrency: defaultReindexConcurrency,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Open builds an index over embedder and store and marks it ready only if
// the embedder answers a ping. A failed backend yields a usable, not-ready
// index rather than an error.
func Open(ctx context.Context, embedder Embedder, store VectorStore, opts ...Option) *Index {
	idx := newIndex(opts)
	idx.embedder = embedder
	idx.store = store
	if embedder == nil || store == nil {
		idx.logger.Info("semantic index disabled: no embedding backend configured")
		metrics.SemanticIndexReady.Set(0)
		return idx
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := embedder.Ping(pingCtx); err != nil {
		idx.logger.Warn("semantic index disabled: embedding backend unavailable",
			slog.String("model", embedder.ModelName()),
			slog.String("error", err.Error()),
		)
		metrics.SemanticIndexReady.Set(0)
		return idx
	}
	idx.ready.Store(true)
	metrics.SemanticIndexReady.Set(1)
	idx.logger.Info("semantic index ready",
		slog.String("model", embedder.ModelName()),
		slog.Float64("floor", idx.floor),
	)
	return idx
}

// Disabled returns an index that is never ready.
func Disabled(opts ...Option) *Index {
	return newIndex(opts)
}

func (i *Index) Ready() bool {
	return i != nil && i.ready.Load()
}

func (i *Index) Floor() float64 {
	if i == nil {
		return DefaultFloor
	}
	return i.floor
}

// Index embeds title and upserts it under id. Failures are logged and
// reported as false, never returned as errors.
func (i *Index) Index(ctx context.Context, id int64, title string, category domain.Category) bool {
	if !i.Ready() {
		return false
	}
	vector, err := i.embed(ctx, title)
	if err != nil {
		i.logger.Warn("semantic index embed failed",
			slog.Int64("contentId", id),
			slog.String("title", title),
			slog.String("error", err.Error()),
		)
		return false
	}
	err = i.store.Upsert(ctx, EmbeddingRecord{
		ID:       id,
		Category: category,
		Title:    title,
		Model:    i.embedder.ModelName(),
		Vector:   vector,
	})
	if err != nil {
		i.logger.Warn("semantic index upsert failed", slog.Int64("contentId", id), slog.String("error", err.Error()))
		return false
	}
	i.observeSize(ctx)
	return true
}

// Query returns up to topK hits at or above the floor, best first. An empty
// category searches all categories.
func (i *Index) Query(ctx context.Context, title string, category domain.Category, topK int) []domain.SemanticHit {
	if !i.Ready() || strings.TrimSpace(title) == "" {
		return nil
	}
	if topK <= 0 {
		topK = 3
	}
	vector, err := i.embed(ctx, title)
	if err != nil {
		i.logger.Warn("semantic query embed failed", slog.String("title", title), slog.String("error", err.Error()))
		return nil
	}
	hits, err := i.store.Search(ctx, vector, category, topK)
	if err != nil {
		i.logger.Warn("semantic query failed", slog.String("title", title), slog.String("error", err.Error()))
		return nil
	}
	out := hits[:0]
	for _, hit := range hits {
		if hit.Similarity >= i.floor {
			out = append(out, hit)
		}
	}
	return out
}

func (i *Index) Remove(ctx context.Context, id int64) bool {
	if !i.Ready() {
		return false
	}
	if err := i.store.Delete(ctx, id); err != nil {
		i.logger.Warn("semantic index delete failed", slog.Int64("contentId", id), slog.String("error", err.Error()))
		return false
	}
	i.observeSize(ctx)
	return true
}

func (i *Index) Count(ctx context.Context) int {
	if !i.Ready() {
		return 0
	}
	n, err := i.store.Count(ctx)
	if err != nil {
		i.logger.Warn("semantic index count failed", slog.String("error", err.Error()))
		return 0
	}
	return n
}

// Reindex embeds every active record in records, which must be the whole
// catalog. Stored vectors whose id is not active in records are deleted,
// except ids above the highest id in records, which belong to records
// created after the listing. Individual failures are counted, not returned;
// only a not-ready index or a cancelled context is an error.
func (i *Index) Reindex(ctx context.Context, records []domain.ContentRecord) (int, error) {
	if !i.Ready() {
		return 0, ErrIndexNotReady
	}
	startedAt := time.Now()
	active := make(map[int64]struct{}, len(records))
	var maxID int64
	var indexed atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(i.reindexConcurrency)
	for _, record := range records {
		maxID = max(maxID, record.ID)
		if !record.Active {
			continue
		}
		active[record.ID] = struct{}{}
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			if i.Index(groupCtx, record.ID, record.Title, record.Category) {
				indexed.Add(1)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return int(indexed.Load()), fmt.Errorf("reindex: %w", err)
	}
	pruned, err := i.prune(ctx, active, maxID)
	if err != nil {
		return int(indexed.Load()), fmt.Errorf("reindex: %w", err)
	}
	i.logger.Info("semantic reindex finished",
		slog.Int("records", len(records)),
		slog.Int64("indexed", indexed.Load()),
		slog.Int("pruned", pruned),
		slog.Int64("elapsedMs", time.Since(startedAt).Milliseconds()),
	)
	return int(indexed.Load()), nil
}

// prune deletes stored vectors with id <= maxID that are not in active.
func (i *Index) prune(ctx context.Context, active map[int64]struct{}, maxID int64) (int, error) {
	ids, err := i.store.IDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list embeddings: %w", err)
	}
	pruned := 0
	for _, id := range ids {
		if _, ok := active[id]; ok || id > maxID {
			continue
		}
		if err := i.store.Delete(ctx, id); err != nil {
			return pruned, err
		}
		pruned++
	}
	if pruned > 0 {
		i.observeSize(ctx)
	}
	return pruned, nil
}

func (i *Index) embed(ctx context.Context, title string) ([]float32, error) {
	text := strings.TrimSpace(title)
	if text == "" {
		return nil, errors.New("empty title")
	}
	model := i.embedder.ModelName()
	if i.cache != nil {
		if vector, ok := i.cache.Get(ctx, model, text); ok {
			return vector, nil
		}
	}
	raw, err := i.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	vector, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	if i.cache != nil {
		i.cache.Set(ctx, model, text, vector)
	}
	return vector, nil
}

func (i *Index) observeSize(ctx context.Context) {
	if n, err := i.store.Count(ctx); err == nil {
		metrics.SemanticIndexSize.Set(float64(n))
	}
}
