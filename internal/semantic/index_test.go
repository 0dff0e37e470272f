package semantic

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyhub/resolverservice/internal/domain"
)

type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	pingErr error
	calls   int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	vector, ok := f.vectors[text]
	if !ok {
		return nil, errors.New("no vector for " + text)
	}
	return vector, nil
}

func (f *fakeEmbedder) ModelName() string { return "fake" }

func (f *fakeEmbedder) Ping(context.Context) error { return f.pingErr }

type mapCache struct {
	mu     sync.Mutex
	values map[string][]float32
}

func (c *mapCache) Get(_ context.Context, model, text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[model+"|"+text]
	return v, ok
}

func (c *mapCache) Set(_ context.Context, model, text string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[model+"|"+text] = vector
}

func TestIndexNotReadyIsNoOp(t *testing.T) {
	ctx := context.Background()
	embedder := &fakeEmbedder{pingErr: errors.New("connection refused")}
	idx := Open(ctx, embedder, NewMemoryStore())

	assert.False(t, idx.Ready())
	assert.False(t, idx.Index(ctx, 1, "小红帽", domain.CategoryStory))
	assert.Empty(t, idx.Query(ctx, "小红帽", domain.CategoryStory, 3))
	assert.False(t, idx.Remove(ctx, 1))
	assert.Zero(t, idx.Count(ctx))
	_, err := idx.Reindex(ctx, []domain.ContentRecord{{ID: 1, Title: "x", Active: true}})
	assert.ErrorIs(t, err, ErrIndexNotReady)
	assert.Zero(t, embedder.calls)

	var nilIndex *Index
	assert.False(t, nilIndex.Ready())
	assert.False(t, Disabled().Ready())
}

func TestIndexQueryAppliesFloorAndOrdering(t *testing.T) {
	ctx := context.Background()
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"query":  {1, 0},
		"close":  {0.8, 0.6},
		"closer": {0.9, 0.1},
		"far":    {0.6, 0.8},
	}}
	idx := Open(ctx, embedder, NewMemoryStore())
	require.True(t, idx.Ready())

	require.True(t, idx.Index(ctx, 1, "close", domain.CategoryStory))
	require.True(t, idx.Index(ctx, 2, "far", domain.CategoryStory))
	require.True(t, idx.Index(ctx, 3, "closer", domain.CategoryStory))

	hits := idx.Query(ctx, "query", domain.CategoryStory, 5)
	require.Len(t, hits, 2)
	assert.Equal(t, int64(3), hits[0].ID)
	assert.Equal(t, int64(1), hits[1].ID)
	assert.Equal(t, "close", hits[1].MatchedTitle)
	for _, hit := range hits {
		assert.GreaterOrEqual(t, hit.Similarity, DefaultFloor)
	}

	assert.Empty(t, idx.Query(ctx, "query", domain.CategoryMusic, 5), "category filter")
	assert.Len(t, idx.Query(ctx, "query", "", 5), 2)
}

func TestIndexUpsertKeepsOneRecordPerID(t *testing.T) {
	ctx := context.Background()
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"old title": {1, 0},
		"new title": {0, 1},
	}}
	idx := Open(ctx, embedder, NewMemoryStore())

	require.True(t, idx.Index(ctx, 9, "old title", domain.CategoryMusic))
	require.True(t, idx.Index(ctx, 9, "new title", domain.CategoryMusic))
	assert.Equal(t, 1, idx.Count(ctx))

	hits := idx.Query(ctx, "new title", domain.CategoryMusic, 1)
	require.Len(t, hits, 1)
	assert.Equal(t, "new title", hits[0].MatchedTitle)

	assert.True(t, idx.Remove(ctx, 9))
	assert.Zero(t, idx.Count(ctx))
}

func TestIndexEmbedFailureIsReportedNotReturned(t *testing.T) {
	ctx := context.Background()
	idx := Open(ctx, &fakeEmbedder{vectors: map[string][]float32{}}, NewMemoryStore())
	require.True(t, idx.Ready())
	assert.False(t, idx.Index(ctx, 1, "unknown", domain.CategoryStory))
	assert.Nil(t, idx.Query(ctx, "unknown", domain.CategoryStory, 1))
}

func TestIndexUsesEmbeddingCache(t *testing.T) {
	ctx := context.Background()
	embedder := &fakeEmbedder{vectors: map[string][]float32{"a": {3, 4}}}
	cache := &mapCache{values: map[string][]float32{}}
	idx := Open(ctx, embedder, NewMemoryStore(), WithEmbeddingCache(cache))

	require.True(t, idx.Index(ctx, 1, "a", domain.CategoryMusic))
	require.Len(t, idx.Query(ctx, "a", domain.CategoryMusic, 1), 1)
	assert.Equal(t, 1, embedder.calls)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, cache.values["fake|a"], 1e-6)
}

func TestReindexSkipsInactiveRecords(t *testing.T) {
	ctx := context.Background()
	embedder := &fakeEmbedder{vectors: map[string][]float32{"a": {1, 0}, "b": {0, 1}, "c": {1, 1}}}
	idx := Open(ctx, embedder, NewMemoryStore(), WithReindexConcurrency(2))

	indexed, err := idx.Reindex(ctx, []domain.ContentRecord{
		{ID: 1, Title: "a", Category: domain.CategoryMusic, Active: true},
		{ID: 2, Title: "b", Category: domain.CategoryMusic, Active: false},
		{ID: 3, Title: "c", Category: domain.CategoryStory, Active: true},
		{ID: 4, Title: "missing", Category: domain.CategoryStory, Active: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, indexed)
	assert.Equal(t, 2, idx.Count(ctx))
}

func TestReindexPrunesStaleEmbeddings(t *testing.T) {
	ctx := context.Background()
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"小红帽":     {1, 0},
		"小红帽 旧版":  {1, 0.05},
		"三只小猪":    {0, 1},
		"刚入库的新故事": {1, 1},
	}}
	idx := Open(ctx, embedder, NewMemoryStore())
	require.True(t, idx.Index(ctx, 1, "小红帽 旧版", domain.CategoryStory))
	require.True(t, idx.Index(ctx, 2, "三只小猪", domain.CategoryStory))
	require.True(t, idx.Index(ctx, 3, "小红帽", domain.CategoryStory))
	require.True(t, idx.Index(ctx, 9, "刚入库的新故事", domain.CategoryStory))

	// Record 1 was hard-deleted, record 2 deactivated. Record 9 was created
	// after the catalog listing was taken.
	indexed, err := idx.Reindex(ctx, []domain.ContentRecord{
		{ID: 2, Title: "三只小猪", Category: domain.CategoryStory, Active: false},
		{ID: 3, Title: "小红帽", Category: domain.CategoryStory, Active: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, indexed)
	assert.Equal(t, 2, idx.Count(ctx))

	hits := idx.Query(ctx, "小红帽", domain.CategoryStory, 3)
	require.NotEmpty(t, hits)
	assert.Equal(t, int64(3), hits[0].ID)
	for _, hit := range hits {
		assert.NotEqual(t, int64(1), hit.ID)
		assert.NotEqual(t, int64(2), hit.ID)
	}
}

func TestIndexConcurrentIndexAndRemove(t *testing.T) {
	const records = 40
	vectors := make(map[string][]float32, records)
	for id := 1; id <= records; id++ {
		vectors[fmt.Sprintf("title %d", id)] = []float32{float32(id), 1}
	}

	sqliteStore, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "embeddings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	stores := map[string]VectorStore{"memory": NewMemoryStore(), "sqlite": sqliteStore}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			idx := Open(ctx, &fakeEmbedder{vectors: vectors}, store, WithReindexConcurrency(8))
			require.True(t, idx.Ready())

			var wg sync.WaitGroup
			for id := int64(1); id <= records; id++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.True(t, idx.Index(ctx, id, fmt.Sprintf("title %d", id), domain.CategoryMusic))
					if id%2 == 0 {
						assert.True(t, idx.Remove(ctx, id))
					}
				}()
			}
			for range 4 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = idx.Query(ctx, "title 1", domain.CategoryMusic, 3)
				}()
			}
			wg.Wait()

			assert.Equal(t, records/2, idx.Count(ctx))
			ids, err := store.IDs(ctx)
			require.NoError(t, err)
			require.Len(t, ids, records/2)
			for _, id := range ids {
				assert.Equal(t, int64(1), id%2)
			}
		})
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "embeddings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	a, _ := Normalize([]float32{1, 0})
	b, _ := Normalize([]float32{1, 1})
	require.NoError(t, store.Upsert(ctx, EmbeddingRecord{ID: 1, Category: domain.CategoryStory, Title: "a", Vector: a}))
	require.NoError(t, store.Upsert(ctx, EmbeddingRecord{ID: 2, Category: domain.CategoryMusic, Title: "b", Vector: b}))
	require.NoError(t, store.Upsert(ctx, EmbeddingRecord{ID: 1, Category: domain.CategoryStory, Title: "a2", Vector: a}))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hits, err := store.Search(ctx, a, "", 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, int64(1), hits[0].ID)
	assert.Equal(t, "a2", hits[0].MatchedTitle)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
	assert.InDelta(t, 0.7071, hits[1].Similarity, 1e-3)

	hits, err = store.Search(ctx, a, domain.CategoryMusic, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(2), hits[0].ID)

	require.NoError(t, store.Delete(ctx, 1))
	n, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := store.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
}

func TestNormalizeRejectsZeroVector(t *testing.T) {
	_, err := Normalize([]float32{0, 0})
	assert.Error(t, err)
	v, err := Normalize([]float32{3, 4})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, v, 1e-6)
}
