package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyhub/resolverservice/internal/domain"
)

func TestMemoryStoreExactLookupIsNormalizedAndScoped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(
		domain.ContentRecord{Title: "Twinkle, Twinkle Little Star", Category: domain.CategoryMusic, Active: true},
		domain.ContentRecord{Title: "twinkle twinkle little star", Category: domain.CategoryStory, Active: true},
	)

	found, err := store.FindByNormalizedTitle(ctx, "  TWINKLE twinkle   little star!", domain.CategoryMusic)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, int64(1), found[0].ID)
	assert.Equal(t, "Twinkle, Twinkle Little Star", found[0].Title, "title must be stored verbatim")
}

func TestMemoryStoreCreateAssignsIDsAndDeactivateHidesRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	id, err := store.Create(ctx, domain.ContentRecord{Title: "雪人", Category: domain.CategoryMusic, StoragePath: "music/a.m4a"})
	require.NoError(t, err)
	second, err := store.Create(ctx, domain.ContentRecord{Title: "小星星", Category: domain.CategoryMusic})
	require.NoError(t, err)
	assert.Greater(t, second, id)

	record, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, record.Active)
	assert.False(t, record.CreatedAt.IsZero())

	require.NoError(t, store.Deactivate(ctx, id))
	found, err := store.FindByNormalizedTitle(ctx, "雪人", domain.CategoryMusic)
	require.NoError(t, err)
	assert.Empty(t, found)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second, active[0].ID)

	assert.ErrorIs(t, store.Deactivate(ctx, 999), domain.ErrNotFound)
	_, err = store.Get(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryStoreCreateRejectsInvalidRecords(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Create(context.Background(), domain.ContentRecord{Title: " ", Category: domain.CategoryMusic})
	assert.Error(t, err)
	_, err = store.Create(context.Background(), domain.ContentRecord{Title: "x", Category: "video"})
	assert.ErrorIs(t, err, domain.ErrInvalidCategory)
}

type recordingRemover struct {
	removed []int64
}

func (r *recordingRemover) Remove(_ context.Context, id int64) bool {
	r.removed = append(r.removed, id)
	return true
}

func TestLifecycleDeactivateRemovesEmbedding(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(domain.ContentRecord{ID: 7, Title: "小红帽", Category: domain.CategoryStory, Active: true})
	remover := &recordingRemover{}
	lifecycle := NewLifecycle(store, remover, nil)

	require.NoError(t, lifecycle.Deactivate(ctx, 7))
	assert.Equal(t, []int64{7}, remover.removed)

	err := lifecycle.Deactivate(ctx, 8)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, []int64{7}, remover.removed)
}
