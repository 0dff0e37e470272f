package catalog

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyhub/resolverservice/internal/domain"
)

func TestFuzzyPatternsDropPunctuationAndCap(t *testing.T) {
	assert.Equal(t, []string{"%小红%", "%红帽%"}, fuzzyPatterns("小红帽!"))
	assert.Equal(t, []string{"%ab%"}, fuzzyPatterns("a_b"))
	assert.Equal(t, []string{"%50%"}, fuzzyPatterns("50%"))
	assert.Empty(t, fuzzyPatterns(" ·· "))
	assert.Len(t, fuzzyPatterns("abcdefghijklmnopqrstuvwxyz"), maxFuzzyBigrams)
}

func TestStaleTitleKeysRecomputesOldKeys(t *testing.T) {
	stale := staleTitleKeys([]titleKey{
		{ID: 1, Title: "小红帽·童话", Normalized: "小红帽 童话"},
		{ID: 2, Title: "三只小猪", Normalized: "三只小猪"},
		{ID: 3, Title: "Don't Cry", Normalized: "don t cry"},
	})
	assert.Equal(t, []titleKey{
		{ID: 1, Title: "小红帽·童话", Normalized: "小红帽童话"},
		{ID: 3, Title: "Don't Cry", Normalized: "dont cry"},
	}, stale)
}

// ---- Live database ---------------------------------------------------------

// openTestPostgres connects to TEST_POSTGRES_DSN inside a throwaway schema.
func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	schema := fmt.Sprintf("catalog_test_%d", time.Now().UnixNano())

	admin, err := Connect(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})

	config, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	config.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, config)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := NewPostgresStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))
	return store
}

func TestPostgresStoreExactAndFuzzyLookups(t *testing.T) {
	store := openTestPostgres(t)
	ctx := context.Background()

	create := func(title string) int64 {
		id, err := store.Create(ctx, domain.ContentRecord{Title: title, Category: domain.CategoryStory, StoragePath: "story/" + title})
		require.NoError(t, err)
		return id
	}
	dotted := create("小红帽·童话")
	create("小红帽")
	create("红帽子")

	found, err := store.FindByNormalizedTitle(ctx, "小红帽童话", domain.CategoryStory)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, dotted, found[0].ID)

	candidates, err := store.FindFuzzy(ctx, "小红帽童话", domain.CategoryStory)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, dotted, candidates[0].ID, "most shared bigrams first")
	assert.Equal(t, "红帽子", candidates[2].Title)

	require.NoError(t, store.Deactivate(ctx, dotted))
	found, err = store.FindByNormalizedTitle(ctx, "小红帽童话", domain.CategoryStory)
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.ErrorIs(t, store.Deactivate(ctx, 9999), domain.ErrNotFound)
}

func TestPostgresStoreRenormalizeRewritesOldKeys(t *testing.T) {
	store := openTestPostgres(t)
	ctx := context.Background()

	id, err := store.Create(ctx, domain.ContentRecord{Title: "Don't Cry", Category: domain.CategoryMusic, StoragePath: "music/1.m4a"})
	require.NoError(t, err)
	_, err = store.pool.Exec(ctx, `UPDATE content_records SET normalized_title = 'don t cry' WHERE id = $1`, id)
	require.NoError(t, err)

	changed, err := store.Renormalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	found, err := store.FindByNormalizedTitle(ctx, "Dont Cry", domain.CategoryMusic)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, id, found[0].ID)
}
