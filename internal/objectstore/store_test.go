package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyhub/resolverservice/internal/domain"
)

func TestMediaKeyUsesSourceID(t *testing.T) {
	assert.Equal(t, "stories/dQw4w9WgXcQ.m4a", MediaKey(domain.CategoryStory, "dQw4w9WgXcQ", "https://youtu.be/x", "t"))
	assert.Equal(t, "music/BV1xx411c7mD.m4a", MediaKey(domain.CategorySound, "BV1xx411c7mD", "u", "t"))
	assert.Equal(t, "english/abc-1_2.m4a", MediaKey(domain.CategoryEnglish, "abc/-1_2", "u", "t"))
}

func TestMediaKeyFallsBackToHash(t *testing.T) {
	first := MediaKey(domain.CategoryMusic, "", "https://example.com/a", "小星星")
	second := MediaKey(domain.CategoryMusic, "", "https://example.com/a", "小星星")
	other := MediaKey(domain.CategoryMusic, "", "https://example.com/b", "小星星")

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
	assert.True(t, strings.HasPrefix(first, "music/"))
	assert.Len(t, strings.TrimSuffix(strings.TrimPrefix(first, "music/"), ".m4a"), 16)
}

func TestCoverKey(t *testing.T) {
	assert.Equal(t, "covers/abc.webp", CoverKey("stories/abc.m4a", ".WEBP"))
	assert.Equal(t, "covers/abc.jpg", CoverKey("stories/abc.m4a", ""))
}

func TestMemoryStorePutAndPublicURL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("http://cdn.local/media/")

	path := filepath.Join(t.TempDir(), "track.m4a")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o600))
	require.NoError(t, store.PutFile(ctx, "stories/a.m4a", path, "audio/mp4"))
	require.NoError(t, store.PutBytes(ctx, "covers/a.jpg", []byte("img"), "image/jpeg"))

	object, ok := store.Get("stories/a.m4a")
	require.True(t, ok)
	assert.Equal(t, "audio", string(object.Data))
	assert.Equal(t, "audio/mp4", object.ContentType)
	assert.Equal(t, []string{"covers/a.jpg", "stories/a.m4a"}, store.Keys())
	assert.Equal(t, "http://cdn.local/media/stories/a.m4a", store.PublicURL("stories/a.m4a"))

	require.NoError(t, store.Delete(ctx, "covers/a.jpg"))
	_, ok = store.Get("covers/a.jpg")
	assert.False(t, ok)

	assert.Error(t, store.PutBytes(ctx, " ", nil, ""))
}

func TestNewMinioStoreValidatesConfig(t *testing.T) {
	_, err := NewMinioStore(MinioConfig{Bucket: "media"})
	assert.Error(t, err)
	_, err = NewMinioStore(MinioConfig{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	store, err := NewMinioStore(MinioConfig{Endpoint: "https://s3.local:9000", Bucket: "media"})
	require.NoError(t, err)
	assert.Equal(t, "https://s3.local:9000/media/x.m4a", store.PublicURL("x.m4a"))

	custom, err := NewMinioStore(MinioConfig{Endpoint: "localhost:9000", Bucket: "media", PublicBaseURL: "https://cdn.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/x.m4a", custom.PublicURL("x.m4a"))
}
