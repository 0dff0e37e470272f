package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmbedderRequiresKey(t *testing.T) {
	_, err := NewEmbedder(Config{})
	require.Error(t, err)
}

func TestEmbedderEmbedAndPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/models":
			_, _ = w.Write([]byte(`{"data":[]}`))
		case "/embeddings":
			var req embedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "text-embedding-3-small", req.Model)
			assert.Equal(t, "雪人", req.Input)
			_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	embedder, err := NewEmbedder(Config{APIKey: "sk-test", BaseURL: server.URL + "/", Model: "text-embedding-3-small"})
	require.NoError(t, err)
	require.NoError(t, embedder.Ping(context.Background()))

	vector, err := embedder.Embed(context.Background(), "雪人")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vector)
	assert.Equal(t, "text-embedding-3-small", embedder.ModelName())
}

func TestEmbedderSurfacesAPIErrorMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer server.Close()

	embedder, err := NewEmbedder(Config{APIKey: "bad", BaseURL: server.URL})
	require.NoError(t, err)
	_, err = embedder.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
	assert.Error(t, embedder.Ping(context.Background()))
}

func TestEmbedderRejectsEmptyEmbedding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	embedder, err := NewEmbedder(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)
	_, err = embedder.Embed(context.Background(), "x")
	require.Error(t, err)
}
