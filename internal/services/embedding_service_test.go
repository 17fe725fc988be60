package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatcontext/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmbeddingServer(t *testing.T, dims int, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Model string `json:"model"`
			Input string `json:"input"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-embed", req.Model)

		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":"boom"}`))
			return
		}

		embedding := make([]float32, dims)
		embedding[0] = 1
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"embedding": embedding}},
		})
	}))
}

func testEmbeddingConfig(baseURL string, dims int) config.EmbeddingConfig {
	return config.EmbeddingConfig{
		BaseURL:           baseURL,
		APIKey:            "test-key",
		Model:             "test-embed",
		Dimensions:        dims,
		RequestsPerSecond: 100,
		Timeout:           2 * time.Second,
	}
}

func TestEmbeddingServiceEmbed(t *testing.T) {
	server := newEmbeddingServer(t, 8, http.StatusOK)
	defer server.Close()

	svc := NewEmbeddingService(testEmbeddingConfig(server.URL, 8), nil)

	v, err := svc.Embed(context.Background(), "where do I live?")
	require.NoError(t, err)
	assert.Len(t, v, 8)
	assert.Equal(t, float32(1), v[0])
}

func TestEmbeddingServiceFailures(t *testing.T) {
	tests := []struct {
		name       string
		serverDims int
		status     int
		input      string
	}{
		{"provider error", 8, http.StatusInternalServerError, "hello there"},
		{"dimension mismatch", 4, http.StatusOK, "hello there"},
		{"empty input", 8, http.StatusOK, "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newEmbeddingServer(t, tt.serverDims, tt.status)
			defer server.Close()

			svc := NewEmbeddingService(testEmbeddingConfig(server.URL, 8), nil)

			v, err := svc.Embed(context.Background(), tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
			assert.Nil(t, v, "no vector may be fabricated on failure")
		})
	}
}

func TestEmbeddingServiceUnreachable(t *testing.T) {
	server := newEmbeddingServer(t, 8, http.StatusOK)
	url := server.URL
	server.Close()

	svc := NewEmbeddingService(testEmbeddingConfig(url, 8), nil)

	_, err := svc.Embed(context.Background(), "hello there")
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}
