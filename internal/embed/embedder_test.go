package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stellarlinkco/memcube/internal/config"
)

func embedServer(t *testing.T, dim int, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}

		var req struct {
			Model string `json:"model"`
			Input any    `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		count := 1
		if arr, ok := req.Input.([]any); ok {
			count = len(arr)
		}

		data := make([]map[string]any, count)
		for i := 0; i < count; i++ {
			vec := make([]float32, dim)
			for d := range vec {
				vec[d] = float32(i + 1)
			}
			// reversed order exercises index-based reassembly
			data[count-1-i] = map[string]any{"index": i, "embedding": vec}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
}

func embedConfig(url string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "test-key"
	cfg.Provider.BaseURL = url
	return cfg
}

func TestEmbedder_Single(t *testing.T) {
	srv := embedServer(t, 4, nil)
	defer srv.Close()

	e := NewEmbedder(embedConfig(srv.URL))
	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if len(vec) != 4 {
		t.Fatalf("dim = %d, want 4", len(vec))
	}

	if _, err := e.Embed(context.Background(), "   "); err == nil {
		t.Fatal("expected error on blank text")
	}
}

func TestEmbedder_BatchOrderRestored(t *testing.T) {
	srv := embedServer(t, 3, nil)
	defer srv.Close()

	e := NewEmbedder(embedConfig(srv.URL))
	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch error: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("count = %d, want 3", len(vectors))
	}
	for i, vec := range vectors {
		if vec[0] != float32(i+1) {
			t.Fatalf("vector %d out of order: %v", i, vec)
		}
	}
}

func TestEmbedder_BatchChunking(t *testing.T) {
	var calls int32
	srv := embedServer(t, 2, &calls)
	defer srv.Close()

	cfg := embedConfig(srv.URL)
	cfg.Embedding.BatchSize = 2

	e := NewEmbedder(cfg)
	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	if err != nil {
		t.Fatalf("EmbedBatch error: %v", err)
	}
	if len(vectors) != 5 {
		t.Fatalf("count = %d, want 5", len(vectors))
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("requests = %d, want 3", got)
	}
}

func TestEmbedder_DimensionMismatch(t *testing.T) {
	srv := embedServer(t, 4, nil)
	defer srv.Close()

	cfg := embedConfig(srv.URL)
	cfg.Embedding.Dimension = 8

	e := NewEmbedder(cfg)
	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestEmbedder_MissingCredentials(t *testing.T) {
	e := NewEmbedder(config.DefaultConfig())
	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error without base url")
	}
}

func TestEmbedder_RetriesServerFaults(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
			{"index": 0, "embedding": []float32{1, 2}},
		}})
	}))
	defer srv.Close()

	e := NewEmbedder(embedConfig(srv.URL))
	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed error after retries: %v", err)
	}
	if len(vec) != 2 {
		t.Fatalf("dim = %d, want 2", len(vec))
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("requests = %d, want 3", got)
	}
}

func TestEmbedder_ClientFaultNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer srv.Close()

	e := NewEmbedder(embedConfig(srv.URL))
	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error on http 400")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("requests = %d, want 1", got)
	}
}
