package embed

import (
	"context"
	"sync/atomic"
	"testing"
)

type countingEmbedder struct {
	singles int32
	batches int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&c.singles, 1)
	return []float32{float32(len(text)), 1}, nil
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&c.batches, 1)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func TestCachedEmbedder_ReadThrough(t *testing.T) {
	inner := &countingEmbedder{}
	cached, err := NewCachedEmbedder(inner, 100)
	if err != nil {
		t.Fatalf("NewCachedEmbedder error: %v", err)
	}
	defer cached.Close()

	ctx := context.Background()
	first, err := cached.Embed(ctx, "alpha")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	cached.Flush()

	second, err := cached.Embed(ctx, "alpha")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if atomic.LoadInt32(&inner.singles) != 1 {
		t.Fatalf("inner calls = %d, want 1", inner.singles)
	}
	if first[0] != second[0] {
		t.Fatalf("cached vector differs: %v vs %v", first, second)
	}

	// returned slice must be caller-owned
	second[0] = -99
	third, _ := cached.Embed(ctx, "alpha")
	if third[0] == -99 {
		t.Fatal("cache returned shared slice")
	}
}

func TestCachedEmbedder_BatchPartialHit(t *testing.T) {
	inner := &countingEmbedder{}
	cached, err := NewCachedEmbedder(inner, 100)
	if err != nil {
		t.Fatalf("NewCachedEmbedder error: %v", err)
	}
	defer cached.Close()

	ctx := context.Background()
	if _, err := cached.Embed(ctx, "alpha"); err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	cached.Flush()

	vectors, err := cached.EmbedBatch(ctx, []string{"alpha", "beta", "gamma"})
	if err != nil {
		t.Fatalf("EmbedBatch error: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("count = %d, want 3", len(vectors))
	}
	for i, want := range []float32{5, 4, 5} {
		if vectors[i][0] != want {
			t.Fatalf("vector %d = %v, want first element %v", i, vectors[i], want)
		}
	}
	if atomic.LoadInt32(&inner.batches) != 1 {
		t.Fatalf("batch calls = %d, want 1", inner.batches)
	}
}

func TestCachedEmbedder_InvalidSize(t *testing.T) {
	if _, err := NewCachedEmbedder(&countingEmbedder{}, 0); err == nil {
		t.Fatal("expected error for size 0")
	}
}
