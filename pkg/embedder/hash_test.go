package embedder

import (
	"context"
	"math"
	"testing"
)

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(128)
	ctx := context.Background()

	a, err := e.Embed(ctx, "stable input")
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Embed(ctx, "stable input")
	if err != nil {
		t.Fatal(err)
	}

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding differs at %d: %f vs %f", i, a[i], b[i])
		}
	}
}

func TestHashEmbedder_UnitNorm(t *testing.T) {
	e := NewHashEmbedder(64)

	vec, err := e.Embed(context.Background(), "any text")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 64 {
		t.Fatalf("expected 64 dims, got %d", len(vec))
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-5 {
		t.Errorf("expected unit norm, got %f", math.Sqrt(norm))
	}
}

func TestHashEmbedder_DistinctTexts(t *testing.T) {
	e := NewHashEmbedder(32)
	ctx := context.Background()

	a, _ := e.Embed(ctx, "first")
	b, _ := e.Embed(ctx, "second")

	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("distinct texts should not produce identical embeddings")
	}
}

func TestHashEmbedder_Batch(t *testing.T) {
	e := NewHashEmbedder(16)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vecs))
	}

	single, _ := e.Embed(context.Background(), "b")
	for i := range single {
		if vecs[1][i] != single[i] {
			t.Fatal("batch embedding should match single embedding")
		}
	}
}

func TestHashEmbedder_CancelledContext(t *testing.T) {
	e := NewHashEmbedder(16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Embed(ctx, "text"); err == nil {
		t.Error("expected context error")
	}
}
