package similarity

import (
	"context"
	"testing"
	"time"

	codepromptu "github.com/codepromptu/codepromptu/internal"
	"github.com/codepromptu/codepromptu/internal/testutil"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return vecFor(text), nil
}

// vecFor derives a simple axis-aligned vector from text content so tests can
// control similarity directly: prompts about "sum" point mostly along axis
// 0, prompts about "product" mostly along axis 1, prompts about "cookies"
// along axis 2, and any other text along axis 3.
func vecFor(text string) []float32 {
	vec := make([]float32, codepromptu.EmbeddingDimension)
	switch {
	case contains(text, "sum") || contains(text, "add"):
		vec[0] = 1.0
		vec[1] = 0.15
	case contains(text, "product") || contains(text, "multiply"):
		vec[0] = 0.15
		vec[1] = 1.0
	case contains(text, "cookies"):
		vec[2] = 1.0
	default:
		vec[3] = 1.0
	}
	return vec
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func seedPrompt(t *testing.T, store *testutil.FakeStore, id, content string) *codepromptu.Prompt {
	t.Helper()
	now := time.Now().UTC()
	p := &codepromptu.Prompt{
		ID: id, Content: content, Version: 1, IsActive: true,
		Embedding: vecFor(content), CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreatePrompt(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFindSimilarEmptyStore(t *testing.T) {
	store := testutil.NewFakeStore()
	engine := NewEngine(store, stubEmbedder{})

	matches, err := engine.FindSimilarVector(context.Background(), vecFor("anything"), 5)
	if err != nil {
		t.Fatal(err)
	}
	if matches != nil {
		t.Errorf("matches = %v, want nil", matches)
	}
}

func TestClassifySameAndFork(t *testing.T) {
	store := testutil.NewFakeStore()
	seedPrompt(t, store, "p1", "Write a Python function to sum two numbers")
	seedPrompt(t, store, "p2", "Write a Python function to compute the product of two numbers")
	seedPrompt(t, store, "p3", "Bake chocolate chip cookies")

	engine := NewEngine(store, stubEmbedder{})

	result, err := engine.Classify(context.Background(), "Python function that adds two integers")
	if err != nil {
		t.Fatal(err)
	}
	if result.Classification != ClassificationSame && result.Classification != ClassificationFork {
		t.Errorf("classification = %v, want SAME or FORK", result.Classification)
	}
	if result.BestMatch == nil || (result.BestMatch.ID != "p1" && result.BestMatch.ID != "p2") {
		t.Errorf("best match = %+v, want p1 or p2", result.BestMatch)
	}

	result2, err := engine.Classify(context.Background(), "knit a scarf")
	if err != nil {
		t.Fatal(err)
	}
	if result2.Classification != ClassificationNew {
		t.Errorf("classification = %v, want NEW", result2.Classification)
	}
}

func TestFindSimilarExcludesRetiredAndUnembedded(t *testing.T) {
	store := testutil.NewFakeStore()
	active := seedPrompt(t, store, "active", "Write a Python function to sum two numbers")
	seedPrompt(t, store, "retired", "Write a Python function to sum two numbers")
	if err := store.RetirePrompt(context.Background(), "retired"); err != nil {
		t.Fatal(err)
	}

	// unembedded: created directly without an Embedding.
	now := time.Now().UTC()
	unembedded := &codepromptu.Prompt{ID: "unembedded", Content: "Write a Python function to sum two numbers", Version: 1, IsActive: true, CreatedAt: now, UpdatedAt: now}
	if err := store.CreatePrompt(context.Background(), unembedded); err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(store, stubEmbedder{})
	matches, err := engine.FindSimilarVector(context.Background(), vecFor("sum two numbers"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Prompt.ID != active.ID {
		t.Fatalf("matches = %+v, want only [active]", matches)
	}
}

func TestFindSimilarTieBreak(t *testing.T) {
	store := testutil.NewFakeStore()
	now := time.Now().UTC()

	// Two prompts with identical embeddings (equal score) but different
	// updated_at: the more recently updated one must sort first.
	older := &codepromptu.Prompt{ID: "b-older", Content: "x", Version: 1, IsActive: true, Embedding: vecFor("sum"), CreatedAt: now, UpdatedAt: now}
	newer := &codepromptu.Prompt{ID: "a-newer", Content: "x", Version: 1, IsActive: true, Embedding: vecFor("sum"), CreatedAt: now, UpdatedAt: now.Add(time.Hour)}
	for _, p := range []*codepromptu.Prompt{older, newer} {
		if err := store.CreatePrompt(context.Background(), p); err != nil {
			t.Fatal(err)
		}
	}

	engine := NewEngine(store, stubEmbedder{})
	matches, err := engine.FindSimilarVector(context.Background(), vecFor("sum"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 || matches[0].Prompt.ID != "a-newer" {
		t.Fatalf("expected newer updated_at first, got %+v", matches)
	}
}

func TestFindSimilarLimit(t *testing.T) {
	store := testutil.NewFakeStore()
	for i := 0; i < 5; i++ {
		seedPrompt(t, store, string(rune('a'+i)), "sum two numbers")
	}
	engine := NewEngine(store, stubEmbedder{})

	matches, err := engine.FindSimilarVector(context.Background(), vecFor("sum"), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("len = %d, want 2", len(matches))
	}
}

func TestBucketIndexEngagesAboveMinIndexRows(t *testing.T) {
	store := testutil.NewFakeStore()
	for i := 0; i < 20; i++ {
		seedPrompt(t, store, string(rune('a'+i)), "sum two numbers")
	}
	// Force the bucket path with a tiny threshold; the cold-bucket fallback
	// to a full scan keeps this deterministic.
	engine := NewEngine(store, stubEmbedder{}, WithMinIndexRows(5))

	matches, err := engine.FindSimilarVector(context.Background(), vecFor("sum"), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 3 {
		t.Fatalf("len = %d, want 3", len(matches))
	}
}
