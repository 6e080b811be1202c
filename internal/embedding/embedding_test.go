package embedding

import (
	"context"
	"math"
	"testing"

	codepromptu "github.com/codepromptu/codepromptu/internal"
)

func TestStubEmbedDeterministic(t *testing.T) {
	svc := NewService(StubBackend{})
	v1, err := svc.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatal(err)
	}
	v2, err := svc.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatal(err)
	}
	if len(v1) != codepromptu.EmbeddingDimension {
		t.Fatalf("dimension = %d, want %d", len(v1), codepromptu.EmbeddingDimension)
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("stub embedding not deterministic at index %d: %v != %v", i, v1[i], v2[i])
		}
	}
}

func TestStubEmbedDifferentInputsDiffer(t *testing.T) {
	svc := NewService(StubBackend{})
	v1, _ := svc.Embed(context.Background(), "foo")
	v2, _ := svc.Embed(context.Background(), "bar")
	if Cosine(v1, v2) >= 0.999999 {
		t.Error("distinct inputs should not produce identical vectors")
	}
}

func TestCosineIdentical(t *testing.T) {
	v := []float32{1, 0, 0}
	if got := Cosine(v, v); math.Abs(got-1) > 1e-9 {
		t.Errorf("cosine(v,v) = %v, want 1", got)
	}
}

func TestCosineOrthogonal(t *testing.T) {
	u := []float32{1, 0}
	v := []float32{0, 1}
	if got := Cosine(u, v); math.Abs(got) > 1e-9 {
		t.Errorf("cosine = %v, want 0", got)
	}
}

func TestCosineZeroVector(t *testing.T) {
	u := []float32{0, 0, 0}
	v := []float32{1, 2, 3}
	if got := Cosine(u, v); got != 0 {
		t.Errorf("cosine with zero vector = %v, want 0", got)
	}
}

func TestPreprocessTruncation(t *testing.T) {
	svc := NewService(StubBackend{}, WithMaxEmbedChars(10))
	exact, truncated := svc.Preprocess("0123456789")
	if truncated || len(exact) != 10 {
		t.Errorf("exact-length input should not truncate, got %q truncated=%v", exact, truncated)
	}
	over, truncated := svc.Preprocess("0123456789X")
	if !truncated || len(over) != 10 {
		t.Errorf("over-length input should truncate by exactly one char, got %q truncated=%v", over, truncated)
	}
}
