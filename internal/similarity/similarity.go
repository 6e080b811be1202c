// Package similarity implements the vector index and similarity
// classification engine over prompt embeddings.
package similarity

import (
	"context"
	"sort"

	codepromptu "github.com/codepromptu/codepromptu/internal"
	"github.com/codepromptu/codepromptu/internal/embedding"
	"github.com/codepromptu/codepromptu/internal/storage"
)

// Classification buckets a query against the nearest stored prompt.
type Classification string

const (
	ClassificationSame Classification = "SAME"
	ClassificationFork Classification = "FORK"
	ClassificationNew  Classification = "NEW"
)

// Match pairs a prompt with its similarity score to a query vector.
type Match struct {
	Prompt *codepromptu.Prompt
	Score  float64
}

// ClassifyResult is the outcome of Classify.
type ClassifyResult struct {
	BestMatch      *codepromptu.Prompt
	Score          float64
	Classification Classification
}

// Embedder is the subset of embedding.Service the engine depends on.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Engine answers similarity queries over every active, embedded prompt.
type Engine struct {
	store         storage.PromptStore
	embedder      Embedder
	sameThreshold float64
	forkThreshold float64
	minIndexRows  int
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithThresholds(same, fork float64) Option {
	return func(e *Engine) { e.sameThreshold, e.forkThreshold = same, fork }
}

func WithMinIndexRows(n int) Option {
	return func(e *Engine) { e.minIndexRows = n }
}

// NewEngine constructs an Engine with spec defaults (τ_same=0.95,
// τ_fork=0.70, MIN_INDEX_ROWS=100) unless overridden.
func NewEngine(store storage.PromptStore, embedder Embedder, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		embedder:      embedder,
		sameThreshold: 0.95,
		forkThreshold: 0.70,
		minIndexRows:  100,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FindSimilarVector returns the top-limit active, embedded prompts by
// descending cosine similarity to vec. Empty store returns (nil, nil),
// never an error.
func (e *Engine) FindSimilarVector(ctx context.Context, vec []float32, limit int) ([]Match, error) {
	active, err := e.store.ListActiveWithEmbedding(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}

	candidates := active
	if len(active) > e.minIndexRows {
		candidates = bucketCandidates(active, vec)
	}

	matches := make([]Match, 0, len(candidates))
	for _, p := range candidates {
		matches = append(matches, Match{Prompt: p, Score: embedding.Cosine(vec, p.Embedding)})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if !matches[i].Prompt.UpdatedAt.Equal(matches[j].Prompt.UpdatedAt) {
			return matches[i].Prompt.UpdatedAt.After(matches[j].Prompt.UpdatedAt)
		}
		return matches[i].Prompt.ID < matches[j].Prompt.ID
	})

	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}
	return matches, nil
}

// FindSimilarText embeds text and delegates to FindSimilarVector.
func (e *Engine) FindSimilarText(ctx context.Context, text string, limit int) ([]Match, error) {
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return e.FindSimilarVector(ctx, vec, limit)
}

// Classify runs FindSimilarText with limit 1 and buckets the result into
// SAME/FORK/NEW per the engine's thresholds.
func (e *Engine) Classify(ctx context.Context, text string) (ClassifyResult, error) {
	matches, err := e.FindSimilarText(ctx, text, 1)
	if err != nil {
		return ClassifyResult{}, err
	}
	if len(matches) == 0 {
		return ClassifyResult{Classification: ClassificationNew}, nil
	}

	best := matches[0]
	return ClassifyResult{
		BestMatch:      best.Prompt,
		Score:          best.Score,
		Classification: classify(best.Score, e.sameThreshold, e.forkThreshold),
	}, nil
}

func classify(score, sameThreshold, forkThreshold float64) Classification {
	switch {
	case score >= sameThreshold:
		return ClassificationSame
	case score >= forkThreshold:
		return ClassificationFork
	default:
		return ClassificationNew
	}
}
