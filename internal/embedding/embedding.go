// Package embedding implements the Embedding Service (C6): mapping prompt
// text to a fixed-dimension real-valued vector, with preprocessing and the
// cosine similarity primitive C7 builds on.
package embedding

import (
	"context"
	"math"
	"strings"
	"time"
)

// MaxEmbedChars bounds preprocessed input length so requests stay within
// upstream backend token limits. Overridable per deployment via config.
const MaxEmbedChars = 8_000

// Backend produces embeddings for preprocessed text. Implementations must be
// safe for concurrent use.
type Backend interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Service wraps a Backend with preprocessing, retry, and the cosine helpers
// C5/C7 share.
type Service struct {
	backend       Backend
	maxEmbedChars int
	retries       int
	backoff       time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithMaxEmbedChars overrides the preprocessing truncation bound.
func WithMaxEmbedChars(n int) Option {
	return func(s *Service) { s.maxEmbedChars = n }
}

// NewService wraps backend with the standard preprocessing and retry policy:
// three attempts with exponential backoff, per the embedding backend's
// failure contract.
func NewService(backend Backend, opts ...Option) *Service {
	s := &Service{backend: backend, maxEmbedChars: MaxEmbedChars, retries: 3, backoff: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Preprocess trims, collapses line endings, and truncates to maxEmbedChars.
// Preprocess reports whether truncation occurred.
func (s *Service) Preprocess(text string) (out string, truncated bool) {
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	if r := []rune(text); len(r) > s.maxEmbedChars {
		return string(r[:s.maxEmbedChars]), true
	}
	return text, false
}

// Embed preprocesses text and produces a fixed-dimension vector, making up
// to three backend attempts in all with exponential backoff between them.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	clean, _ := s.Preprocess(text)
	var lastErr error
	delay := s.backoff
	for attempt := 0; attempt < s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		vec, err := s.backend.Embed(ctx, clean)
		if err == nil {
			return vec, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// EmbedBatch embeds multiple texts, preserving order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	clean := make([]string, len(texts))
	for i, t := range texts {
		clean[i], _ = s.Preprocess(t)
	}
	return s.backend.EmbedBatch(ctx, clean)
}

// Cosine returns the cosine similarity of u and v, in [-1, 1]. Returns 0 if
// either vector has zero norm.
func Cosine(u, v []float32) float64 {
	var dot, nu, nv float64
	n := min(len(u), len(v))
	for i := 0; i < n; i++ {
		dot += float64(u[i]) * float64(v[i])
		nu += float64(u[i]) * float64(u[i])
		nv += float64(v[i]) * float64(v[i])
	}
	if nu == 0 || nv == 0 {
		return 0
	}
	return dot / (math.Sqrt(nu) * math.Sqrt(nv))
}
