package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	codepromptu "github.com/codepromptu/codepromptu/internal"
)

// StubBackend derives a deterministic embedding from a hash of the input
// text, so tests never make an external call. Same input always yields the
// same vector; similar inputs are not guaranteed to be close in the stub
// (it is not a real semantic embedding), which is sufficient for exercising
// C5/C7's plumbing without a live backend.
type StubBackend struct{}

// Embed derives EmbeddingDimension float32s from repeated SHA-256 hashing of
// text, normalized to unit length so Cosine behaves like a real embedding's.
func (StubBackend) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, codepromptu.EmbeddingDimension)
	seed := []byte(text)
	block := sha256.Sum256(seed)
	for i := 0; i < codepromptu.EmbeddingDimension; i++ {
		if i > 0 && i%8 == 0 {
			block = sha256.Sum256(block[:])
		}
		chunk := binary.BigEndian.Uint32(block[(i%8)*4 : (i%8)*4+4])
		// Map to [-1, 1].
		vec[i] = float32(chunk)/float32(math.MaxUint32)*2 - 1
	}
	normalize(vec)
	return vec, nil
}

// EmbedBatch embeds each text independently, preserving order.
func (s StubBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := math.Sqrt(sumSq)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}
