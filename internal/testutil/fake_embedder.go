package testutil

import (
	"context"
	"sync/atomic"

	codepromptu "github.com/codepromptu/codepromptu/internal"
)

// FakeEmbedder derives a deterministic vector from input length, for tests
// that need a distinguishable-but-fast stand-in rather than the real
// hash-derived StubBackend. Calls is incremented on every Embed, letting
// tests assert retry counts.
type FakeEmbedder struct {
	Calls   atomic.Int64
	FailN   int // fail the first FailN calls, then succeed
	failCnt atomic.Int64
}

func (f *FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.Calls.Add(1)
	if int(f.failCnt.Load()) < f.FailN {
		f.failCnt.Add(1)
		return nil, errTransient
	}
	vec := make([]float32, codepromptu.EmbeddingDimension)
	vec[0] = float32(len(text))
	return vec, nil
}

var errTransient = &transientError{}

type transientError struct{}

func (*transientError) Error() string { return "fake embedder: transient failure" }
