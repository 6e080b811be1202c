package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	codepromptu "github.com/codepromptu/codepromptu/internal"
	"github.com/codepromptu/codepromptu/internal/conversation"
)

type fakeUsageSink struct {
	mu     sync.Mutex
	ingest []*codepromptu.PromptUsage
	failN  int
	calls  int
}

func (f *fakeUsageSink) IngestUsage(_ context.Context, u *codepromptu.PromptUsage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return false, errors.New("fake store unavailable")
	}
	f.ingest = append(f.ingest, u)
	return true, nil
}

func (f *fakeUsageSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ingest)
}

type fakeMessageSink struct {
	mu       sync.Mutex
	recorded []conversation.Message
}

func (f *fakeMessageSink) RecordMessage(_ context.Context, msg conversation.Message) (*codepromptu.ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, msg)
	return &codepromptu.ConversationMessage{}, nil
}

func (f *fakeMessageSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recorded)
}

type fakeMetrics struct {
	submitted, primaryOK, fallback, dropped atomic.Int64
}

func (m *fakeMetrics) CaptureSubmitted() { m.submitted.Add(1) }
func (m *fakeMetrics) CapturePrimaryOK() { m.primaryOK.Add(1) }
func (m *fakeMetrics) CaptureFallback()  { m.fallback.Add(1) }
func (m *fakeMetrics) CaptureDropped()   { m.dropped.Add(1) }

func sampleContext() *codepromptu.CaptureContext {
	now := time.Now().UTC()
	return &codepromptu.CaptureContext{
		RequestID:         "req-1",
		CorrelationID:     "corr-1",
		Provider:          codepromptu.ProviderOpenAI,
		Model:             "gpt-4",
		RequestBody:       []byte(`{"messages":[{"role":"user","content":"hi"}]}`),
		ResponseBody:      []byte(`{"choices":[{"message":{"content":"hello"}}]}`),
		RequestTimestamp:  now,
		ResponseTimestamp: now.Add(100 * time.Millisecond),
		StatusCode:        200,
		Fields:            map[string]any{"prompt_text": "user: hi"},
	}
}

func TestSubmitPrimarySuccess(t *testing.T) {
	usage := &fakeUsageSink{}
	messages := &fakeMessageSink{}
	metrics := &fakeMetrics{}
	p := NewPipeline(usage, messages, metrics, 10)

	p.Submit(context.Background(), sampleContext())

	if usage.count() != 1 {
		t.Errorf("usage count = %d, want 1", usage.count())
	}
	if messages.count() != 2 {
		t.Errorf("message count = %d, want 2 (prompt + response)", messages.count())
	}
	if metrics.primaryOK.Load() != 1 || metrics.fallback.Load() != 0 {
		t.Errorf("primaryOK=%d fallback=%d, want 1/0", metrics.primaryOK.Load(), metrics.fallback.Load())
	}
}

func TestSubmitFallsBackOnFailure(t *testing.T) {
	usage := &fakeUsageSink{failN: 100}
	messages := &fakeMessageSink{}
	metrics := &fakeMetrics{}
	p := NewPipeline(usage, messages, metrics, 10)

	p.Submit(context.Background(), sampleContext())

	if metrics.fallback.Load() != 1 {
		t.Errorf("fallback = %d, want 1", metrics.fallback.Load())
	}
	if p.queue.Len() != 1 {
		t.Errorf("queue len = %d, want 1", p.queue.Len())
	}
}

func TestDrainOnceRetriesAndSucceeds(t *testing.T) {
	usage := &fakeUsageSink{failN: 1} // first call (the primary attempt) fails, second (drain) succeeds
	messages := &fakeMessageSink{}
	metrics := &fakeMetrics{}
	p := NewPipeline(usage, messages, metrics, 10)

	p.Submit(context.Background(), sampleContext())
	if p.queue.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", p.queue.Len())
	}

	p.DrainOnce(context.Background(), time.Now())
	if p.queue.Len() != 0 {
		t.Errorf("queue len after successful drain = %d, want 0", p.queue.Len())
	}
	if usage.count() != 1 {
		t.Errorf("usage count = %d, want 1", usage.count())
	}
}

func TestDrainOnceDropsAfterMaxAttempts(t *testing.T) {
	usage := &fakeUsageSink{failN: 1000}
	messages := &fakeMessageSink{}
	metrics := &fakeMetrics{}
	p := NewPipeline(usage, messages, metrics, 10)

	p.Submit(context.Background(), sampleContext())

	now := time.Now()
	for i := 0; i < maxDrainAttempts; i++ {
		now = now.Add(time.Minute) // well past any backoff delay
		p.DrainOnce(context.Background(), now)
	}

	if p.queue.Len() != 0 {
		t.Errorf("queue len = %d, want 0 after exhausting attempts", p.queue.Len())
	}
	if metrics.dropped.Load() != 1 {
		t.Errorf("dropped = %d, want 1", metrics.dropped.Load())
	}
}

func TestFallbackQueueDropsOldestOnOverflow(t *testing.T) {
	q := NewFallbackQueue(2)
	e1 := &entry{usage: &codepromptu.PromptUsage{RequestID: "1"}}
	e2 := &entry{usage: &codepromptu.PromptUsage{RequestID: "2"}}
	e3 := &entry{usage: &codepromptu.PromptUsage{RequestID: "3"}}

	if ok := q.Push(e1); !ok {
		t.Error("first push should not evict")
	}
	if ok := q.Push(e2); !ok {
		t.Error("second push should not evict")
	}
	if ok := q.Push(e3); ok {
		t.Error("third push should evict the oldest")
	}

	drained := q.Drain()
	if len(drained) != 2 {
		t.Fatalf("drained = %d, want 2", len(drained))
	}
	if drained[0].usage.RequestID != "2" || drained[1].usage.RequestID != "3" {
		t.Errorf("drained = %+v, want [2, 3]", drained)
	}
}
