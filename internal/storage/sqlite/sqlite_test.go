package sqlite

import (
	"context"
	"testing"
	"time"

	codepromptu "github.com/codepromptu/codepromptu/internal"
	"github.com/codepromptu/codepromptu/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func TestPromptCreateAndGet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	p := &codepromptu.Prompt{
		ID:        "p1",
		Content:   "summarize this document",
		Author:    strPtr("alice"),
		TeamOwner: strPtr("platform"),
		Tags:      []string{"summarization", "doc"},
		Metadata:  map[string]any{"env": "prod"},
		Version:   1,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreatePrompt(ctx, p); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetPrompt(ctx, "p1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Content != p.Content {
		t.Errorf("content = %q, want %q", got.Content, p.Content)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "summarization" {
		t.Errorf("tags = %v", got.Tags)
	}
	if got.Metadata["env"] != "prod" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if !got.IsActive {
		t.Error("expected active prompt")
	}
	if got.Embedding != nil {
		t.Error("expected nil embedding before two-phase write completes")
	}
}

func TestPromptGetNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if _, err := s.GetPrompt(context.Background(), "missing"); err != codepromptu.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPromptUpdateEmbedding(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	p := &codepromptu.Prompt{ID: "p2", Content: "hello", Version: 1, IsActive: true, CreatedAt: now, UpdatedAt: now}
	if err := s.CreatePrompt(ctx, p); err != nil {
		t.Fatal(err)
	}

	vec := []float32{0.1, 0.2, 0.3}
	if err := s.UpdateEmbedding(ctx, "p2", vec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPrompt(ctx, "p2")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Embedding) != 3 {
		t.Fatalf("embedding len = %d, want 3", len(got.Embedding))
	}
	for i, f := range vec {
		if got.Embedding[i] != f {
			t.Errorf("embedding[%d] = %v, want %v", i, got.Embedding[i], f)
		}
	}
}

func TestPromptRetire(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := &codepromptu.Prompt{ID: "p3", Content: "x", Version: 1, IsActive: true, CreatedAt: now, UpdatedAt: now}
	if err := s.CreatePrompt(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := s.RetirePrompt(ctx, "p3"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetPrompt(ctx, "p3")
	if err != nil {
		t.Fatal(err)
	}
	if got.IsActive {
		t.Error("expected prompt to be retired")
	}
}

func TestPromptRetireNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.RetirePrompt(context.Background(), "missing"); err != codepromptu.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListPromptsFilters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	prompts := []*codepromptu.Prompt{
		{ID: "a", Content: "alpha", TeamOwner: strPtr("team-a"), Tags: []string{"x"}, Version: 1, IsActive: true, CreatedAt: now, UpdatedAt: now},
		{ID: "b", Content: "beta", TeamOwner: strPtr("team-b"), Tags: []string{"y"}, Version: 1, IsActive: true, CreatedAt: now, UpdatedAt: now.Add(time.Second)},
	}
	for _, p := range prompts {
		if err := s.CreatePrompt(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListPrompts(ctx, storage.ListFilter{TeamOwner: "team-a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("got %v, want [a]", got)
	}
}

func TestListPromptsIsActiveFilter(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	active := &codepromptu.Prompt{ID: "r1", Content: "alpha", Version: 1, IsActive: true, CreatedAt: now, UpdatedAt: now}
	retired := &codepromptu.Prompt{ID: "r2", Content: "beta", Version: 1, IsActive: true, CreatedAt: now, UpdatedAt: now.Add(time.Second)}
	for _, p := range []*codepromptu.Prompt{active, retired} {
		if err := s.CreatePrompt(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RetirePrompt(ctx, "r2"); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListPrompts(ctx, storage.ListFilter{IsActive: boolPtr(true)})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "r1" {
		t.Fatalf("active filter: got %v, want [r1]", got)
	}

	got, err = s.ListPrompts(ctx, storage.ListFilter{IsActive: boolPtr(false)})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "r2" {
		t.Fatalf("retired filter: got %v, want [r2]", got)
	}

	got, err = s.ListPrompts(ctx, storage.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("unfiltered: got %d prompts, want 2", len(got))
	}
}

func TestListActiveWithEmbedding(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p1 := &codepromptu.Prompt{ID: "e1", Content: "x", Version: 1, IsActive: true, CreatedAt: now, UpdatedAt: now}
	p2 := &codepromptu.Prompt{ID: "e2", Content: "y", Version: 1, IsActive: true, CreatedAt: now, UpdatedAt: now}
	for _, p := range []*codepromptu.Prompt{p1, p2} {
		if err := s.CreatePrompt(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpdateEmbedding(ctx, "e1", []float32{1, 2}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListActiveWithEmbedding(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "e1" {
		t.Fatalf("got %v, want [e1]", got)
	}
}

func TestUsageIngestIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	u := &codepromptu.PromptUsage{
		ID:                "u1",
		RequestID:         "req-1",
		CorrelationID:     "corr-1",
		Provider:          codepromptu.ProviderOpenAI,
		Model:             "gpt-4",
		RequestTimestamp:  now,
		ResponseTimestamp: now.Add(500 * time.Millisecond),
		APIKeyHash:        "deadbeef",
		TokenUsage:        &codepromptu.TokenUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}

	inserted, err := s.IngestUsage(ctx, u)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Error("expected first ingest to insert")
	}

	// retry with same request_id and a different id must be a no-op
	dup := *u
	dup.ID = "u1-retry"
	inserted, err = s.IngestUsage(ctx, &dup)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("expected duplicate request_id ingest to be a no-op")
	}

	n, err := s.CountUsageByRequestID(ctx, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestSessionUpsertAndGet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	cs := &codepromptu.ConversationSession{
		ID:            "sess-1",
		CorrelationID: "corr-1",
		UserContext:   map[string]any{"ip": "10.0.0.1"},
		SessionStart:  now,
		Status:        codepromptu.SessionActive,
	}
	if err := s.UpsertSession(ctx, cs); err != nil {
		t.Fatal("upsert:", err)
	}

	got, err := s.GetSessionByCorrelationID(ctx, "corr-1")
	if err != nil {
		t.Fatal("get by correlation:", err)
	}
	if got.ID != "sess-1" {
		t.Errorf("id = %q, want sess-1", got.ID)
	}

	cs.MessageCount = 2
	cs.TotalTokens = 50
	cs.Status = codepromptu.SessionClosed
	end := now.Add(time.Minute)
	cs.SessionEnd = &end
	if err := s.UpsertSession(ctx, cs); err != nil {
		t.Fatal("re-upsert:", err)
	}

	got, err = s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.MessageCount != 2 || got.TotalTokens != 50 {
		t.Errorf("got = %+v", got)
	}
	if got.Status != codepromptu.SessionClosed {
		t.Errorf("status = %q, want CLOSED", got.Status)
	}
	if got.SessionEnd == nil {
		t.Error("expected session_end to be set")
	}
}

func TestAppendAndListMessages(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	cs := &codepromptu.ConversationSession{ID: "sess-2", CorrelationID: "corr-2", SessionStart: now, Status: codepromptu.SessionActive}
	if err := s.UpsertSession(ctx, cs); err != nil {
		t.Fatal(err)
	}

	m1 := &codepromptu.ConversationMessage{
		ID: "m1", SessionID: "sess-2", Type: codepromptu.MessagePrompt,
		Content: "hi", Timestamp: now, Provider: codepromptu.ProviderOpenAI, Model: "gpt-4",
	}
	m2 := &codepromptu.ConversationMessage{
		ID: "m2", SessionID: "sess-2", Type: codepromptu.MessageResponse,
		Content: "hello", Timestamp: now.Add(time.Second), Provider: codepromptu.ProviderOpenAI, Model: "gpt-4",
		TokenUsage: &codepromptu.TokenUsage{TotalTokens: 5},
	}
	for _, m := range []*codepromptu.ConversationMessage{m1, m2} {
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.ListMessages(ctx, "sess-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("order = %s, %s", msgs[0].ID, msgs[1].ID)
	}
	if msgs[1].TokenUsage == nil || msgs[1].TokenUsage.TotalTokens != 5 {
		t.Errorf("token usage = %+v", msgs[1].TokenUsage)
	}
}

func TestMessagesCascadeOnSessionDelete(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	cs := &codepromptu.ConversationSession{ID: "sess-3", CorrelationID: "corr-3", SessionStart: now, Status: codepromptu.SessionActive}
	if err := s.UpsertSession(ctx, cs); err != nil {
		t.Fatal(err)
	}
	m := &codepromptu.ConversationMessage{ID: "m3", SessionID: "sess-3", Type: codepromptu.MessagePrompt, Content: "x", Timestamp: now, Provider: codepromptu.ProviderOpenAI, Model: "gpt-4"}
	if err := s.AppendMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	if _, err := s.write.ExecContext(ctx, `DELETE FROM conversation_sessions WHERE id = ?`, "sess-3"); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.ListMessages(ctx, "sess-3")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected cascade delete to remove messages, got %d", len(msgs))
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Error(err)
	}
}
