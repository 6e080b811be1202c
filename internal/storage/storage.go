// Package storage defines persistence interfaces for the Prompt Store (C5)
// and Conversation Correlator (C8).
package storage

import (
	"context"

	codepromptu "github.com/codepromptu/codepromptu/internal"
)

// ListFilter selects prompts by optional field match, plus paging.
//
// IsActive, like every other field here, is an unset-means-unfiltered
// match: nil returns both active and retired prompts. Callers that want
// the common "active prompts only" view (the REST listing's default,
// since a retired prompt is historical and shouldn't reappear alongside
// the prompts it was retired in favor of) must set it explicitly to true.
type ListFilter struct {
	TeamOwner     string
	Author        string
	Tag           string
	ContentSearch string
	IsActive      *bool
	Limit         int
	Offset        int
}

// PromptStore persists Prompt rows and their lineage.
type PromptStore interface {
	CreatePrompt(ctx context.Context, p *codepromptu.Prompt) error
	GetPrompt(ctx context.Context, id string) (*codepromptu.Prompt, error)
	// UpdatePrompt writes the full row (including a bumped Version) in a
	// single statement, used for content and metadata updates; the Prompt
	// Store's later embedding-only write goes through UpdateEmbedding.
	UpdatePrompt(ctx context.Context, p *codepromptu.Prompt) error
	UpdateEmbedding(ctx context.Context, id string, embedding []float32) error
	RetirePrompt(ctx context.Context, id string) error
	ListPrompts(ctx context.Context, f ListFilter) ([]*codepromptu.Prompt, error)
	// ListActiveWithEmbedding returns every active prompt carrying a non-nil
	// embedding, for C7's brute-force / bucketed scan.
	ListActiveWithEmbedding(ctx context.Context) ([]*codepromptu.Prompt, error)
}

// UsageStore persists PromptUsage rows with request_id idempotency.
type UsageStore interface {
	// IngestUsage inserts u unless a row with the same RequestID already
	// exists, in which case it is a no-op. Returns whether a new row was
	// inserted.
	IngestUsage(ctx context.Context, u *codepromptu.PromptUsage) (inserted bool, err error)
	CountUsageByRequestID(ctx context.Context, requestID string) (int, error)
}

// SessionStore persists ConversationSession and ConversationMessage rows.
type SessionStore interface {
	UpsertSession(ctx context.Context, s *codepromptu.ConversationSession) error
	GetSession(ctx context.Context, id string) (*codepromptu.ConversationSession, error)
	GetSessionByCorrelationID(ctx context.Context, correlationID string) (*codepromptu.ConversationSession, error)
	ListSessions(ctx context.Context, limit, offset int) ([]*codepromptu.ConversationSession, error)
	ListActiveSessionsIdleSince(ctx context.Context, cutoff int64) ([]*codepromptu.ConversationSession, error)
	AppendMessage(ctx context.Context, m *codepromptu.ConversationMessage) error
	ListMessages(ctx context.Context, sessionID string) ([]*codepromptu.ConversationMessage, error)
}

// Store combines every persistence interface the process needs.
type Store interface {
	PromptStore
	UsageStore
	SessionStore
	Ping(ctx context.Context) error
	Close() error
}
