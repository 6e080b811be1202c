// Package codepromptu defines the domain types and interfaces shared across
// every CodePromptu subsystem. This package has no project imports -- it is
// the dependency root.
package codepromptu

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Provider identifies the upstream LLM service a proxied call targets.
type Provider string

const (
	ProviderOpenAI    Provider = "OPENAI"
	ProviderAnthropic Provider = "ANTHROPIC"
	ProviderGoogleAI  Provider = "GOOGLE_AI"
	ProviderUnknown   Provider = "UNKNOWN"
)

// EmbeddingDimension is the fixed width D of every stored embedding vector.
const EmbeddingDimension = 1536

// MaxLineageDepth is the bound K on ancestor traversal.
const MaxLineageDepth = 100

// --- Prompt ---

// Prompt is the central, content-addressed, versioned, lineage-aware entity.
type Prompt struct {
	ID              string
	Content         string
	Author          *string
	TeamOwner       *string
	Purpose         *string
	SuccessCriteria *string
	ModelTarget     *string
	Tags            []string
	Metadata        map[string]any
	ParentID        *string
	Version         int
	IsActive        bool
	Embedding       []float32 // nil until C6 has produced and C5 has written it
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SelfLineage reports whether id would make p its own parent.
func (p *Prompt) SelfLineage(id string) bool { return p.ParentID != nil && *p.ParentID == id }

// --- PromptUsage ---

// TokenUsage mirrors a provider's reported token accounting, when recoverable.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// PromptUsage is one record per proxied request/response pair.
type PromptUsage struct {
	ID                string
	RequestID         string // idempotency key
	CorrelationID     string
	PromptID          *string // nullable weak reference, no referential integrity enforced
	Provider          Provider
	Model             string
	RequestTimestamp  time.Time
	ResponseTimestamp time.Time
	ClientIP          string
	UserAgent         string
	APIKeyHash        string // truncated one-way hash, never plaintext
	TokenUsage        *TokenUsage
	Metadata          map[string]any
}

// --- Conversation ---

// SessionStatus is the lifecycle state of a ConversationSession.
type SessionStatus string

const (
	SessionActive  SessionStatus = "ACTIVE"
	SessionClosed  SessionStatus = "CLOSED"
	SessionExpired SessionStatus = "EXPIRED"
)

// ConversationSession groups proxied calls sharing a correlation id.
type ConversationSession struct {
	ID            string
	CorrelationID string
	UserContext   map[string]any
	SessionStart  time.Time
	SessionEnd    *time.Time
	MessageCount  int
	TotalTokens   int
	Status        SessionStatus
}

// MessageType distinguishes a captured prompt turn from its response.
type MessageType string

const (
	MessagePrompt   MessageType = "PROMPT"
	MessageResponse MessageType = "RESPONSE"
)

// ConversationMessage is one ordered entry within a ConversationSession.
type ConversationMessage struct {
	ID         string
	SessionID  string
	Type       MessageType
	Content    string
	Timestamp  time.Time
	Provider   Provider
	Model      string
	TokenUsage *TokenUsage
	Metadata   map[string]any
	Orphaned   bool // true when a RESPONSE arrived with no preceding PROMPT
}

// --- CaptureContext ---

// CaptureContext is the request-scoped value C2 hands to C3. It is never
// persisted as-is; C3/C5/C8 project it into PromptUsage and
// ConversationMessage rows.
type CaptureContext struct {
	RequestID         string
	CorrelationID     string
	Provider          Provider
	Model             string
	RequestBody       []byte // bounded to MAX_CAPTURE_BYTES, Authorization/key stripped
	ResponseBody      []byte // bounded to MAX_CAPTURE_BYTES
	RequestTruncated  bool
	ResponseTruncated bool
	RequestTimestamp  time.Time
	ResponseTimestamp time.Time
	ClientIP          string
	UserAgent         string
	APIKeyHash        string
	StatusCode        int
	Partial           bool // true if the client disconnected mid-response
	Timeout           bool
	Fields            map[string]any // parser-extracted fields (prompt_text, sampling_params, parse_error, ...)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation;
// CorrelationID is filled in later by mutating the same pointer once C1/C2
// have run, avoiding a second context.WithValue call per request.
type requestMeta struct {
	RequestID     string
	CorrelationID string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithCorrelationID stores the correlation id in the existing
// requestMeta if present, avoiding a new allocation; falls back to creating
// one if none exists (e.g. direct REST ingestion, or in tests).
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.CorrelationID = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{CorrelationID: id})
}

// CorrelationIDFromContext extracts the correlation id from context.
func CorrelationIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.CorrelationID
	}
	return ""
}

// --- Shared helpers ---

// HashAPIKey returns the hex-encoded SHA-256 hash of a raw client credential,
// truncated to a fixed prefix length: enough for audit grouping, not enough
// to make brute-force recovery of the credential practical.
func HashAPIKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])[:32]
}
