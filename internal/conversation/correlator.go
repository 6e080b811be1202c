// Package conversation implements the Conversation Correlator, grouping
// independently proxied prompt/response calls into ordered sessions keyed
// by correlation id.
package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	codepromptu "github.com/codepromptu/codepromptu/internal"
	"github.com/codepromptu/codepromptu/internal/storage"
)

const (
	// DefaultIdleTimeout matches SESSION_IDLE_TIMEOUT's documented default.
	DefaultIdleTimeout = 30 * time.Minute
	sessionCacheMaxLen = 10_000
)

// Message is the caller-supplied input to RecordMessage.
type Message struct {
	CorrelationID string
	Type          codepromptu.MessageType
	Content       string
	Timestamp     time.Time
	Provider      codepromptu.Provider
	Model         string
	TokenUsage    *codepromptu.TokenUsage
	Metadata      map[string]any
}

// SessionView is the retrieval contract's session-with-messages shape.
type SessionView struct {
	Session  *codepromptu.ConversationSession
	Messages []*codepromptu.ConversationMessage
}

// Correlator groups proxied calls into sessions by correlation_id, caching
// the correlation_id -> session_id mapping in an otter W-TinyLFU cache for
// fast repeat lookups within a session's lifetime.
type Correlator struct {
	store       storage.SessionStore
	cache       *otter.Cache[string, string]
	idleTimeout time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time // session id -> last message timestamp, refines the sweep's coarse DB pass
}

// NewCorrelator constructs a Correlator backed by store.
func NewCorrelator(store storage.SessionStore, idleTimeout time.Duration) (*Correlator, error) {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	c, err := otter.New(&otter.Options[string, string]{
		MaximumSize:      sessionCacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, string](idleTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &Correlator{
		store:       store,
		cache:       c,
		idleTimeout: idleTimeout,
		lastSeen:    make(map[string]time.Time),
	}, nil
}

// RecordMessage resolves (or opens) the session for msg's correlation id
// and appends msg as an ordered message within it. An empty CorrelationID
// is replaced with a freshly generated one, matching direct REST ingestion
// with no upstream-stamped id.
func (c *Correlator) RecordMessage(ctx context.Context, msg Message) (*codepromptu.ConversationMessage, error) {
	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	session, err := c.resolveSession(ctx, correlationID, msg.Timestamp)
	if err != nil {
		return nil, err
	}

	orphaned := false
	if msg.Type == codepromptu.MessageResponse {
		orphaned, err = c.isOrphanedResponse(ctx, session.ID)
		if err != nil {
			return nil, err
		}
	}

	record := &codepromptu.ConversationMessage{
		ID:         uuid.Must(uuid.NewV7()).String(),
		SessionID:  session.ID,
		Type:       msg.Type,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
		Provider:   msg.Provider,
		Model:      msg.Model,
		TokenUsage: msg.TokenUsage,
		Metadata:   msg.Metadata,
		Orphaned:   orphaned,
	}
	if err := c.store.AppendMessage(ctx, record); err != nil {
		return nil, err
	}

	session.MessageCount++
	if msg.TokenUsage != nil {
		session.TotalTokens += msg.TokenUsage.TotalTokens
	}
	if err := c.store.UpsertSession(ctx, session); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastSeen[session.ID] = msg.Timestamp
	c.mu.Unlock()

	return record, nil
}

// resolveSession returns the session for correlationID, creating one with
// session_start = at if none exists yet.
func (c *Correlator) resolveSession(ctx context.Context, correlationID string, at time.Time) (*codepromptu.ConversationSession, error) {
	if id, ok := c.cache.GetIfPresent(correlationID); ok {
		session, err := c.store.GetSession(ctx, id)
		if err == nil {
			return session, nil
		}
		if err != codepromptu.ErrNotFound {
			return nil, err
		}
		c.cache.Invalidate(correlationID)
	}

	session, err := c.store.GetSessionByCorrelationID(ctx, correlationID)
	if err == nil {
		c.cache.Set(correlationID, session.ID)
		return session, nil
	}
	if err != codepromptu.ErrNotFound {
		return nil, err
	}

	session = &codepromptu.ConversationSession{
		ID:            uuid.Must(uuid.NewV7()).String(),
		CorrelationID: correlationID,
		UserContext:   map[string]any{},
		SessionStart:  at,
		Status:        codepromptu.SessionActive,
	}
	if err := c.store.UpsertSession(ctx, session); err != nil {
		return nil, err
	}
	c.cache.Set(correlationID, session.ID)
	return session, nil
}

// isOrphanedResponse reports whether sessionID's most recent message (if
// any) is not a PROMPT awaiting this response.
func (c *Correlator) isOrphanedResponse(ctx context.Context, sessionID string) (bool, error) {
	messages, err := c.store.ListMessages(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if len(messages) == 0 {
		return true, nil
	}
	return messages[len(messages)-1].Type != codepromptu.MessagePrompt, nil
}

// Session returns id's session together with its ordered messages.
func (c *Correlator) Session(ctx context.Context, id string) (*SessionView, error) {
	session, err := c.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	messages, err := c.store.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SessionView{Session: session, Messages: messages}, nil
}

// SessionByCorrelation is Session's counterpart keyed by correlation_id.
func (c *Correlator) SessionByCorrelation(ctx context.Context, correlationID string) (*SessionView, error) {
	session, err := c.store.GetSessionByCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	messages, err := c.store.ListMessages(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	return &SessionView{Session: session, Messages: messages}, nil
}

// Close transitions an ACTIVE session to CLOSED. Closing an already
// inactive session is a no-op.
func (c *Correlator) Close(ctx context.Context, sessionID string) error {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != codepromptu.SessionActive {
		return nil
	}
	now := time.Now().UTC()
	session.Status = codepromptu.SessionClosed
	session.SessionEnd = &now
	return c.store.UpsertSession(ctx, session)
}

// SweepIdle expires every ACTIVE session whose last message is older than
// the correlator's idle timeout relative to now, returning the count
// expired. It uses the store's coarse idle candidate query and refines
// against the in-memory last-seen map kept by RecordMessage, falling back
// to a ListMessages read for sessions not present in that map (e.g. after
// a process restart).
func (c *Correlator) SweepIdle(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-c.idleTimeout)
	candidates, err := c.store.ListActiveSessionsIdleSince(ctx, cutoff.Unix())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, session := range candidates {
		lastActivity, err := c.lastActivity(ctx, session)
		if err != nil {
			return expired, err
		}
		if lastActivity.After(cutoff) {
			continue
		}

		session.Status = codepromptu.SessionExpired
		session.SessionEnd = &lastActivity
		if err := c.store.UpsertSession(ctx, session); err != nil {
			return expired, err
		}
		c.mu.Lock()
		delete(c.lastSeen, session.ID)
		c.mu.Unlock()
		expired++
	}
	return expired, nil
}

func (c *Correlator) lastActivity(ctx context.Context, session *codepromptu.ConversationSession) (time.Time, error) {
	c.mu.Lock()
	seen, ok := c.lastSeen[session.ID]
	c.mu.Unlock()
	if ok {
		return seen, nil
	}

	messages, err := c.store.ListMessages(ctx, session.ID)
	if err != nil {
		return time.Time{}, err
	}
	if len(messages) == 0 {
		return session.SessionStart, nil
	}
	return messages[len(messages)-1].Timestamp, nil
}
