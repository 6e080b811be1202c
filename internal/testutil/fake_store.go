// Package testutil provides in-memory fakes for unit tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	codepromptu "github.com/codepromptu/codepromptu/internal"
	"github.com/codepromptu/codepromptu/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu       sync.RWMutex
	prompts  map[string]*codepromptu.Prompt
	usages   map[string]*codepromptu.PromptUsage // keyed by request_id
	sessions map[string]*codepromptu.ConversationSession
	messages map[string][]*codepromptu.ConversationMessage // keyed by session id

	// GetPromptCalls counts GetPrompt invocations, for tests asserting on
	// cache hit/miss behavior in front of the store.
	GetPromptCalls atomic.Int64
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		prompts:  make(map[string]*codepromptu.Prompt),
		usages:   make(map[string]*codepromptu.PromptUsage),
		sessions: make(map[string]*codepromptu.ConversationSession),
		messages: make(map[string][]*codepromptu.ConversationMessage),
	}
}

func clonePrompt(p *codepromptu.Prompt) *codepromptu.Prompt {
	cp := *p
	cp.Tags = append([]string(nil), p.Tags...)
	cp.Embedding = append([]float32(nil), p.Embedding...)
	return &cp
}

// --- PromptStore ---

func (s *FakeStore) CreatePrompt(_ context.Context, p *codepromptu.Prompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.prompts[p.ID]; exists {
		return codepromptu.ErrConflict
	}
	s.prompts[p.ID] = clonePrompt(p)
	return nil
}

func (s *FakeStore) GetPrompt(_ context.Context, id string) (*codepromptu.Prompt, error) {
	s.GetPromptCalls.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prompts[id]
	if !ok {
		return nil, codepromptu.ErrNotFound
	}
	return clonePrompt(p), nil
}

func (s *FakeStore) UpdatePrompt(_ context.Context, p *codepromptu.Prompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prompts[p.ID]; !ok {
		return codepromptu.ErrNotFound
	}
	s.prompts[p.ID] = clonePrompt(p)
	return nil
}

func (s *FakeStore) UpdateEmbedding(_ context.Context, id string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prompts[id]
	if !ok {
		return codepromptu.ErrNotFound
	}
	p.Embedding = append([]float32(nil), embedding...)
	return nil
}

func (s *FakeStore) RetirePrompt(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prompts[id]
	if !ok {
		return codepromptu.ErrNotFound
	}
	p.IsActive = false
	return nil
}

func (s *FakeStore) ListPrompts(_ context.Context, f storage.ListFilter) ([]*codepromptu.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*codepromptu.Prompt
	for _, p := range s.prompts {
		if f.TeamOwner != "" && (p.TeamOwner == nil || *p.TeamOwner != f.TeamOwner) {
			continue
		}
		if f.Author != "" && (p.Author == nil || *p.Author != f.Author) {
			continue
		}
		if f.Tag != "" && !containsString(p.Tags, f.Tag) {
			continue
		}
		if f.IsActive != nil && p.IsActive != *f.IsActive {
			continue
		}
		out = append(out, clonePrompt(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return applyPaging(out, f.Limit, f.Offset), nil
}

func (s *FakeStore) ListActiveWithEmbedding(_ context.Context) ([]*codepromptu.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*codepromptu.Prompt
	for _, p := range s.prompts {
		if p.IsActive && p.Embedding != nil {
			out = append(out, clonePrompt(p))
		}
	}
	return out, nil
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func applyPaging(items []*codepromptu.Prompt, limit, offset int) []*codepromptu.Prompt {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// --- UsageStore ---

func (s *FakeStore) IngestUsage(_ context.Context, u *codepromptu.PromptUsage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usages[u.RequestID]; exists {
		return false, nil
	}
	cp := *u
	s.usages[u.RequestID] = &cp
	return true, nil
}

func (s *FakeStore) CountUsageByRequestID(_ context.Context, requestID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.usages[requestID]; ok {
		return 1, nil
	}
	return 0, nil
}

// --- SessionStore ---

func (s *FakeStore) UpsertSession(_ context.Context, cs *codepromptu.ConversationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cs
	s.sessions[cs.ID] = &cp
	return nil
}

func (s *FakeStore) GetSession(_ context.Context, id string) (*codepromptu.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.sessions[id]
	if !ok {
		return nil, codepromptu.ErrNotFound
	}
	cp := *cs
	return &cp, nil
}

func (s *FakeStore) GetSessionByCorrelationID(_ context.Context, correlationID string) (*codepromptu.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cs := range s.sessions {
		if cs.CorrelationID == correlationID {
			cp := *cs
			return &cp, nil
		}
	}
	return nil, codepromptu.ErrNotFound
}

func (s *FakeStore) ListSessions(_ context.Context, limit, offset int) ([]*codepromptu.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*codepromptu.ConversationSession
	for _, cs := range s.sessions {
		cp := *cs
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionStart.After(out[j].SessionStart) })
	if offset < len(out) {
		out = out[offset:]
	} else {
		out = nil
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *FakeStore) ListActiveSessionsIdleSince(_ context.Context, cutoff int64) ([]*codepromptu.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*codepromptu.ConversationSession
	for _, cs := range s.sessions {
		if cs.Status == codepromptu.SessionActive && cs.SessionStart.Unix() <= cutoff {
			cp := *cs
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *FakeStore) AppendMessage(_ context.Context, m *codepromptu.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.SessionID] = append(s.messages[m.SessionID], &cp)
	return nil
}

func (s *FakeStore) ListMessages(_ context.Context, sessionID string) ([]*codepromptu.ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]
	out := make([]*codepromptu.ConversationMessage, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

// --- Store ---

func (s *FakeStore) Ping(context.Context) error { return nil }
func (s *FakeStore) Close() error               { return nil }
