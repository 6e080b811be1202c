// Package prompt implements the store-agnostic business logic owning the
// canonical, versioned, lineage-aware collection of prompts.
package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	codepromptu "github.com/codepromptu/codepromptu/internal"
	"github.com/codepromptu/codepromptu/internal/cache"
	"github.com/codepromptu/codepromptu/internal/storage"
)

// defaultGetCacheTTL bounds how long a Get result may be served from cache
// before falling back to the store, same order of magnitude as the
// teacher's own API key cache TTL ("short enough to pick up revocations
// promptly").
const defaultGetCacheTTL = 10 * time.Second

// MaxContentBytes bounds a prompt's content size. The source spec leaves the
// exact bound unstated ("InvalidContent if empty/oversize"); 256 KiB is
// generous for prompt text while still catching accidental binary uploads.
const MaxContentBytes = 256 * 1024

// Embedder is the subset of embedding.Service the Prompt Store depends on.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CacheMetrics is the subset of telemetry.Metrics the read-through cache
// increments.
type CacheMetrics interface {
	CacheHit()
	CacheMiss()
}

type noopCacheMetrics struct{}

func (noopCacheMetrics) CacheHit()  {}
func (noopCacheMetrics) CacheMiss() {}

// Service owns prompt create/read/update/retire/fork/list/lineage and
// delegates usage ingestion to the same store.
type Service struct {
	store         storage.PromptStore
	usage         storage.UsageStore
	embedder      Embedder
	embedTimeout  time.Duration
	maxLineageMax int
	cache         cache.Cache
	cacheTTL      time.Duration
	cacheMetrics  CacheMetrics
}

// Option configures a Service at construction.
type Option func(*Service)

// WithEmbedTimeout overrides the background embedding request's timeout.
func WithEmbedTimeout(d time.Duration) Option {
	return func(s *Service) { s.embedTimeout = d }
}

// WithGetCache installs a read-through cache in front of Get, invalidated on
// every write to the same id.
func WithGetCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithCacheMetrics reports Get cache hits/misses to m. Without this option
// hits/misses are counted but discarded.
func WithCacheMetrics(m CacheMetrics) Option {
	return func(s *Service) { s.cacheMetrics = m }
}

// NewService constructs a Service. usage may be the same underlying store as
// store; they are split at the interface level to match storage's
// segregated interfaces.
func NewService(store storage.PromptStore, usage storage.UsageStore, embedder Embedder, opts ...Option) *Service {
	s := &Service{
		store:         store,
		usage:         usage,
		embedder:      embedder,
		embedTimeout:  10 * time.Second,
		maxLineageMax: codepromptu.MaxLineageDepth,
		cacheTTL:      defaultGetCacheTTL,
		cacheMetrics:  noopCacheMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateDraft is the caller-supplied input to Create.
type CreateDraft struct {
	Content         string
	Author          *string
	TeamOwner       *string
	Purpose         *string
	SuccessCriteria *string
	ModelTarget     *string
	Tags            []string
	Metadata        map[string]any
	ParentID        *string
}

// Create persists a new prompt with version 1, is_active=true, and a
// queued embedding: the row is saved with embedding=nil immediately, and a
// background goroutine requests the vector and performs the dedicated
// UPDATE once it returns (spec §4.5's insert-then-update discipline).
func (s *Service) Create(ctx context.Context, d CreateDraft) (*codepromptu.Prompt, error) {
	if err := validateContent(d.Content); err != nil {
		return nil, err
	}
	if d.ParentID != nil {
		if err := s.checkLineage(ctx, "", *d.ParentID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	p := &codepromptu.Prompt{
		ID:              uuid.Must(uuid.NewV7()).String(),
		Content:         d.Content,
		Author:          d.Author,
		TeamOwner:       d.TeamOwner,
		Purpose:         d.Purpose,
		SuccessCriteria: d.SuccessCriteria,
		ModelTarget:     d.ModelTarget,
		Tags:            d.Tags,
		Metadata:        d.Metadata,
		ParentID:        d.ParentID,
		Version:         1,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.CreatePrompt(ctx, p); err != nil {
		return nil, err
	}

	s.embedAsync(p.ID, p.Content)
	return p, nil
}

// UpdateDraft is the caller-supplied input to Update. ExpectedVersion
// enforces optimistic concurrency: a mismatch yields ErrConflict.
type UpdateDraft struct {
	ExpectedVersion int
	Content         *string
	Author          *string
	TeamOwner       *string
	Purpose         *string
	SuccessCriteria *string
	ModelTarget     *string
	Tags            []string
	Metadata        map[string]any
	ParentID        *string
}

// Update applies d to the prompt at id, bumping version and, if the
// content changed, nulling the embedding and re-requesting it.
func (s *Service) Update(ctx context.Context, id string, d UpdateDraft) (*codepromptu.Prompt, error) {
	existing, err := s.store.GetPrompt(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Version != d.ExpectedVersion {
		return nil, codepromptu.ErrConflict
	}

	contentChanged := d.Content != nil && *d.Content != existing.Content
	if d.Content != nil {
		if err := validateContent(*d.Content); err != nil {
			return nil, err
		}
		existing.Content = *d.Content
	}
	if d.ParentID != nil {
		if err := s.checkLineage(ctx, id, *d.ParentID); err != nil {
			return nil, err
		}
		existing.ParentID = d.ParentID
	}
	if d.Author != nil {
		existing.Author = d.Author
	}
	if d.TeamOwner != nil {
		existing.TeamOwner = d.TeamOwner
	}
	if d.Purpose != nil {
		existing.Purpose = d.Purpose
	}
	if d.SuccessCriteria != nil {
		existing.SuccessCriteria = d.SuccessCriteria
	}
	if d.ModelTarget != nil {
		existing.ModelTarget = d.ModelTarget
	}
	if d.Tags != nil {
		existing.Tags = d.Tags
	}
	if d.Metadata != nil {
		existing.Metadata = d.Metadata
	}

	existing.Version++
	existing.UpdatedAt = time.Now().UTC()
	if contentChanged {
		existing.Embedding = nil
	}

	if err := s.store.UpdatePrompt(ctx, existing); err != nil {
		return nil, err
	}
	s.cacheInvalidate(ctx, existing.ID)

	if contentChanged {
		s.embedAsync(existing.ID, existing.Content)
	}
	return existing, nil
}

// Get returns the prompt at id, served from the read-through cache when one
// is configured and holds a fresh entry.
func (s *Service) Get(ctx context.Context, id string) (*codepromptu.Prompt, error) {
	if s.cache != nil {
		if data, ok := s.cache.Get(ctx, id); ok {
			var p codepromptu.Prompt
			if err := json.Unmarshal(data, &p); err == nil {
				s.cacheMetrics.CacheHit()
				return &p, nil
			}
		}
		s.cacheMetrics.CacheMiss()
	}

	p, err := s.store.GetPrompt(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cachePut(ctx, p)
	return p, nil
}

func (s *Service) cachePut(ctx context.Context, p *codepromptu.Prompt) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	s.cache.Set(ctx, p.ID, data, s.cacheTTL)
}

func (s *Service) cacheInvalidate(ctx context.Context, id string) {
	if s.cache != nil {
		s.cache.Delete(ctx, id)
	}
}

// Retire marks a prompt inactive. Calling it twice is a no-op on the
// second call (idempotent per spec §8).
func (s *Service) Retire(ctx context.Context, id string) error {
	err := s.store.RetirePrompt(ctx, id)
	s.cacheInvalidate(ctx, id)
	if err == codepromptu.ErrNotFound {
		// Already retired or never existed; check which before deciding.
		p, getErr := s.store.GetPrompt(ctx, id)
		if getErr != nil {
			return getErr
		}
		if !p.IsActive {
			return nil
		}
		return err
	}
	return err
}

// Fork creates a new prompt whose parent_id is parentID.
func (s *Service) Fork(ctx context.Context, parentID, content string, author *string) (*codepromptu.Prompt, error) {
	if _, err := s.store.GetPrompt(ctx, parentID); err != nil {
		return nil, err
	}
	return s.Create(ctx, CreateDraft{Content: content, Author: author, ParentID: &parentID})
}

// ListBy returns prompts matching f.
func (s *Service) ListBy(ctx context.Context, f storage.ListFilter) ([]*codepromptu.Prompt, error) {
	return s.store.ListPrompts(ctx, f)
}

// IngestUsage stores a PromptUsage, deduplicating on request_id.
func (s *Service) IngestUsage(ctx context.Context, u *codepromptu.PromptUsage) (bool, error) {
	return s.usage.IngestUsage(ctx, u)
}

func validateContent(content string) error {
	if content == "" {
		return fmt.Errorf("%w: content is empty", codepromptu.ErrInvalidInput)
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("%w: content exceeds %d bytes", codepromptu.ErrInvalidInput, MaxContentBytes)
	}
	return nil
}

// embedAsync requests an embedding for text and writes it back once it
// returns, outside the request's own lifetime and transaction — failures
// here never surface to the Create/Update caller (spec §7: embedding
// failures never block a prompt write).
func (s *Service) embedAsync(id, text string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.embedTimeout)
		defer cancel()

		vec, err := s.embedder.Embed(ctx, text)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "embedding request failed, prompt left unembedded",
				slog.String("prompt_id", id),
				slog.String("error", err.Error()),
			)
			return
		}
		if err := s.store.UpdateEmbedding(ctx, id, vec); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "embedding write failed",
				slog.String("prompt_id", id),
				slog.String("error", err.Error()),
			)
			return
		}
		s.cacheInvalidate(ctx, id)
	}()
}
