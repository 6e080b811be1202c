// Package capture implements the Capture Pipeline (C3): best-effort,
// non-blocking delivery of a proxied exchange's CaptureContext into the
// Prompt Store and Conversation Correlator, with a bounded fallback queue
// absorbing store unavailability.
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	codepromptu "github.com/codepromptu/codepromptu/internal"
	"github.com/codepromptu/codepromptu/internal/conversation"
)

// DefaultPrimaryTimeout bounds a single primary-delivery attempt.
const DefaultPrimaryTimeout = 2 * time.Second

// UsageSink is the Prompt Store's internal ingest interface.
type UsageSink interface {
	IngestUsage(ctx context.Context, u *codepromptu.PromptUsage) (bool, error)
}

// MessageSink is the Conversation Correlator's append interface.
type MessageSink interface {
	RecordMessage(ctx context.Context, msg conversation.Message) (*codepromptu.ConversationMessage, error)
}

// Metrics is the subset of telemetry.Metrics the pipeline increments.
type Metrics interface {
	CaptureSubmitted()
	CapturePrimaryOK()
	CaptureFallback()
	CaptureDropped()
}

// Pipeline delivers CaptureContext values with at-most-once semantics per
// request_id and non-blocking submission: Submit never returns an error to
// its caller, since a failed primary attempt is absorbed into the fallback
// queue rather than surfaced.
type Pipeline struct {
	usage          UsageSink
	messages       MessageSink
	queue          *FallbackQueue
	metrics        Metrics
	primaryTimeout time.Duration
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

func WithPrimaryTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.primaryTimeout = d }
}

// NewPipeline constructs a Pipeline. queueSize bounds the fallback queue
// (default 10000 per spec when 0 is passed).
func NewPipeline(usage UsageSink, messages MessageSink, metrics Metrics, queueSize int, opts ...Option) *Pipeline {
	p := &Pipeline{
		usage:          usage,
		messages:       messages,
		queue:          NewFallbackQueue(queueSize),
		metrics:        metrics,
		primaryTimeout: DefaultPrimaryTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// entry is one queued capture awaiting redelivery.
type entry struct {
	usage       *codepromptu.PromptUsage
	promptMsg   conversation.Message
	responseMsg conversation.Message
	hasResponse bool
	attempts    int
	nextRetryAt time.Time
}

// promptTextKey/responseTextKey are the CaptureContext.Fields keys the
// Request/Response Parser is expected to populate.
const (
	promptTextKey   = "prompt_text"
	responseTextKey = "response_text"
)

// Submit projects cc into a PromptUsage and PROMPT/RESPONSE messages and
// attempts primary delivery with a bounded timeout. On failure it enqueues
// the entry into the fallback queue for the drain worker and still reports
// success to the caller: capture never blocks or fails the proxied
// response it rides alongside.
func (p *Pipeline) Submit(ctx context.Context, cc *codepromptu.CaptureContext) {
	p.metrics.CaptureSubmitted()
	e := buildEntry(cc)

	pctx, cancel := context.WithTimeout(detach(ctx), p.primaryTimeout)
	defer cancel()

	if err := p.deliver(pctx, e); err == nil {
		p.metrics.CapturePrimaryOK()
		return
	}

	if !p.queue.Push(e) {
		p.metrics.CaptureDropped()
	}
	p.metrics.CaptureFallback()
}

// deliver attempts the primary write path: usage ingest plus the prompt and
// (if present) response messages.
func (p *Pipeline) deliver(ctx context.Context, e *entry) error {
	if _, err := p.usage.IngestUsage(ctx, e.usage); err != nil {
		return fmt.Errorf("ingest usage: %w", err)
	}
	if _, err := p.messages.RecordMessage(ctx, e.promptMsg); err != nil {
		return fmt.Errorf("record prompt message: %w", err)
	}
	if e.hasResponse {
		if _, err := p.messages.RecordMessage(ctx, e.responseMsg); err != nil {
			return fmt.Errorf("record response message: %w", err)
		}
	}
	return nil
}

func buildEntry(cc *codepromptu.CaptureContext) *entry {
	promptText := fieldString(cc.Fields, promptTextKey)
	if promptText == "" {
		promptText = string(cc.RequestBody)
	}
	responseText := fieldString(cc.Fields, responseTextKey)
	if responseText == "" {
		responseText = string(cc.ResponseBody)
	}

	var tokenUsage *codepromptu.TokenUsage
	if tu, ok := cc.Fields["token_usage"].(*codepromptu.TokenUsage); ok {
		tokenUsage = tu
	}

	usage := &codepromptu.PromptUsage{
		ID:                uuid.Must(uuid.NewV7()).String(),
		RequestID:         cc.RequestID,
		CorrelationID:     cc.CorrelationID,
		Provider:          cc.Provider,
		Model:             cc.Model,
		RequestTimestamp:  cc.RequestTimestamp,
		ResponseTimestamp: cc.ResponseTimestamp,
		ClientIP:          cc.ClientIP,
		UserAgent:         cc.UserAgent,
		APIKeyHash:        cc.APIKeyHash,
		TokenUsage:        tokenUsage,
		Metadata:          map[string]any{"status_code": cc.StatusCode, "partial": cc.Partial, "timeout": cc.Timeout},
	}

	e := &entry{
		usage: usage,
		promptMsg: conversation.Message{
			CorrelationID: cc.CorrelationID,
			Type:          codepromptu.MessagePrompt,
			Content:       promptText,
			Timestamp:     cc.RequestTimestamp,
			Provider:      cc.Provider,
			Model:         cc.Model,
		},
	}
	if !cc.ResponseTimestamp.IsZero() {
		e.hasResponse = true
		e.responseMsg = conversation.Message{
			CorrelationID: cc.CorrelationID,
			Type:          codepromptu.MessageResponse,
			Content:       responseText,
			Timestamp:     cc.ResponseTimestamp,
			Provider:      cc.Provider,
			Model:         cc.Model,
			TokenUsage:    tokenUsage,
		}
	}
	return e
}

func fieldString(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

// detach returns a context carrying no deadline of its own, so a primary
// attempt's timeout is governed solely by the pipeline's configured bound
// rather than by whatever request context produced cc — submission must
// outlive the proxied request/response cycle that triggered it.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
