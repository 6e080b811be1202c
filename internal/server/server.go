// Package server implements the HTTP transport layer for CodePromptu: the
// proxied LLM interface (C1/C2/C3/C9 composed into one handler per provider
// path) and the REST interface over the Prompt Store, Similarity Engine, and
// Conversation Correlator.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	"github.com/codepromptu/codepromptu/internal/capture"
	"github.com/codepromptu/codepromptu/internal/circuitbreaker"
	"github.com/codepromptu/codepromptu/internal/conversation"
	"github.com/codepromptu/codepromptu/internal/prompt"
	"github.com/codepromptu/codepromptu/internal/provider"
	"github.com/codepromptu/codepromptu/internal/similarity"
	"github.com/codepromptu/codepromptu/internal/storage"
	"github.com/codepromptu/codepromptu/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Prompts    *prompt.Service
	Similarity *similarity.Engine
	Correlator *conversation.Correlator
	Store      storage.Store
	Pipeline   *capture.Pipeline
	Breakers   *circuitbreaker.Registry

	ProxyClient      *http.Client
	BaseURLOverrides provider.BaseURLOverrides
	MaxCaptureBytes  int           // default 1 MiB
	ChatTimeout      time.Duration // default 60s
	EmbeddingsTimeout time.Duration // default 30s

	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.MaxCaptureBytes <= 0 {
		deps.MaxCaptureBytes = 1 << 20
	}
	if deps.ChatTimeout <= 0 {
		deps.ChatTimeout = 60 * time.Second
	}
	if deps.EmbeddingsTimeout <= 0 {
		deps.EmbeddingsTimeout = 30 * time.Second
	}
	if deps.ProxyClient == nil {
		deps.ProxyClient = &http.Client{Transport: provider.NewTransport(nil, true)}
	}

	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Proxied LLM interface (C1 detection + C2 forwarding run inside a
	// single handler; the exact path prefixes mirror provider.Detect's own
	// rule table so a request that reaches here is always classifiable).
	r.Post("/v1/chat/completions", s.handleProxy)
	r.Post("/v1/completions", s.handleProxy)
	r.Post("/v1/embeddings", s.handleProxy)
	r.Post("/v1/messages", s.handleProxy)
	r.Post("/v1/complete", s.handleProxy)
	r.Post("/v1beta/models/{model}", s.handleProxy)

	// REST interface over the Prompt Store (C5), Similarity Engine (C7),
	// and Conversation Correlator (C8).
	r.Route("/prompts", func(r chi.Router) {
		r.Get("/", s.handleListPrompts)
		r.Post("/", s.handleCreatePrompt)
		r.Post("/search/similar", s.handleSearchSimilar)
		r.Post("/classify", s.handleClassify)
		r.Get("/{id}", s.handleGetPrompt)
		r.Put("/{id}", s.handleUpdatePrompt)
		r.Delete("/{id}", s.handleRetirePrompt)
		r.Post("/{id}/fork", s.handleForkPrompt)
		r.Get("/{id}/similar", s.handleSimilarToPrompt)
		r.Get("/{id}/ancestors", s.handleAncestors)
	})

	r.Route("/conversations/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Get("/{id}/messages", s.handleListSessionMessages)
	})

	r.Post("/internal/prompt-usage", s.handleIngestUsage)

	r.NotFound(s.handleNotFound)

	return r
}

// handleNotFound rejects unrecognized-but-LLM-shaped paths (§4.2) with the
// same provider-shaped error envelope handleProxy uses, rather than letting
// them fall through to chi's default plain-text 404.
func (s *server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if provider.LooksLikeLLMRequest(r.URL.Path) {
		writeJSON(w, http.StatusUnauthorized, errorResponse("missing or malformed API credential"))
		return
	}
	writeJSON(w, http.StatusNotFound, errorResponse("not found"))
}

type server struct {
	deps Deps
}
