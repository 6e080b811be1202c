package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	codepromptu "github.com/codepromptu/codepromptu/internal"
)

// ingestUsageRequest is the wire shape for POST /internal/prompt-usage: a
// gateway process (or another instance of this one) pushing a PromptUsage
// row directly into the Prompt Store, bypassing the proxied-request path.
type ingestUsageRequest struct {
	RequestID         string                  `json:"request_id"`
	CorrelationID     string                  `json:"correlation_id"`
	PromptID          *string                 `json:"prompt_id"`
	Provider          codepromptu.Provider    `json:"provider"`
	Model             string                  `json:"model"`
	RequestTimestamp  time.Time               `json:"request_timestamp"`
	ResponseTimestamp time.Time               `json:"response_timestamp"`
	ClientIP          string                  `json:"client_ip"`
	UserAgent         string                  `json:"user_agent"`
	APIKeyHash        string                  `json:"api_key_hash"`
	TokenUsage        *codepromptu.TokenUsage `json:"token_usage"`
	Metadata          map[string]any          `json:"metadata"`
}

func (s *server) handleIngestUsage(w http.ResponseWriter, r *http.Request) {
	var req ingestUsageRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("request_id is required"))
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.Must(uuid.NewV7()).String()
	}

	u := &codepromptu.PromptUsage{
		ID:                uuid.Must(uuid.NewV7()).String(),
		RequestID:         req.RequestID,
		CorrelationID:     req.CorrelationID,
		PromptID:          req.PromptID,
		Provider:          req.Provider,
		Model:             req.Model,
		RequestTimestamp:  req.RequestTimestamp,
		ResponseTimestamp: req.ResponseTimestamp,
		ClientIP:          req.ClientIP,
		UserAgent:         req.UserAgent,
		APIKeyHash:        req.APIKeyHash,
		TokenUsage:        req.TokenUsage,
		Metadata:          req.Metadata,
	}
	if _, err := s.deps.Prompts.IngestUsage(r.Context(), u); err != nil {
		writeDomainError(w, r.Context(), err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
