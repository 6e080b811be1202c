package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	codepromptu "github.com/codepromptu/codepromptu/internal"
)

// HTTPBackend calls an OpenAI-compatible embeddings endpoint using the
// deployment's own credential, read from an environment variable at
// construction time (see config.EmbeddingConfig.APIKeyEnv). It never logs or
// persists that credential.
type HTTPBackend struct {
	client  *http.Client
	baseURL string
	model   string
	apiKey  string
}

// NewHTTPBackend constructs a backend targeting baseURL+"/v1/embeddings".
func NewHTTPBackend(client *http.Client, baseURL, model, apiKey string) *HTTPBackend {
	return &HTTPBackend{client: client, baseURL: baseURL, model: model, apiKey: apiKey}
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed requests a single embedding.
func (h *HTTPBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := h.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("embedding backend: empty response")
	}
	return out[0], nil
}

// EmbedBatch requests embeddings for multiple texts in one call, preserving order.
func (h *HTTPBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingsRequest{Model: h.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedding backend: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding backend: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding backend: status %d", resp.StatusCode)
	}

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedding backend: decode response: %w", err)
	}
	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		if len(d.Embedding) != codepromptu.EmbeddingDimension {
			return nil, fmt.Errorf("embedding backend: dimension %d, want %d", len(d.Embedding), codepromptu.EmbeddingDimension)
		}
		out[i] = d.Embedding
	}
	return out, nil
}
