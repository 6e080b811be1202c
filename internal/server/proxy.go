package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	codepromptu "github.com/codepromptu/codepromptu/internal"
	"github.com/codepromptu/codepromptu/internal/circuitbreaker"
	"github.com/codepromptu/codepromptu/internal/fallback"
	"github.com/codepromptu/codepromptu/internal/parser"
	"github.com/codepromptu/codepromptu/internal/provider"
)

// statusError lets a response status code flow through
// circuitbreaker.ClassifyError's HTTPStatus check without a network-level
// error to wrap.
type statusError struct{ code int }

func (e statusError) Error() string   { return fmt.Sprintf("upstream status %d", e.code) }
func (e statusError) HTTPStatus() int { return e.code }

// gatewayUserAgent is the User-Agent added to every forwarded request, per
// the proxied interface's header contract.
const gatewayUserAgent = "CodePromptu-Gateway/1.0"

// correlationIDHeader carries the caller-supplied or gateway-generated
// correlation id; inherited verbatim on input, always stamped on output.
const correlationIDHeader = "X-Correlation-Id"

// bodyPool reuses buffers for REST request body reads, avoiding per-request
// allocations from json.NewDecoder (which cannot be pooled/reset).
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody is the maximum allowed REST request body size (4 MB).
const maxRequestBody = 4 << 20

// decodeRequestBody reads the request body via bodyPool, unmarshals JSON into
// v, and returns false (writing a 400) on error. Parse errors are logged
// server-side; clients receive a static message to avoid leaking internals.
func decodeRequestBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		bodyPool.Put(buf)
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request decode error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	bodyPool.Put(buf)
	return true
}

// handleProxy implements the Capture Gateway Filter (C2) for every path the
// Provider Detector (C1) knows: classify, check the per-provider circuit
// breaker (C9), forward byte-for-byte, and submit the resulting exchange to
// the Capture Pipeline (C3) without blocking the client's response on it.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get(correlationIDHeader)
	if correlationID == "" {
		correlationID = uuid.Must(uuid.NewV7()).String()
	}
	w.Header()[correlationIDHeader] = []string{correlationID}

	detection := provider.Detect(r, s.deps.BaseURLOverrides)
	if detection.Provider == codepromptu.ProviderUnknown {
		// The path matched one of the routes mounted for handleProxy, so this
		// is always the "recognized path, missing/malformed credential" case
		// (§4.1): reject without contacting the provider and without capture.
		writeJSON(w, http.StatusUnauthorized, errorResponse("missing or malformed API credential"))
		return
	}

	breaker := s.deps.Breakers.GetOrCreate(string(detection.Provider))
	if !breaker.Allow() {
		fallback.Write(w, "provider circuit breaker is open", fallback.CodeCircuitBreakerOpen)
		return
	}

	timeout := s.deps.ChatTimeout
	if strings.HasSuffix(r.URL.Path, "/embeddings") {
		timeout = s.deps.EmbeddingsTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	requestID := codepromptu.RequestIDFromContext(r.Context())
	apiKeyHash := codepromptu.HashAPIKey(detection.Credential)
	reqTimestamp := time.Now().UTC()

	setAuth := func(h http.Header) {
		if detection.AuthHeaderName == "Authorization" {
			h.Set("Authorization", "Bearer "+detection.Credential)
		} else {
			h.Set(detection.AuthHeaderName, detection.Credential)
		}
		h.Set("User-Agent", gatewayUserAgent)
	}

	result, err := provider.ForwardAndCapture(ctx, s.deps.ProxyClient, detection.TargetBase,
		setAuth, w, r, r.URL.Path, s.deps.MaxCaptureBytes)
	respTimestamp := time.Now().UTC()

	if err != nil {
		breaker.RecordError(circuitbreaker.ClassifyError(err))
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		if result == nil {
			result = &provider.CaptureResult{}
		}
		s.submitCapture(r.Context(), detection, requestID, correlationID, clientIP(r), apiKeyHash,
			reqTimestamp, respTimestamp, result, timedOut)

		status := http.StatusBadGateway
		if timedOut {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, errorResponse("upstream request failed"))
		return
	}

	if weight := circuitbreaker.ClassifyError(statusError{result.StatusCode}); weight > 0 {
		breaker.RecordError(weight)
	} else {
		breaker.RecordSuccess()
	}
	s.submitCapture(r.Context(), detection, requestID, correlationID, clientIP(r), apiKeyHash,
		reqTimestamp, respTimestamp, result, false)
}

// submitCapture projects a forwarded exchange into a CaptureContext via the
// Request/Response Parser (C4) and hands it to the Capture Pipeline (C3).
// It runs after the client's response is already fully written, so it can
// never add latency to the proxied call.
func (s *server) submitCapture(ctx context.Context, detection provider.Detection,
	requestID, correlationID, clientIP, apiKeyHash string,
	reqTimestamp, respTimestamp time.Time, result *provider.CaptureResult, timedOut bool) {

	extracted := parser.ParseRequest(detection.Provider, result.RequestBody)

	var usage *codepromptu.TokenUsage
	if len(result.ResponseBody) > 0 {
		if isSSEResponse(result.ResponseBody) {
			usage = parser.ParseSSEUsage(result.ResponseBody)
		} else {
			usage = parser.ParseResponse(result.ResponseBody)
		}
	}

	fields := map[string]any{"prompt_text": extracted.PromptText}
	if extracted.ParseError != "" {
		fields["parse_error"] = extracted.ParseError
	}
	if extracted.SamplingParams != nil {
		fields["sampling_params"] = extracted.SamplingParams
	}
	if usage != nil {
		fields["token_usage"] = usage
	}

	cc := &codepromptu.CaptureContext{
		RequestID:         requestID,
		CorrelationID:     correlationID,
		Provider:          detection.Provider,
		Model:             extracted.Model,
		RequestBody:       result.RequestBody,
		ResponseBody:      result.ResponseBody,
		RequestTruncated:  result.RequestTruncated,
		ResponseTruncated: result.ResponseTruncated,
		RequestTimestamp:  reqTimestamp,
		ResponseTimestamp: respTimestamp,
		ClientIP:          clientIP,
		APIKeyHash:        apiKeyHash,
		StatusCode:        result.StatusCode,
		Partial:           result.Partial,
		Timeout:           timedOut,
		Fields:            fields,
	}
	s.deps.Pipeline.Submit(ctx, cc)
}

// isSSEResponse reports whether body looks like an SSE event stream
// ("data: " framed), distinguishing it from a single JSON object so C4
// dispatches to the right usage extractor.
func isSSEResponse(body []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(body, " \t\r\n"), []byte("data:")) ||
		bytes.Contains(body[:min(len(body), 64)], []byte("\ndata:"))
}

// clientIP extracts the caller's address, preferring X-Forwarded-For's first
// hop when present (the gateway is expected to sit behind a reverse proxy in
// production) and falling back to RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	return r.RemoteAddr
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

// errorStatus maps a domain sentinel error to its REST status code.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, codepromptu.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, codepromptu.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, codepromptu.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, codepromptu.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

// writeDomainError writes the REST-boundary error envelope for err, logging
// server-internal detail but returning only a generic message on 5xx so
// upstream/internal details never leak to the caller.
func writeDomainError(w http.ResponseWriter, ctx context.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.LogAttrs(ctx, slog.LevelError, "gateway internal error", slog.String("error", err.Error()))
		writeJSON(w, status, errorResponse("internal server error"))
		return
	}
	writeJSON(w, status, errorResponse(err.Error()))
}
