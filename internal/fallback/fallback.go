// Package fallback implements the Fallback Controller (C9): the
// provider-shaped "service unavailable" envelope returned when a circuit
// breaker is open or a provider is categorically unreachable.
package fallback

import (
	"encoding/json"
	"net/http"
)

// Code identifies the specific unavailability reason within a stable
// envelope schema; per-provider endpoints may customize Message while Type
// and Code stay fixed.
type Code string

const (
	CodeCircuitBreakerOpen  Code = "circuit_breaker_open"
	CodeProviderUnreachable Code = "provider_unreachable"
)

// Envelope is the body shape every fallback response shares.
type Envelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    Code   `json:"code"`
	} `json:"error"`
}

// New builds an Envelope with message and code, Type fixed at
// "service_unavailable".
func New(message string, code Code) Envelope {
	var e Envelope
	e.Error.Message = message
	e.Error.Type = "service_unavailable"
	e.Error.Code = code
	return e
}

// jsonContentType is a pre-allocated header value slice, avoiding the
// []string{v} allocation Header.Set creates on every call.
var jsonContentType = []string{"application/json"}

// Write serializes New(message, code) as the HTTP response body with status
// 503.
func Write(w http.ResponseWriter, message string, code Code) {
	data, err := json.Marshal(New(message, code))
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header()["Content-Type"] = jsonContentType
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write(data)
}
