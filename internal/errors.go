package codepromptu

import "errors"

// Sentinel errors for the CodePromptu domain, per the error taxonomy:
// user-visible store/REST failures map to 4xx, provider/gateway failures are
// either forwarded verbatim or mapped to 502/503, and capture failures never
// reach the client at all.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrGatewayInternal     = errors.New("gateway internal error")
)
