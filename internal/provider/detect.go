package provider

import (
	"net/http"
	"strings"
	"unicode"

	codepromptu "github.com/codepromptu/codepromptu/internal"
)

// Detection is the result of classifying an inbound proxied request.
type Detection struct {
	Provider       codepromptu.Provider
	TargetBase     string // provider's public base URL
	AuthHeaderName string // header carrying the client's credential on egress
	ExtraHeaders   map[string]string
	Credential     string // extracted, format-validated client credential
}

// pathRule matches one provider's path prefixes to its egress shape.
type pathRule struct {
	provider   codepromptu.Provider
	prefixes   []string
	authHeader string // header checked first for the credential
	queryParam string // if set, checked when the header is absent (GOOGLE_AI: key=)
	baseURL    string
}

var rules = []pathRule{
	{
		provider:   codepromptu.ProviderOpenAI,
		prefixes:   []string{"/v1/chat/completions", "/v1/completions", "/v1/embeddings"},
		authHeader: "Authorization",
		baseURL:    "https://api.openai.com",
	},
	{
		provider:   codepromptu.ProviderAnthropic,
		prefixes:   []string{"/v1/messages", "/v1/complete"},
		authHeader: "Authorization",
		baseURL:    "https://api.anthropic.com",
	},
	{
		provider:   codepromptu.ProviderGoogleAI,
		prefixes:   []string{"/v1beta/models/"},
		authHeader: "x-goog-api-key",
		queryParam: "key",
		baseURL:    "https://generativelanguage.googleapis.com",
	},
}

// BaseURLOverrides lets configuration replace a provider's default public
// base URL (e.g. for a self-hosted reverse-proxy test double).
type BaseURLOverrides map[codepromptu.Provider]string

// Detect classifies an inbound proxied request by path and header/query
// credential presence. Header lookup is case-insensitive everywhere, per the
// system-wide contract: http.Header already normalizes on read via
// CanonicalHeaderKey, and r.URL.Query() keys are compared case-sensitively
// only because "key" is always lowercase in every known client SDK.
//
// A request only classifies as a given provider when BOTH the path matches
// and a well-formed credential is present in that provider's location.
// Otherwise Detect returns codepromptu.ProviderUnknown.
func Detect(r *http.Request, overrides BaseURLOverrides) Detection {
	for _, rule := range rules {
		if !matchesPrefix(r.URL.Path, rule.prefixes) {
			continue
		}
		cred, ok := credentialFor(r, rule)
		if !ok || !validFormat(cred) {
			continue
		}
		base := rule.baseURL
		if overrides != nil {
			if o, ok := overrides[rule.provider]; ok && o != "" {
				base = o
			}
		}
		return Detection{
			Provider:       rule.provider,
			TargetBase:     base,
			AuthHeaderName: rule.authHeader,
			Credential:     cred,
		}
	}
	return Detection{Provider: codepromptu.ProviderUnknown}
}

func matchesPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func credentialFor(r *http.Request, rule pathRule) (string, bool) {
	if v := r.Header.Get(rule.authHeader); v != "" {
		if rule.authHeader == "Authorization" {
			return strings.TrimPrefix(v, "Bearer "), true
		}
		return v, true
	}
	if rule.queryParam != "" {
		if v := r.URL.Query().Get(rule.queryParam); v != "" {
			return v, true
		}
	}
	return "", false
}

// validFormat performs the basic structural check the detector owes every
// credential: bounded length, printable ASCII. Real validation is the
// provider's job; the gateway never authenticates the key itself.
func validFormat(cred string) bool {
	if len(cred) < 8 || len(cred) > 512 {
		return false
	}
	for _, r := range cred {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// LooksLikeLLMRequest reports whether an unmatched path still resembles an
// LLM call (so the gateway rejects it with a provider-shaped error instead of
// silently falling through to default routing).
func LooksLikeLLMRequest(path string) bool {
	for _, p := range []string{"/v1/", "/v1beta/"} {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
