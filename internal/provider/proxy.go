// Package provider implements the Provider Detector (C1) and the reverse-proxy
// forwarding primitive shared by the Capture Gateway Filter (C2).
package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. Set forceHTTP2 to true for remote HTTPS provider
// APIs.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// hopByHopHeaders must never be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// credentialHeaders are stripped from the outbound request before setAuth
// injects the client's own credential, and from the captured copy entirely.
var credentialHeaders = map[string]struct{}{
	"authorization":  {},
	"x-api-key":      {},
	"x-goog-api-key": {},
	"api-key":        {},
}

// boundedBuffer captures up to max bytes written to it and records whether
// the writer was truncated, without ever blocking on or altering the bytes
// actually forwarded to the real destination.
type boundedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

// CaptureResult carries everything the Capture Gateway Filter observed about
// one forwarded exchange, bounded by MAX_CAPTURE_BYTES on both sides.
type CaptureResult struct {
	RequestBody       []byte
	RequestTruncated  bool
	ResponseBody      []byte
	ResponseTruncated bool
	StatusCode        int
	Partial           bool // client disconnected before the response completed
}

// ForwardAndCapture proxies a raw HTTP request to a provider's upstream API,
// preserving the response byte-for-byte for the client while simultaneously
// tee-ing request and response bytes (up to maxCaptureBytes each) into the
// returned CaptureResult. setAuth injects the client's own credential; it
// must run after hop-by-hop and credential headers have been stripped so the
// caller's credential headers are never duplicated.
func ForwardAndCapture(ctx context.Context, client *http.Client, baseURL string,
	setAuth func(http.Header), w http.ResponseWriter, r *http.Request, path string,
	maxCaptureBytes int) (*CaptureResult, error) {

	reqCapture := &boundedBuffer{max: maxCaptureBytes}
	teeBody := io.TeeReader(r.Body, reqCapture)

	targetURL := baseURL + path
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, teeBody)
	if err != nil {
		return nil, fmt.Errorf("capture gateway: build request: %w", err)
	}
	outReq.ContentLength = r.ContentLength

	for key, vals := range r.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		if _, cred := credentialHeaders[strings.ToLower(key)]; cred {
			continue
		}
		outReq.Header[key] = vals
	}
	if setAuth != nil {
		setAuth(outReq.Header)
	}

	result := &CaptureResult{}
	resp, err := client.Do(outReq)
	result.RequestBody = reqCapture.buf.Bytes()
	result.RequestTruncated = reqCapture.truncated
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	result.StatusCode = resp.StatusCode

	respCapture := &boundedBuffer{max: maxCaptureBytes}

	flusher, canFlush := w.(http.Flusher)
	ct := resp.Header.Get("Content-Type")
	streamed := canFlush && (strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson") ||
		strings.Contains(ct, "application/stream+json"))

	if streamed {
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				respCapture.Write(buf[:n])
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					result.Partial = true
					break
				}
				flusher.Flush()
			}
			if readErr != nil {
				if readErr != io.EOF {
					result.Partial = true
				}
				break
			}
		}
	} else {
		teeBody := io.TeeReader(resp.Body, respCapture)
		if _, err := io.Copy(w, teeBody); err != nil {
			result.Partial = true
		}
	}

	result.ResponseBody = respCapture.buf.Bytes()
	result.ResponseTruncated = respCapture.truncated
	return result, nil
}
