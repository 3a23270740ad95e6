// Package protocol defines the shared Format Adapter contract:
// the ResolvedRequest/UpstreamRequest shapes and the FormatAdapter
// interface that each wire protocol implements. It has no knowledge of any
// particular vendor; internal/adaptor/{claude,openai,gemini} implement it,
// and internal/adaptor's registry wires them to an ApiFormat.
package protocol

import (
	"io"
	"net/http"

	"github.com/relaygate/gateway/internal/model"
)

// Requirements is a request's capability bag: name -> bool, where an
// absent key means "unset" (neither true nor false), distinct from an
// explicit false.
type Requirements map[string]bool

// Get returns the requirement value and whether it was set at all.
func (r Requirements) Get(name string) (bool, bool) {
	v, ok := r[name]
	return v, ok
}

// Clone returns a shallow copy, used when the executor adds a capability
// mid-fallback without mutating the
// original ResolvedRequest seen by earlier attempts.
func (r Requirements) Clone() Requirements {
	out := make(Requirements, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ResolvedRequest is the internal, protocol-agnostic shape the planner and
// executor operate on.
type ResolvedRequest struct {
	APIFormat      model.ApiFormat
	ModelRequested string
	IsStream       bool
	Requirements   Requirements
	RawBody        []byte
	RawHeaders     http.Header

	// CountTokens marks a request bound for the token-counter passthrough
	// path rather than the
	// normal generation endpoint; only the Claude adaptor acts on it.
	CountTokens bool
}

// UpstreamRequest is what the executor sends to a chosen candidate: method,
// path, headers (with the upstream key injected), and body (with the
// target model name substituted if a mapping renamed it).
type UpstreamRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// FormatAdapter is the per-protocol translation surface.
type FormatAdapter interface {
	// ExtractModel reads the requested model name from the raw inbound
	// request (body for Claude/OpenAI, URL path parameter for Gemini).
	ExtractModel(r *http.Request, body []byte) (string, error)

	// ExtractRequirements infers the capability bag from headers/body.
	ExtractRequirements(r *http.Request, body []byte) Requirements

	// IsStreamRequested reports whether streaming was requested, honoring
	// Gemini's URL-suffix convention in addition to any body/query flag.
	IsStreamRequested(r *http.Request, body []byte) bool

	// BuildUpstreamRequest renders the outbound HTTP request for candidate
	// key against endpoint baseURL, substituting targetModel into the body
	// if the provider uses a different model name than the caller supplied.
	BuildUpstreamRequest(rr *ResolvedRequest, baseURL, upstreamKey, targetModel string) (*UpstreamRequest, error)

	// CopyResponse streams (or buffers, per IsStream) the upstream response
	// back to w verbatim, returning token usage read back from the body
	// where the protocol carries it inline.
	CopyResponse(w http.ResponseWriter, upstream *http.Response, isStream bool) (TokenUsage, error)
}

// TokenUsage is what CopyResponse reads back from the upstream body, feeding
// the Cost Accountant.
type TokenUsage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// DrainBody fully reads and discards body, used by adaptors when an
// upstream response must be consumed before its connection can be reused.
func DrainBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
