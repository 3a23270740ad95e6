// Package gemini implements the Format Adapter for the Gemini
// generateContent wire protocol: model comes from the URL path
// parameter rather than the body, and the `:streamGenerateContent` path
// suffix forces streaming regardless of any body flag.
package gemini

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/relaygate/gateway/internal/adaptor/protocol"
	"github.com/relaygate/gateway/internal/streamutil"
)

// Adaptor implements protocol.FormatAdapter for Gemini requests.
type Adaptor struct{}

// New returns a stateless Gemini format adaptor.
func New() *Adaptor { return &Adaptor{} }

// ExtractModel reads the model name from the URL path parameter
// `models/{model}:action`, ignoring any body `model` field.
func (a *Adaptor) ExtractModel(r *http.Request, _ []byte) (string, error) {
	modelAndAction := lastPathSegment(r.URL.Path)
	name, _, ok := strings.Cut(modelAndAction, ":")
	if !ok {
		name = modelAndAction
	}
	name = strings.TrimPrefix(name, "models/")
	if strings.TrimSpace(name) == "" {
		return "", errors.New("missing model in path")
	}
	return name, nil
}

// IsStreamRequested forces true when the path action is
// streamGenerateContent, independent of any body field.
func (a *Adaptor) IsStreamRequested(r *http.Request, _ []byte) bool {
	return strings.HasSuffix(r.URL.Path, ":streamGenerateContent")
}

// ExtractRequirements has no Gemini-specific capability flags today.
func (a *Adaptor) ExtractRequirements(_ *http.Request, _ []byte) protocol.Requirements {
	return protocol.Requirements{}
}

// BuildUpstreamRequest rewrites the model segment of the path to
// targetModel when a mapping renamed it, uses the :streamGenerateContent
// action plus alt=sse for streaming requests (:generateContent otherwise),
// and injects the upstream key as a query parameter.
func (a *Adaptor) BuildUpstreamRequest(rr *protocol.ResolvedRequest, baseURL, upstreamKey, targetModel string) (*protocol.UpstreamRequest, error) {
	action := "generateContent"
	if rr.IsStream {
		action = "streamGenerateContent"
	}

	model := targetModel
	if model == "" {
		model = rr.ModelRequested
	}

	header := rr.RawHeaders.Clone()
	header.Set("content-type", "application/json")
	header.Del("x-goog-api-key")

	reqURL := strings.TrimRight(baseURL, "/") + "/v1beta/models/" + model + ":" + action +
		"?key=" + url.QueryEscape(upstreamKey)
	if rr.IsStream {
		reqURL += "&alt=sse"
	}

	return &protocol.UpstreamRequest{
		Method: http.MethodPost,
		URL:    reqURL,
		Header: header,
		Body:   rr.RawBody,
	}, nil
}

type usageMetadata struct {
	PromptTokenCount        int64 `json:"promptTokenCount"`
	CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
	ThoughtsTokenCount      int64 `json:"thoughtsTokenCount"`
	CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
	TotalTokenCount         int64 `json:"totalTokenCount"`
}

type responseEnvelope struct {
	UsageMetadata *usageMetadata `json:"usageMetadata"`
}

// CopyResponse streams the SSE body verbatim, or buffers and replays a
// non-streaming response, reading back usageMetadata either way.
func (a *Adaptor) CopyResponse(w http.ResponseWriter, upstream *http.Response, isStream bool) (protocol.TokenUsage, error) {
	defer protocol.DrainBody(upstream.Body)

	copyHeader(w.Header(), upstream.Header)
	w.WriteHeader(upstream.StatusCode)

	if !isStream {
		buf, err := io.ReadAll(upstream.Body)
		if err != nil {
			return protocol.TokenUsage{}, errors.Wrap(err, "read gemini response")
		}
		if _, err := w.Write(buf); err != nil {
			return protocol.TokenUsage{}, errors.Wrap(err, "write gemini response")
		}
		return usageFromBody(buf), nil
	}

	usage, err := copySSEEventStream(w, upstream.Body)
	return usage, errors.Wrap(err, "stream gemini response")
}

func usageFromBody(buf []byte) protocol.TokenUsage {
	var env responseEnvelope
	if json.Unmarshal(buf, &env) != nil || env.UsageMetadata == nil {
		return protocol.TokenUsage{}
	}
	return protocol.TokenUsage{
		InputTokens:     env.UsageMetadata.PromptTokenCount,
		OutputTokens:    env.UsageMetadata.CandidatesTokenCount + env.UsageMetadata.ThoughtsTokenCount,
		CacheReadTokens: env.UsageMetadata.CachedContentTokenCount,
	}
}

func copySSEEventStream(w http.ResponseWriter, body io.Reader) (protocol.TokenUsage, error) {
	flusher, _ := w.(http.Flusher)
	var usage protocol.TokenUsage

	scanner := bufio.NewScanner(body)
	streamutil.ConfigureScannerBuffer(scanner)
	scanner.Split(bufio.ScanLines)

	for scanner.Scan() {
		line := scanner.Bytes()
		if _, err := w.Write(append(append([]byte{}, line...), '\n')); err != nil {
			return usage, err
		}
		if flusher != nil {
			flusher.Flush()
		}

		trimmed := strings.TrimSpace(strings.TrimPrefix(string(line), "data:"))
		if trimmed == "" {
			continue
		}
		var env responseEnvelope
		if json.Unmarshal([]byte(trimmed), &env) == nil && env.UsageMetadata != nil {
			usage = usageFromBody([]byte(trimmed))
		}
	}
	return usage, scanner.Err()
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func lastPathSegment(path string) string {
	trimmed := strings.TrimRight(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return trimmed
	}
	return trimmed[idx+1:]
}
