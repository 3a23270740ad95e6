// Package openai implements the Format Adapter for the OpenAI-compatible
// Chat Completions wire protocol, covering both the
// vendor-standard `openai` format and the `openai_cli` variant the
// candidate planner treats as compatible.
package openai

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/relaygate/gateway/internal/adaptor/protocol"
	"github.com/relaygate/gateway/internal/streamutil"
)

// Adaptor implements protocol.FormatAdapter for OpenAI Chat Completions
// requests. The format defines no built-in capability flags today;
// ExtractRequirements returns an empty bag, open for extension.
type Adaptor struct{}

// New returns a stateless OpenAI format adaptor.
func New() *Adaptor { return &Adaptor{} }

type inboundBody struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// ExtractModel reads body.model.
func (a *Adaptor) ExtractModel(_ *http.Request, body []byte) (string, error) {
	var b inboundBody
	if err := json.Unmarshal(body, &b); err != nil {
		return "", errors.Wrap(err, "parse openai request body")
	}
	if strings.TrimSpace(b.Model) == "" {
		return "", errors.New("missing model")
	}
	return b.Model, nil
}

// IsStreamRequested reads body.stream.
func (a *Adaptor) IsStreamRequested(_ *http.Request, body []byte) bool {
	var b inboundBody
	if err := json.Unmarshal(body, &b); err != nil {
		return false
	}
	return b.Stream
}

// ExtractRequirements has no OpenAI-specific capability flags today.
func (a *Adaptor) ExtractRequirements(_ *http.Request, _ []byte) protocol.Requirements {
	return protocol.Requirements{}
}

// BuildUpstreamRequest injects the upstream bearer token and substitutes a
// provider-renamed model into the body.
func (a *Adaptor) BuildUpstreamRequest(rr *protocol.ResolvedRequest, baseURL, upstreamKey, targetModel string) (*protocol.UpstreamRequest, error) {
	body := rr.RawBody
	if targetModel != "" && targetModel != rr.ModelRequested {
		rewritten, err := rewriteModel(body, targetModel)
		if err != nil {
			return nil, errors.Wrap(err, "rewrite openai model field")
		}
		body = rewritten
	}

	header := rr.RawHeaders.Clone()
	header.Set("Authorization", "Bearer "+upstreamKey)
	header.Set("content-type", "application/json")

	return &protocol.UpstreamRequest{
		Method: http.MethodPost,
		URL:    strings.TrimRight(baseURL, "/") + "/v1/chat/completions",
		Header: header,
		Body:   body,
	}, nil
}

func rewriteModel(body []byte, targetModel string) ([]byte, error) {
	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, err
	}
	generic["model"] = targetModel
	return json.Marshal(generic)
}

type usageEnvelope struct {
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int64 `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

// CopyResponse streams the SSE body verbatim, or buffers and replays a
// non-streaming response, tracking usage either way.
func (a *Adaptor) CopyResponse(w http.ResponseWriter, upstream *http.Response, isStream bool) (protocol.TokenUsage, error) {
	defer protocol.DrainBody(upstream.Body)

	copyHeader(w.Header(), upstream.Header)
	w.WriteHeader(upstream.StatusCode)

	if !isStream {
		buf, err := io.ReadAll(upstream.Body)
		if err != nil {
			return protocol.TokenUsage{}, errors.Wrap(err, "read openai response")
		}
		if _, err := w.Write(buf); err != nil {
			return protocol.TokenUsage{}, errors.Wrap(err, "write openai response")
		}
		return usageFromBody(buf), nil
	}

	usage, err := copySSEEventStream(w, upstream.Body)
	return usage, errors.Wrap(err, "stream openai response")
}

func usageFromBody(buf []byte) protocol.TokenUsage {
	var env usageEnvelope
	if json.Unmarshal(buf, &env) != nil {
		return protocol.TokenUsage{}
	}
	return protocol.TokenUsage{
		InputTokens:     env.Usage.PromptTokens,
		OutputTokens:    env.Usage.CompletionTokens,
		CacheReadTokens: env.Usage.PromptTokensDetails.CachedTokens,
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
		if trimmed == "" || trimmed == "[DONE]" {
			continue
		}
		var env usageEnvelope
		if json.Unmarshal([]byte(trimmed), &env) == nil && env.Usage.PromptTokens > 0 {
			usage.InputTokens = env.Usage.PromptTokens
			usage.OutputTokens = env.Usage.CompletionTokens
			usage.CacheReadTokens = env.Usage.PromptTokensDetails.CachedTokens
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
