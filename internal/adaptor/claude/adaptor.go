// Package claude implements the Format Adapter for the Claude Messages
// wire protocol, covering both the vendor-standard `claude`
// format and the `claude_cli` variant the candidate planner treats as
// compatible.
package claude

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

// Adaptor implements protocol.FormatAdapter for Claude Messages requests.
type Adaptor struct{}

// New returns a stateless Claude format adaptor.
func New() *Adaptor { return &Adaptor{} }

type inboundBody struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []inboundMessage `json:"messages"`
}

type inboundMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type          string         `json:"type"`
	CacheControl  *cacheControl  `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
	TTL  string `json:"ttl"`
}

// ExtractModel reads body.model.
func (a *Adaptor) ExtractModel(_ *http.Request, body []byte) (string, error) {
	var b inboundBody
	if err := json.Unmarshal(body, &b); err != nil {
		return "", errors.Wrap(err, "parse claude request body")
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

// ExtractRequirements infers Claude capability requirements:
// `anthropic-beta` header mentioning context-1m sets context_1m=true; any
// content block whose cache_control is type "ephemeral" with ttl == "1h"
// sets cache_1h=true. Both are
// left unset (not false) when absent.
func (a *Adaptor) ExtractRequirements(r *http.Request, body []byte) protocol.Requirements {
	req := protocol.Requirements{}

	beta := r.Header.Get("anthropic-beta")
	if strings.Contains(beta, "context-1m") {
		req["context_1m"] = true
	}

	var b inboundBody
	if json.Unmarshal(body, &b) == nil {
		for _, msg := range b.Messages {
			var blocks []contentBlock
			if json.Unmarshal(msg.Content, &blocks) != nil {
				continue
			}
			for _, blk := range blocks {
				if blk.CacheControl != nil && blk.CacheControl.Type == "ephemeral" && blk.CacheControl.TTL == "1h" {
					req["cache_1h"] = true
				}
			}
		}
	}

	return req
}

// BuildUpstreamRequest injects the upstream key and, when a provider-scoped
// alias renamed the model, substitutes targetModel into the body.
func (a *Adaptor) BuildUpstreamRequest(rr *protocol.ResolvedRequest, baseURL, upstreamKey, targetModel string) (*protocol.UpstreamRequest, error) {
	body := rr.RawBody
	if targetModel != "" && targetModel != rr.ModelRequested {
		rewritten, err := rewriteModel(body, targetModel)
		if err != nil {
			return nil, errors.Wrap(err, "rewrite claude model field")
		}
		body = rewritten
	}

	header := rr.RawHeaders.Clone()
	header.Set("x-api-key", upstreamKey)
	header.Set("content-type", "application/json")
	header.Del("authorization")

	path := "/v1/messages"
	if rr.CountTokens {
		path = "/v1/messages/count_tokens"
	}

	return &protocol.UpstreamRequest{
		Method: http.MethodPost,
		URL:    strings.TrimRight(baseURL, "/") + path,
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
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// CopyResponse streams the SSE body verbatim while tracking the final
// usage block, or buffers and replays a non-streaming response.
func (a *Adaptor) CopyResponse(w http.ResponseWriter, upstream *http.Response, isStream bool) (protocol.TokenUsage, error) {
	defer protocol.DrainBody(upstream.Body)

	copyHeader(w.Header(), upstream.Header)
	w.WriteHeader(upstream.StatusCode)

	if !isStream {
		buf, err := io.ReadAll(upstream.Body)
		if err != nil {
			return protocol.TokenUsage{}, errors.Wrap(err, "read claude response")
		}
		if _, err := w.Write(buf); err != nil {
			return protocol.TokenUsage{}, errors.Wrap(err, "write claude response")
		}
		return usageFromBody(buf), nil
	}

	usage, err := copySSEEventStream(w, upstream.Body)
	return usage, errors.Wrap(err, "stream claude response")
}

func usageFromBody(buf []byte) protocol.TokenUsage {
	var env usageEnvelope
	if json.Unmarshal(buf, &env) != nil {
		return protocol.TokenUsage{}
	}
	return protocol.TokenUsage{
		InputTokens:         env.Usage.InputTokens,
		OutputTokens:        env.Usage.OutputTokens,
		CacheCreationTokens: env.Usage.CacheCreationInputTokens,
		CacheReadTokens:     env.Usage.CacheReadInputTokens,
	}
}

// copySSEEventStream forwards each line untouched, parsing `data: ` frames
// for the trailing usage block so the billing pipeline knows the final
// token counts once the stream ends.
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
		if json.Unmarshal([]byte(trimmed), &env) == nil {
			if env.Usage.InputTokens > 0 {
				usage.InputTokens = env.Usage.InputTokens
				usage.CacheCreationTokens = env.Usage.CacheCreationInputTokens
				usage.CacheReadTokens = env.Usage.CacheReadInputTokens
			}
			if env.Usage.OutputTokens > 0 {
				usage.OutputTokens = env.Usage.OutputTokens
			}
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
