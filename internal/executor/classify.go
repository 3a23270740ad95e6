package executor

import (
	"encoding/json"
	"strings"

	"github.com/relaygate/gateway/internal/adaptor"
	"github.com/relaygate/gateway/internal/model"
)

// classifyResponse applies the priority-ordered outcome
// table to a completed HTTP round trip (statusCode/body known). Stream
// emptiness is classified separately by the caller once it has peeked the
// body, since that requires reading past this function's return.
func classifyResponse(statusCode int, body []byte, apiFormat model.ApiFormat) AttemptOutcome {
	if statusCode >= 200 && statusCode < 300 {
		if apiFormat == model.FormatGemini {
			if msg, embedded := detectGeminiEmbeddedError(body); embedded {
				return withCapabilityUpgrade(AttemptOutcome{Class: EmbeddedError, Retriable: true, StatusCode: statusCode, ErrorMessage: msg})
			}
		}
		return AttemptOutcome{Class: Success, StatusCode: statusCode}
	}

	msg := string(body)

	switch statusCode {
	case 401, 403:
		return withCapabilityUpgrade(AttemptOutcome{Class: AuthError, Retriable: true, StatusCode: statusCode, ErrorMessage: msg})
	case 429:
		return withCapabilityUpgrade(AttemptOutcome{
			Class:           RateLimit,
			Retriable:       true,
			StatusCode:      statusCode,
			RateLimitReason: classifyRateLimitReason(msg),
			ErrorMessage:    msg,
		})
	}

	if statusCode >= 400 && statusCode < 500 {
		// Any other 4xx is, by elimination, caused by the request's own
		// content (image too large, content violation, invalid body),
		// which is never retried on another provider. A context-length error
		// in this shape is reclassified to CAPABILITY_UPGRADE below if its
		// message matches a known capability's error_patterns.
		return withCapabilityUpgrade(AttemptOutcome{Class: ClientErrorTerminal, Retriable: false, StatusCode: statusCode, ErrorMessage: msg})
	}

	return withCapabilityUpgrade(AttemptOutcome{Class: NetworkError, Retriable: true, StatusCode: statusCode, ErrorMessage: msg})
}

// withCapabilityUpgrade overrides a non-success classification with
// CAPABILITY_UPGRADE when the error message matches a registered
// capability's error_patterns.
func withCapabilityUpgrade(o AttemptOutcome) AttemptOutcome {
	if name, ok := adaptor.DetectCapabilityUpgrade(o.ErrorMessage); ok {
		o.Class = CapabilityUpgrade
		o.Retriable = true
		o.NewCapability = name
	}
	return o
}

// classifyRateLimitReason extracts the learner's reason keyword from a 429
// body, defaulting to generic when neither pattern is present.
func classifyRateLimitReason(body string) RateLimitReason {
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "max concurrent"), strings.Contains(lower, "concurrent"):
		return ReasonConcurrent
	case strings.Contains(lower, "requests per minute"), strings.Contains(lower, "rpm"):
		return ReasonRPM
	default:
		return ReasonGeneric
	}
}

// geminiEmbeddedError mirrors Gemini's {"error":{"code":...,"message":...}}
// 200-status error envelope.
type geminiEmbeddedError struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func detectGeminiEmbeddedError(body []byte) (string, bool) {
	var e geminiEmbeddedError
	if json.Unmarshal(body, &e) != nil || e.Error == nil {
		return "", false
	}
	return e.Error.Message, true
}
