// Package tokencount provides the local fallback token estimator
// billing.EstimatedFloor documents as "wired at the HTTP layer where the
// raw prompt is available": a cheap tiktoken-go count used only as a
// pre-flight quota floor when the caller hasn't
// yet received a real usage figure from upstream.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// encodingName mirrors the cl100k_base encoding most current chat models
// share; an exact per-model encoding isn't worth the extra upstream model
// metadata lookup for what is only a conservative pre-flight floor.
const encodingName = "cl100k_base"

var (
	once sync.Once
	enc  *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	once.Do(func() {
		e, err := tiktoken.GetEncoding(encodingName)
		if err == nil {
			enc = e
		}
	})
	return enc
}

// EstimateTokens counts text's tokens under cl100k_base, falling back to a
// byte/4 heuristic if the encoding failed to load (e.g. no embedded
// vocabulary data available offline).
func EstimateTokens(text string) int {
	e := encoding()
	if e == nil {
		return len(text) / 4
	}
	return len(e.Encode(text, nil, nil))
}

// EstimateCostFloor converts an estimated prompt token count into a
// conservative USD floor at pricePerMillionInputTokens, used by the relay
// handler's (internal/router) pre-flight balance check before a standalone
// key's request is ever dispatched.
func EstimateCostFloor(promptTokens int, pricePerMillionInputTokens float64) float64 {
	return float64(promptTokens) * pricePerMillionInputTokens / 1_000_000
}
