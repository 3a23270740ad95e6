// Package adaptor wires the concrete per-vendor Format Adapters
// (internal/adaptor/{claude,openai,gemini}) to the ApiFormat values they
// serve, plus the static capability registry used by candidate planning.
package adaptor

import (
	"github.com/relaygate/gateway/internal/adaptor/claude"
	"github.com/relaygate/gateway/internal/adaptor/gemini"
	"github.com/relaygate/gateway/internal/adaptor/openai"
	"github.com/relaygate/gateway/internal/adaptor/protocol"
	"github.com/relaygate/gateway/internal/model"
)

// registry is the static api_format -> adapter map initialised at boot.
var registry = map[model.ApiFormat]protocol.FormatAdapter{
	model.FormatClaude:    claude.New(),
	model.FormatClaudeCLI: claude.New(),
	model.FormatOpenAI:    openai.New(),
	model.FormatOpenAICLI: openai.New(),
	model.FormatGemini:    gemini.New(),
}

// For implements FormatAdapter selection by api_format. The HTTP layer maps
// each mounted route to a known ApiFormat before calling this; an unknown
// format never reaches here (404s at the router).
func For(format model.ApiFormat) (protocol.FormatAdapter, bool) {
	a, ok := registry[format]
	return a, ok
}
