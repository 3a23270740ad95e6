// Package pricing selects the applicable price tier from a model's
// tiered schedule by context size, with a parallel table selected by
// cache-TTL class (e.g. "1h").
package pricing

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"
)

// Tier is one entry of a stepped price schedule. UpTo is the
// inclusive upper bound on context_size this tier applies to; the last
// entry in a Schedule has UpTo == nil (open upper bound).
type Tier struct {
	UpTo                *int64  `json:"up_to"`
	InputPrice          float64 `json:"input_price"`           // USD per 1M input tokens
	OutputPrice         float64 `json:"output_price"`          // USD per 1M output tokens
	CacheCreationPrice  float64 `json:"cache_creation_price"`  // USD per 1M cache-creation tokens
	CacheReadPrice      float64 `json:"cache_read_price"`      // USD per 1M cache-read tokens
	PricePerRequest     float64 `json:"price_per_request"`     // flat fee, successful requests only
}

// Schedule is an ordered list of Tier, ascending by UpTo, last entry open.
type Schedule []Tier

// TieredPricing is the JSON shape stored in Model.TieredPricing: a default
// schedule plus optional per-cache-TTL-class schedules.
type TieredPricing struct {
	Default  Schedule            `json:"default"`
	ByCache  map[string]Schedule `json:"by_cache,omitempty"` // e.g. "1h" -> Schedule
}

// ParseTieredPricing decodes the JSON column on Model.TieredPricing.
func ParseTieredPricing(raw string) (*TieredPricing, error) {
	if raw == "" {
		return nil, nil
	}
	var tp TieredPricing
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return nil, errors.Wrap(err, "parse tiered pricing")
	}
	return &tp, nil
}

// ContextSize is the tier-selection context size: input +
// cache-creation + cache-read tokens.
func ContextSize(inputTokens, cacheCreationTokens, cacheReadTokens int64) int64 {
	return inputTokens + cacheCreationTokens + cacheReadTokens
}

// Resolve selects the schedule for cacheTTLClass (falling back to Default
// when the class is empty or has no dedicated schedule), then picks the
// first tier whose UpTo is >= contextSize, returning its
// index within the chosen schedule.
func (tp *TieredPricing) Resolve(contextSize int64, cacheTTLClass string) (Tier, int, error) {
	schedule := tp.Default
	if cacheTTLClass != "" {
		if alt, ok := tp.ByCache[cacheTTLClass]; ok {
			schedule = alt
		}
	}
	if len(schedule) == 0 {
		return Tier{}, 0, errors.New("tiered pricing schedule is empty")
	}

	for i, t := range schedule {
		if t.UpTo == nil || contextSize <= *t.UpTo {
			return t, i, nil
		}
	}
	// Unreachable when the schedule's last entry has UpTo == nil, but guard
	// against a malformed schedule that never opens its upper bound.
	last := schedule[len(schedule)-1]
	return last, len(schedule) - 1, nil
}

// FlatPrices builds a single-tier TieredPricing from plain per-1M prices,
// used for Models that don't configure tiered pricing.
func FlatPrices(inputPrice, outputPrice, cacheCreationPrice, cacheReadPrice float64) *TieredPricing {
	return &TieredPricing{
		Default: Schedule{{
			UpTo:               nil,
			InputPrice:         inputPrice,
			OutputPrice:        outputPrice,
			CacheCreationPrice: cacheCreationPrice,
			CacheReadPrice:     cacheReadPrice,
		}},
	}
}
