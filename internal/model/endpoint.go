package model

import (
	"time"

	"github.com/Laisky/errors/v2"
)

// ApiFormat is the wire protocol an Endpoint speaks.
type ApiFormat string

const (
	FormatClaude     ApiFormat = "claude"
	FormatClaudeCLI  ApiFormat = "claude_cli"
	FormatOpenAI     ApiFormat = "openai"
	FormatOpenAICLI  ApiFormat = "openai_cli"
	FormatGemini     ApiFormat = "gemini"
)

// compatiblePairs lists the wire formats that may serve an inbound
// format beyond an exact match.
var compatiblePairs = map[ApiFormat]map[ApiFormat]bool{
	FormatClaude:    {FormatClaudeCLI: true},
	FormatClaudeCLI: {FormatClaude: true},
	FormatOpenAI:    {FormatOpenAICLI: true},
	FormatOpenAICLI: {FormatOpenAI: true},
}

// IsCompatibleFormat reports whether an endpoint speaking `have` can serve
// an inbound request declared in `want`.
func IsCompatibleFormat(have, want ApiFormat) bool {
	if have == want {
		return true
	}
	return compatiblePairs[have][want]
}

// Endpoint is one wire-protocol offering of a Provider. Uniqueness:
// (provider_id, api_format) is unique.
type Endpoint struct {
	ID            int       `gorm:"primaryKey"`
	ProviderID    int       `gorm:"uniqueIndex:idx_provider_format"`
	APIFormat     ApiFormat `gorm:"size:32;uniqueIndex:idx_provider_format"`
	BaseURL       string
	IsActive      bool `gorm:"default:true"`
	MaxConcurrent *int
	RateLimit     *int // requests per minute; inherited by keys that don't set their own
	Timeout       time.Duration
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EffectiveRateLimit returns the endpoint's RPM ceiling, or 0 if unbounded.
func (e *Endpoint) EffectiveRateLimit() int {
	if e.RateLimit == nil {
		return 0
	}
	return *e.RateLimit
}

// ListActiveEndpointsForProvider returns active endpoints for a provider.
func ListActiveEndpointsForProvider(providerID int) ([]*Endpoint, error) {
	var endpoints []*Endpoint
	if err := DB.Where("provider_id = ? AND is_active = ?", providerID, true).Find(&endpoints).Error; err != nil {
		return nil, errors.Wrapf(err, "list endpoints for provider %d", providerID)
	}
	return endpoints, nil
}
