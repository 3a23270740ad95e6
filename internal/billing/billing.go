// Package billing is the gateway's cost accountant: at an attempt's
// terminal state it resolves the applicable price tier, computes surface
// and actual cost, and debits the owning balance atomically.
package billing

import (
	"context"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/gorm"

	"github.com/relaygate/gateway/internal/adaptor/protocol"
	"github.com/relaygate/gateway/internal/billing/pricing"
	"github.com/relaygate/gateway/internal/clock"
	"github.com/relaygate/gateway/internal/logger"
	"github.com/relaygate/gateway/internal/model"
)

// Accountant computes and persists per-request cost, wired via corectx.
type Accountant struct {
	db    *gorm.DB
	clock clock.Clock
}

// New constructs an Accountant backed by db.
func New(db *gorm.DB, c clock.Clock) *Accountant {
	return &Accountant{db: db, clock: c}
}

// Cost is the computed result of one terminal attempt, ready to be
// persisted via Finalize.
type Cost struct {
	SurfaceCostUSD float64
	ActualCostUSD  float64
	TierIndex      int
	CacheTTLClass  string
}

// ResolvePricing builds the tiered schedule for (providerModel, global):
// a provider override's TieredPricing JSON wins; otherwise a flat
// single-tier schedule is synthesized from override or global default
// per-token prices.
func ResolvePricing(m *model.Model, g *model.GlobalModel) (*pricing.TieredPricing, error) {
	if m != nil && m.TieredPricing != nil && *m.TieredPricing != "" {
		tp, err := pricing.ParseTieredPricing(*m.TieredPricing)
		if err != nil {
			return nil, errors.Wrap(err, "resolve tiered pricing")
		}
		if tp != nil {
			return tp, nil
		}
	}

	inputPrice := g.DefaultInputPrice
	outputPrice := g.DefaultOutputPrice
	if m != nil && m.InputPriceOverride != nil {
		inputPrice = *m.InputPriceOverride
	}
	if m != nil && m.OutputPriceOverride != nil {
		outputPrice = *m.OutputPriceOverride
	}
	// Cache-creation/read prices default to the input price: a flat-price
	// model has no separate cache price, so both cache classes are billed
	// at the input price, with no cache-write premium or cache-read
	// discount applied.
	return pricing.FlatPrices(inputPrice, outputPrice, inputPrice, inputPrice), nil
}

// Compute computes surface and actual cost. success gates the flat
// price_per_request component; a failed/skipped attempt is charged 0
// regardless of any tokens reported.
func Compute(tp *pricing.TieredPricing, usage protocol.TokenUsage, cacheTTLClass string, success bool, rateMultiplier float64, billingType model.BillingType) (Cost, error) {
	if !success {
		return Cost{}, nil
	}

	contextSize := pricing.ContextSize(usage.InputTokens, usage.CacheCreationTokens, usage.CacheReadTokens)
	tier, idx, err := tp.Resolve(contextSize, cacheTTLClass)
	if err != nil {
		return Cost{}, errors.Wrap(err, "resolve price tier")
	}

	surface := float64(usage.InputTokens)*tier.InputPrice/1_000_000 +
		float64(usage.OutputTokens)*tier.OutputPrice/1_000_000 +
		float64(usage.CacheCreationTokens)*tier.CacheCreationPrice/1_000_000 +
		float64(usage.CacheReadTokens)*tier.CacheReadPrice/1_000_000 +
		tier.PricePerRequest

	actual := surface * rateMultiplier
	if billingType == model.BillingFreeTier {
		actual = 0
	}

	return Cost{SurfaceCostUSD: surface, ActualCostUSD: actual, TierIndex: idx, CacheTTLClass: cacheTTLClass}, nil
}

// Finalize runs the terminal-state accounting in one transaction:
// the Usage row is upserted to its terminal status and every
// affected balance is debited together, or none are.
func (a *Accountant) Finalize(ctx context.Context, requestID string, apiKey *model.ApiKey, provider *model.Provider, usageRow *model.Usage, cost Cost, status model.UsageStatus, latencyMS int64) error {
	usageRow.SurfaceCostUSD = cost.SurfaceCostUSD
	usageRow.ActualCostUSD = cost.ActualCostUSD
	usageRow.PriceTierIndex = cost.TierIndex
	usageRow.CacheTTLClass = cost.CacheTTLClass

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := model.FinalizeUsage(tx, requestID, status, usageRow, latencyMS); err != nil {
			return err
		}

		if provider != nil {
			if err := model.DebitMonthlyUsage(tx, provider.ID, cost.ActualCostUSD); err != nil {
				return err
			}
		}

		if apiKey == nil {
			return nil
		}
		if apiKey.IsStandalone {
			return model.DebitStandaloneBalance(tx, apiKey.ID, cost.ActualCostUSD)
		}
		return model.DebitUserUsage(tx, apiKey.UserID, cost.ActualCostUSD)
	})
	if err != nil {
		return errors.Wrapf(err, "finalize billing for request %s", requestID)
	}

	logger.Debug("billing finalized",
		zap.String("request_id", requestID),
		zap.Float64("surface_cost_usd", cost.SurfaceCostUSD),
		zap.Float64("actual_cost_usd", cost.ActualCostUSD),
		zap.Int("tier_index", cost.TierIndex))
	return nil
}

// EstimatedFloor returns the core's pre-flight cost floor, which is always
// 0 (no pre-flight estimate); the value is not configurable. Token-count
// estimation (tiktoken-go) is wired at the HTTP layer where the raw prompt
// is available, not here.
func EstimatedFloor() float64 {
	return 0
}
