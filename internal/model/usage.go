package model

import (
	"time"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UsageStatus tracks a Usage row's pending->final transition.
type UsageStatus string

const (
	UsageStatusPending UsageStatus = "pending"
	UsageStatusSuccess UsageStatus = "success"
	UsageStatusFailed  UsageStatus = "failed"
)

// Usage is the one-per-request accounting record.
type Usage struct {
	ID     int64  `gorm:"primaryKey"`
	RequestID string `gorm:"size:64;uniqueIndex"`

	UserID   int
	ApiKeyID int
	ProviderID *int
	EndpointID *int
	KeyID      *int

	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64

	SurfaceCostUSD float64
	ActualCostUSD  float64
	PriceTierIndex int
	CacheTTLClass  string `gorm:"size:16"` // e.g. "", "1h"

	Status UsageStatus `gorm:"size:16;index"`

	LatencyMS int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertPending creates or no-ops a pending Usage row for request_id,
// establishing the "exactly one Usage row per request_id" invariant
// the instant a request starts being routed.
func UpsertPending(u *Usage) error {
	u.Status = UsageStatusPending
	err := DB.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "request_id"}}, DoNothing: true}).Create(u).Error
	return errors.Wrap(err, "upsert pending usage")
}

// FinalizeUsage moves a pending Usage row to its terminal state with the
// computed token/cost figures, inside the same transaction as the
// provider/user/key balance debits.
func FinalizeUsage(tx *gorm.DB, requestID string, status UsageStatus, u *Usage, finishedLatencyMS int64) error {
	err := tx.Model(&Usage{}).Where("request_id = ?", requestID).Updates(map[string]any{
		"provider_id":            u.ProviderID,
		"endpoint_id":            u.EndpointID,
		"key_id":                 u.KeyID,
		"input_tokens":           u.InputTokens,
		"output_tokens":          u.OutputTokens,
		"cache_creation_tokens":  u.CacheCreationTokens,
		"cache_read_tokens":      u.CacheReadTokens,
		"surface_cost_usd":       u.SurfaceCostUSD,
		"actual_cost_usd":        u.ActualCostUSD,
		"price_tier_index":       u.PriceTierIndex,
		"cache_ttl_class":        u.CacheTTLClass,
		"status":                 status,
		"latency_ms":             finishedLatencyMS,
	}).Error
	return errors.Wrapf(err, "finalize usage for request %s", requestID)
}

// GetUsageByRequestID loads the Usage row for a request, used by tests to
// read back what was persisted.
func GetUsageByRequestID(requestID string) (*Usage, error) {
	var u Usage
	if err := DB.Where("request_id = ?", requestID).First(&u).Error; err != nil {
		return nil, errors.Wrapf(err, "get usage for request %s", requestID)
	}
	return &u, nil
}
