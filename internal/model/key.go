package model

import (
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"
)

// CircuitState is a key's circuit-breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// UpstreamKey is a credential bound to an Endpoint. MaxConcurrent
// == nil means adaptive mode is on; LearnedMaxConcurrent is the live
// ceiling in that case.
type UpstreamKey struct {
	ID             int  `gorm:"primaryKey"`
	EndpointID     int  `gorm:"index"`
	APIKey         string `gorm:"type:text"` // encrypted, see internal/secret
	IsActive       bool `gorm:"default:true"`
	MaxConcurrent  *int
	RateLimit      *int // overrides endpoint.rate_limit when set
	RateMultiplier float64 `gorm:"default:1"`
	AllowedModels  *string `gorm:"type:text"` // comma-separated global model names; nil = inherit provider
	Capabilities   string  `gorm:"type:text"` // comma-separated capability names this key advertises

	// --- health / circuit-breaker state ---
	CircuitState        CircuitState `gorm:"size:16;default:closed"`
	ConsecutiveFailures int
	NextProbeAt         *time.Time
	HalfOpenSuccesses   int
	HalfOpenFailures    int
	HealthScore         float64 `gorm:"default:1"`
	LastOutcomeAt       *time.Time

	// --- adaptive concurrency state ---
	LearnedMaxConcurrent *int
	LifetimeRequestCount int64
	SuccessStreak        int
	Concurrent429Count   int64
	RPM429Count          int64
	Last429At            *time.Time
	Last429Type          string
	AdjustmentHistory    string `gorm:"type:text"` // JSON-encoded bounded ring, see internal/adaptive

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasCapability reports whether this key advertises capability name.
func (k *UpstreamKey) HasCapability(name string) bool {
	for _, c := range strings.Split(k.Capabilities, ",") {
		if strings.TrimSpace(c) == name {
			return true
		}
	}
	return false
}

// AllowsModel reports whether the key's allow-list (if any) includes model.
func (k *UpstreamKey) AllowsModel(model string) bool {
	if k.AllowedModels == nil || strings.TrimSpace(*k.AllowedModels) == "" {
		return true
	}
	for _, m := range strings.Split(*k.AllowedModels, ",") {
		if strings.TrimSpace(m) == model {
			return true
		}
	}
	return false
}

// EffectiveConcurrencyLimit returns the ceiling admission should enforce:
// MaxConcurrent if the operator pinned one, else the learned ceiling, else
// the cold-start constant.
func (k *UpstreamKey) EffectiveConcurrencyLimit(coldStart int) int {
	if k.MaxConcurrent != nil {
		return *k.MaxConcurrent
	}
	if k.LearnedMaxConcurrent != nil {
		return *k.LearnedMaxConcurrent
	}
	return coldStart
}

// IsAdaptive reports whether the key's concurrency ceiling is learned
// rather than operator-pinned.
func (k *UpstreamKey) IsAdaptive() bool {
	return k.MaxConcurrent == nil
}

// GetUpstreamKeyByID loads a key by id; it takes no row lock.
func GetUpstreamKeyByID(id int) (*UpstreamKey, error) {
	var k UpstreamKey
	if err := DB.First(&k, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get upstream key %d", id)
	}
	return &k, nil
}

// ListActiveKeysForEndpoint returns active keys bound to an endpoint.
func ListActiveKeysForEndpoint(endpointID int) ([]*UpstreamKey, error) {
	var keys []*UpstreamKey
	if err := DB.Where("endpoint_id = ? AND is_active = ?", endpointID, true).Find(&keys).Error; err != nil {
		return nil, errors.Wrapf(err, "list keys for endpoint %d", endpointID)
	}
	return keys, nil
}

// SaveHealthState persists the circuit/health fields under the key's row.
// Callers hold the in-process mutex (internal/health) for the
// mutation and call this only once per outcome.
func SaveHealthState(tx *gorm.DB, k *UpstreamKey) error {
	err := tx.Model(&UpstreamKey{}).Where("id = ?", k.ID).Updates(map[string]any{
		"circuit_state":        k.CircuitState,
		"consecutive_failures": k.ConsecutiveFailures,
		"next_probe_at":        k.NextProbeAt,
		"half_open_successes":  k.HalfOpenSuccesses,
		"half_open_failures":   k.HalfOpenFailures,
		"health_score":         k.HealthScore,
		"last_outcome_at":      k.LastOutcomeAt,
	}).Error
	return errors.Wrapf(err, "save health state for key %d", k.ID)
}

// SaveAdaptiveState persists the learned-concurrency fields.
func SaveAdaptiveState(tx *gorm.DB, k *UpstreamKey) error {
	err := tx.Model(&UpstreamKey{}).Where("id = ?", k.ID).Updates(map[string]any{
		"learned_max_concurrent": k.LearnedMaxConcurrent,
		"lifetime_request_count": k.LifetimeRequestCount,
		"success_streak":         k.SuccessStreak,
		"concurrent429_count":    k.Concurrent429Count,
		"rpm429_count":           k.RPM429Count,
		"last429_at":             k.Last429At,
		"last429_type":           k.Last429Type,
		"adjustment_history":     k.AdjustmentHistory,
	}).Error
	return errors.Wrapf(err, "save adaptive state for key %d", k.ID)
}
