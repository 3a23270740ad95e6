package model

import (
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
)

// GlobalModel is the provider-agnostic model identity that aliasing and
// routing resolve to.
type GlobalModel struct {
	ID                     int    `gorm:"primaryKey"`
	Name                   string `gorm:"uniqueIndex"`
	SupportedCapabilities  string `gorm:"type:text"` // comma-separated capability names this model family can use
	DefaultInputPrice      float64
	DefaultOutputPrice     float64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// SupportsCapability reports whether name is in the model's supported set.
func (g *GlobalModel) SupportsCapability(name string) bool {
	for _, c := range strings.Split(g.SupportedCapabilities, ",") {
		if strings.TrimSpace(c) == name {
			return true
		}
	}
	return false
}

// MappingType distinguishes a plain alias from a provider-scoped mapping.
type MappingType string

const (
	MappingTypeAlias   MappingType = "alias"
	MappingTypeMapping MappingType = "mapping"
)

// ModelMapping resolves a caller-supplied model string to a GlobalModel,
// optionally scoped to one provider. Invariant: at
// most one mapping per (source_model, provider_id-or-null).
type ModelMapping struct {
	ID                int         `gorm:"primaryKey"`
	SourceModel       string      `gorm:"uniqueIndex:idx_source_provider"`
	ProviderID        *int        `gorm:"uniqueIndex:idx_source_provider"`
	TargetGlobalModelID int
	MappingType       MappingType `gorm:"size:16;default:alias"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ResolveAlias resolves a model alias; a provider-scoped mapping wins
// over the provider-agnostic one. Returns the matching ModelMapping, or
// (nil, nil) if no mapping exists at all (callers then try an identity
// lookup by name); a lookup error is treated the same as no mapping.
func ResolveAlias(sourceModel string, providerID int) (*ModelMapping, error) {
	var scoped ModelMapping
	err := DB.Where("source_model = ? AND provider_id = ?", sourceModel, providerID).First(&scoped).Error
	if err == nil {
		return &scoped, nil
	}

	var global ModelMapping
	err = DB.Where("source_model = ? AND provider_id IS NULL", sourceModel).First(&global).Error
	if err == nil {
		return &global, nil
	}

	return nil, nil
}

// Model is a provider-specific implementation of a GlobalModel.
type Model struct {
	ID                int `gorm:"primaryKey"`
	ProviderID        int `gorm:"uniqueIndex:idx_provider_global_model"`
	GlobalModelID     int `gorm:"uniqueIndex:idx_provider_global_model"`
	ProviderModelName string
	InputPriceOverride      *float64
	OutputPriceOverride     *float64
	TieredPricing           *string `gorm:"type:text"` // JSON-encoded []PriceTier, see internal/billing/pricing
	IsActive                bool    `gorm:"default:true"`
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// GetActiveModel loads the provider's implementation of a global model, if
// any and active.
func GetActiveModel(providerID, globalModelID int) (*Model, error) {
	var m Model
	err := DB.Where("provider_id = ? AND global_model_id = ? AND is_active = ?", providerID, globalModelID, true).First(&m).Error
	if err != nil {
		return nil, errors.Wrapf(err, "get active model for provider %d global_model %d", providerID, globalModelID)
	}
	return &m, nil
}

// GetGlobalModelByName looks up a GlobalModel by its canonical name,
// used as the identity fallback when no ModelMapping row exists.
func GetGlobalModelByName(name string) (*GlobalModel, error) {
	var g GlobalModel
	if err := DB.Where("name = ?", name).First(&g).Error; err != nil {
		return nil, errors.Wrapf(err, "get global model %s", name)
	}
	return &g, nil
}

// GetGlobalModelByID loads a GlobalModel by id.
func GetGlobalModelByID(id int) (*GlobalModel, error) {
	var g GlobalModel
	if err := DB.First(&g, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get global model %d", id)
	}
	return &g, nil
}

// ListGlobalModels returns the full model catalog backing the OpenAI-shaped
// `GET /v1/models` listing.
func ListGlobalModels() ([]*GlobalModel, error) {
	var models []*GlobalModel
	if err := DB.Order("name asc").Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list global models")
	}
	return models, nil
}
