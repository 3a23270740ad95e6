package model

import (
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"
)

// Role separates ordinary users from admins, who bypass the pre-flight
// quota check.
type Role int

const (
	RoleCommonUser Role = 1
	RoleAdminUser  Role = 10
	RoleRootUser   Role = 100
)

// User is the owner of non-standalone ApiKeys.
type User struct {
	ID                     int     `gorm:"primaryKey"`
	Username               string  `gorm:"uniqueIndex"`
	Role                   Role    `gorm:"default:1"`
	QuotaUSD               *float64
	UsedUSD                float64
	TotalUSD               float64
	AllowedProviders       *string `gorm:"type:text"`
	AllowedAPIFormats      *string `gorm:"type:text"`
	AllowedModels          *string `gorm:"type:text"`
	ModelCapabilitySettings string `gorm:"type:text"` // JSON-encoded per-model capability overrides
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// HasRemainingQuota is the front-edge quota check: nil quota
// means unlimited; admins bypass the check entirely.
func (u *User) HasRemainingQuota() bool {
	if u.Role >= RoleAdminUser {
		return true
	}
	if u.QuotaUSD == nil {
		return true
	}
	return u.UsedUSD < *u.QuotaUSD
}

// AllowsProvider mirrors ApiKey.AllowsProvider for the owning user's
// allow-list, so the planner applies both tiers.
func (u *User) AllowsProvider(providerName string) bool {
	list := allowList(u.AllowedProviders)
	return list == nil || listContains(list, providerName)
}

// AllowsAPIFormat mirrors ApiKey.AllowsAPIFormat for the owning user.
func (u *User) AllowsAPIFormat(format string) bool {
	list := allowList(u.AllowedAPIFormats)
	return list == nil || listContains(list, format)
}

// AllowsModel mirrors ApiKey.AllowsModel for the owning user.
func (u *User) AllowsModel(modelName string) bool {
	list := allowList(u.AllowedModels)
	return list == nil || listContains(list, modelName)
}

// ApiKey is the inbound client credential.
type ApiKey struct {
	ID                  int     `gorm:"primaryKey"`
	UserID              int     `gorm:"index"`
	KeyHash             string  `gorm:"uniqueIndex"`
	IsActive            bool    `gorm:"default:true"`
	IsStandalone        bool    `gorm:"default:false"`
	CurrentBalanceUSD   *float64
	BalanceUsedUSD      float64
	AllowedProviders    *string `gorm:"type:text"`
	AllowedAPIFormats   *string `gorm:"type:text"`
	AllowedModels       *string `gorm:"type:text"`
	RateLimit           int     `gorm:"default:0"`
	ForceCapabilities   *string `gorm:"type:text"`
	ExpiresAt           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsExpired reports whether the key has passed its expiry.
func (k *ApiKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// HasRemainingBalance is the standalone half of the front-edge quota
// check: the estimated cost floor must fit in the
// remaining balance.
func (k *ApiKey) HasRemainingBalance(estimatedFloor float64) bool {
	if k.CurrentBalanceUSD == nil {
		return true
	}
	return *k.CurrentBalanceUSD-k.BalanceUsedUSD >= estimatedFloor
}

func allowList(csv *string) []string {
	if csv == nil || strings.TrimSpace(*csv) == "" {
		return nil
	}
	parts := strings.Split(*csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func listContains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// AllowsProvider reports whether the key's provider allow-list (if any)
// permits providerName.
func (k *ApiKey) AllowsProvider(providerName string) bool {
	list := allowList(k.AllowedProviders)
	return list == nil || listContains(list, providerName)
}

// AllowsAPIFormat reports whether the key's format allow-list (if any)
// permits format.
func (k *ApiKey) AllowsAPIFormat(format string) bool {
	list := allowList(k.AllowedAPIFormats)
	return list == nil || listContains(list, format)
}

// AllowsModel reports whether the key's model allow-list (if any) permits
// modelName.
func (k *ApiKey) AllowsModel(modelName string) bool {
	list := allowList(k.AllowedModels)
	return list == nil || listContains(list, modelName)
}

// GetApiKeyByHash looks up the inbound credential by its hashed value,
// used by the auth gate (internal/middleware).
func GetApiKeyByHash(hash string) (*ApiKey, error) {
	var k ApiKey
	if err := DB.Where("key_hash = ?", hash).First(&k).Error; err != nil {
		return nil, errors.Wrapf(err, "get api key by hash")
	}
	return &k, nil
}

// GetUserByID loads the owning user of a non-standalone key.
func GetUserByID(id int) (*User, error) {
	var u User
	if err := DB.First(&u, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get user %d", id)
	}
	return &u, nil
}

// DebitStandaloneBalance debits a standalone key: only
// balance_used_usd changes, the owning user is untouched.
func DebitStandaloneBalance(tx *gorm.DB, apiKeyID int, amount float64) error {
	err := tx.Model(&ApiKey{}).Where("id = ?", apiKeyID).
		UpdateColumn("balance_used_usd", gorm.Expr("balance_used_usd + ?", amount)).Error
	return errors.Wrapf(err, "debit standalone balance for key %d", apiKeyID)
}

// DebitUserUsage debits a normal key's owning user.
func DebitUserUsage(tx *gorm.DB, userID int, amount float64) error {
	err := tx.Model(&User{}).Where("id = ?", userID).
		Updates(map[string]any{
			"used_usd":  gorm.Expr("used_usd + ?", amount),
			"total_usd": gorm.Expr("total_usd + ?", amount),
		}).Error
	return errors.Wrapf(err, "debit user %d usage", userID)
}
