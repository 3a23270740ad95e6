package model

import (
	"time"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"
)

// BillingType enumerates how a Provider's spend is metered.
type BillingType string

const (
	BillingPayAsYouGo   BillingType = "pay_as_you_go"
	BillingMonthlyQuota BillingType = "monthly_quota"
	BillingFreeTier     BillingType = "free_tier"
)

// Provider is an upstream vendor account.
type Provider struct {
	ID                int         `gorm:"primaryKey"`
	Name              string      `gorm:"index"`
	Priority          int         `gorm:"index"` // smaller = preferred
	BillingType       BillingType `gorm:"size:32;default:pay_as_you_go"`
	MonthlyQuotaUSD   *float64
	MonthlyUsedUSD    float64
	QuotaResetDay     int `gorm:"default:1"`
	QuotaLastResetAt  time.Time
	RPMLimit          *int
	RPMUsed           int
	RPMResetAt        *time.Time
	IsActive          bool `gorm:"default:true"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasMonthlyQuotaRemaining reports whether dispatch may continue.
func (p *Provider) HasMonthlyQuotaRemaining() bool {
	if p.BillingType != BillingMonthlyQuota || p.MonthlyQuotaUSD == nil {
		return true
	}
	return p.MonthlyUsedUSD < *p.MonthlyQuotaUSD
}

// GetProviderByID loads a Provider by id.
func GetProviderByID(id int) (*Provider, error) {
	var p Provider
	if err := DB.First(&p, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get provider %d", id)
	}
	return &p, nil
}

// ListActiveProviders returns all providers eligible for dispatch
// consideration (is_active; monthly-quota providers additionally need
// remaining budget, checked by the caller via HasMonthlyQuotaRemaining).
func ListActiveProviders() ([]*Provider, error) {
	var providers []*Provider
	if err := DB.Where("is_active = ?", true).Order("priority asc, id asc").Find(&providers).Error; err != nil {
		return nil, errors.Wrap(err, "list active providers")
	}
	return providers, nil
}

// ResetRPMIfDue zeroes RPMUsed when now has passed RPMResetAt.
func (p *Provider) ResetRPMIfDue(now time.Time) bool {
	if p.RPMResetAt == nil || now.Before(*p.RPMResetAt) {
		return false
	}
	p.RPMUsed = 0
	next := now.Add(time.Minute)
	p.RPMResetAt = &next
	return true
}

// ResetMonthlyQuotaIfDue zeroes MonthlyUsedUSD on the provider's reset day,
// once per calendar month.
func (p *Provider) ResetMonthlyQuotaIfDue(now time.Time) bool {
	if p.BillingType != BillingMonthlyQuota {
		return false
	}
	if now.Day() != p.QuotaResetDay {
		return false
	}
	if !p.QuotaLastResetAt.IsZero() && sameMonth(p.QuotaLastResetAt, now) {
		return false
	}
	p.MonthlyUsedUSD = 0
	p.QuotaLastResetAt = now
	return true
}

func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}

// DebitMonthlyUsage atomically increments monthly_used_usd.
func DebitMonthlyUsage(tx *gorm.DB, providerID int, amount float64) error {
	err := tx.Model(&Provider{}).Where("id = ?", providerID).
		UpdateColumn("monthly_used_usd", gorm.Expr("monthly_used_usd + ?", amount)).Error
	return errors.Wrapf(err, "debit provider %d monthly usage", providerID)
}
