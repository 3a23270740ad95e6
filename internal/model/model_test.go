package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/relaygate/gateway/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, model.AutoMigrate(db))
	model.DB = db
	model.InvalidateConfigCache()
	return db
}

func TestProvider_HasMonthlyQuotaRemaining(t *testing.T) {
	quota := 10.0
	p := &model.Provider{BillingType: model.BillingMonthlyQuota, MonthlyQuotaUSD: &quota, MonthlyUsedUSD: 9.99}
	require.True(t, p.HasMonthlyQuotaRemaining())

	p.MonthlyUsedUSD = 10.0
	require.False(t, p.HasMonthlyQuotaRemaining())

	p2 := &model.Provider{BillingType: model.BillingPayAsYouGo}
	require.True(t, p2.HasMonthlyQuotaRemaining(), "non-quota billing types are never gated by this check")
}

func TestProvider_ResetRPMIfDue(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	p := &model.Provider{RPMUsed: 5, RPMResetAt: &past}
	require.True(t, p.ResetRPMIfDue(now))
	require.Equal(t, 0, p.RPMUsed)
	require.True(t, p.RPMResetAt.After(now))

	future := now.Add(time.Minute)
	p2 := &model.Provider{RPMUsed: 3, RPMResetAt: &future}
	require.False(t, p2.ResetRPMIfDue(now))
	require.Equal(t, 3, p2.RPMUsed)
}

func TestProvider_ResetMonthlyQuotaIfDue(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	p := &model.Provider{BillingType: model.BillingMonthlyQuota, QuotaResetDay: 1, MonthlyUsedUSD: 42}
	require.True(t, p.ResetMonthlyQuotaIfDue(now))
	require.Zero(t, p.MonthlyUsedUSD)

	// Second call same day/month is a no-op: already reset this month.
	p.MonthlyUsedUSD = 7
	require.False(t, p.ResetMonthlyQuotaIfDue(now))
	require.Equal(t, 7.0, p.MonthlyUsedUSD)

	// Wrong day of month never resets.
	p2 := &model.Provider{BillingType: model.BillingMonthlyQuota, QuotaResetDay: 15, MonthlyUsedUSD: 3}
	require.False(t, p2.ResetMonthlyQuotaIfDue(now))
}

func TestProvider_DebitMonthlyUsage(t *testing.T) {
	db := newTestDB(t)
	p := &model.Provider{Name: "acme", BillingType: model.BillingMonthlyQuota}
	require.NoError(t, db.Create(p).Error)

	require.NoError(t, model.DebitMonthlyUsage(db, p.ID, 1.25))
	require.NoError(t, model.DebitMonthlyUsage(db, p.ID, 0.50))

	reloaded, err := model.GetProviderByID(p.ID)
	require.NoError(t, err)
	require.InDelta(t, 1.75, reloaded.MonthlyUsedUSD, 1e-9)
}

func TestProvider_ListActiveProvidersOrdering(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&model.Provider{Name: "low-priority", Priority: 20, IsActive: true}).Error)
	require.NoError(t, db.Create(&model.Provider{Name: "high-priority", Priority: 1, IsActive: true}).Error)
	require.NoError(t, db.Create(&model.Provider{Name: "disabled", Priority: 0, IsActive: false}).Error)

	providers, err := model.ListActiveProviders()
	require.NoError(t, err)
	require.Len(t, providers, 2)
	require.Equal(t, "high-priority", providers[0].Name)
	require.Equal(t, "low-priority", providers[1].Name)
}

func TestApiKey_HasRemainingBalance(t *testing.T) {
	balance := 5.0
	k := &model.ApiKey{CurrentBalanceUSD: &balance, BalanceUsedUSD: 4.9}
	require.True(t, k.HasRemainingBalance(0.05))
	require.False(t, k.HasRemainingBalance(0.20))

	unlimited := &model.ApiKey{}
	require.True(t, unlimited.HasRemainingBalance(1000))
}

func TestApiKey_IsExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	require.True(t, (&model.ApiKey{ExpiresAt: &past}).IsExpired(now))
	require.False(t, (&model.ApiKey{ExpiresAt: &future}).IsExpired(now))
	require.False(t, (&model.ApiKey{}).IsExpired(now), "a key with no expiry never expires")
}

func TestApiKey_AllowLists(t *testing.T) {
	csv := "anthropic, openai"
	k := &model.ApiKey{AllowedProviders: &csv}
	require.True(t, k.AllowsProvider("anthropic"))
	require.True(t, k.AllowsProvider("openai"))
	require.False(t, k.AllowsProvider("groq"))

	unrestricted := &model.ApiKey{}
	require.True(t, unrestricted.AllowsProvider("anything"))
}

func TestUser_HasRemainingQuota(t *testing.T) {
	quota := 100.0
	u := &model.User{Role: model.RoleCommonUser, QuotaUSD: &quota, UsedUSD: 99.99}
	require.True(t, u.HasRemainingQuota())
	u.UsedUSD = 100
	require.False(t, u.HasRemainingQuota())

	admin := &model.User{Role: model.RoleAdminUser, QuotaUSD: &quota, UsedUSD: 1e9}
	require.True(t, admin.HasRemainingQuota(), "admins bypass the quota gate entirely")
}

func TestApiKey_DebitStandaloneBalance_DoesNotTouchUser(t *testing.T) {
	db := newTestDB(t)
	u := &model.User{Username: "owner", UsedUSD: 0}
	require.NoError(t, db.Create(u).Error)
	k := &model.ApiKey{UserID: u.ID, IsStandalone: true, KeyHash: "h1"}
	require.NoError(t, db.Create(k).Error)

	require.NoError(t, model.DebitStandaloneBalance(db, k.ID, 2.5))

	var reloadedKey model.ApiKey
	require.NoError(t, db.First(&reloadedKey, k.ID).Error)
	require.InDelta(t, 2.5, reloadedKey.BalanceUsedUSD, 1e-9)

	reloadedUser, err := model.GetUserByID(u.ID)
	require.NoError(t, err)
	require.Zero(t, reloadedUser.UsedUSD, "standalone debits must never touch the owning user's balance")
}

func TestUser_DebitUserUsage(t *testing.T) {
	db := newTestDB(t)
	u := &model.User{Username: "shared"}
	require.NoError(t, db.Create(u).Error)

	require.NoError(t, model.DebitUserUsage(db, u.ID, 1.0))
	require.NoError(t, model.DebitUserUsage(db, u.ID, 0.5))

	reloaded, err := model.GetUserByID(u.ID)
	require.NoError(t, err)
	require.InDelta(t, 1.5, reloaded.UsedUSD, 1e-9)
	require.InDelta(t, 1.5, reloaded.TotalUSD, 1e-9)
}

func TestUpstreamKey_EffectiveConcurrencyLimit(t *testing.T) {
	pinned := 8
	k := &model.UpstreamKey{MaxConcurrent: &pinned}
	require.Equal(t, 8, k.EffectiveConcurrencyLimit(2))
	require.False(t, k.IsAdaptive())

	learned := 4
	adaptiveKey := &model.UpstreamKey{LearnedMaxConcurrent: &learned}
	require.Equal(t, 4, adaptiveKey.EffectiveConcurrencyLimit(2))
	require.True(t, adaptiveKey.IsAdaptive())

	coldStart := &model.UpstreamKey{}
	require.Equal(t, 2, coldStart.EffectiveConcurrencyLimit(2))
}

func TestUpstreamKey_HasCapability(t *testing.T) {
	k := &model.UpstreamKey{Capabilities: "vision, tools"}
	require.True(t, k.HasCapability("vision"))
	require.True(t, k.HasCapability("tools"))
	require.False(t, k.HasCapability("audio"))
}

func TestUpstreamKey_SaveHealthState(t *testing.T) {
	db := newTestDB(t)
	endpoint := &model.Endpoint{APIFormat: model.FormatClaude, BaseURL: "https://api.example.com", IsActive: true}
	require.NoError(t, db.Create(endpoint).Error)
	k := &model.UpstreamKey{EndpointID: endpoint.ID, CircuitState: model.CircuitClosed, HealthScore: 1}
	require.NoError(t, db.Create(k).Error)

	k.CircuitState = model.CircuitOpen
	k.ConsecutiveFailures = 7
	k.HealthScore = 0.3
	require.NoError(t, model.SaveHealthState(db, k))

	reloaded, err := model.GetUpstreamKeyByID(k.ID)
	require.NoError(t, err)
	require.Equal(t, model.CircuitOpen, reloaded.CircuitState)
	require.Equal(t, 7, reloaded.ConsecutiveFailures)
	require.InDelta(t, 0.3, reloaded.HealthScore, 1e-9)
}

func TestUsage_UpsertPendingIsIdempotentPerRequestID(t *testing.T) {
	db := newTestDB(t)
	_ = db

	u1 := &model.Usage{RequestID: "req-1", UserID: 1, ApiKeyID: 1}
	require.NoError(t, model.UpsertPending(u1))

	// A second pending insert for the same request_id must not create a
	// duplicate row.
	u2 := &model.Usage{RequestID: "req-1", UserID: 1, ApiKeyID: 1}
	require.NoError(t, model.UpsertPending(u2))

	var count int64
	require.NoError(t, model.DB.Model(&model.Usage{}).Where("request_id = ?", "req-1").Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestUsage_FinalizeUsage(t *testing.T) {
	db := newTestDB(t)
	pending := &model.Usage{RequestID: "req-2", UserID: 1, ApiKeyID: 1}
	require.NoError(t, model.UpsertPending(pending))

	providerID, endpointID, keyID := 1, 2, 3
	final := &model.Usage{
		ProviderID:     &providerID,
		EndpointID:     &endpointID,
		KeyID:          &keyID,
		InputTokens:    100,
		OutputTokens:   50,
		ActualCostUSD:  0.002,
		SurfaceCostUSD: 0.0025,
	}
	require.NoError(t, model.FinalizeUsage(db, "req-2", model.UsageStatusSuccess, final, 1234))

	reloaded, err := model.GetUsageByRequestID("req-2")
	require.NoError(t, err)
	require.Equal(t, model.UsageStatusSuccess, reloaded.Status)
	require.Equal(t, int64(100), reloaded.InputTokens)
	require.Equal(t, int64(50), reloaded.OutputTokens)
	require.InDelta(t, 0.002, reloaded.ActualCostUSD, 1e-9)
	require.Equal(t, int64(1234), reloaded.LatencyMS)
}

func TestAttempt_CreateAndFinish(t *testing.T) {
	db := newTestDB(t)
	_ = db

	a := &model.Attempt{RequestID: "req-3", ProviderID: 1, EndpointID: 1, KeyID: 1, Status: model.AttemptStarted}
	require.NoError(t, model.CreateAttempt(a))
	require.NotZero(t, a.ID)

	code := 200
	require.NoError(t, model.FinishAttempt(a.ID, model.AttemptSuccess, &code, 42, "", "", time.Now()))

	n, err := model.CountAttemptsForRequest("req-3")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestAttemptStatus_IsTerminal(t *testing.T) {
	require.True(t, model.AttemptSuccess.IsTerminal())
	require.True(t, model.AttemptFailed.IsTerminal())
	require.True(t, model.AttemptSkipped.IsTerminal())
	require.False(t, model.AttemptStarted.IsTerminal())
	require.False(t, model.AttemptPending.IsTerminal())
}

func TestConfigCache_InvalidationForcesReload(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&model.Provider{Name: "p1", IsActive: true}).Error)

	first, err := model.CachedListActiveProviders()
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, db.Create(&model.Provider{Name: "p2", IsActive: true}).Error)

	// Still cached: the second provider shouldn't be visible yet.
	cached, err := model.CachedListActiveProviders()
	require.NoError(t, err)
	require.Len(t, cached, 1)

	model.InvalidateConfigCache()

	reloaded, err := model.CachedListActiveProviders()
	require.NoError(t, err)
	require.Len(t, reloaded, 2)
}
