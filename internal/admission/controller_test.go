package admission

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/gateway/internal/adaptive"
	"github.com/relaygate/gateway/internal/clock"
	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/gatewayerr"
	"github.com/relaygate/gateway/internal/health"
	"github.com/relaygate/gateway/internal/model"
	"github.com/relaygate/gateway/internal/store"
)

func intPtr(n int) *int { return &n }

func newTestController(t *testing.T) (*Controller, *clock.FakeClock) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	fc := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(store.NewWithClient(rdb), health.New(fc), adaptive.New(), fc), fc
}

// newLocalController builds a controller running the per-process fallback
// (no backing Redis).
func newLocalController(t *testing.T) (*Controller, *clock.FakeClock) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(store.NewWithClient(nil), health.New(fc), adaptive.New(), fc), fc
}

func fixtures() (*model.Provider, *model.Endpoint, *model.UpstreamKey) {
	p := &model.Provider{ID: 1, BillingType: model.BillingPayAsYouGo, IsActive: true}
	e := &model.Endpoint{ID: 1, ProviderID: 1, APIFormat: model.FormatClaude, IsActive: true}
	// Pinned limit of 10: a non-affine request on this probe-phase key sees
	// 10% of 10 = 1 slot reserved; tests that aren't about the reservation
	// acquire as affine.
	k := &model.UpstreamKey{ID: 1, EndpointID: 1, IsActive: true, MaxConcurrent: intPtr(10)}
	return p, e, k
}

func TestAcquireRelease_CountersBalance(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	p, e, k := fixtures()

	lease, err := c.Acquire(ctx, p, e, k, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.CurrentConcurrency(ctx, k.ID))

	lease.Release(ctx)
	assert.Equal(t, int64(0), c.CurrentConcurrency(ctx, k.ID),
		"release must return the key counter to its pre-acquire value")
}

func TestRelease_IsIdempotent(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	p, e, k := fixtures()

	lease, err := c.Acquire(ctx, p, e, k, true)
	require.NoError(t, err)
	lease.Release(ctx)
	lease.Release(ctx)
	lease.Release(ctx)
	assert.Equal(t, int64(0), c.CurrentConcurrency(ctx, k.ID),
		"double release must not drive the counter negative")
}

func TestAcquire_KeyConcurrencyLimit(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	p, e, k := fixtures()
	k.MaxConcurrent = intPtr(2)

	l1, err := c.Acquire(ctx, p, e, k, true)
	require.NoError(t, err)
	l2, err := c.Acquire(ctx, p, e, k, true)
	require.NoError(t, err)

	_, err = c.Acquire(ctx, p, e, k, true)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.KindNoCapacity, ge.Kind)

	// A failed acquisition must not leak its optimistic increment.
	assert.Equal(t, int64(2), c.CurrentConcurrency(ctx, k.ID))
	l1.Release(ctx)
	l2.Release(ctx)
}

func TestAcquire_EndpointConcurrencyLimit(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	p, e, k := fixtures()
	e.MaxConcurrent = intPtr(1)

	l1, err := c.Acquire(ctx, p, e, k, true)
	require.NoError(t, err)

	// A different key on the same endpoint still hits the endpoint gate.
	k2 := &model.UpstreamKey{ID: 2, EndpointID: 1, IsActive: true, MaxConcurrent: intPtr(10)}
	_, err = c.Acquire(ctx, p, e, k2, true)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.KindNoCapacity, ge.Kind)

	l1.Release(ctx)
	_, err = c.Acquire(ctx, p, e, k2, true)
	assert.NoError(t, err)
}

func TestAcquire_TopSlotsReservedForAffineTraffic(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	p, e, k := fixtures() // limit 10, probe phase => 10% reserved = 1 slot

	var leases []*Lease
	for i := 0; i < 9; i++ {
		l, err := c.Acquire(ctx, p, e, k, false)
		require.NoError(t, err, "slot %d is below the reservation", i+1)
		leases = append(leases, l)
	}

	// Slot 10 is held for affine traffic: non-affine is turned away...
	_, err := c.Acquire(ctx, p, e, k, false)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.KindNoCapacity, ge.Kind)

	// ...while an affine request takes it.
	affine, err := c.Acquire(ctx, p, e, k, true)
	require.NoError(t, err)

	affine.Release(ctx)
	for _, l := range leases {
		l.Release(ctx)
	}
	assert.Equal(t, int64(0), c.CurrentConcurrency(ctx, k.ID))
}

func TestAcquire_KeyRPMWindow(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	p, e, k := fixtures()
	k.RateLimit = intPtr(2)

	for i := 0; i < 2; i++ {
		l, err := c.Acquire(ctx, p, e, k, true)
		require.NoError(t, err)
		l.Release(ctx) // releasing the slot does not refund the RPM window
	}

	_, err := c.Acquire(ctx, p, e, k, true)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.KindRateLimit, ge.Kind)
}

func TestAcquire_KeyInheritsEndpointRateLimit(t *testing.T) {
	c, _ := newLocalController(t)
	ctx := context.Background()
	p, e, k := fixtures()
	e.RateLimit = intPtr(1)

	l, err := c.Acquire(ctx, p, e, k, true)
	require.NoError(t, err)
	l.Release(ctx)

	_, err = c.Acquire(ctx, p, e, k, true)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.KindRateLimit, ge.Kind)
}

func TestAcquire_RPMWindowSlides(t *testing.T) {
	// The local fallback's window is driven by the injected clock, so the
	// sliding behaviour is deterministic here.
	c, fc := newLocalController(t)
	ctx := context.Background()
	p, e, k := fixtures()
	k.RateLimit = intPtr(1)

	l, err := c.Acquire(ctx, p, e, k, true)
	require.NoError(t, err)
	l.Release(ctx)

	_, err = c.Acquire(ctx, p, e, k, true)
	require.Error(t, err)

	fc.Advance(61 * time.Second)
	l, err = c.Acquire(ctx, p, e, k, true)
	assert.NoError(t, err, "the window admits again once the old events age out")
	l.Release(ctx)
}

func TestAcquire_ProviderRPMLimit(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	p, e, k := fixtures()
	p.RPMLimit = intPtr(1)

	l, err := c.Acquire(ctx, p, e, k, true)
	require.NoError(t, err)
	l.Release(ctx)

	_, err = c.Acquire(ctx, p, e, k, true)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.KindRateLimit, ge.Kind)
}

func TestAcquire_ProviderMonthlyQuotaExhausted(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	p, e, k := fixtures()
	quota := 10.0
	p.BillingType = model.BillingMonthlyQuota
	p.MonthlyQuotaUSD = &quota
	p.MonthlyUsedUSD = 10.0

	_, err := c.Acquire(ctx, p, e, k, true)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.KindNoCapacity, ge.Kind)
	assert.Equal(t, int64(0), c.CurrentConcurrency(ctx, k.ID),
		"the quota rejection must release the slots acquired before it")
}

func TestAcquire_AdaptiveKeyUsesColdStartLimit(t *testing.T) {
	c, _ := newLocalController(t)
	ctx := context.Background()
	p, e, _ := fixtures()
	k := &model.UpstreamKey{ID: 5, EndpointID: 1, IsActive: true} // adaptive, no history

	var leases []*Lease
	admitted := 0
	for i := 0; i < config.AdaptiveColdStartLimit+1; i++ {
		l, err := c.Acquire(ctx, p, e, k, true)
		if err == nil {
			admitted++
			leases = append(leases, l)
		}
	}
	assert.Equal(t, config.AdaptiveColdStartLimit, admitted)
	for _, l := range leases {
		l.Release(ctx)
	}
}

func TestLocalFallback_CountersBalance(t *testing.T) {
	c, _ := newLocalController(t)
	ctx := context.Background()
	p, e, k := fixtures()

	l1, err := c.Acquire(ctx, p, e, k, true)
	require.NoError(t, err)
	l2, err := c.Acquire(ctx, p, e, k, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.CurrentConcurrency(ctx, k.ID))

	l1.Release(ctx)
	l2.Release(ctx)
	assert.Equal(t, int64(0), c.CurrentConcurrency(ctx, k.ID))
}

func TestReservationRatio_ProbePhase(t *testing.T) {
	c, _ := newTestController(t)
	k := &model.UpstreamKey{ID: 1, LifetimeRequestCount: config.ProbePhaseRequests - 1}
	assert.Equal(t, config.ProbeReservation, c.ReservationRatio(k, 10, 9))
}

func TestReservationRatio_LowLoadUsesMinimum(t *testing.T) {
	c, _ := newTestController(t)
	k := &model.UpstreamKey{ID: 1, LifetimeRequestCount: config.ProbePhaseRequests}
	ratio := c.ReservationRatio(k, 10, 2) // load 0.2 < LOW_LOAD_THRESHOLD
	assert.Equal(t, config.StableMinReservation, ratio)
}

func TestReservationRatio_StaysWithinBounds(t *testing.T) {
	c, _ := newTestController(t)
	k := &model.UpstreamKey{ID: 1, LifetimeRequestCount: config.ProbePhaseRequests}

	for _, conc := range []int{0, 3, 6, 9, 10} {
		ratio := c.ReservationRatio(k, 10, conc)
		assert.GreaterOrEqual(t, ratio, config.StableMinReservation)
		assert.LessOrEqual(t, ratio, config.StableMaxReservation)
	}
}

func TestAcquireHalfOpenProbe_RequiresHalfOpenCircuit(t *testing.T) {
	c, _ := newTestController(t)
	_, _, k := fixtures()

	ok, _ := c.AcquireHalfOpenProbe(context.Background(), k)
	assert.False(t, ok, "a closed circuit has no probe slot")
}

func TestAcquireHalfOpenProbe_SingleProbe(t *testing.T) {
	c, fc := newTestController(t)
	_, _, k := fixtures()

	for i := 0; i < 5; i++ {
		c.health.RecordFailure(k.ID)
	}
	require.Equal(t, health.Open, c.health.Status(k.ID))
	fc.Advance(time.Hour)
	require.Equal(t, health.HalfOpen, c.health.Status(k.ID))

	ok, release := c.AcquireHalfOpenProbe(context.Background(), k)
	require.True(t, ok)
	defer release()

	ok2, _ := c.AcquireHalfOpenProbe(context.Background(), k)
	assert.False(t, ok2, "at most one concurrent probe per half-open key")
}
