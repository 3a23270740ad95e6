package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/gateway/internal/clock"
	"github.com/relaygate/gateway/internal/config"
)

func newTestMonitor(t *testing.T) (*Monitor, *clock.FakeClock) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(fc), fc
}

// tripOpen feeds enough failures to open keyID's circuit and returns the
// backoff that was scheduled for it.
func tripOpen(m *Monitor, keyID int) time.Duration {
	for i := 0; i < config.HealthMinRequests; i++ {
		m.RecordFailure(keyID)
	}
	return backoffFor(config.HealthMinRequests)
}

func TestUnknownKeyIsClosedAndAllowed(t *testing.T) {
	m, _ := newTestMonitor(t)
	assert.Equal(t, Closed, m.Status(42))
	assert.True(t, m.IsAllowed(42))
	assert.Equal(t, 1.0, m.HealthScore(42))
}

func TestCircuitStaysClosedBelowMinRequests(t *testing.T) {
	m, _ := newTestMonitor(t)
	for i := 0; i < config.HealthMinRequests-1; i++ {
		m.RecordFailure(1)
	}
	assert.Equal(t, Closed, m.Status(1), "window below min requests must not trip")
	assert.True(t, m.IsAllowed(1))
}

func TestCircuitTripsOnErrorRate(t *testing.T) {
	m, _ := newTestMonitor(t)
	tripOpen(m, 1)
	assert.Equal(t, Open, m.Status(1))
	assert.False(t, m.IsAllowed(1))
}

func TestMixedOutcomesBelowThresholdStayClosed(t *testing.T) {
	m, _ := newTestMonitor(t)
	// 2 failures out of 6 = 0.33 failure rate, under the 0.6 threshold.
	m.RecordFailure(1)
	m.RecordFailure(1)
	for i := 0; i < 4; i++ {
		m.RecordSuccess(1)
	}
	assert.Equal(t, Closed, m.Status(1))
}

func TestOpenTransitionsToHalfOpenAtProbeTime(t *testing.T) {
	m, fc := newTestMonitor(t)
	backoff := tripOpen(m, 1)

	fc.Advance(backoff - time.Millisecond)
	assert.Equal(t, Open, m.Status(1))
	assert.False(t, m.IsAllowed(1))

	fc.Advance(time.Millisecond)
	assert.Equal(t, HalfOpen, m.Status(1))
	assert.True(t, m.IsAllowed(1))
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	m, fc := newTestMonitor(t)
	fc.Advance(tripOpen(m, 1))
	require.Equal(t, HalfOpen, m.Status(1))

	require.True(t, m.AcquireProbe(1))
	assert.False(t, m.AcquireProbe(1), "second concurrent probe must be refused")
	assert.False(t, m.IsAllowed(1), "key is not allowed while a probe is in flight")

	// The probe finishing frees the slot for the next one.
	m.RecordSuccess(1)
	assert.True(t, m.AcquireProbe(1))
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	m, fc := newTestMonitor(t)
	fc.Advance(tripOpen(m, 1))
	require.Equal(t, HalfOpen, m.Status(1))

	scoreBefore := m.HealthScore(1)
	for i := 0; i < config.HealthHalfOpenSuccessThresh; i++ {
		require.True(t, m.AcquireProbe(1))
		m.RecordSuccess(1)
	}
	assert.Equal(t, Closed, m.Status(1))
	assert.True(t, m.IsAllowed(1))
	assert.Greater(t, m.HealthScore(1), scoreBefore, "closing the circuit boosts the health score")
}

func TestHalfOpenReopensAfterFailureThreshold(t *testing.T) {
	m, fc := newTestMonitor(t)
	fc.Advance(tripOpen(m, 1))
	require.Equal(t, HalfOpen, m.Status(1))

	for i := 0; i < config.HealthHalfOpenFailureThresh; i++ {
		require.True(t, m.AcquireProbe(1))
		m.RecordFailure(1)
	}
	assert.Equal(t, Open, m.Status(1))
	assert.False(t, m.IsAllowed(1))
}

func TestHalfOpenWindowExpiryReopens(t *testing.T) {
	m, fc := newTestMonitor(t)
	fc.Advance(tripOpen(m, 1))
	require.Equal(t, HalfOpen, m.Status(1))

	// One success, below the threshold, then the window runs out.
	m.RecordSuccess(1)
	fc.Advance(config.HealthHalfOpenDuration + time.Second)
	assert.Equal(t, Open, m.Status(1))
}

func TestClosedNeverJumpsStraightToHalfOpen(t *testing.T) {
	m, fc := newTestMonitor(t)
	m.RecordSuccess(1)
	fc.Advance(time.Hour)
	assert.Equal(t, Closed, m.Status(1))
	assert.False(t, m.AcquireProbe(1), "a closed circuit has no probe slot to acquire")
}

func TestBackoffGrowsWithConsecutiveFailures(t *testing.T) {
	initial := time.Duration(config.HealthInitialRecoverySeconds) * time.Second
	max := time.Duration(config.HealthMaxRecoverySeconds) * time.Second

	assert.Equal(t, initial, backoffFor(0))
	assert.Equal(t, initial, backoffFor(4))
	assert.Equal(t, time.Duration(float64(initial)*config.HealthBackoffBase), backoffFor(5))
	assert.Equal(t, max, backoffFor(1000), "backoff is capped")
}

func TestHealthScoreMovesWithOutcomes(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.RecordFailure(1)
	after := m.HealthScore(1)
	assert.Less(t, after, 1.0)

	m.RecordSuccess(1)
	assert.Greater(t, m.HealthScore(1), after)
}

func TestHealthScoreStaysInRange(t *testing.T) {
	m, _ := newTestMonitor(t)
	for i := 0; i < 100; i++ {
		m.RecordFailure(1)
	}
	assert.GreaterOrEqual(t, m.HealthScore(1), 0.0)
	for i := 0; i < 200; i++ {
		m.RecordSuccess(1)
	}
	assert.LessOrEqual(t, m.HealthScore(1), 1.0)
}

func TestResetReturnsKeyToClosed(t *testing.T) {
	m, _ := newTestMonitor(t)
	tripOpen(m, 1)
	require.Equal(t, Open, m.Status(1))

	m.Reset(1)
	assert.Equal(t, Closed, m.Status(1))
	assert.True(t, m.IsAllowed(1))
	assert.Equal(t, 1.0, m.HealthScore(1))
}

func TestWindowEvictsOutcomesOlderThanWindowSeconds(t *testing.T) {
	m, fc := newTestMonitor(t)
	// Old failures that will age out of the window.
	for i := 0; i < config.HealthMinRequests-1; i++ {
		m.RecordFailure(1)
	}
	fc.Advance(time.Duration(config.HealthWindowSeconds+1) * time.Second)

	// The stale failures no longer count toward the error rate, so this
	// fresh one alone cannot trip the circuit.
	m.RecordFailure(1)
	assert.Equal(t, Closed, m.Status(1))
}

func TestKeysAreIndependent(t *testing.T) {
	m, _ := newTestMonitor(t)
	tripOpen(m, 1)
	assert.Equal(t, Open, m.Status(1))
	assert.Equal(t, Closed, m.Status(2))
	assert.True(t, m.IsAllowed(2))
}
