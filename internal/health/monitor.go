// Package health implements the per-key sliding-window health monitor
// and three-state circuit breaker. The executor feeds RecordSuccess and
// RecordFailure after every attempt rather than wrapping the call.
package health

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/relaygate/gateway/internal/clock"
	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/metrics"
	"github.com/relaygate/gateway/internal/model"
)

// State is a key's circuit-breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type outcome struct {
	success bool
	at      time.Time
}

// keyHealth is the mutable health record for one upstream key, guarded by
// its own lock.
type keyHealth struct {
	mu sync.Mutex

	id    int
	state State

	window []outcome // bounded ring, oldest first

	consecutiveFailures int
	nextProbeAt         time.Time

	halfOpenSuccesses int
	halfOpenFailures  int
	halfOpenDeadline  time.Time
	halfOpenInFlight  bool

	healthScore float64
}

// Monitor tracks health state for every upstream key seen so far. One
// Monitor instance is shared across the process (wired via corectx).
type Monitor struct {
	mu    sync.Mutex
	byKey map[int]*keyHealth
	clock clock.Clock
}

// New constructs a Monitor using c for all time-based decisions, so tests
// can drive it deterministically with a clock.FakeClock.
func New(c clock.Clock) *Monitor {
	return &Monitor{byKey: make(map[int]*keyHealth), clock: c}
}

func (m *Monitor) entry(keyID int) *keyHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	kh, ok := m.byKey[keyID]
	if !ok {
		kh = &keyHealth{id: keyID, state: Closed, healthScore: 1.0}
		m.byKey[keyID] = kh
		metrics.CircuitState.WithLabelValues(strconv.Itoa(keyID)).Set(0)
	}
	return kh
}

// Status reports the current circuit state for keyID, defaulting to
// Closed for a never-seen key.
func (m *Monitor) Status(keyID int) State {
	kh := m.entry(keyID)
	kh.mu.Lock()
	defer kh.mu.Unlock()
	m.maybeTransitionToHalfOpen(kh)
	return kh.state
}

// HealthScore returns the [0,1] ordering/display gauge.
func (m *Monitor) HealthScore(keyID int) float64 {
	kh := m.entry(keyID)
	kh.mu.Lock()
	defer kh.mu.Unlock()
	return kh.healthScore
}

// IsAllowed is the planner's admission predicate: a Closed key is
// always allowed; an Open key is never allowed until its probe window
// arrives (at which point Status/IsAllowed transition it to HalfOpen); a
// HalfOpen key admits at most one concurrent probe.
func (m *Monitor) IsAllowed(keyID int) bool {
	kh := m.entry(keyID)
	kh.mu.Lock()
	defer kh.mu.Unlock()
	m.maybeTransitionToHalfOpen(kh)

	switch kh.state {
	case Closed:
		return true
	case HalfOpen:
		if kh.halfOpenInFlight {
			return false
		}
		return true
	default: // Open
		return false
	}
}

// AcquireProbe reserves the single half-open probe slot, returning false
// if one is already in flight or the key isn't half-open.
func (m *Monitor) AcquireProbe(keyID int) bool {
	kh := m.entry(keyID)
	kh.mu.Lock()
	defer kh.mu.Unlock()
	m.maybeTransitionToHalfOpen(kh)
	if kh.state != HalfOpen || kh.halfOpenInFlight {
		return false
	}
	kh.halfOpenInFlight = true
	return true
}

func (m *Monitor) maybeTransitionToHalfOpen(kh *keyHealth) {
	if kh.state == Open && !kh.nextProbeAt.IsZero() && !m.clock.Now().Before(kh.nextProbeAt) {
		kh.state = HalfOpen
		kh.halfOpenSuccesses = 0
		kh.halfOpenFailures = 0
		kh.halfOpenInFlight = false
		kh.halfOpenDeadline = m.clock.Now().Add(config.HealthHalfOpenDuration)
		m.setCircuitGauge(kh)
	}
	// A half-open window that ran out without reaching either threshold
	// reverts to open with the same backoff; half-open sampling is
	// bounded in duration.
	if kh.state == HalfOpen && !kh.halfOpenDeadline.IsZero() && m.clock.Now().After(kh.halfOpenDeadline) {
		m.openCircuit(kh)
	}
}

// RecordSuccess feeds a successful attempt's outcome into the window and
// circuit state machine.
func (m *Monitor) RecordSuccess(keyID int) {
	kh := m.entry(keyID)
	kh.mu.Lock()
	defer kh.mu.Unlock()
	m.maybeTransitionToHalfOpen(kh)

	m.pushOutcome(kh, true)
	kh.healthScore = math.Min(1.0, kh.healthScore+0.02)

	if kh.state == HalfOpen {
		kh.halfOpenInFlight = false
		kh.halfOpenSuccesses++
		if kh.halfOpenSuccesses >= config.HealthHalfOpenSuccessThresh {
			m.closeCircuit(kh)
		}
		return
	}

	kh.consecutiveFailures = 0
}

// RecordFailure feeds a failed attempt's outcome into the window and
// circuit state machine.
func (m *Monitor) RecordFailure(keyID int) {
	kh := m.entry(keyID)
	kh.mu.Lock()
	defer kh.mu.Unlock()
	m.maybeTransitionToHalfOpen(kh)

	m.pushOutcome(kh, false)
	kh.healthScore = math.Max(0.0, kh.healthScore-0.05)
	kh.consecutiveFailures++

	if kh.state == HalfOpen {
		kh.halfOpenInFlight = false
		kh.halfOpenFailures++
		if kh.halfOpenFailures >= config.HealthHalfOpenFailureThresh {
			m.openCircuit(kh)
		}
		return
	}

	if kh.state == Closed && m.shouldTrip(kh) {
		m.openCircuit(kh)
	}
}

func (m *Monitor) pushOutcome(kh *keyHealth, success bool) {
	now := m.clock.Now()
	kh.window = append(kh.window, outcome{success: success, at: now})

	cutoff := now.Add(-time.Duration(config.HealthWindowSeconds) * time.Second)
	trimmed := kh.window[:0]
	for _, o := range kh.window {
		if o.at.After(cutoff) {
			trimmed = append(trimmed, o)
		}
	}
	kh.window = trimmed
	if len(kh.window) > config.HealthWindowSize {
		kh.window = kh.window[len(kh.window)-config.HealthWindowSize:]
	}
}

func (m *Monitor) shouldTrip(kh *keyHealth) bool {
	if len(kh.window) < config.HealthMinRequests {
		return false
	}
	failures := 0
	for _, o := range kh.window {
		if !o.success {
			failures++
		}
	}
	rate := float64(failures) / float64(len(kh.window))
	return rate >= config.HealthErrorRateThreshold
}

func (m *Monitor) openCircuit(kh *keyHealth) {
	kh.state = Open
	kh.halfOpenInFlight = false
	backoff := backoffFor(kh.consecutiveFailures)
	kh.nextProbeAt = m.clock.Now().Add(backoff)
	m.setCircuitGauge(kh)
}

func (m *Monitor) closeCircuit(kh *keyHealth) {
	kh.state = Closed
	kh.consecutiveFailures = 0
	kh.halfOpenSuccesses = 0
	kh.halfOpenFailures = 0
	kh.halfOpenInFlight = false
	kh.healthScore = math.Min(1.0, kh.healthScore+0.1)
	m.setCircuitGauge(kh)
}

// setCircuitGauge publishes kh's state to the gateway_upstream_key_circuit_state
// Prometheus gauge.
func (m *Monitor) setCircuitGauge(kh *keyHealth) {
	var v float64
	switch kh.state {
	case HalfOpen:
		v = 1
	case Open:
		v = 2
	}
	metrics.CircuitState.WithLabelValues(strconv.Itoa(kh.id)).Set(v)
}

// backoffFor computes initial * base^floor(cf/5), capped at the
// configured maximum.
func backoffFor(consecutiveFailures int) time.Duration {
	initial := time.Duration(config.HealthInitialRecoverySeconds) * time.Second
	max := time.Duration(config.HealthMaxRecoverySeconds) * time.Second

	exponent := math.Floor(float64(consecutiveFailures) / 5)
	scaled := float64(initial) * math.Pow(config.HealthBackoffBase, exponent)
	if scaled > float64(max) {
		return max
	}
	return time.Duration(scaled)
}

// Reset clears a key's circuit back to Closed, used by the admin "reset
// circuit" operation. It does not cancel an in-flight half-open probe
// (documented Open Question decision, see DESIGN.md).
func (m *Monitor) Reset(keyID int) {
	kh := m.entry(keyID)
	kh.mu.Lock()
	defer kh.mu.Unlock()
	kh.state = Closed
	kh.window = nil
	kh.consecutiveFailures = 0
	kh.nextProbeAt = time.Time{}
	kh.halfOpenSuccesses = 0
	kh.halfOpenFailures = 0
	kh.healthScore = 1.0
	m.setCircuitGauge(kh)
}

// PersistToRow copies the in-memory state onto k's persisted health
// fields, used by the executor after each record call so a restart doesn't
// lose circuit state for a key with recent history.
func PersistToRow(m *Monitor, k *model.UpstreamKey) {
	kh := m.entry(k.ID)
	kh.mu.Lock()
	defer kh.mu.Unlock()

	switch kh.state {
	case Closed:
		k.CircuitState = model.CircuitClosed
	case Open:
		k.CircuitState = model.CircuitOpen
	case HalfOpen:
		k.CircuitState = model.CircuitHalfOpen
	}
	k.HealthScore = kh.healthScore
	k.ConsecutiveFailures = kh.consecutiveFailures
	k.HalfOpenSuccesses = kh.halfOpenSuccesses
	k.HalfOpenFailures = kh.halfOpenFailures
	if !kh.nextProbeAt.IsZero() {
		t := kh.nextProbeAt
		k.NextProbeAt = &t
	}
	now := m.clock.Now()
	k.LastOutcomeAt = &now
}
