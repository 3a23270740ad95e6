// Package admission gates attempt dispatch on endpoint/key concurrency
// slots, key/provider RPM windows, and the dynamic affinity-reservation
// ratio, acquiring all of them up front and returning a lease whose
// release is idempotent.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaygate/gateway/internal/adaptive"
	"github.com/relaygate/gateway/internal/clock"
	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/gatewayerr"
	"github.com/relaygate/gateway/internal/health"
	"github.com/relaygate/gateway/internal/metrics"
	"github.com/relaygate/gateway/internal/model"
	"github.com/relaygate/gateway/internal/store"
)

// localCounters is the per-process fallback used only when Redis is
// absent or unreachable; it is not safe across replicas.
type localCounters struct {
	mu       sync.Mutex
	counters map[string]int64
	windows  map[string][]time.Time
}

func newLocalCounters() *localCounters {
	return &localCounters{counters: make(map[string]int64), windows: make(map[string][]time.Time)}
}

func (lc *localCounters) incr(key string) int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.counters[key]++
	return lc.counters[key]
}

func (lc *localCounters) decr(key string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.counters[key] > 0 {
		lc.counters[key]--
	}
}

func (lc *localCounters) get(key string) int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.counters[key]
}

func (lc *localCounters) incrWindow(key string, now time.Time, window time.Duration) int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	cutoff := now.Add(-window)
	events := lc.windows[key]
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	lc.windows[key] = kept
	return int64(len(kept))
}

// Controller is the process-wide admission gate, wired via corectx.
type Controller struct {
	redis    *store.Client
	local    *localCounters
	health   *health.Monitor
	adaptive *adaptive.Learner
	clock    clock.Clock
}

// New constructs a Controller. redis may be a Client with no live
// connection.
func New(redis *store.Client, h *health.Monitor, a *adaptive.Learner, c clock.Clock) *Controller {
	return &Controller{redis: redis, local: newLocalCounters(), health: h, adaptive: a, clock: c}
}

// Lease is returned on successful acquisition; Release MUST be called
// exactly-once-effectively (idempotent) on every exit path.
type Lease struct {
	ctrl     *Controller
	keys     []string
	released bool
	mu       sync.Mutex
}

// Release undoes every slot this lease acquired. Safe to call more than
// once or concurrently; only the first call has effect.
func (l *Lease) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	for _, k := range l.keys {
		l.ctrl.decr(ctx, k)
	}
}

func (c *Controller) decr(ctx context.Context, key string) {
	if c.redis.Enabled() {
		_ = c.redis.Decr(ctx, key)
		return
	}
	c.local.decr(key)
}

func (c *Controller) incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if c.redis.Enabled() {
		return c.redis.IncrWithTTL(ctx, key, ttl)
	}
	return c.local.incr(key), nil
}

func (c *Controller) incrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if c.redis.Enabled() {
		return c.redis.IncrWithTTL(ctx, key, ttl)
	}
	return c.local.incrWindow(key, c.clock.Now(), ttl), nil
}

// CurrentConcurrency returns the live in-flight count for key, used by the
// executor to report the observed concurrency when a concurrent 429 arrives.
func (c *Controller) CurrentConcurrency(ctx context.Context, keyID int) int64 {
	k := fmt.Sprintf("admission:key_conc:%d", keyID)
	if c.redis.Enabled() {
		v, _ := c.redis.Get(ctx, k)
		return v
	}
	return c.local.get(k)
}

// Acquire runs the full acquisition sequence: endpoint slot, key slot
// (honoring the dynamic reservation for non-affine requests), key RPM
// window, provider RPM + monthly quota.
func (c *Controller) Acquire(ctx context.Context, provider *model.Provider, endpoint *model.Endpoint, key *model.UpstreamKey, isAffine bool) (*Lease, error) {
	lease := &Lease{ctrl: c}

	endpointKey := fmt.Sprintf("admission:endpoint_conc:%d", endpoint.ID)
	endpointLimit := endpoint.MaxConcurrent
	if endpointLimit != nil {
		n, err := c.incr(ctx, endpointKey, time.Hour)
		if err != nil {
			lease.Release(ctx)
			return nil, gatewayerr.New(gatewayerr.KindNoCapacity, err, "acquire endpoint slot")
		}
		lease.keys = append(lease.keys, endpointKey)
		if n > int64(*endpointLimit) {
			lease.Release(ctx)
			metrics.AdmissionRejectionsTotal.WithLabelValues("endpoint_concurrency").Inc()
			return nil, gatewayerr.New(gatewayerr.KindNoCapacity, nil, "endpoint at capacity")
		}
	}

	keyConcKey := fmt.Sprintf("admission:key_conc:%d", key.ID)
	effectiveLimit := key.EffectiveConcurrencyLimit(config.AdaptiveColdStartLimit)
	n, err := c.incr(ctx, keyConcKey, time.Hour)
	if err != nil {
		lease.Release(ctx)
		return nil, gatewayerr.New(gatewayerr.KindNoCapacity, err, "acquire key slot")
	}
	lease.keys = append(lease.keys, keyConcKey)
	if n > int64(effectiveLimit) {
		lease.Release(ctx)
		metrics.AdmissionRejectionsTotal.WithLabelValues("key_concurrency").Inc()
		return nil, gatewayerr.New(gatewayerr.KindNoCapacity, nil, "key at capacity")
	}

	if !isAffine {
		ratio := c.ReservationRatio(key, effectiveLimit, int(n))
		reserved := int64(ratio * float64(effectiveLimit))
		if reserved > 0 && n > int64(effectiveLimit)-reserved {
			lease.Release(ctx)
			metrics.AdmissionRejectionsTotal.WithLabelValues("reserved_for_affinity").Inc()
			return nil, gatewayerr.New(gatewayerr.KindNoCapacity, nil, "reserved for affinity")
		}
	}

	keyRPMKey := fmt.Sprintf("admission:key_rpm:%d", key.ID)
	effRPM := effectiveRateLimit(key, endpoint)
	if effRPM > 0 {
		rpmN, err := c.incrWindow(ctx, keyRPMKey, 60*time.Second)
		if err != nil {
			lease.Release(ctx)
			return nil, gatewayerr.New(gatewayerr.KindNoCapacity, err, "acquire key rpm window")
		}
		if rpmN > int64(effRPM) {
			lease.Release(ctx)
			metrics.AdmissionRejectionsTotal.WithLabelValues("key_rpm").Inc()
			return nil, gatewayerr.New(gatewayerr.KindRateLimit, nil, "key rpm exceeded")
		}
	}

	providerRPMKey := fmt.Sprintf("admission:provider_rpm:%d", provider.ID)
	if provider.RPMLimit != nil && *provider.RPMLimit > 0 {
		rpmN, err := c.incrWindow(ctx, providerRPMKey, 60*time.Second)
		if err != nil {
			lease.Release(ctx)
			return nil, gatewayerr.New(gatewayerr.KindNoCapacity, err, "acquire provider rpm window")
		}
		if rpmN > int64(*provider.RPMLimit) {
			lease.Release(ctx)
			metrics.AdmissionRejectionsTotal.WithLabelValues("provider_rpm").Inc()
			return nil, gatewayerr.New(gatewayerr.KindRateLimit, nil, "provider rpm exceeded")
		}
	}

	if provider.BillingType == model.BillingMonthlyQuota && !provider.HasMonthlyQuotaRemaining() {
		lease.Release(ctx)
		metrics.AdmissionRejectionsTotal.WithLabelValues("provider_monthly_quota").Inc()
		return nil, gatewayerr.New(gatewayerr.KindNoCapacity, nil, "provider monthly quota exhausted")
	}

	return lease, nil
}

// effectiveRateLimit returns the key's RPM ceiling, inheriting the
// endpoint's when the key doesn't set its own.
func effectiveRateLimit(key *model.UpstreamKey, endpoint *model.Endpoint) int {
	if key.RateLimit != nil {
		return *key.RateLimit
	}
	return endpoint.EffectiveRateLimit()
}

// ReservationRatio blends phase, confidence, and
// load factor into a reservation ratio r in [r_min, r_max].
func (c *Controller) ReservationRatio(key *model.UpstreamKey, effectiveLimit, currentConcurrency int) float64 {
	if key.LifetimeRequestCount < config.ProbePhaseRequests {
		return config.ProbeReservation
	}

	confidence := c.adaptive.ConfidenceScore(key, c.clock.Now())
	loadFactor := 0.0
	if effectiveLimit > 0 {
		loadFactor = float64(currentConcurrency) / float64(effectiveLimit)
	}

	switch {
	case loadFactor < config.LowLoadThreshold:
		return config.StableMinReservation
	case loadFactor > config.HighLoadThreshold:
		return config.StableMinReservation + confidence*(config.StableMaxReservation-config.StableMinReservation)
	default:
		blended := confidence * loadFactor
		return config.StableMinReservation + blended*(config.StableMaxReservation-config.StableMinReservation)
	}
}

// AcquireHalfOpenProbe reserves the single concurrent half-open probe slot
// for key, reporting whether it was acquired. The returned func does
// nothing: the probe marker is cleared only by the health monitor's
// RecordSuccess/RecordFailure, or when the half-open window lapses and the
// circuit reopens, so an attempt that returns before either record call
// (for example an admission rejection) leaves the marker set until then.
// Call this before Acquire when health.Status(key.ID) == HalfOpen.
func (c *Controller) AcquireHalfOpenProbe(ctx context.Context, key *model.UpstreamKey) (bool, func()) {
	if !c.health.AcquireProbe(key.ID) {
		return false, func() {}
	}
	return true, func() {
		// health.Monitor clears halfOpenInFlight itself on RecordSuccess/
		// RecordFailure; nothing is released here.
	}
}
