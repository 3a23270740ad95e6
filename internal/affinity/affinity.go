// Package affinity implements cache-affinity stickiness of (client-key,
// api_format, model) -> (provider, endpoint, upstream-key) with a
// sliding TTL, backed by an L1 in-process LRU fronting the shared Redis
// store (L2).
package affinity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/clock"
	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/model"
	"github.com/relaygate/gateway/internal/store"
)

// Target is the upstream triple an affinity record points to.
type Target struct {
	ProviderID    int `json:"provider_id"`
	EndpointID    int `json:"endpoint_id"`
	UpstreamKeyID int `json:"upstream_key_id"`
}

// Entry is the value stored per affinity key.
type Entry struct {
	Target       Target    `json:"target"`
	CreatedAt    time.Time `json:"created_at"`
	ExpireAt     time.Time `json:"expire_at"`
	RequestCount int64     `json:"request_count"`
}

// Manager is the process-wide affinity tracker, wired via corectx.
type Manager struct {
	redis *store.Client
	l1    *cache.LRU[string, Entry]
	clock clock.Clock

	// localIndex maps provider_id -> set of affinity keys currently
	// pointing at it, used by InvalidateProvider. This index is
	// process-local even when Redis backs the entries themselves.
	mu         sync.Mutex
	localIndex map[int]map[string]bool
}

// New constructs a Manager with an L1 TTL of config.CacheAffinityL1TTL and
// an L1 capacity of config.CacheAffinityL1MaxSize.
func New(redis *store.Client, c clock.Clock) *Manager {
	return &Manager{
		redis:      redis,
		l1:         cache.New[string, Entry](config.CacheAffinityL1MaxSize, config.CacheAffinityL1TTL, c),
		clock:      c,
		localIndex: make(map[int]map[string]bool),
	}
}

func affinityKey(clientKeyID int, apiFormat model.ApiFormat, modelName string) string {
	return fmt.Sprintf("affinity:%d:%s:%s", clientKeyID, apiFormat, modelName)
}

// Lookup returns the still-live affinity record, if any, for
// (clientKeyID, apiFormat, modelName), checking L1 before falling through
// to the shared store.
func (m *Manager) Lookup(ctx context.Context, clientKeyID int, apiFormat model.ApiFormat, modelName string) (Entry, bool) {
	key := affinityKey(clientKeyID, apiFormat, modelName)

	if e, ok := m.l1.Get(key); ok {
		if m.clock.Now().Before(e.ExpireAt) {
			return e, true
		}
		m.l1.Delete(key)
		return Entry{}, false
	}

	if !m.redis.Enabled() {
		return Entry{}, false
	}

	raw, err := m.redis.GetJSON(ctx, key)
	if err != nil || raw == nil {
		return Entry{}, false
	}
	var e Entry
	if json.Unmarshal(raw, &e) != nil {
		return Entry{}, false
	}
	if m.clock.Now().After(e.ExpireAt) {
		return Entry{}, false
	}
	m.l1.Set(key, e)
	return e, true
}

// Record writes or refreshes the affinity for (clientKeyID, apiFormat,
// modelName) to target, resetting the sliding TTL and incrementing request_count.
func (m *Manager) Record(ctx context.Context, clientKeyID int, apiFormat model.ApiFormat, modelName string, target Target) error {
	key := affinityKey(clientKeyID, apiFormat, modelName)
	now := m.clock.Now()

	existing, _ := m.Lookup(ctx, clientKeyID, apiFormat, modelName)
	requestCount := existing.RequestCount + 1
	createdAt := existing.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	entry := Entry{
		Target:       target,
		CreatedAt:    createdAt,
		ExpireAt:     now.Add(config.CacheAffinityDefaultTTL),
		RequestCount: requestCount,
	}

	m.l1.Set(key, entry)
	m.trackIndex(target.ProviderID, key)

	if !m.redis.Enabled() {
		return nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal affinity entry")
	}
	if err := m.redis.SetJSON(ctx, key, raw, config.CacheAffinityDefaultTTL); err != nil {
		return errors.Wrap(err, "write affinity entry")
	}
	return nil
}

// Invalidate drops the affinity record, used on a non-retriable attempt
// failure for the matching candidate.
func (m *Manager) Invalidate(ctx context.Context, clientKeyID int, apiFormat model.ApiFormat, modelName string) error {
	key := affinityKey(clientKeyID, apiFormat, modelName)
	m.l1.Delete(key)
	m.untrackIndex(key)
	if !m.redis.Enabled() {
		return nil
	}
	return errors.Wrap(m.redis.Delete(ctx, key), "delete affinity entry")
}

// InvalidateCircuitOpen is invalidation reason (b): the target key's
// circuit opened. Callers pass the same (clientKeyID, apiFormat, model)
// tuple whose affinity currently points at that key.
func (m *Manager) InvalidateCircuitOpen(ctx context.Context, clientKeyID int, apiFormat model.ApiFormat, modelName string) error {
	return m.Invalidate(ctx, clientKeyID, apiFormat, modelName)
}

// InvalidateProvider purges every affinity this process knows points at
// providerID, used on provider deactivation.
func (m *Manager) InvalidateProvider(ctx context.Context, providerID int) {
	m.mu.Lock()
	keys := m.localIndex[providerID]
	delete(m.localIndex, providerID)
	m.mu.Unlock()

	for key := range keys {
		m.l1.Delete(key)
		if m.redis.Enabled() {
			_ = m.redis.Delete(ctx, key)
		}
	}
}

func (m *Manager) trackIndex(providerID int, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.localIndex[providerID]
	if !ok {
		set = make(map[string]bool)
		m.localIndex[providerID] = set
	}
	set[key] = true
}

func (m *Manager) untrackIndex(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, set := range m.localIndex {
		delete(set, key)
	}
}
