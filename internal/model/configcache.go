// Package model's configcache.go fronts the hot (provider, endpoint, key)
// reads the candidate planner issues on every request with an in-process
// TTL cache, the same cache-fronting-a-store idiom as internal/affinity's
// L1 and internal/cache.LRU, but using patrickmn/go-cache directly rather
// than the generic
// clock-injectable LRU (those rows are mutated by admin actions outside
// this process's control, so a short wall-clock TTL is the right
// invalidation story, not a request-driven eviction policy).
package model

import (
	"fmt"
	"time"

	"github.com/Laisky/errors/v2"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// configCacheTTL bounds how stale a planner's view of providers/endpoints/
// keys can be after an admin edit; short enough that operators don't
// perceive a delay, long enough to absorb the planner's per-request burst
// of identical lookups.
const configCacheTTL = 5 * time.Second

var (
	configCache = gocache.New(configCacheTTL, 2*configCacheTTL)
	configGroup singleflight.Group
)

// InvalidateConfigCache drops every cached row, called by the admin
// surface after any write to Provider/Endpoint/UpstreamKey.
func InvalidateConfigCache() {
	configCache.Flush()
}

// CachedListActiveProviders is ListActiveProviders fronted by the config
// cache, deduplicating concurrent cache-miss reloads via singleflight so a
// burst of concurrent requests after a TTL expiry issues one query, not N.
func CachedListActiveProviders() ([]*Provider, error) {
	const key = "providers:active"
	if v, ok := configCache.Get(key); ok {
		return v.([]*Provider), nil
	}
	v, err, _ := configGroup.Do(key, func() (any, error) {
		providers, err := ListActiveProviders()
		if err != nil {
			return nil, err
		}
		configCache.SetDefault(key, providers)
		return providers, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "cached list active providers")
	}
	return v.([]*Provider), nil
}

// CachedListActiveEndpointsForProvider is ListActiveEndpointsForProvider
// fronted by the config cache.
func CachedListActiveEndpointsForProvider(providerID int) ([]*Endpoint, error) {
	key := fmt.Sprintf("endpoints:provider:%d", providerID)
	if v, ok := configCache.Get(key); ok {
		return v.([]*Endpoint), nil
	}
	v, err, _ := configGroup.Do(key, func() (any, error) {
		endpoints, err := ListActiveEndpointsForProvider(providerID)
		if err != nil {
			return nil, err
		}
		configCache.SetDefault(key, endpoints)
		return endpoints, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cached list endpoints for provider %d", providerID)
	}
	return v.([]*Endpoint), nil
}

// CachedListActiveKeysForEndpoint is ListActiveKeysForEndpoint fronted by
// the config cache.
func CachedListActiveKeysForEndpoint(endpointID int) ([]*UpstreamKey, error) {
	key := fmt.Sprintf("keys:endpoint:%d", endpointID)
	if v, ok := configCache.Get(key); ok {
		return v.([]*UpstreamKey), nil
	}
	v, err, _ := configGroup.Do(key, func() (any, error) {
		keys, err := ListActiveKeysForEndpoint(endpointID)
		if err != nil {
			return nil, err
		}
		configCache.SetDefault(key, keys)
		return keys, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cached list keys for endpoint %d", endpointID)
	}
	return v.([]*UpstreamKey), nil
}
