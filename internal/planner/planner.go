// Package planner produces, for a resolved request and the caller's
// client-key, an ordered, filtered list of (provider, endpoint, key)
// candidates honouring model aliasing, per-key/user/client-key
// allow-lists, capability matching, health/circuit state, and
// cache-affinity hoisting.
package planner

import (
	"context"
	"sort"

	"github.com/Laisky/errors/v2"

	"github.com/relaygate/gateway/internal/adaptor"
	"github.com/relaygate/gateway/internal/adaptor/protocol"
	"github.com/relaygate/gateway/internal/affinity"
	"github.com/relaygate/gateway/internal/health"
	"github.com/relaygate/gateway/internal/model"
)

// ReasonCode documents why a candidate was included/ordered the way it was.
type ReasonCode string

const (
	ReasonDefault  ReasonCode = ""
	ReasonAffinity ReasonCode = "AFFINITY"
)

// Candidate is the ephemeral per-request dispatch tuple, discarded after
// the request reaches a terminal outcome.
type Candidate struct {
	Provider      *model.Provider
	Endpoint      *model.Endpoint
	Key           *model.UpstreamKey
	GlobalModelID int
	TargetModel   string // provider-side model name to substitute into the body; "" means unchanged
	Reason        ReasonCode
}

// Planner is the process-wide candidate planner, wired via corectx.
type Planner struct {
	health   *health.Monitor
	affinity *affinity.Manager
}

// New constructs a Planner.
func New(h *health.Monitor, aff *affinity.Manager) *Planner {
	return &Planner{health: h, affinity: aff}
}

// Plan builds the ordered candidate list for one inbound request.
func (p *Planner) Plan(ctx context.Context, rr *protocol.ResolvedRequest, clientKey *model.ApiKey, user *model.User) ([]Candidate, error) {
	providers, err := model.CachedListActiveProviders()
	if err != nil {
		return nil, errors.Wrap(err, "list active providers")
	}

	var candidates []Candidate
	for _, provider := range providers {
		if !provider.HasMonthlyQuotaRemaining() {
			continue
		}
		if clientKey != nil && !clientKey.AllowsProvider(provider.Name) {
			continue
		}
		if user != nil && !user.AllowsProvider(provider.Name) {
			continue
		}

		globalModelID, targetModel, ok := resolveTarget(provider, rr.ModelRequested)
		if !ok {
			continue
		}

		endpoints, err := model.CachedListActiveEndpointsForProvider(provider.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "list endpoints for provider %d", provider.ID)
		}
		for _, endpoint := range endpoints {
			if !model.IsCompatibleFormat(endpoint.APIFormat, rr.APIFormat) {
				continue
			}
			if clientKey != nil && !clientKey.AllowsAPIFormat(string(endpoint.APIFormat)) {
				continue
			}

			keys, err := model.CachedListActiveKeysForEndpoint(endpoint.ID)
			if err != nil {
				return nil, errors.Wrapf(err, "list keys for endpoint %d", endpoint.ID)
			}
			for _, key := range keys {
				if !eligibleKey(key, clientKey, user, rr) {
					continue
				}
				if !p.health.IsAllowed(key.ID) {
					continue
				}
				candidates = append(candidates, Candidate{
					Provider:      provider,
					Endpoint:      endpoint,
					Key:           key,
					GlobalModelID: globalModelID,
					TargetModel:   targetModel,
				})
			}
		}
	}

	sortCandidates(candidates, p.health)
	p.hoistAffinity(ctx, &candidates, clientKey, rr)

	return candidates, nil
}

// resolveTarget resolves a provider-scoped or
// global alias (model.ResolveAlias already encodes "provider-scoped wins"),
// falling back to treating the requested name as a GlobalModel identity.
// Returns ok=false when the provider has no active Model for the resolved
// global model.
func resolveTarget(provider *model.Provider, requestedModel string) (globalModelID int, targetModel string, ok bool) {
	globalModelID = 0

	mapping, err := model.ResolveAlias(requestedModel, provider.ID)
	if err == nil && mapping != nil {
		globalModelID = mapping.TargetGlobalModelID
	} else {
		g, err := model.GetGlobalModelByName(requestedModel)
		if err != nil {
			return 0, "", false
		}
		globalModelID = g.ID
	}

	impl, err := model.GetActiveModel(provider.ID, globalModelID)
	if err != nil {
		return 0, "", false
	}
	return globalModelID, impl.ProviderModelName, true
}

// eligibleKey applies the allow-list and capability clauses of
// eligibility. key.IsActive is already enforced by
// ListActiveKeysForEndpoint's query.
func eligibleKey(key *model.UpstreamKey, clientKey *model.ApiKey, user *model.User, rr *protocol.ResolvedRequest) bool {
	if clientKey != nil && !clientKey.AllowsModel(rr.ModelRequested) {
		return false
	}
	if user != nil && !user.AllowsModel(rr.ModelRequested) {
		return false
	}
	if !key.AllowsModel(rr.ModelRequested) {
		return false
	}

	keyCaps := make(map[string]bool)
	for _, def := range adaptor.AllCapabilities() {
		if key.HasCapability(def.Name) {
			keyCaps[def.Name] = true
		}
	}
	ok, _ := adaptor.MatchesKeyCapabilities(rr.Requirements, keyCaps)
	return ok
}

// sortCandidates orders ascending by
// (provider.priority, -key.health_score, key.id), deterministic (no
// shuffling).
func sortCandidates(candidates []Candidate, h *health.Monitor) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Provider.Priority != b.Provider.Priority {
			return a.Provider.Priority < b.Provider.Priority
		}
		sa, sb := h.HealthScore(a.Key.ID), h.HealthScore(b.Key.ID)
		if sa != sb {
			return sa > sb
		}
		return a.Key.ID < b.Key.ID
	})
}

// hoistAffinity applies affinity stickiness: if an
// affinity record matches and its target is still present in candidates,
// move it to the front and annotate it AFFINITY.
func (p *Planner) hoistAffinity(ctx context.Context, candidates *[]Candidate, clientKey *model.ApiKey, rr *protocol.ResolvedRequest) {
	if clientKey == nil || p.affinity == nil {
		return
	}
	entry, ok := p.affinity.Lookup(ctx, clientKey.ID, rr.APIFormat, rr.ModelRequested)
	if !ok {
		return
	}

	list := *candidates
	for i, c := range list {
		if c.Provider.ID == entry.Target.ProviderID && c.Endpoint.ID == entry.Target.EndpointID && c.Key.ID == entry.Target.UpstreamKeyID {
			if i == 0 {
				list[0].Reason = ReasonAffinity
				return
			}
			hoisted := list[i]
			hoisted.Reason = ReasonAffinity
			copy(list[1:i+1], list[0:i])
			list[0] = hoisted
			*candidates = list
			return
		}
	}
}
