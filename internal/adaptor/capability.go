package adaptor

import (
	"strings"

	"github.com/relaygate/gateway/internal/adaptor/protocol"
)

// MatchMode is a capability's filtering behavior.
type MatchMode string

const (
	// Exclusive capabilities (e.g. cache_1h) are opt-in per request: a key
	// that advertises one is filtered out unless the request actually asked
	// for it, to avoid paying a premium nobody requested.
	Exclusive MatchMode = "exclusive"

	// Compatible capabilities (e.g. context_1m) only constrain candidates
	// when the request demands them; otherwise any key is eligible.
	Compatible MatchMode = "compatible"
)

// CapabilityDef is one entry of the static capability registry.
type CapabilityDef struct {
	Name          string
	DisplayName   string
	MatchMode     MatchMode
	ErrorPatterns []string // all must appear (case-insensitively) in an upstream error for CAPABILITY_UPGRADE to add this capability
}

// capabilityRegistry is initialized at boot and never mutated afterward.
var capabilityRegistry = map[string]CapabilityDef{
	"context_1m": {
		Name:          "context_1m",
		DisplayName:   "1M context window",
		MatchMode:     Compatible,
		ErrorPatterns: []string{"context", "token", "length", "exceed"},
	},
	"cache_1h": {
		Name:        "cache_1h",
		DisplayName: "1 hour prompt cache TTL",
		MatchMode:   Exclusive,
	},
}

// LookupCapability returns the definition for name, or false if the name is
// unknown. Unknown capability names are ignored by matching.
func LookupCapability(name string) (CapabilityDef, bool) {
	def, ok := capabilityRegistry[name]
	return def, ok
}

// AllCapabilities returns every registered capability definition.
func AllCapabilities() []CapabilityDef {
	out := make([]CapabilityDef, 0, len(capabilityRegistry))
	for _, def := range capabilityRegistry {
		out = append(out, def)
	}
	return out
}

// MatchesKeyCapabilities reports whether a key satisfies req: req is the
// requirement bag (name -> bool, absent = unset), keyCaps is the set of
// capability names the candidate key advertises as true.
func MatchesKeyCapabilities(req protocol.Requirements, keyCaps map[string]bool) (ok bool, failedReason string) {
	for name, def := range capabilityRegistry {
		wantTrue, isSet := req.Get(name)
		keyHas := keyCaps[name]

		switch def.MatchMode {
		case Exclusive:
			// Requirement true => key must advertise it. Requirement unset
			// or false => key must NOT advertise it (avoid waste).
			if isSet && wantTrue {
				if !keyHas {
					return false, "missing required capability " + name
				}
				continue
			}
			if keyHas {
				return false, "avoid waste"
			}
		case Compatible:
			if isSet && wantTrue && !keyHas {
				return false, "missing required capability " + name
			}
		}
	}
	return true, ""
}

// DetectCapabilityUpgrade detects recoverable capability errors: an
// upstream error message matching all keywords of a
// known capability's error_patterns triggers adding that capability to the
// requirement bag and re-planning.
func DetectCapabilityUpgrade(errMsg string) (string, bool) {
	lower := strings.ToLower(errMsg)
	for name, def := range capabilityRegistry {
		if len(def.ErrorPatterns) == 0 {
			continue
		}
		allMatch := true
		for _, kw := range def.ErrorPatterns {
			if !strings.Contains(lower, strings.ToLower(kw)) {
				allMatch = false
				break
			}
		}
		if allMatch {
			return name, true
		}
	}
	return "", false
}
