// Package executor performs, for one candidate, one upstream call,
// classifies its outcome into the AttemptOutcome sum type, and drives the
// fallback loop across a planned candidate list.
package executor

import (
	"github.com/relaygate/gateway/internal/adaptor/protocol"
	"github.com/relaygate/gateway/internal/gatewayerr"
)

// OutcomeClass classifies one upstream attempt, plus the
// executor-level NoCapacity sentinel used when no attempt could even be
// dispatched (empty candidate list or every candidate admission-rejected).
type OutcomeClass string

const (
	Success             OutcomeClass = "SUCCESS"
	ClientErrorTerminal OutcomeClass = "CLIENT_ERROR_TERMINAL"
	AuthError           OutcomeClass = "AUTH_ERROR"
	RateLimit           OutcomeClass = "RATE_LIMIT"
	Timeout             OutcomeClass = "TIMEOUT"
	NetworkError        OutcomeClass = "NETWORK_ERROR"
	CapabilityUpgrade   OutcomeClass = "CAPABILITY_UPGRADE"
	EmptyStream         OutcomeClass = "EMPTY_STREAM"
	EmbeddedError       OutcomeClass = "EMBEDDED_ERROR"
	NoCapacity          OutcomeClass = "NO_CAPACITY"
)

// RateLimitReason narrows a RATE_LIMIT outcome for the adaptive learner.
type RateLimitReason string

const (
	ReasonConcurrent RateLimitReason = "concurrent_429"
	ReasonRPM        RateLimitReason = "rpm_429"
	ReasonGeneric    RateLimitReason = "generic_429"
)

// AttemptOutcome is the result of classifying one attempt (or, for
// NoCapacity, of finding nothing to attempt at all).
type AttemptOutcome struct {
	Class           OutcomeClass
	Retriable       bool
	StatusCode      int
	RateLimitReason RateLimitReason
	ErrorMessage    string
	NewCapability   string // set only when Class == CapabilityUpgrade
	Usage           protocol.TokenUsage
}

// BreaksLoop reports whether this outcome must stop the fallback loop
// immediately rather than advancing to the next candidate.
func (o AttemptOutcome) BreaksLoop() bool {
	return o.Class == ClientErrorTerminal || o.Class == Success
}

// IsUpstreamFailure reports whether the health monitor should be fed a
// failure for
// this outcome. CapabilityUpgrade is deliberately excluded: it reflects a
// missing capability on the tried key, not upstream unhealthiness.
func (o AttemptOutcome) IsUpstreamFailure() bool {
	switch o.Class {
	case Success, CapabilityUpgrade, NoCapacity:
		return false
	default:
		return true
	}
}

// ToGatewayErr renders a terminal (non-success) outcome as the
// client-facing error taxonomy.
func (o AttemptOutcome) ToGatewayErr() *gatewayerr.Error {
	switch o.Class {
	case ClientErrorTerminal:
		return gatewayerr.New(gatewayerr.KindUpstreamClientError, nil, "%s", o.ErrorMessage).WithUpstreamStatus(o.StatusCode)
	case AuthError:
		return gatewayerr.New(gatewayerr.KindUpstreamUnavailable, nil, "all candidates exhausted, last failure: auth error")
	case RateLimit:
		return gatewayerr.New(gatewayerr.KindUpstreamUnavailable, nil, "all candidates exhausted, last failure: rate limited")
	case Timeout:
		return gatewayerr.New(gatewayerr.KindTimeout, nil, "all candidates exhausted, last failure: timeout")
	case NoCapacity:
		return gatewayerr.New(gatewayerr.KindNoCapacity, nil, "no eligible candidate had available capacity")
	default:
		return gatewayerr.New(gatewayerr.KindUpstreamUnavailable, nil, "all candidates exhausted, last failure: %s", o.Class)
	}
}
