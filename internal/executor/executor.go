package executor

import (
	"context"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/relaygate/gateway/internal/adaptive"
	"github.com/relaygate/gateway/internal/adaptor"
	"github.com/relaygate/gateway/internal/adaptor/protocol"
	"github.com/relaygate/gateway/internal/admission"
	"github.com/relaygate/gateway/internal/affinity"
	"github.com/relaygate/gateway/internal/clock"
	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/health"
	"github.com/relaygate/gateway/internal/httpclient"
	"github.com/relaygate/gateway/internal/logger"
	"github.com/relaygate/gateway/internal/model"
	"github.com/relaygate/gateway/internal/planner"
	"github.com/relaygate/gateway/internal/secret"
)

// Executor drives the fallback loop across a planned
// candidate list, one instance shared across the process (wired via
// corectx).
type Executor struct {
	health     *health.Monitor
	adaptive   *adaptive.Learner
	admission  *admission.Controller
	affinity   *affinity.Manager
	planner    *planner.Planner
	httpClient *http.Client
	clock      clock.Clock
}

// New constructs an Executor.
func New(h *health.Monitor, a *adaptive.Learner, ac *admission.Controller, aff *affinity.Manager, pl *planner.Planner, httpClient *http.Client, c clock.Clock) *Executor {
	return &Executor{health: h, adaptive: a, admission: ac, affinity: aff, planner: pl, httpClient: httpClient, clock: c}
}

// Result is what the HTTP layer needs after Run returns: the last attempt's
// outcome (carrying the usage figures to hand to the Cost Accountant), the
// candidate it ran on (nil on total failure), and the attempt count.
type Result struct {
	Outcome      AttemptOutcome
	Candidate    *planner.Candidate
	AttemptCount int
}

const maxCapabilityUpgrades = 2 // bounds the CAPABILITY_UPGRADE replan loop

// Run is the fallback loop: it walks candidates, retrying
// on any retriable class and re-planning on CAPABILITY_UPGRADE, until a
// SUCCESS or CLIENT_ERROR_TERMINAL breaks the loop or candidates are
// exhausted. On SUCCESS, it has already streamed/copied the response body
// to w via the matching FormatAdapter.
func (e *Executor) Run(ctx context.Context, w http.ResponseWriter, rr *protocol.ResolvedRequest, requestID string, candidates []planner.Candidate, clientKey *model.ApiKey, user *model.User) (*Result, error) {
	var last AttemptOutcome
	upgrades := 0

	if len(candidates) == 0 {
		return &Result{Outcome: AttemptOutcome{Class: NoCapacity}}, nil
	}

	i := 0
	for i < len(candidates) {
		cand := candidates[i]

		outcome, err := e.attempt(ctx, w, rr, requestID, &cand, clientKey)
		if err != nil {
			return nil, err
		}
		last = outcome

		if outcome.Class == Success {
			return &Result{Outcome: outcome, Candidate: &cand, AttemptCount: i + 1}, nil
		}
		if outcome.Class == ClientErrorTerminal {
			return &Result{Outcome: outcome, Candidate: &cand, AttemptCount: i + 1}, nil
		}

		if outcome.Class == CapabilityUpgrade && upgrades < maxCapabilityUpgrades && e.planner != nil {
			upgrades++
			rr2 := *rr
			rr2.Requirements = rr.Requirements.Clone()
			rr2.Requirements[outcome.NewCapability] = true
			replanned, err := e.planner.Plan(ctx, &rr2, clientKey, user)
			if err != nil {
				return nil, errors.Wrap(err, "replan after capability upgrade")
			}
			*rr = rr2
			candidates = replanned
			i = 0
			continue
		}

		i++
	}

	return &Result{Outcome: last, AttemptCount: len(candidates)}, nil
}

// attempt performs one upstream call on a single candidate.
func (e *Executor) attempt(ctx context.Context, w http.ResponseWriter, rr *protocol.ResolvedRequest, requestID string, cand *planner.Candidate, clientKey *model.ApiKey) (AttemptOutcome, error) {
	format, ok := adaptor.For(cand.Endpoint.APIFormat)
	if !ok {
		return AttemptOutcome{}, errors.Errorf("no adapter registered for api_format %s", cand.Endpoint.APIFormat)
	}

	isAffine := cand.Reason == planner.ReasonAffinity
	if e.health.Status(cand.Key.ID) == health.HalfOpen {
		acquired, release := e.admission.AcquireHalfOpenProbe(ctx, cand.Key)
		if !acquired {
			return AttemptOutcome{Class: RateLimit, Retriable: true, ErrorMessage: "half-open probe slot busy"}, nil
		}
		defer release()
	}

	lease, err := e.admission.Acquire(ctx, cand.Provider, cand.Endpoint, cand.Key, isAffine)
	if err != nil {
		return AttemptOutcome{Class: NoCapacity, ErrorMessage: err.Error()}, nil
	}
	defer lease.Release(ctx)

	plaintextKey, err := secret.Decrypt(cand.Key.APIKey)
	if err != nil {
		return AttemptOutcome{}, errors.Wrap(err, "decrypt upstream key")
	}

	upstreamReq, err := format.BuildUpstreamRequest(rr, cand.Endpoint.BaseURL, plaintextKey, cand.TargetModel)
	if err != nil {
		return AttemptOutcome{}, errors.Wrap(err, "build upstream request")
	}

	attemptRow := &model.Attempt{
		RequestID:  requestID,
		ProviderID: cand.Provider.ID,
		EndpointID: cand.Endpoint.ID,
		KeyID:      cand.Key.ID,
		Status:     model.AttemptStarted,
	}
	startedAt := e.clock.Now()
	attemptRow.StartedAt = &startedAt
	if err := model.CreateAttempt(attemptRow); err != nil {
		return AttemptOutcome{}, errors.Wrap(err, "create attempt row")
	}

	attemptCtx := ctx
	var cancel context.CancelFunc
	if cand.Endpoint.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, cand.Endpoint.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, upstreamReq.Method, upstreamReq.URL, bytesReader(upstreamReq.Body))
	if err != nil {
		return AttemptOutcome{}, errors.Wrap(err, "build http request")
	}
	httpReq.Header = upstreamReq.Header

	resp, doErr := e.httpClient.Do(httpReq)
	latencyMS := time.Since(startedAt).Milliseconds()

	if doErr != nil {
		outcome := classifyTransportError(doErr)
		e.finishFailure(ctx, attemptRow, cand, outcome, latencyMS, rr, clientKey, isAffine)
		return outcome, nil
	}

	var outcome AttemptOutcome
	if rr.IsStream {
		outcome = e.classifyStreamingResponse(resp, cand.Endpoint.APIFormat)
	} else {
		body, readErr := bufferBody(resp.Body)
		if readErr != nil {
			outcome = AttemptOutcome{Class: NetworkError, Retriable: true, ErrorMessage: readErr.Error()}
		} else {
			resp.Body = nopReadCloser{bytesReaderCloser(body)}
			outcome = classifyResponse(resp.StatusCode, body, cand.Endpoint.APIFormat)
		}
	}

	if outcome.Class != Success {
		protocol.DrainBody(resp.Body)
		e.finishFailure(ctx, attemptRow, cand, outcome, latencyMS, rr, clientKey, isAffine)
		return outcome, nil
	}

	usage, copyErr := format.CopyResponse(w, resp, rr.IsStream)
	if copyErr != nil {
		logger.Error("error copying upstream response", zap.String("request_id", requestID), zap.Error(copyErr))
	}
	outcome.Usage = usage

	e.finishSuccess(ctx, attemptRow, cand, latencyMS)
	if e.affinity != nil && clientKey != nil {
		target := affinity.Target{ProviderID: cand.Provider.ID, EndpointID: cand.Endpoint.ID, UpstreamKeyID: cand.Key.ID}
		if err := e.affinity.Record(ctx, clientKey.ID, rr.APIFormat, rr.ModelRequested, target); err != nil {
			logger.Error("record affinity", zap.Error(err))
		}
	}

	return outcome, nil
}

// classifyStreamingResponse shares the non-streaming classification
// logic for the 2xx case, adding the EMPTY_STREAM peek. Non-2xx streaming responses are small JSON error
// bodies in practice, so they are buffered and classified exactly like the
// non-streaming path.
func (e *Executor) classifyStreamingResponse(resp *http.Response, apiFormat model.ApiFormat) AttemptOutcome {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, err := bufferBody(resp.Body)
		if err != nil {
			return AttemptOutcome{Class: NetworkError, Retriable: true, ErrorMessage: err.Error()}
		}
		resp.Body = nopReadCloser{bytesReaderCloser(body)}
		return classifyResponse(resp.StatusCode, body, apiFormat)
	}

	empty, err := peekStreamForEmptiness(resp)
	if err != nil {
		return AttemptOutcome{Class: NetworkError, Retriable: true, ErrorMessage: err.Error()}
	}
	if empty {
		return AttemptOutcome{Class: EmptyStream, Retriable: true, StatusCode: resp.StatusCode}
	}
	return AttemptOutcome{Class: Success, StatusCode: resp.StatusCode}
}

func (e *Executor) finishFailure(ctx context.Context, a *model.Attempt, cand *planner.Candidate, outcome AttemptOutcome, latencyMS int64, rr *protocol.ResolvedRequest, clientKey *model.ApiKey, isAffine bool) {
	finishedAt := e.clock.Now()
	code := outcome.StatusCode
	var codePtr *int
	if code != 0 {
		codePtr = &code
	}
	if err := model.FinishAttempt(a.ID, model.AttemptFailed, codePtr, latencyMS, string(outcome.Class), outcome.ErrorMessage, finishedAt); err != nil {
		logger.Error("finish attempt", zap.Error(err))
	}

	if !outcome.IsUpstreamFailure() {
		return
	}

	e.health.RecordFailure(cand.Key.ID)
	health.PersistToRow(e.health, cand.Key)
	if err := model.SaveHealthState(model.DB, cand.Key); err != nil {
		logger.Error("persist health state", zap.Error(err))
	}

	if cand.Key.IsAdaptive() {
		if outcome.Class == RateLimit && outcome.RateLimitReason == ReasonConcurrent {
			current := int(e.admission.CurrentConcurrency(ctx, cand.Key.ID))
			e.adaptive.RecordConcurrent429(cand.Key, current, e.clock.Now())
		} else if outcome.Class == RateLimit && outcome.RateLimitReason == ReasonRPM {
			e.adaptive.RecordRPM429(cand.Key, e.clock.Now())
		}
		e.adaptive.PersistToRow(cand.Key)
		if err := model.SaveAdaptiveState(model.DB, cand.Key); err != nil {
			logger.Error("persist adaptive state", zap.Error(err))
		}
	}

	// Circuit-opened and non-retriable-failure invalidation both only
	// apply to the affinity entry that routed this request here in the
	// first place.
	justOpened := e.health.Status(cand.Key.ID) == health.Open
	if e.affinity != nil && clientKey != nil && isAffine && (justOpened || outcome.Class == ClientErrorTerminal) {
		if err := e.affinity.Invalidate(ctx, clientKey.ID, rr.APIFormat, rr.ModelRequested); err != nil {
			logger.Error("invalidate affinity", zap.Error(err))
		}
	}
}

func (e *Executor) finishSuccess(ctx context.Context, a *model.Attempt, cand *planner.Candidate, latencyMS int64) {
	finishedAt := e.clock.Now()
	code := http.StatusOK
	if err := model.FinishAttempt(a.ID, model.AttemptSuccess, &code, latencyMS, "", "", finishedAt); err != nil {
		logger.Error("finish attempt", zap.Error(err))
	}

	e.health.RecordSuccess(cand.Key.ID)
	health.PersistToRow(e.health, cand.Key)
	if err := model.SaveHealthState(model.DB, cand.Key); err != nil {
		logger.Error("persist health state", zap.Error(err))
	}

	if cand.Key.IsAdaptive() {
		e.adaptive.RecordSuccessAtCeiling(cand.Key, config.AdaptiveColdStartLimit)
		e.adaptive.PersistToRow(cand.Key)
		if err := model.SaveAdaptiveState(model.DB, cand.Key); err != nil {
			logger.Error("persist adaptive state", zap.Error(err))
		}
	}
}

func classifyTransportError(err error) AttemptOutcome {
	if httpclient.IsTimeout(err) {
		return AttemptOutcome{Class: Timeout, Retriable: true, ErrorMessage: err.Error()}
	}
	return AttemptOutcome{Class: NetworkError, Retriable: true, ErrorMessage: err.Error()}
}
