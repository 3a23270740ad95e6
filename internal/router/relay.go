// Package router mounts the core's external HTTP surface as nested gin
// Groups with per-group middleware chains, split into relay, admin, and
// health trees.
package router

import (
	"context"
	"io"
	"net/http"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relaygate/gateway/internal/adaptor"
	"github.com/relaygate/gateway/internal/adaptor/protocol"
	"github.com/relaygate/gateway/internal/billing"
	"github.com/relaygate/gateway/internal/corectx"
	"github.com/relaygate/gateway/internal/executor"
	"github.com/relaygate/gateway/internal/gatewayerr"
	"github.com/relaygate/gateway/internal/logger"
	"github.com/relaygate/gateway/internal/metrics"
	"github.com/relaygate/gateway/internal/middleware"
	"github.com/relaygate/gateway/internal/model"
	"github.com/relaygate/gateway/internal/tokencount"
	"github.com/relaygate/gateway/internal/tracing"
)

// preflightPricePerMillion is the conservative per-million-input-token
// price used only for the pre-flight balance floor, before the candidate (and its real price tier) is
// even known. It deliberately over-estimates: the real debit at Finalize
// always supersedes it.
const preflightPricePerMillion = 15.0

// relayHandler returns a gin.HandlerFunc that resolves, plans, and executes
// one inbound request against format, the fixed ApiFormat the mounted route
// speaks.
func relayHandler(cc *corectx.CoreContext, format model.ApiFormat) gin.HandlerFunc {
	return relayHandlerFor(cc, format, false)
}

// countTokensHandler mounts `POST /v1/messages/count_tokens`,
// the Claude token-counter passthrough: same resolve/plan/execute pipeline
// as a normal Claude relay, just routed to the provider's count_tokens
// path instead of its generation path.
func countTokensHandler(cc *corectx.CoreContext) gin.HandlerFunc {
	return relayHandlerFor(cc, model.FormatClaude, true)
}

func relayHandlerFor(cc *corectx.CoreContext, format model.ApiFormat, countTokens bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			middleware.AbortWithGatewayError(c, gatewayerr.New(gatewayerr.KindInvalidRequest, err, "read request body"))
			return
		}

		clientKey := middleware.ClientKeyFromContext(c)
		user := middleware.UserFromContext(c)

		_, gerr := runRelayOpts(c.Request.Context(), cc, c.Writer, format, c.Request, body, clientKey, user, countTokens)
		if gerr != nil {
			middleware.AbortWithGatewayError(c, gerr)
		}
	}
}

// runRelay implements the shared resolve/plan/execute/bill pipeline behind
// every wire-format route, parameterized over the destination
// http.ResponseWriter so the websocket bridge of responses_ws.go can drive
// the identical path against a non-gin writer.
func runRelay(ctx context.Context, cc *corectx.CoreContext, w http.ResponseWriter, format model.ApiFormat, httpReq *http.Request, body []byte, clientKey *model.ApiKey, user *model.User) (*executor.Result, *gatewayerr.Error) {
	return runRelayOpts(ctx, cc, w, format, httpReq, body, clientKey, user, false)
}

// runRelayOpts is runRelay plus the count_tokens routing flag that only
// the `/v1/messages/count_tokens` passthrough sets.
func runRelayOpts(ctx context.Context, cc *corectx.CoreContext, w http.ResponseWriter, format model.ApiFormat, httpReq *http.Request, body []byte, clientKey *model.ApiKey, user *model.User, countTokens bool) (*executor.Result, *gatewayerr.Error) {
	fa, ok := adaptor.For(format)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.KindInvalidRequest, nil, "unsupported api format %s", format)
	}

	modelRequested, err := fa.ExtractModel(httpReq, body)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindInvalidRequest, err, "extract model")
	}

	rr := &protocol.ResolvedRequest{
		APIFormat:      format,
		ModelRequested: modelRequested,
		IsStream:       fa.IsStreamRequested(httpReq, body),
		Requirements:   fa.ExtractRequirements(httpReq, body),
		RawBody:        body,
		RawHeaders:     httpReq.Header,
		CountTokens:    countTokens,
	}

	requestID := uuid.NewString()
	ctx, span := tracing.StartRequestSpan(ctx, requestID, string(format))
	defer span.End()

	floor := tokencount.EstimateCostFloor(tokencount.EstimateTokens(string(body)), preflightPricePerMillion)
	if clientKey != nil && !clientKey.HasRemainingBalance(floor) {
		return nil, gatewayerr.New(gatewayerr.KindQuotaExceeded, nil, "insufficient balance for estimated request cost")
	}

	usageRow := &model.Usage{RequestID: requestID}
	if clientKey != nil {
		usageRow.ApiKeyID = clientKey.ID
		if user != nil {
			usageRow.UserID = user.ID
		}
	}
	if err := model.UpsertPending(usageRow); err != nil {
		return nil, gatewayerr.New(gatewayerr.KindInternal, err, "track request")
	}

	candidates, err := cc.Planner.Plan(ctx, rr, clientKey, user)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindInternal, err, "plan candidates")
	}

	result, err := cc.Executor.Run(ctx, w, rr, requestID, candidates, clientKey, user)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindInternal, err, "execute request")
	}

	metrics.AttemptsTotal.WithLabelValues(string(result.Outcome.Class)).Inc()
	cacheTTLClass := ""
	if rr.Requirements["cache_1h"] {
		cacheTTLClass = "1h"
	}
	finalizeBilling(ctx, cc, requestID, clientKey, result, cacheTTLClass)

	if result.Outcome.Class != executor.Success {
		return result, result.Outcome.ToGatewayErr()
	}
	return result, nil
}

// finalizeBilling resolves pricing for the candidate that ultimately
// served (or failed) the request and runs the Cost Accountant's atomic
// debit, logging rather than aborting the response on a billing error
// since the upstream call has already completed.
func finalizeBilling(ctx context.Context, cc *corectx.CoreContext, requestID string, clientKey *model.ApiKey, result *executor.Result, cacheTTLClass string) {
	status := model.UsageStatusFailed
	var cost billing.Cost
	var provider *model.Provider

	if result.Candidate != nil {
		cand := result.Candidate
		provider = cand.Provider

		if result.Outcome.Class == executor.Success {
			status = model.UsageStatusSuccess
		}

		globalModel, err := model.GetGlobalModelByID(cand.GlobalModelID)
		if err != nil {
			logger.Error("load global model for billing", zap.String("request_id", requestID), zap.Error(err))
			return
		}
		activeModel, err := model.GetActiveModel(cand.Provider.ID, cand.GlobalModelID)
		if err != nil {
			logger.Error("load provider model for billing", zap.String("request_id", requestID), zap.Error(err))
			return
		}
		tp, err := billing.ResolvePricing(activeModel, globalModel)
		if err != nil {
			logger.Error("resolve pricing", zap.String("request_id", requestID), zap.Error(err))
			return
		}

		cost, err = billing.Compute(tp, result.Outcome.Usage, cacheTTLClass, status == model.UsageStatusSuccess, cand.Key.RateMultiplier, cand.Provider.BillingType)
		if err != nil {
			logger.Error("compute cost", zap.String("request_id", requestID), zap.Error(err))
			return
		}
		metrics.CostUSDTotal.WithLabelValues(provider.Name).Add(cost.ActualCostUSD)
	}

	usageRow := &model.Usage{
		InputTokens:         result.Outcome.Usage.InputTokens,
		OutputTokens:        result.Outcome.Usage.OutputTokens,
		CacheCreationTokens: result.Outcome.Usage.CacheCreationTokens,
		CacheReadTokens:     result.Outcome.Usage.CacheReadTokens,
	}
	if result.Candidate != nil {
		usageRow.ProviderID = &result.Candidate.Provider.ID
		usageRow.EndpointID = &result.Candidate.Endpoint.ID
		usageRow.KeyID = &result.Candidate.Key.ID
	}

	if err := cc.Billing.Finalize(ctx, requestID, clientKey, provider, usageRow, cost, status, 0); err != nil {
		logger.Error("finalize billing", zap.String("request_id", requestID), zap.Error(err))
	}
}
