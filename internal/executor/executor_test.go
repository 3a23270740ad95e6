package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/relaygate/gateway/internal/adaptive"
	"github.com/relaygate/gateway/internal/admission"
	"github.com/relaygate/gateway/internal/adaptor/protocol"
	"github.com/relaygate/gateway/internal/clock"
	"github.com/relaygate/gateway/internal/health"
	"github.com/relaygate/gateway/internal/model"
	"github.com/relaygate/gateway/internal/planner"
	"github.com/relaygate/gateway/internal/secret"
	"github.com/relaygate/gateway/internal/store"
)

func newExecutorTestDB(t *testing.T) {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, model.AutoMigrate(db))
	model.DB = db
	model.InvalidateConfigCache()
}

// seedCandidate inserts a Provider/Endpoint/UpstreamKey trio pointed at
// upstreamURL, with api key encrypted the way the model layer stores it.
func seedCandidate(t *testing.T, upstreamURL string, priority int) planner.Candidate {
	t.Helper()

	enc, err := secret.Encrypt("sk-upstream")
	require.NoError(t, err)

	provider := &model.Provider{Name: "anthropic", Priority: priority, IsActive: true, BillingType: model.BillingPayAsYouGo}
	require.NoError(t, model.DB.Create(provider).Error)

	endpoint := &model.Endpoint{ProviderID: provider.ID, APIFormat: model.FormatClaude, BaseURL: upstreamURL, IsActive: true, Timeout: 5 * time.Second}
	require.NoError(t, model.DB.Create(endpoint).Error)

	key := &model.UpstreamKey{EndpointID: endpoint.ID, APIKey: enc, IsActive: true, CircuitState: model.CircuitClosed, HealthScore: 1}
	require.NoError(t, model.DB.Create(key).Error)

	return planner.Candidate{Provider: provider, Endpoint: endpoint, Key: key, TargetModel: "claude-3-5-sonnet-20241022"}
}

func newTestExecutor(t *testing.T) (*Executor, clock.Clock) {
	t.Helper()
	c := clock.NewFake(time.Now())
	h := health.New(c)
	a := adaptive.New()
	ac := admission.New(&store.Client{}, h, a, c)
	return New(h, a, ac, nil, nil, http.DefaultClient, c), c
}

func baseResolvedRequest() *protocol.ResolvedRequest {
	return &protocol.ResolvedRequest{
		APIFormat:      model.FormatClaude,
		ModelRequested: "claude-3-5-sonnet",
		Requirements:   protocol.Requirements{},
		RawBody:        []byte(`{"model":"claude-3-5-sonnet","messages":[]}`),
		RawHeaders:     http.Header{},
	}
}

func TestRun_SuccessOnFirstCandidate(t *testing.T) {
	newExecutorTestDB(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer upstream.Close()

	cand := seedCandidate(t, upstream.URL, 10)
	exec, _ := newTestExecutor(t)

	rr := baseResolvedRequest()
	rec := httptest.NewRecorder()
	result, err := exec.Run(context.Background(), rec, rr, "req-1", []planner.Candidate{cand}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, Success, result.Outcome.Class)
	require.Equal(t, 1, result.AttemptCount)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(10), result.Outcome.Usage.InputTokens)
}

func TestRun_FallsBackPastNetworkError(t *testing.T) {
	newExecutorTestDB(t)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`upstream down`))
	}))
	defer failing.Close()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"msg_2","usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer healthy.Close()

	first := seedCandidate(t, failing.URL, 1)
	second := seedCandidate(t, healthy.URL, 2)
	exec, _ := newTestExecutor(t)

	rr := baseResolvedRequest()
	rec := httptest.NewRecorder()
	result, err := exec.Run(context.Background(), rec, rr, "req-2", []planner.Candidate{first, second}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, Success, result.Outcome.Class)
	require.Equal(t, 2, result.AttemptCount)
}

func TestRun_ClientErrorTerminalBreaksLoopImmediately(t *testing.T) {
	newExecutorTestDB(t)

	terminal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid request: image too large"}`))
	}))
	defer terminal.Close()

	neverCalled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("second candidate must not be attempted after a terminal client error")
	}))
	defer neverCalled.Close()

	first := seedCandidate(t, terminal.URL, 1)
	second := seedCandidate(t, neverCalled.URL, 2)
	exec, _ := newTestExecutor(t)

	rr := baseResolvedRequest()
	rec := httptest.NewRecorder()
	result, err := exec.Run(context.Background(), rec, rr, "req-3", []planner.Candidate{first, second}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, ClientErrorTerminal, result.Outcome.Class)
	require.Equal(t, 1, result.AttemptCount)
}

func TestRun_EmptyCandidateListReportsNoCapacity(t *testing.T) {
	newExecutorTestDB(t)
	exec, _ := newTestExecutor(t)

	rr := baseResolvedRequest()
	rec := httptest.NewRecorder()
	result, err := exec.Run(context.Background(), rec, rr, "req-4", nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, NoCapacity, result.Outcome.Class)
}

func TestRun_RecordsFailureAgainstHealthMonitor(t *testing.T) {
	newExecutorTestDB(t)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`boom`))
	}))
	defer failing.Close()

	cand := seedCandidate(t, failing.URL, 1)
	exec, _ := newTestExecutor(t)

	rr := baseResolvedRequest()
	rec := httptest.NewRecorder()
	result, err := exec.Run(context.Background(), rec, rr, "req-5", []planner.Candidate{cand}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, NetworkError, result.Outcome.Class)
	require.Greater(t, cand.Key.ConsecutiveFailures, 0)
}

func TestClassifyResponse_SuccessAndErrorClasses(t *testing.T) {
	cases := []struct {
		name       string
		statusCode int
		body       string
		want       OutcomeClass
	}{
		{"success", 200, `{"id":"msg_1"}`, Success},
		{"auth 401", 401, `unauthorized`, AuthError},
		{"auth 403", 403, `forbidden`, AuthError},
		{"rate limit 429", 429, `too many requests, max concurrent exceeded`, RateLimit},
		{"client error terminal", 400, `invalid request: content violates usage policy`, ClientErrorTerminal},
		{"server error", 503, `service unavailable`, NetworkError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyResponse(tc.statusCode, []byte(tc.body), model.FormatClaude)
			require.Equal(t, tc.want, got.Class)
		})
	}
}

func TestClassifyResponse_GeminiEmbeddedErrorOnly200(t *testing.T) {
	body := []byte(`{"error":{"code":400,"message":"context too long"}}`)

	got := classifyResponse(200, body, model.FormatGemini)
	require.Equal(t, EmbeddedError, got.Class)

	// The same envelope shape on a non-gemini format has no special meaning.
	got = classifyResponse(200, body, model.FormatClaude)
	require.Equal(t, Success, got.Class)
}

func TestClassifyResponse_ReclassifiesAsCapabilityUpgrade(t *testing.T) {
	got := classifyResponse(400, []byte(`{"error":"prompt exceeds maximum context length of 200000 tokens"}`), model.FormatClaude)
	require.Equal(t, CapabilityUpgrade, got.Class)
	require.Equal(t, "context_1m", got.NewCapability)
}

func TestClassifyRateLimitReason(t *testing.T) {
	require.Equal(t, ReasonConcurrent, classifyRateLimitReason("max concurrent requests exceeded"))
	require.Equal(t, ReasonRPM, classifyRateLimitReason("requests per minute limit exceeded"))
	require.Equal(t, ReasonGeneric, classifyRateLimitReason("rate limited"))
}

func TestPeekStreamForEmptiness(t *testing.T) {
	t.Run("empty body reports empty and is still readable", func(t *testing.T) {
		resp := &http.Response{Body: nopReadCloser{bytesReaderCloser(nil)}}
		empty, err := peekStreamForEmptiness(resp)
		require.NoError(t, err)
		require.True(t, empty)
	})

	t.Run("non-empty body reports not empty and preserves bytes", func(t *testing.T) {
		resp := &http.Response{Body: nopReadCloser{bytesReaderCloser([]byte("data: hello\n\n"))}}
		empty, err := peekStreamForEmptiness(resp)
		require.NoError(t, err)
		require.False(t, empty)

		replayed, err := bufferBody(resp.Body)
		require.NoError(t, err)
		require.Equal(t, "data: hello\n\n", string(replayed))
	})
}

func TestAttemptOutcome_BreaksLoop(t *testing.T) {
	require.True(t, AttemptOutcome{Class: Success}.BreaksLoop())
	require.True(t, AttemptOutcome{Class: ClientErrorTerminal}.BreaksLoop())
	require.False(t, AttemptOutcome{Class: RateLimit}.BreaksLoop())
	require.False(t, AttemptOutcome{Class: Timeout}.BreaksLoop())
}

func TestAttemptOutcome_IsUpstreamFailure(t *testing.T) {
	require.False(t, AttemptOutcome{Class: Success}.IsUpstreamFailure())
	require.False(t, AttemptOutcome{Class: CapabilityUpgrade}.IsUpstreamFailure())
	require.False(t, AttemptOutcome{Class: NoCapacity}.IsUpstreamFailure())
	require.True(t, AttemptOutcome{Class: NetworkError}.IsUpstreamFailure())
	require.True(t, AttemptOutcome{Class: Timeout}.IsUpstreamFailure())
}

func TestAttemptOutcome_ToGatewayErr(t *testing.T) {
	err := AttemptOutcome{Class: ClientErrorTerminal, StatusCode: 400, ErrorMessage: "bad request"}.ToGatewayErr()
	require.Contains(t, err.Error(), "bad request")

	err = AttemptOutcome{Class: NoCapacity}.ToGatewayErr()
	require.NotNil(t, err)
}
