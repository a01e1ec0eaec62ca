package modelrouter

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/modelclient"
	"github.com/narraforge/core/internal/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("test")
	require.NoError(t, err)
	return l
}

func testRouter(t *testing.T, routes TierRoutes, maxCost float64) *Router {
	t.Helper()
	return New(testLogger(t), Config{
		Routes:        routes,
		Ledger:        NewInMemoryLedger(),
		Limiter:       NewInMemoryRateLimiter(),
		MaxCostPerJob: maxCost,
	})
}

func TestRouterFallsBackOnTransientFailure(t *testing.T) {
	primary := modelclient.NewMockClient()
	secondary := modelclient.NewMockClient()
	primary.Script("mini-a", modelclient.MockResponse{Err: &transientErr{}})
	secondary.Script("mini-b", modelclient.MockResponse{Result: modelclient.Result{Text: "ok", PromptTokens: 10, CompletionTokens: 10}})

	r := testRouter(t, TierRoutes{
		domain.TierMini: {
			{Client: primary, ModelID: "mini-a"},
			{Client: secondary, ModelID: "mini-b"},
		},
	}, -1)

	resp, err := r.Complete(context.Background(), Request{JobID: uuid.New(), Stage: 1, Tier: domain.TierMini, Messages: []modelclient.Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)
	require.Equal(t, "mini-b", resp.ModelID)
}

func TestRouterEnforcesCostCeiling(t *testing.T) {
	client := modelclient.NewMockClient()
	client.Script("mini-a", modelclient.MockResponse{Result: modelclient.Result{Text: "ok", PromptTokens: 100000, CompletionTokens: 100000}})

	r := testRouter(t, TierRoutes{
		domain.TierMini: {{Client: client, ModelID: "mini-a", USDPer1KPrompt: 1, USDPer1KCompletion: 1}},
	}, 0.01)

	_, err := r.Complete(context.Background(), Request{JobID: uuid.New(), Stage: 1, Tier: domain.TierMini, Messages: []modelclient.Message{{Role: "user", Content: "a very long prompt indeed"}}, MaxTokens: 100000})
	require.Error(t, err)
	var costErr *domain.CostExceededError
	require.ErrorAs(t, err, &costErr)
}

func TestRouterZeroBudgetRefusesFirstCall(t *testing.T) {
	client := modelclient.NewMockClient()
	client.Script("mini-a", modelclient.MockResponse{Result: modelclient.Result{Text: "ok", PromptTokens: 10, CompletionTokens: 10}})

	r := testRouter(t, TierRoutes{
		domain.TierMini: {{Client: client, ModelID: "mini-a", USDPer1KPrompt: 1, USDPer1KCompletion: 1}},
	}, 0)

	_, err := r.Complete(context.Background(), Request{JobID: uuid.New(), Stage: 1, Tier: domain.TierMini, Messages: []modelclient.Message{{Role: "user", Content: "hi"}}, MaxTokens: 100})
	var costErr *domain.CostExceededError
	require.ErrorAs(t, err, &costErr)
	require.Equal(t, 0, client.CallCount("mini-a"), "a zero budget must refuse before the provider is reached")
}

func TestTierForStageOverride(t *testing.T) {
	r := New(testLogger(t), Config{Overrides: StageTierOverrides{7: domain.TierAdvanced}})
	require.Equal(t, domain.TierAdvanced, r.TierForStage(7, domain.TierMini))
	require.Equal(t, domain.TierMini, r.TierForStage(1, domain.TierMini))
}

type transientErr struct{}

func (e *transientErr) Error() string      { return "rate limited" }
func (e *transientErr) HTTPStatusCode() int { return 429 }
