package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/narraforge/core/internal/agentfw"
	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/storage/testutil"

	"github.com/narraforge/core/internal/checkpoint"
)

// TestMain guards against goroutines started during an engine run
// outliving a test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubAgent struct {
	stage       int
	produces    domain.ContextKey
	requires    []domain.ContextKey
	tier        domain.ModelTier
	fail        []*domain.StageError // returned on successive attempts, nil means succeed
	succeeded   int
	tiers       []domain.ModelTier // tier handed to each Execute call
}

func (s *stubAgent) Stage() int                          { return s.stage }
func (s *stubAgent) RequiredKeys() []domain.ContextKey    { return s.requires }
func (s *stubAgent) ProducedKey() domain.ContextKey       { return s.produces }
func (s *stubAgent) PreferredModelTier() domain.ModelTier { return s.tier }
func (s *stubAgent) SystemPrompt() string                 { return "" }
func (s *stubAgent) BuildUserPrompt(ctx context.Context, pc *domain.PipelineContext) (string, error) {
	return "", nil
}
func (s *stubAgent) Parse(raw string) (any, error)                                     { return raw, nil }
func (s *stubAgent) Validate(ctx context.Context, payload any, pc *domain.PipelineContext) []string { return nil }
func (s *stubAgent) Execute(ctx context.Context, tier domain.ModelTier, pc *domain.PipelineContext) domain.AgentResponse {
	s.tiers = append(s.tiers, tier)
	if s.succeeded < len(s.fail) {
		e := s.fail[s.succeeded]
		s.succeeded++
		return domain.AgentResponse{Success: false, Error: e}
	}
	s.succeeded++
	return domain.AgentResponse{Success: true, Payload: "ok", ModelUsed: string(tier)}
}

type noopEvents struct{}

func (noopEvents) Emit(ctx context.Context, jobID uuid.UUID, kind domain.JobEventKind, stage, progress int, message string, data map[string]any) {
}

func TestEngineRunsAllStagesInOrder(t *testing.T) {
	agents := []agentfw.Agent{
		&stubAgent{stage: 1, produces: domain.KeyBriefInterpretation, tier: domain.TierMini},
		&stubAgent{stage: 2, produces: domain.KeyWorldBible, tier: domain.TierMini},
	}
	db := testutil.DB(t)
	mgr := checkpoint.NewGormManager(db, testutil.Logger(t))
	eng := &Engine{Agents: agents, Checkpoint: mgr, Events: noopEvents{}, Log: testutil.Logger(t)}

	result := eng.Run(context.Background(), uuid.New())
	require.Nil(t, result.Err)
	require.Equal(t, 2, result.FinalStage)
	require.True(t, result.Context.Has(domain.KeyBriefInterpretation))
	require.True(t, result.Context.Has(domain.KeyWorldBible))
}

func TestEngineRetriesTransientAndUpgradesOnQuality(t *testing.T) {
	agent := &stubAgent{
		stage: 1, produces: domain.KeyBriefInterpretation, tier: domain.TierMini,
		fail: []*domain.StageError{
			domain.NewStageError(1, domain.KindTransport, 1, errors.New("timeout")),
			domain.NewStageError(1, domain.KindQuality, 2, errors.New("low coherence")),
		},
	}
	eng := &Engine{Agents: []agentfw.Agent{agent}, Events: noopEvents{}, Log: testutil.Logger(t),
		Retry: RetryPolicy{MaxAttempts: 3, MinBackoff: 1, MaxBackoff: 1}}

	result := eng.Run(context.Background(), uuid.New())
	require.Nil(t, result.Err)
	require.Equal(t, 1, result.FinalStage)
	// transport keeps the tier; the quality failure upgrades the third attempt
	require.Equal(t, []domain.ModelTier{domain.TierMini, domain.TierMini, domain.TierAdvanced}, agent.tiers)
}

func TestEngineStopsOnCostExceeded(t *testing.T) {
	costErr := &domain.CostExceededError{JobID: "x", CumulativeUSD: 1, EstimatedUSD: 1, MaxCostPerJob: 1}
	agent := &stubAgent{
		stage: 1, produces: domain.KeyBriefInterpretation, tier: domain.TierMini,
		fail: []*domain.StageError{domain.NewStageError(1, domain.KindCostExceeded, 1, costErr)},
	}
	eng := &Engine{Agents: []agentfw.Agent{agent}, Events: noopEvents{}, Log: testutil.Logger(t)}

	result := eng.Run(context.Background(), uuid.New())
	require.NotNil(t, result.Err)
	require.Equal(t, domain.KindCostExceeded, result.Err.Kind)
	require.Equal(t, 1, agent.succeeded)
}

func TestEngineFailsWhenRequiredKeysMissing(t *testing.T) {
	agent := &stubAgent{stage: 1, produces: domain.KeyWorldBible, tier: domain.TierMini}
	agent.requires = []domain.ContextKey{domain.KeyBriefInterpretation}
	eng := &Engine{Agents: []agentfw.Agent{agent}, Events: noopEvents{}, Log: testutil.Logger(t)}

	result := eng.Run(context.Background(), uuid.New())
	require.NotNil(t, result.Err)
	require.Equal(t, domain.KindPermanent, result.Err.Kind)
	require.Equal(t, 0, agent.succeeded, "agent must not execute with missing inputs")
}

func TestEngineResumeSkipsCompletedStagesAndRehydrates(t *testing.T) {
	db := testutil.DB(t)
	mgr := checkpoint.NewGormManager(db, testutil.Logger(t))
	jobID := uuid.New()

	first := &stubAgent{stage: 1, produces: domain.KeyBriefInterpretation, tier: domain.TierMini}
	second := &stubAgent{stage: 2, produces: domain.KeyWorldBible, tier: domain.TierMini,
		fail: []*domain.StageError{domain.NewStageError(2, domain.KindPermanent, 1, errors.New("boom"))}}
	eng := &Engine{Agents: []agentfw.Agent{first, second}, Checkpoint: mgr, Events: noopEvents{}, Log: testutil.Logger(t)}

	result := eng.Run(context.Background(), jobID)
	require.NotNil(t, result.Err)
	require.Equal(t, 1, first.succeeded)

	rehydrated := 0
	resumed := &Engine{Agents: []agentfw.Agent{first, second}, Checkpoint: mgr, Events: noopEvents{}, Log: testutil.Logger(t),
		Rehydrate: func(pc *domain.PipelineContext) error {
			rehydrated++
			require.True(t, pc.Has(domain.KeyBriefInterpretation))
			return nil
		}}
	result = resumed.Run(context.Background(), jobID)
	require.Nil(t, result.Err)
	require.Equal(t, 1, rehydrated)
	require.Equal(t, 1, first.succeeded, "stage 1 must not re-execute on resume")
	require.True(t, result.Context.Has(domain.KeyWorldBible))
}

func TestEngineRespectsCancellation(t *testing.T) {
	agent := &stubAgent{stage: 1, produces: domain.KeyBriefInterpretation, tier: domain.TierMini}
	eng := &Engine{Agents: []agentfw.Agent{agent}, Events: noopEvents{}, Log: testutil.Logger(t)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := eng.Run(ctx, uuid.New())
	require.NotNil(t, result.Err)
	require.Equal(t, domain.KindCancellation, result.Err.Kind)
}
