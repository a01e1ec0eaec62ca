package production

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/narraforge/core/internal/agents"
	"github.com/narraforge/core/internal/checkpoint"
	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/memory"
	"github.com/narraforge/core/internal/modelclient"
	"github.com/narraforge/core/internal/modelrouter"
	"github.com/narraforge/core/internal/orchestrator"
	"github.com/narraforge/core/internal/storage/testutil"
)

const (
	miniModel = "mini-m"
	advModel  = "adv-m"
)

type fixture struct {
	manager *Manager
	mock    *modelclient.MockClient
	store   memory.Store
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithBudget(t, -1)
}

func newFixtureWithBudget(t *testing.T, maxCostPerJob float64) *fixture {
	t.Helper()
	db := testutil.DB(t)
	require.NoError(t, db.AutoMigrate(&modelrouter.LedgerEntry{}))
	log := testutil.Logger(t)

	mock := modelclient.NewMockClient()
	router := modelrouter.New(log, modelrouter.Config{
		Routes: modelrouter.TierRoutes{
			domain.TierMini:     {{Client: mock, ModelID: miniModel, USDPer1KPrompt: 0.001, USDPer1KCompletion: 0.002}},
			domain.TierAdvanced: {{Client: mock, ModelID: advModel, USDPer1KPrompt: 0.01, USDPer1KCompletion: 0.02}},
		},
		MaxCostPerJob: maxCostPerJob,
	})
	store := memory.NewInMemoryStore()
	cp := checkpoint.NewGormManager(db, log)
	manager := NewManager(db, router, store, cp, nil, log, agents.StageConfig{
		MinCoherenceScore: 0.85,
		OutputDirectory:   t.TempDir(),
	})
	manager.Retry = orchestrator.RetryPolicy{MaxAttempts: 3, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	return &fixture{manager: manager, mock: mock, store: store}
}

func scriptJSON(mock *modelclient.MockClient, modelID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	mock.Script(modelID, modelclient.MockResponse{Result: modelclient.Result{
		Text: string(raw), PromptTokens: 50, CompletionTokens: 100,
	}})
}

func prose(n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("word%d", i)
	}
	return strings.Join(out, " ") + "."
}

// jsonAfter pulls the single-line JSON document following marker out of a
// user prompt, so a scripted response can echo entity ids the pipeline
// minted at run time.
func jsonAfter(prompt, marker string) string {
	idx := strings.Index(prompt, marker)
	if idx < 0 {
		return ""
	}
	rest := prompt[idx+len(marker):]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[:nl]
	}
	return rest
}

// scriptPipeline queues one well-formed response per model call of a
// clean two-segment run starting at fromStage.
func scriptPipeline(f *fixture, fromStage int) {
	if fromStage <= 1 {
		scriptJSON(f.mock, miniModel, map[string]any{
			"production_type": "short_story", "genre": "fantasy", "target_word_count": 40,
			"target_chapter_count": 2, "tone": "wistful", "thematic_focus": "secrets",
			"world_scale": "intimate",
		})
	}
	if fromStage <= 2 {
		scriptJSON(f.mock, miniModel, map[string]any{
			"rules": []string{"alchemy has a price"}, "boundaries": []string{"the master's workshop"},
			"anomalies": []string{"a crucible that never cools"},
			"core_conflict": "the master's secret", "existential_theme": "inheritance of guilt",
			"scale": "intimate",
		})
	}
	if fromStage <= 3 {
		scriptJSON(f.mock, miniModel, []map[string]any{
			{"name": "Liesel", "internal_trajectory": "awe to suspicion", "contradictions": []string{"loyal yet prying"}, "cognitive_limits": []string{"trusts appearances"}, "evolution_capacity": 0.7},
			{"name": "Master Aurin", "internal_trajectory": "control to confession", "contradictions": []string{"teaches openness, hides everything"}, "cognitive_limits": []string{"cannot ask for help"}, "evolution_capacity": 0.3},
		})
	}
	if fromStage <= 4 {
		scriptJSON(f.mock, miniModel, map[string]any{
			"acts": []map[string]any{{"name": "Discovery", "chapters": []map[string]any{
				{"chapter": 1, "summary": "Liesel finds the sealed ledger"},
				{"chapter": 2, "summary": "she confronts Aurin", "causal_link": "therefore"},
			}}},
		})
	}
	if fromStage <= 5 {
		f.mock.Script(miniModel, modelclient.MockResponse{Fn: func(messages []modelclient.Message) (modelclient.Result, error) {
			var chars agents.CharactersPayload
			if err := json.Unmarshal([]byte(jsonAfter(messages[1].Content, "Characters: ")), &chars); err != nil {
				return modelclient.Result{}, err
			}
			plan := agents.SegmentPlanPayload{Segments: []domain.SegmentDescriptor{
				{Index: 0, Goal: "find the ledger", Conflict: "locked workshop", POVCharacterID: chars.Characters[0].ID, TargetWordCount: 20, EmotionalBeat: "dread"},
				{Index: 1, Goal: "confront the master", Conflict: "his denial", POVCharacterID: chars.Characters[1].ID, TargetWordCount: 20, EmotionalBeat: "release"},
			}}
			raw, _ := json.Marshal(plan)
			return modelclient.Result{Text: string(raw), PromptTokens: 50, CompletionTokens: 100}, nil
		}})
	}
	if fromStage <= 6 {
		for range 2 {
			scriptJSON(f.mock, advModel, map[string]any{"text": prose(20), "quality_self_score": 0.9})
		}
	}
	if fromStage <= 7 {
		scriptJSON(f.mock, miniModel, map[string]any{
			"logical": []map[string]any{}, "psychological": []map[string]any{},
			"temporal": []map[string]any{}, "world_rule": []map[string]any{},
		})
	}
	if fromStage <= 8 {
		for range 2 {
			scriptJSON(f.mock, advModel, map[string]any{"text": prose(20)})
		}
	}
	if fromStage <= 9 {
		f.mock.Script(miniModel, modelclient.MockResponse{Fn: func(messages []modelclient.Message) (modelclient.Result, error) {
			var stylised agents.StylizedSegmentsPayload
			if err := json.Unmarshal([]byte(jsonAfter(messages[1].Content, "Stylised segments: ")), &stylised); err != nil {
				return modelclient.Result{}, err
			}
			draft := map[string]any{"final_segments": stylised.Segments, "changes": []string{"tightened openings"}, "rationale": []string{"pace"}}
			raw, _ := json.Marshal(draft)
			return modelclient.Result{Text: string(raw), PromptTokens: 50, CompletionTokens: 100}, nil
		}})
	}
}

func testBrief() domain.Brief {
	return domain.Brief{
		ProductionType: domain.ProductionShortStory, Genre: "fantasy",
		Inspiration: "A young alchemist discovers her master's secret", TargetWordCount: 40,
	}
}

func createJobRow(t *testing.T, m *Manager, status domain.JobStatus) uuid.UUID {
	t.Helper()
	raw, err := json.Marshal(testBrief())
	require.NoError(t, err)
	job := domain.Job{ID: uuid.New(), OwnerID: uuid.New(), Brief: raw, Status: status}
	require.NoError(t, m.DB.Create(&job).Error)
	return job.ID
}

func TestRunSyncCompletesFullPipeline(t *testing.T) {
	f := newFixture(t)
	scriptPipeline(f, 1)
	jobID := createJobRow(t, f.manager, domain.JobQueued)

	require.NoError(t, f.manager.RunSync(context.Background(), jobID, testBrief()))

	status, err := f.manager.Status(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, status.State)
	require.Equal(t, 10, status.CurrentStage)
	require.Greater(t, status.CumulativeCostUSD, 0.0)

	// 7 mini calls (stages 1-5, 7, 9) and 4 advanced (2 segments x stages 6, 8)
	require.Equal(t, 7, f.mock.CallCount(miniModel))
	require.Equal(t, 4, f.mock.CallCount(advModel))

	restored, err := f.manager.Checkpoint.Latest(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, 10, restored.Stage)
	for _, key := range domain.StageOrder {
		require.True(t, restored.Context.Has(key), string(key))
	}
	require.NoError(t, agents.RehydrateContext(restored.Context))

	wbRaw, _ := restored.Context.Get(domain.KeyWorldBible)
	worldID := wbRaw.(agents.WorldBiblePayload).WorldID
	_, err = f.store.GetWorld(context.Background(), worldID)
	require.NoError(t, err)
	chars, err := f.store.ListCharacters(context.Background(), worldID)
	require.NoError(t, err)
	require.Len(t, chars, 2)

	planRaw, _ := restored.Context.Get(domain.KeySegmentPlan)
	segsRaw, _ := restored.Context.Get(domain.KeySegments)
	plan := planRaw.(agents.SegmentPlanPayload).Segments
	segs := segsRaw.(agents.SegmentsPayload).Segments
	require.Len(t, segs, len(plan))
	for i := range segs {
		require.Equal(t, plan[i].Index, segs[i].Index)
	}

	jobDir := filepath.Join(f.manager.Config.OutputDirectory, jobID.String())
	for _, name := range []string{"narrative.txt", "narrative_audiobook.txt", "metadata.json", "expansion.json"} {
		_, err := os.Stat(filepath.Join(jobDir, name))
		require.NoError(t, err, name)
	}

	var events []domain.JobEvent
	require.NoError(t, f.manager.DB.Where("job_id = ?", jobID).Order("seq ASC").Find(&events).Error)
	require.Equal(t, domain.EventJobStarted, events[0].Kind)
	require.Equal(t, domain.EventJobComplete, events[len(events)-1].Kind)
	completes := 0
	for _, e := range events {
		require.NotEqual(t, domain.EventStageFailed, e.Kind)
		if e.Kind == domain.EventStageComplete {
			completes++
		}
	}
	require.Equal(t, 10, completes)
}

func TestRunSyncFailsAfterRetryBudgetWithSchemaErrors(t *testing.T) {
	f := newFixture(t)
	// every attempt returns unparseable output; stage 1 must fail after
	// exactly MaxAttempts, the later ones on the upgraded tier
	f.mock.Script(miniModel, modelclient.MockResponse{Result: modelclient.Result{Text: "not json", PromptTokens: 5, CompletionTokens: 5}})
	f.mock.Script(advModel, modelclient.MockResponse{Result: modelclient.Result{Text: "still not json", PromptTokens: 5, CompletionTokens: 5}})
	jobID := createJobRow(t, f.manager, domain.JobQueued)

	err := f.manager.RunSync(context.Background(), jobID, testBrief())
	require.Error(t, err)
	var stageErr *domain.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, 1, stageErr.Stage)
	require.Equal(t, domain.KindSchema, stageErr.Kind)

	require.Equal(t, 1, f.mock.CallCount(miniModel))
	require.Equal(t, 2, f.mock.CallCount(advModel), "attempts 2 and 3 must use the upgraded tier")

	status, err := f.manager.Status(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, status.State)
}

func TestResumeSkipsCheckpointedStages(t *testing.T) {
	// resume from a checkpoint written by a run that stopped after stage 5
	g := newFixture(t)
	resumeID := createJobRow(t, g.manager, domain.JobFailed)
	seedCheckpointThroughStage5(t, g, resumeID)
	scriptPipeline(g, 6)

	require.NoError(t, g.manager.Resume(context.Background(), resumeID))
	require.Eventually(t, func() bool {
		status, err := g.manager.Status(context.Background(), resumeID)
		return err == nil && status.State.Terminal()
	}, 10*time.Second, 20*time.Millisecond)

	status, err := g.manager.Status(context.Background(), resumeID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, status.State)
	// stages 1-5 never re-executed: only stage 7 and 9 hit the mini model
	require.Equal(t, 2, g.mock.CallCount(miniModel))
	require.Equal(t, 4, g.mock.CallCount(advModel))
}

// seedCheckpointThroughStage5 persists the world/characters to Triple Memory
// and writes a stage-5 checkpoint whose context references them, simulating
// a run that crashed after stage 5's boundary.
func seedCheckpointThroughStage5(t *testing.T, f *fixture, jobID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	worldID, err := f.store.PutWorld(ctx, domain.World{JobID: jobID.String(), CoreConflict: "the master's secret", ExistentialTheme: "inheritance of guilt", Scale: domain.WorldScaleIntimate})
	require.NoError(t, err)
	char1, err := f.store.PutCharacter(ctx, domain.Character{WorldID: worldID, Name: "Liesel", Contradictions: []string{"loyal yet prying"}, CognitiveLimits: []string{"trusts appearances"}, EvolutionCapacity: 0.7})
	require.NoError(t, err)
	char2, err := f.store.PutCharacter(ctx, domain.Character{WorldID: worldID, Name: "Master Aurin", Contradictions: []string{"hides everything"}, CognitiveLimits: []string{"cannot ask for help"}, EvolutionCapacity: 0.3})
	require.NoError(t, err)

	chars, err := f.store.ListCharacters(ctx, worldID)
	require.NoError(t, err)

	pc := domain.NewPipelineContext()
	pc.Set(domain.ContextEntry{Key: domain.KeyBriefInterpretation, Stage: 1, Payload: agents.BriefInterpretation{
		ProductionType: domain.ProductionShortStory, Genre: "fantasy", TargetWordCount: 40, TargetChapters: 2, WorldScale: domain.WorldScaleIntimate,
	}})
	pc.Set(domain.ContextEntry{Key: domain.KeyWorldBible, Stage: 2, Payload: agents.WorldBiblePayload{WorldID: worldID, CoreConflict: "the master's secret", ExistentialTheme: "inheritance of guilt", Scale: domain.WorldScaleIntimate}})
	pc.Set(domain.ContextEntry{Key: domain.KeyCharacters, Stage: 3, Payload: agents.CharactersPayload{WorldID: worldID, Characters: chars}})
	pc.Set(domain.ContextEntry{Key: domain.KeyStructure, Stage: 4, Payload: agents.StructurePayload{Acts: []agents.Act{{Name: "Discovery", Chapters: []agents.Beat{{Chapter: 1, Summary: "the ledger"}, {Chapter: 2, Summary: "the confrontation", CausalLink: "therefore"}}}}}})
	pc.Set(domain.ContextEntry{Key: domain.KeySegmentPlan, Stage: 5, Payload: agents.SegmentPlanPayload{Segments: []domain.SegmentDescriptor{
		{Index: 0, Goal: "find the ledger", Conflict: "locked workshop", POVCharacterID: char1, TargetWordCount: 20, EmotionalBeat: "dread"},
		{Index: 1, Goal: "confront the master", Conflict: "his denial", POVCharacterID: char2, TargetWordCount: 20, EmotionalBeat: "release"},
	}}})
	require.NoError(t, f.manager.Checkpoint.Save(ctx, jobID, 5, pc, 0.05, 250, 500))
}

func TestRunSyncPermanentProviderErrorFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.mock.Script(miniModel, modelclient.MockResponse{Err: &permanentErr{}})
	jobID := createJobRow(t, f.manager, domain.JobQueued)

	err := f.manager.RunSync(context.Background(), jobID, testBrief())
	require.Error(t, err)
	var stageErr *domain.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, domain.KindPermanent, stageErr.Kind)
	require.Equal(t, 1, f.mock.CallCount(miniModel), "permanent errors are never retried")
	require.Equal(t, 0, f.mock.CallCount(advModel))
}

func TestRunSyncZeroBudgetFailsFirstCallWithoutCheckpoints(t *testing.T) {
	f := newFixtureWithBudget(t, 0)
	scriptPipeline(f, 1)
	jobID := createJobRow(t, f.manager, domain.JobQueued)

	err := f.manager.RunSync(context.Background(), jobID, testBrief())
	require.Error(t, err)
	var stageErr *domain.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, 1, stageErr.Stage)
	require.Equal(t, domain.KindCostExceeded, stageErr.Kind)
	require.Equal(t, 0, f.mock.CallCount(miniModel), "the router must refuse before reaching the provider")

	restored, err := f.manager.Checkpoint.Latest(context.Background(), jobID)
	require.NoError(t, err)
	require.Nil(t, restored, "no checkpoint may exist beyond stage 0")
}

func TestResumeRejectsCompletedJob(t *testing.T) {
	f := newFixture(t)
	jobID := createJobRow(t, f.manager, domain.JobCompleted)
	require.Error(t, f.manager.Resume(context.Background(), jobID))
}

func TestCancelStopsAtStageBoundary(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	f.mock.Script(miniModel, modelclient.MockResponse{Fn: func(messages []modelclient.Message) (modelclient.Result, error) {
		close(entered)
		<-release
		raw, _ := json.Marshal(map[string]any{
			"production_type": "short_story", "genre": "fantasy", "target_word_count": 40,
			"target_chapter_count": 2, "tone": "wistful", "thematic_focus": "secrets",
			"world_scale": "intimate",
		})
		return modelclient.Result{Text: string(raw), PromptTokens: 50, CompletionTokens: 100}, nil
	}})

	jobID, err := f.manager.Produce(context.Background(), uuid.New(), testBrief())
	require.NoError(t, err)

	<-entered
	require.NoError(t, f.manager.Cancel(context.Background(), jobID))
	close(release)

	require.Eventually(t, func() bool {
		status, err := f.manager.Status(context.Background(), jobID)
		return err == nil && status.State == domain.JobCancelled
	}, 10*time.Second, 20*time.Millisecond)

	// stage 2 never ran: the only model call was stage 1's
	require.Equal(t, 1, f.mock.CallCount(miniModel))
	require.Equal(t, 0, f.mock.CallCount(advModel))
}

func TestCancelUnknownJobFails(t *testing.T) {
	f := newFixture(t)
	require.Error(t, f.manager.Cancel(context.Background(), uuid.New()))
}

func TestSubscribeReplaysPersistedEventsInOrder(t *testing.T) {
	f := newFixture(t)
	jobID := uuid.New()
	kinds := []domain.JobEventKind{domain.EventJobStarted, domain.EventStageStarted, domain.EventStageComplete}
	for i, kind := range kinds {
		require.NoError(t, f.manager.DB.Create(&domain.JobEvent{
			ID: uuid.New(), JobID: jobID, Seq: int64(i + 1), Kind: kind, Stage: 1,
		}).Error)
	}

	var seen []domain.JobEventKind
	require.NoError(t, f.manager.Subscribe(context.Background(), jobID, func(e domain.JobEvent) {
		seen = append(seen, e.Kind)
	}))
	require.Equal(t, kinds, seen)
}

type permanentErr struct{}

func (e *permanentErr) Error() string       { return "invalid api key" }
func (e *permanentErr) HTTPStatusCode() int { return 401 }
