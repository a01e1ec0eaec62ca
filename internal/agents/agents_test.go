package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/memory"
	"github.com/narraforge/core/internal/modelclient"
	"github.com/narraforge/core/internal/modelrouter"
	"github.com/narraforge/core/internal/pkg/logger"
	"github.com/narraforge/core/internal/validators"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("test")
	require.NoError(t, err)
	return l
}

// testDeps wires a mock-backed router (one model per tier) plus an
// in-memory Triple Memory.
func testDeps(t *testing.T, mock *modelclient.MockClient, cfg StageConfig) Deps {
	t.Helper()
	router := modelrouter.New(testLogger(t), modelrouter.Config{
		Routes: modelrouter.TierRoutes{
			domain.TierMini:     {{Client: mock, ModelID: "mini-m"}},
			domain.TierAdvanced: {{Client: mock, ModelID: "adv-m"}},
		},
		MaxCostPerJob: -1,
	})
	return Deps{Router: router, Memory: memory.NewInMemoryStore(), Log: testLogger(t), Config: cfg}
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

func words(n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("word%d", i)
	}
	return strings.Join(out, " ") + "."
}

func seedWorld(t *testing.T, store memory.Store) string {
	t.Helper()
	id, err := store.PutWorld(context.Background(), domain.World{
		JobID: "job-1", Rules: []string{"iron obeys song"}, CoreConflict: "the forge is dying",
		ExistentialTheme: "what work is worth", Scale: domain.WorldScaleRegional, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return id
}

func seedCharacter(t *testing.T, store memory.Store, worldID string) string {
	t.Helper()
	id, err := store.PutCharacter(context.Background(), domain.Character{
		WorldID: worldID, Name: "Maren", InternalTrajectory: "pride to doubt",
		Contradictions: []string{"craves solitude, fears being forgotten"},
		CognitiveLimits: []string{"cannot read intent"}, EvolutionCapacity: 0.6,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return id
}

func TestBriefInterpreterParseIsStrict(t *testing.T) {
	a := NewBriefInterpreter(Deps{}, domain.Brief{})

	_, err := a.Parse(`{"production_type":"novella","genre":"fantasy","target_word_count":25000,"target_chapter_count":12,"tone":"grim","thematic_focus":"debt","world_scale":"regional","surprise":true}`)
	require.Error(t, err, "unknown fields must be rejected")

	payload, err := a.Parse(`{"production_type":"novella","genre":"fantasy","target_word_count":25000,"target_chapter_count":12,"tone":"grim","thematic_focus":"debt","world_scale":"regional"}`)
	require.NoError(t, err)
	bi := payload.(BriefInterpretation)
	require.Equal(t, domain.ProductionNovella, bi.ProductionType)

	bi.WorldScale = "galactic"
	require.NotEmpty(t, a.Validate(context.Background(), bi, domain.NewPipelineContext()))
}

func TestWorldArchitectExecutePersistsToMemory(t *testing.T) {
	mock := modelclient.NewMockClient()
	scriptJSON(mock, "mini-m", map[string]any{
		"rules": []string{"iron obeys song"}, "boundaries": []string{"the salt marsh"},
		"anomalies": []string{"a bell that rings backwards"},
		"core_conflict": "the forge is dying", "existential_theme": "what work is worth",
		"scale": "regional",
	})
	deps := testDeps(t, mock, StageConfig{})
	a := NewWorldArchitect(deps, "job-1")

	pc := domain.NewPipelineContext()
	pc.Set(domain.ContextEntry{Key: domain.KeyBriefInterpretation, Stage: 1, Payload: BriefInterpretation{TargetWordCount: 6000}})

	resp := a.Execute(context.Background(), domain.TierMini, pc)
	require.True(t, resp.Success, "error: %v", resp.Error)
	wb := resp.Payload.(WorldBiblePayload)
	require.NotEmpty(t, wb.WorldID)

	stored, err := deps.Memory.GetWorld(context.Background(), wb.WorldID)
	require.NoError(t, err)
	require.Equal(t, "the forge is dying", stored.CoreConflict)
}

func TestCharacterArchitectValidateEnforcesProcessInvariants(t *testing.T) {
	a := NewCharacterArchitect(Deps{})
	issues := a.Validate(context.Background(), []CharacterPayload{
		{Name: "Maren", Contradictions: []string{"x"}, CognitiveLimits: []string{"y"}, EvolutionCapacity: 0.5},
		{Name: "Sel", Contradictions: nil, CognitiveLimits: []string{"y"}, EvolutionCapacity: 1.3},
	}, domain.NewPipelineContext())
	require.Len(t, issues, 2) // missing contradiction + capacity out of range

	// a world may carry zero or more characters; a single-character
	// narrative (a monologue, a diary) is valid
	require.Empty(t, a.Validate(context.Background(), []CharacterPayload{
		{Name: "Maren", Contradictions: []string{"x"}, CognitiveLimits: []string{"y"}, EvolutionCapacity: 0.5},
	}, domain.NewPipelineContext()))
	require.Empty(t, a.Validate(context.Background(), []CharacterPayload{}, domain.NewPipelineContext()))
}

func TestCharacterArchitectExecutePersistsEveryCharacter(t *testing.T) {
	mock := modelclient.NewMockClient()
	scriptJSON(mock, "mini-m", []map[string]any{
		{"name": "Maren", "internal_trajectory": "pride to doubt", "contradictions": []string{"a"}, "cognitive_limits": []string{"b"}, "evolution_capacity": 0.6},
		{"name": "Sel", "internal_trajectory": "fear to resolve", "contradictions": []string{"c"}, "cognitive_limits": []string{"d"}, "evolution_capacity": 0.4},
	})
	deps := testDeps(t, mock, StageConfig{})
	worldID := seedWorld(t, deps.Memory)

	pc := domain.NewPipelineContext()
	pc.Set(domain.ContextEntry{Key: domain.KeyBriefInterpretation, Stage: 1, Payload: BriefInterpretation{TargetWordCount: 6000}})
	pc.Set(domain.ContextEntry{Key: domain.KeyWorldBible, Stage: 2, Payload: WorldBiblePayload{WorldID: worldID}})

	a := NewCharacterArchitect(deps)
	resp := a.Execute(context.Background(), domain.TierMini, pc)
	require.True(t, resp.Success, "error: %v", resp.Error)

	payload := resp.Payload.(CharactersPayload)
	require.Len(t, payload.Characters, 2)
	for _, c := range payload.Characters {
		require.NotEmpty(t, c.ID)
	}
	persisted, err := deps.Memory.ListCharacters(context.Background(), worldID)
	require.NoError(t, err)
	require.Len(t, persisted, len(payload.Characters))
}

func TestStructureDesignerValidateRejectsAndThen(t *testing.T) {
	a := NewStructureDesigner(Deps{})
	st := StructurePayload{Acts: []Act{{Name: "I", Chapters: []Beat{
		{Chapter: 1, Summary: "setup"},
		{Chapter: 2, Summary: "escalation", CausalLink: "and then"},
		{Chapter: 3, Summary: "turn", CausalLink: "but"},
	}}}}
	issues := a.Validate(context.Background(), st, domain.NewPipelineContext())
	require.Len(t, issues, 1)
	require.Contains(t, issues[0], "chapter 2")
}

func TestSegmentPlannerValidateWordBudgetAndPOV(t *testing.T) {
	a := NewSegmentPlanner(Deps{})
	pc := domain.NewPipelineContext()
	pc.Set(domain.ContextEntry{Key: domain.KeyBriefInterpretation, Stage: 1, Payload: BriefInterpretation{TargetWordCount: 1000}})
	pc.Set(domain.ContextEntry{Key: domain.KeyCharacters, Stage: 3, Payload: CharactersPayload{
		Characters: []domain.Character{{ID: "c1"}},
	}})

	ok := SegmentPlanPayload{Segments: []domain.SegmentDescriptor{
		{Index: 0, POVCharacterID: "c1", TargetWordCount: 500},
		{Index: 1, POVCharacterID: "c1", TargetWordCount: 550},
	}}
	require.Empty(t, a.Validate(context.Background(), ok, pc))

	overBudget := SegmentPlanPayload{Segments: []domain.SegmentDescriptor{
		{Index: 0, POVCharacterID: "c1", TargetWordCount: 700},
		{Index: 1, POVCharacterID: "c1", TargetWordCount: 700},
	}}
	require.NotEmpty(t, a.Validate(context.Background(), overBudget, pc))

	unknownPOV := SegmentPlanPayload{Segments: []domain.SegmentDescriptor{
		{Index: 0, POVCharacterID: "ghost", TargetWordCount: 1000},
	}}
	issues := a.Validate(context.Background(), unknownPOV, pc)
	require.Len(t, issues, 1)
	require.Contains(t, issues[0], "ghost")
}

func segmentPlanContext(t *testing.T, deps Deps, targets ...int) (*domain.PipelineContext, string) {
	t.Helper()
	worldID := seedWorld(t, deps.Memory)
	charID := seedCharacter(t, deps.Memory, worldID)

	descs := make([]domain.SegmentDescriptor, len(targets))
	for i, target := range targets {
		descs[i] = domain.SegmentDescriptor{Index: i, Goal: "advance", Conflict: "resist", POVCharacterID: charID, TargetWordCount: target, EmotionalBeat: "dread"}
	}
	pc := domain.NewPipelineContext()
	pc.Set(domain.ContextEntry{Key: domain.KeyWorldBible, Stage: 2, Payload: WorldBiblePayload{WorldID: worldID}})
	pc.Set(domain.ContextEntry{Key: domain.KeyCharacters, Stage: 3, Payload: CharactersPayload{WorldID: worldID}})
	pc.Set(domain.ContextEntry{Key: domain.KeyStructure, Stage: 4, Payload: StructurePayload{}})
	pc.Set(domain.ContextEntry{Key: domain.KeySegmentPlan, Stage: 5, Payload: SegmentPlanPayload{Segments: descs}})
	return pc, worldID
}

func TestSequentialGeneratorOrdersSegmentsByPlanIndex(t *testing.T) {
	mock := modelclient.NewMockClient()
	for range 3 {
		scriptJSON(mock, "adv-m", map[string]any{"text": words(20), "quality_self_score": 0.9})
	}
	deps := testDeps(t, mock, StageConfig{})
	pc, _ := segmentPlanContext(t, deps, 20, 20, 20)

	a := NewSequentialGenerator(deps)
	resp := a.Execute(context.Background(), domain.TierAdvanced, pc)
	require.True(t, resp.Success, "error: %v", resp.Error)

	segs := resp.Payload.(SegmentsPayload).Segments
	require.Len(t, segs, 3)
	for i, seg := range segs {
		require.Equal(t, i, seg.Index)
		require.GreaterOrEqual(t, seg.WordCount, 19)
	}
	require.Equal(t, 3, mock.CallCount("adv-m"))
}

func TestSequentialGeneratorRetriesTruncatedDraft(t *testing.T) {
	mock := modelclient.NewMockClient()
	scriptJSON(mock, "adv-m", map[string]any{"text": "it stops in the mid", "quality_self_score": 0.9})
	scriptJSON(mock, "adv-m", map[string]any{"text": words(20), "quality_self_score": 0.9})
	deps := testDeps(t, mock, StageConfig{})
	pc, _ := segmentPlanContext(t, deps, 20)

	a := NewSequentialGenerator(deps)
	resp := a.Execute(context.Background(), domain.TierAdvanced, pc)
	require.True(t, resp.Success, "error: %v", resp.Error)
	require.Equal(t, 2, mock.CallCount("adv-m"))
	// the failed first draft's spend is still in the stage's accounting
	require.Equal(t, 100, resp.PromptTokens)
	require.Equal(t, 200, resp.CompletionTokens)
}

func TestSequentialGeneratorEnforcesBannedPhrases(t *testing.T) {
	mock := modelclient.NewMockClient()
	scriptJSON(mock, "adv-m", map[string]any{"text": "Her heart beat like a drum. " + words(20), "quality_self_score": 0.9})
	scriptJSON(mock, "adv-m", map[string]any{"text": words(20), "quality_self_score": 0.9})
	deps := testDeps(t, mock, StageConfig{BannedPhrases: []validators.BannedPhrase{
		{Phrase: "heart beat like a drum", Policy: validators.PolicyNeverUse},
	}})
	pc, _ := segmentPlanContext(t, deps, 20)

	a := NewSequentialGenerator(deps)
	resp := a.Execute(context.Background(), domain.TierAdvanced, pc)
	require.True(t, resp.Success, "error: %v", resp.Error)
	require.Equal(t, 2, mock.CallCount("adv-m"))
}

func TestCoherenceValidatorGatesOnThreshold(t *testing.T) {
	draft := map[string]any{
		"logical":       []map[string]any{{"severity": "major", "description": "door locked in ch2, open in ch3"}},
		"psychological": []map[string]any{},
		"temporal":      []map[string]any{},
		"world_rule":    []map[string]any{},
	}

	mock := modelclient.NewMockClient()
	scriptJSON(mock, "mini-m", draft)
	deps := testDeps(t, mock, StageConfig{MinCoherenceScore: 0.85})
	pc, _ := segmentPlanContext(t, deps, 20)
	pc.Set(domain.ContextEntry{Key: domain.KeySegments, Stage: 6, Payload: SegmentsPayload{}})

	a := NewCoherenceValidator(deps)
	resp := a.Execute(context.Background(), domain.TierMini, pc)
	require.True(t, resp.Success, "error: %v", resp.Error)
	report := resp.Payload.(validators.CoherenceReport)
	require.InDelta(t, (0.92+3.0)/4, report.Composite, 1e-9)

	strict := testDeps(t, mock, StageConfig{MinCoherenceScore: 0.99})
	scriptJSON(mock, "mini-m", draft)
	b := NewCoherenceValidator(strict)
	resp = b.Execute(context.Background(), domain.TierMini, pc)
	require.False(t, resp.Success)
	require.Equal(t, domain.KindQuality, resp.Error.Kind)
}

func TestLanguageStylizerRetriesLowRetention(t *testing.T) {
	mock := modelclient.NewMockClient()
	scriptJSON(mock, "adv-m", map[string]any{"text": "much too short."})
	scriptJSON(mock, "adv-m", map[string]any{"text": words(21)})
	deps := testDeps(t, mock, StageConfig{})

	pc := domain.NewPipelineContext()
	original := domain.Segment{Index: 0, Text: words(20), WordCount: 21}
	pc.Set(domain.ContextEntry{Key: domain.KeySegments, Stage: 6, Payload: SegmentsPayload{Segments: []domain.Segment{original}}})

	a := NewLanguageStylizer(deps)
	resp := a.Execute(context.Background(), domain.TierAdvanced, pc)
	require.True(t, resp.Success, "error: %v", resp.Error)
	styl := resp.Payload.(StylizedSegmentsPayload).Segments
	require.Len(t, styl, 1)
	require.GreaterOrEqual(t, float64(styl[0].WordCount), 0.95*float64(original.WordCount))
	require.Equal(t, 2, mock.CallCount("adv-m"))
}

func TestEditorialReviewerValidateRejectsCountMismatch(t *testing.T) {
	a := NewEditorialReviewer(Deps{})
	pc := domain.NewPipelineContext()
	pc.Set(domain.ContextEntry{Key: domain.KeyStylizedSegments, Stage: 8, Payload: StylizedSegmentsPayload{
		Segments: []domain.Segment{{Index: 0}, {Index: 1}},
	}})
	issues := a.Validate(context.Background(), editorialDraft{FinalSegments: []domain.Segment{{Index: 0}}}, pc)
	require.Len(t, issues, 1)
}

func TestOutputProcessorWritesManifestIdempotently(t *testing.T) {
	deps := Deps{Memory: memory.NewInMemoryStore(), Log: testLogger(t)}
	worldID := seedWorld(t, deps.Memory)
	deps.Config.OutputDirectory = t.TempDir()

	pc := domain.NewPipelineContext()
	pc.Set(domain.ContextEntry{Key: domain.KeyWorldBible, Stage: 2, Payload: WorldBiblePayload{WorldID: worldID}})
	pc.Set(domain.ContextEntry{Key: domain.KeyCoherenceReport, Stage: 7, Payload: validators.CoherenceReport{Composite: 0.93}})
	pc.Set(domain.ContextEntry{Key: domain.KeyEditorialReport, Stage: 9, Payload: EditorialReportPayload{
		FinalSegments: []domain.Segment{
			{Index: 0, POVCharacterID: "c1", Text: "The bell rang backwards. " + words(10)},
			{Index: 1, POVCharacterID: "c1", Text: words(12)},
		},
	}})

	fixed := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	a := NewOutputProcessor(deps, "job-1", domain.Brief{ProductionType: domain.ProductionShortStory, Genre: "fantasy"}, func() time.Time { return fixed })

	resp := a.Execute(context.Background(), domain.TierMini, pc)
	require.True(t, resp.Success, "error: %v", resp.Error)
	manifest := resp.Payload.(OutputManifestPayload)
	require.Equal(t, 2, manifest.Metadata.SegmentCount)
	require.InDelta(t, 0.93, manifest.Metadata.CoherenceScore, 1e-9)

	jobDir := filepath.Join(deps.Config.OutputDirectory, "job-1")
	for _, name := range []string{"narrative.txt", "narrative_audiobook.txt", "metadata.json", "expansion.json"} {
		_, err := os.Stat(filepath.Join(jobDir, name))
		require.NoError(t, err, name)
	}
	firstMeta, err := os.ReadFile(filepath.Join(jobDir, "metadata.json"))
	require.NoError(t, err)

	// re-running the deterministic stage overwrites the same bytes
	resp = a.Execute(context.Background(), domain.TierMini, pc)
	require.True(t, resp.Success)
	secondMeta, err := os.ReadFile(filepath.Join(jobDir, "metadata.json"))
	require.NoError(t, err)
	require.Equal(t, string(firstMeta), string(secondMeta))

	audio, err := os.ReadFile(filepath.Join(jobDir, "narrative_audiobook.txt"))
	require.NoError(t, err)
	require.Contains(t, string(audio), "[SEGMENT 0 — POV: c1]")
}

func TestRehydrateContextRetypesCheckpointedPayloads(t *testing.T) {
	pc := domain.NewPipelineContext()
	pc.Set(domain.ContextEntry{Key: domain.KeyBriefInterpretation, Stage: 1, Payload: BriefInterpretation{TargetWordCount: 6000, WorldScale: domain.WorldScaleRegional}})
	pc.Set(domain.ContextEntry{Key: domain.KeyWorldBible, Stage: 2, Payload: WorldBiblePayload{WorldID: "w1", CoreConflict: "the forge is dying"}})
	pc.Set(domain.ContextEntry{Key: domain.KeySegmentPlan, Stage: 5, Payload: SegmentPlanPayload{Segments: []domain.SegmentDescriptor{{Index: 0, TargetWordCount: 20}}}})

	// simulate the checkpoint round-trip: typed payloads degrade to maps
	raw, err := json.Marshal(pc.Snapshot())
	require.NoError(t, err)
	var snap map[domain.ContextKey]*domain.ContextEntry
	require.NoError(t, json.Unmarshal(raw, &snap))
	restored := domain.RestoreFrom(snap)

	payload, _ := restored.Get(domain.KeyWorldBible)
	_, isMap := payload.(map[string]any)
	require.True(t, isMap, "restored payload should be a generic map before rehydration")

	require.NoError(t, RehydrateContext(restored))

	wbRaw, _ := restored.Get(domain.KeyWorldBible)
	wb, ok := wbRaw.(WorldBiblePayload)
	require.True(t, ok)
	require.Equal(t, "w1", wb.WorldID)

	planRaw, _ := restored.Get(domain.KeySegmentPlan)
	plan, ok := planRaw.(SegmentPlanPayload)
	require.True(t, ok)
	require.Len(t, plan.Segments, 1)

	worldID, err := worldIDFromContext(restored)
	require.NoError(t, err)
	require.Equal(t, "w1", worldID)
}
