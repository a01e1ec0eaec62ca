package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/validators"
)

// SegmentsPayload is stage 6's context entry: the ordered prose segments,
// index equal to plan index. Segment order never changes after generation.
type SegmentsPayload struct {
	Segments []domain.Segment `json:"segments"`
}

type segmentDraft struct {
	Text             string  `json:"text"`
	QualitySelfScore float64 `json:"quality_self_score"`
}

// maxSegmentAttempts bounds the per-segment scene->revision loop.
const maxSegmentAttempts = 3

// segmentConcurrency bounds the worker pool issuing parallel model calls
// for independent segments, sized well under typical per-minute rate-limit
// quotas.
const segmentConcurrency = 4

// SequentialGenerator is stage 6, one of the two agents forced onto the
// advanced tier regardless of configuration. It reads the
// world id written by stage 2 out of the Pipeline Context rather than
// holding one itself, since it is constructed before stage 2 has run.
type SequentialGenerator struct {
	Deps
}

func NewSequentialGenerator(deps Deps) *SequentialGenerator {
	return &SequentialGenerator{Deps: deps}
}

func (a *SequentialGenerator) Stage() int { return 6 }
func (a *SequentialGenerator) RequiredKeys() []domain.ContextKey {
	return []domain.ContextKey{domain.KeySegmentPlan, domain.KeyWorldBible, domain.KeyCharacters, domain.KeyStructure}
}
func (a *SequentialGenerator) ProducedKey() domain.ContextKey       { return domain.KeySegments }
func (a *SequentialGenerator) PreferredModelTier() domain.ModelTier { return domain.TierAdvanced }

func (a *SequentialGenerator) SystemPrompt() string {
	return "You are the Sequential Generator. Write one prose segment as strict JSON: " +
		`{"text":string,"quality_self_score":number in [0,1]}. ` +
		"Finish every sentence; never truncate mid-word. Avoid banned phrases and avoid overusing connective words."
}

func (a *SequentialGenerator) BuildUserPrompt(ctx context.Context, pc *domain.PipelineContext) (string, error) {
	worldID, err := worldIDFromContext(pc)
	if err != nil {
		return "", err
	}
	return a.buildSegmentPrompt(ctx, worldID, domain.SegmentDescriptor{})
}

func (a *SequentialGenerator) buildSegmentPrompt(ctx context.Context, worldID string, desc domain.SegmentDescriptor) (string, error) {
	worldSummary, err := a.Memory.SummariseWorld(ctx, worldID, 200)
	if err != nil {
		return "", err
	}
	charSummary, err := a.Memory.SummariseCharacter(ctx, desc.POVCharacterID, 120)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"World: %s\nPOV character: %s\nGoal: %s\nConflict: %s\nTarget words: %d\nEmotional beat: %s",
		worldSummary, charSummary, desc.Goal, desc.Conflict, desc.TargetWordCount, desc.EmotionalBeat,
	), nil
}

func (a *SequentialGenerator) Parse(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var out segmentDraft
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("stage6: malformed segment draft: %w", err)
	}
	return out, nil
}

func (a *SequentialGenerator) Validate(ctx context.Context, payload any, pc *domain.PipelineContext) []string {
	draft, ok := payload.(segmentDraft)
	if !ok {
		return []string{"payload is not a segmentDraft"}
	}
	var issues []string
	if len(a.Config.BannedPhrases) > 0 {
		if violations := validators.DetectCliches(draft.Text, a.Config.BannedPhrases); len(violations) > 0 {
			issues = append(issues, fmt.Sprintf("%d banned-phrase violation(s)", len(violations)))
		}
	}
	if len(a.Config.RepetitionBudgets) > 0 {
		if violations := validators.DetectRepetition(draft.Text, a.Config.RepetitionBudgets); len(violations) > 0 {
			issues = append(issues, fmt.Sprintf("%d repetition-budget violation(s)", len(violations)))
		}
	}
	return issues
}

// generateOne runs the scene->revision loop for a single segment, retrying
// internally up to maxSegmentAttempts before surfacing a quality error.
func (a *SequentialGenerator) generateOne(ctx context.Context, tier domain.ModelTier, worldID string, desc domain.SegmentDescriptor) (domain.Segment, domain.AgentResponse) {
	prompt, err := a.buildSegmentPrompt(ctx, worldID, desc)
	if err != nil {
		return domain.Segment{}, domain.AgentResponse{Success: false, Error: domain.NewStageError(6, domain.KindValidation, 1, err)}
	}

	// Token/cost totals carry across attempts: a failed draft's spend is
	// real and must reach the stage's accounting.
	var totPrompt, totCompletion int
	var totCost float64

	var last domain.AgentResponse
	for attempt := 1; attempt <= maxSegmentAttempts; attempt++ {
		if ctx.Err() != nil {
			return domain.Segment{}, domain.AgentResponse{Success: false, PromptTokens: totPrompt, CompletionTokens: totCompletion, USDCost: totCost,
				Error: domain.NewStageError(6, domain.KindCancellation, attempt, ctx.Err())}
		}
		resp := call(ctx, a.Router, 6, tier, a.SystemPrompt(), prompt, desc.TargetWordCount*4, 0.9, a.Parse, func(p any) []string {
			return a.Validate(ctx, p, nil)
		})
		totPrompt += resp.PromptTokens
		totCompletion += resp.CompletionTokens
		totCost += resp.USDCost
		last = resp
		if !resp.Success {
			if resp.Error != nil && !resp.Error.Kind.Retryable() {
				break
			}
			continue
		}
		draft := resp.Payload.(segmentDraft)
		if validators.CutDetected(desc.TargetWordCount, draft.Text) {
			last.Success = false
			last.Error = domain.NewStageError(6, domain.KindQuality, attempt, fmt.Errorf("segment %d appears truncated", desc.Index))
			continue
		}
		seg := domain.Segment{
			Index: desc.Index, POVCharacterID: desc.POVCharacterID, Goal: desc.Goal, Conflict: desc.Conflict,
			Text: draft.Text, QualitySelfScore: draft.QualitySelfScore, WordCount: wordCount(draft.Text),
		}
		resp.PromptTokens, resp.CompletionTokens, resp.USDCost = totPrompt, totCompletion, totCost
		return seg, resp
	}
	last.PromptTokens, last.CompletionTokens, last.USDCost = totPrompt, totCompletion, totCost
	return domain.Segment{}, last
}

// Execute generates every planned segment through a bounded worker pool,
// collecting results into an ordered slice by segment index and failing
// the whole stage only when a segment exhausts its per-segment retry
// budget.
func (a *SequentialGenerator) Execute(ctx context.Context, tier domain.ModelTier, pc *domain.PipelineContext) domain.AgentResponse {
	planRaw, ok := pc.Get(domain.KeySegmentPlan)
	if !ok {
		return domain.AgentResponse{Success: false, Error: domain.NewStageError(6, domain.KindValidation, 1, fmt.Errorf("missing segment_plan"))}
	}
	plan := planRaw.(SegmentPlanPayload)
	worldID, err := worldIDFromContext(pc)
	if err != nil {
		return domain.AgentResponse{Success: false, Error: domain.NewStageError(6, domain.KindValidation, 1, err)}
	}

	segments := make([]domain.Segment, len(plan.Segments))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(segmentConcurrency)

	var totalPrompt, totalCompletion int
	var totalCost float64
	var firstErr *domain.StageError
	var mu sync.Mutex

	for _, desc := range plan.Segments {
		desc := desc
		group.Go(func() error {
			seg, resp := a.generateOne(gctx, tier, worldID, desc)
			mu.Lock()
			defer mu.Unlock()
			totalPrompt += resp.PromptTokens
			totalCompletion += resp.CompletionTokens
			totalCost += resp.USDCost
			if !resp.Success {
				if firstErr == nil {
					firstErr = resp.Error
				}
				return resp.Error
			}
			segments[desc.Index] = seg
			return nil
		})
	}

	_ = group.Wait()
	if firstErr != nil {
		return domain.AgentResponse{Success: false, PromptTokens: totalPrompt, CompletionTokens: totalCompletion, USDCost: totalCost, Error: firstErr}
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].Index < segments[j].Index })
	return domain.AgentResponse{
		Success: true, Payload: SegmentsPayload{Segments: segments},
		PromptTokens: totalPrompt, CompletionTokens: totalCompletion, USDCost: totalCost,
		ModelUsed: string(tier),
	}
}
