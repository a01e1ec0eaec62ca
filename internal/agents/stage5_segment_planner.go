package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/narraforge/core/internal/domain"
)

// SegmentPlanPayload is stage 5's context entry: an ordered sequence of
// segment descriptors whose target word counts sum to the overall target
// within ±10%.
type SegmentPlanPayload struct {
	Segments []domain.SegmentDescriptor `json:"segments"`
}

// SegmentPlanner is stage 5.
type SegmentPlanner struct {
	Deps
}

func NewSegmentPlanner(deps Deps) *SegmentPlanner { return &SegmentPlanner{Deps: deps} }

func (a *SegmentPlanner) Stage() int { return 5 }
func (a *SegmentPlanner) RequiredKeys() []domain.ContextKey {
	return []domain.ContextKey{domain.KeyBriefInterpretation, domain.KeyCharacters, domain.KeyStructure}
}
func (a *SegmentPlanner) ProducedKey() domain.ContextKey       { return domain.KeySegmentPlan }
func (a *SegmentPlanner) PreferredModelTier() domain.ModelTier { return domain.TierMini }

func (a *SegmentPlanner) SystemPrompt() string {
	return "You are the Segment Planner. Produce a strict JSON object: " +
		`{"segments":[{"index":int,"goal":string,"conflict":string,"pov_character_id":string,"target_word_count":int,"expected_emotional_beat":string}]}. ` +
		"The sum of target_word_count across segments must equal the brief's target word count within ±10%."
}

func (a *SegmentPlanner) BuildUserPrompt(ctx context.Context, pc *domain.PipelineContext) (string, error) {
	bi, _ := pc.Get(domain.KeyBriefInterpretation)
	st, _ := pc.Get(domain.KeyStructure)
	chars, _ := pc.Get(domain.KeyCharacters)
	biRaw, _ := json.Marshal(bi)
	stRaw, _ := json.Marshal(st)
	charsRaw, _ := json.Marshal(chars)
	return fmt.Sprintf("Brief: %s\nStructure: %s\nCharacters: %s\nPlan one segment per chapter, assigning a POV character id from the list above.",
		biRaw, stRaw, charsRaw), nil
}

func (a *SegmentPlanner) Parse(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var out SegmentPlanPayload
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("stage5: malformed segment plan: %w", err)
	}
	return out, nil
}

func (a *SegmentPlanner) Validate(ctx context.Context, payload any, pc *domain.PipelineContext) []string {
	plan, ok := payload.(SegmentPlanPayload)
	if !ok {
		return []string{"payload is not a SegmentPlanPayload"}
	}
	var issues []string
	if len(plan.Segments) == 0 {
		issues = append(issues, "at least one segment is required")
		return issues
	}
	for i, s := range plan.Segments {
		if s.Index != i {
			issues = append(issues, fmt.Sprintf("segment at position %d has out-of-order index %d", i, s.Index))
		}
	}
	biRaw, ok := pc.Get(domain.KeyBriefInterpretation)
	if ok {
		bi := biRaw.(BriefInterpretation)
		sum := 0
		for _, s := range plan.Segments {
			sum += s.TargetWordCount
		}
		if bi.TargetWordCount > 0 {
			delta := math.Abs(float64(sum-bi.TargetWordCount)) / float64(bi.TargetWordCount)
			if delta > 0.10 {
				issues = append(issues, fmt.Sprintf("segment target sum %d deviates >10%% from brief target %d", sum, bi.TargetWordCount))
			}
		}
	}
	if charsRaw, ok := pc.Get(domain.KeyCharacters); ok {
		known := make(map[string]bool)
		for _, c := range charsRaw.(CharactersPayload).Characters {
			known[c.ID] = true
		}
		for _, s := range plan.Segments {
			if !known[s.POVCharacterID] {
				issues = append(issues, fmt.Sprintf("segment %d references unknown POV character %q", s.Index, s.POVCharacterID))
			}
		}
	}
	return issues
}

func (a *SegmentPlanner) Execute(ctx context.Context, tier domain.ModelTier, pc *domain.PipelineContext) domain.AgentResponse {
	prompt, err := a.BuildUserPrompt(ctx, pc)
	if err != nil {
		return domain.AgentResponse{Success: false, Error: domain.NewStageError(5, domain.KindValidation, 1, err)}
	}
	return call(ctx, a.Router, 5, tier, a.SystemPrompt(), prompt, 2500, 0.6, a.Parse, func(p any) []string {
		return a.Validate(ctx, p, pc)
	})
}
