package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/narraforge/core/internal/domain"
)

// BriefInterpretation is stage 1's payload: normalised production
// parameters every later stage reads instead of re-deriving from the raw
// brief.
type BriefInterpretation struct {
	ProductionType   domain.ProductionType `json:"production_type"`
	Genre            string                `json:"genre"`
	TargetWordCount  int                   `json:"target_word_count"`
	TargetChapters   int                   `json:"target_chapter_count"`
	Tone             string                `json:"tone"`
	ThematicFocus    string                `json:"thematic_focus"`
	WorldScale       domain.WorldScale     `json:"world_scale"`
}

// BriefInterpreter is stage 1. It never itself guesses content language —
// that is a job attribute carried verbatim, not inferred.
type BriefInterpreter struct {
	Deps
	Brief domain.Brief
}

func NewBriefInterpreter(deps Deps, brief domain.Brief) *BriefInterpreter {
	return &BriefInterpreter{Deps: deps, Brief: brief}
}

func (a *BriefInterpreter) Stage() int                       { return 1 }
func (a *BriefInterpreter) RequiredKeys() []domain.ContextKey { return nil }
func (a *BriefInterpreter) ProducedKey() domain.ContextKey    { return domain.KeyBriefInterpretation }
func (a *BriefInterpreter) PreferredModelTier() domain.ModelTier { return domain.TierMini }

func (a *BriefInterpreter) SystemPrompt() string {
	return "You are the Brief Interpreter. Normalise the production brief into a strict JSON object " +
		`matching {"production_type":string,"genre":string,"target_word_count":int,"target_chapter_count":int,"tone":string,"thematic_focus":string,"world_scale":"intimate|regional|global|cosmic"}. ` +
		"Output must be deterministic for identical briefs modulo model non-determinism. No prose outside the JSON object."
}

func (a *BriefInterpreter) BuildUserPrompt(ctx context.Context, pc *domain.PipelineContext) (string, error) {
	raw, err := json.Marshal(a.Brief)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Brief: %s\nInfer world_scale and chapter count consistent with production_type and target_word_count.", raw), nil
}

func (a *BriefInterpreter) Parse(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var out BriefInterpretation
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("stage1: malformed brief interpretation: %w", err)
	}
	return out, nil
}

func (a *BriefInterpreter) Validate(ctx context.Context, payload any, pc *domain.PipelineContext) []string {
	bi, ok := payload.(BriefInterpretation)
	if !ok {
		return []string{"payload is not a BriefInterpretation"}
	}
	var issues []string
	if !bi.ProductionType.Valid() {
		issues = append(issues, "invalid production_type")
	}
	if bi.TargetWordCount <= 0 {
		issues = append(issues, "target_word_count must be positive")
	}
	switch bi.WorldScale {
	case domain.WorldScaleIntimate, domain.WorldScaleRegional, domain.WorldScaleGlobal, domain.WorldScaleCosmic:
	default:
		issues = append(issues, "invalid world_scale")
	}
	return issues
}

func (a *BriefInterpreter) Execute(ctx context.Context, tier domain.ModelTier, pc *domain.PipelineContext) domain.AgentResponse {
	prompt, err := a.BuildUserPrompt(ctx, pc)
	if err != nil {
		return domain.AgentResponse{Success: false, Error: domain.NewStageError(1, domain.KindPermanent, 1, err)}
	}
	return call(ctx, a.Router, 1, tier, a.SystemPrompt(), prompt, 800, 0.2, a.Parse, func(p any) []string {
		return a.Validate(ctx, p, pc)
	})
}
