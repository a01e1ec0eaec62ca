package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/validators"
)

// coherenceDraft is the raw shape the model returns: one issue list per
// dimension. The additive scoring itself is deterministic Go
// code, not something the model is trusted to compute.
type coherenceDraft struct {
	Logical       []validators.CoherenceIssue `json:"logical"`
	Psychological []validators.CoherenceIssue `json:"psychological"`
	Temporal      []validators.CoherenceIssue `json:"temporal"`
	WorldRule     []validators.CoherenceIssue `json:"world_rule"`
}

// CoherenceValidator is stage 7. Its minimum threshold is configurable
// (default 0.85) and not auto-tuned by genre.
type CoherenceValidator struct {
	Deps
}

func NewCoherenceValidator(deps Deps) *CoherenceValidator { return &CoherenceValidator{Deps: deps} }

func (a *CoherenceValidator) Stage() int { return 7 }
func (a *CoherenceValidator) RequiredKeys() []domain.ContextKey {
	return []domain.ContextKey{domain.KeySegments, domain.KeyWorldBible, domain.KeyCharacters, domain.KeyStructure}
}
func (a *CoherenceValidator) ProducedKey() domain.ContextKey { return domain.KeyCoherenceReport }

func (a *CoherenceValidator) PreferredModelTier() domain.ModelTier {
	if a.Config.Stage7Advanced {
		return domain.TierAdvanced
	}
	return domain.TierMini
}

func (a *CoherenceValidator) SystemPrompt() string {
	return "You are the Coherence Validator. Read the segments against the world, characters, and structure. " +
		"List every issue you find, one per dimension, as strict JSON: " +
		`{"logical":[{"severity":"critical|major|minor|warning","description":string}],"psychological":[...],"temporal":[...],"world_rule":[...]}. ` +
		"An empty list for a dimension means no issues were found."
}

func (a *CoherenceValidator) BuildUserPrompt(ctx context.Context, pc *domain.PipelineContext) (string, error) {
	segs, ok := pc.Get(domain.KeySegments)
	if !ok {
		return "", fmt.Errorf("stage7: missing required key segments")
	}
	st, _ := pc.Get(domain.KeyStructure)
	segRaw, _ := json.Marshal(segs)
	stRaw, _ := json.Marshal(st)
	return fmt.Sprintf("Segments: %s\nStructure: %s\nFlag any logical, psychological, temporal, or world-rule violation.", segRaw, stRaw), nil
}

func (a *CoherenceValidator) Parse(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var out coherenceDraft
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("stage7: malformed coherence draft: %w", err)
	}
	return out, nil
}

func (a *CoherenceValidator) Validate(ctx context.Context, payload any, pc *domain.PipelineContext) []string {
	_, ok := payload.(coherenceDraft)
	if !ok {
		return []string{"payload is not a coherenceDraft"}
	}
	return nil
}

// threshold resolves the effective gate: the per-genre override wins over
// the global minimum when one is configured for the job's genre.
func (a *CoherenceValidator) threshold(pc *domain.PipelineContext) float64 {
	thr := a.Config.MinCoherenceScore
	if biRaw, ok := pc.Get(domain.KeyBriefInterpretation); ok {
		if bi, ok := biRaw.(BriefInterpretation); ok {
			if v, ok := a.Config.MinCoherenceByGenre[strings.ToLower(bi.Genre)]; ok {
				thr = v
			}
		}
	}
	return thr
}

func (a *CoherenceValidator) Execute(ctx context.Context, tier domain.ModelTier, pc *domain.PipelineContext) domain.AgentResponse {
	prompt, err := a.BuildUserPrompt(ctx, pc)
	if err != nil {
		return domain.AgentResponse{Success: false, Error: domain.NewStageError(7, domain.KindValidation, 1, err)}
	}
	resp := call(ctx, a.Router, 7, tier, a.SystemPrompt(), prompt, 2000, 0.1, a.Parse, func(p any) []string {
		return a.Validate(ctx, p, pc)
	})
	if !resp.Success {
		return resp
	}
	draft := resp.Payload.(coherenceDraft)
	threshold := a.threshold(pc)
	report := validators.BuildReport(draft.Logical, draft.Psychological, draft.Temporal, draft.WorldRule, threshold)
	if !validators.Passes(report.Composite, threshold) {
		resp.Success = false
		resp.Payload = nil
		resp.Error = domain.NewStageError(7, domain.KindQuality, 1,
			fmt.Errorf("composite coherence %.2f below threshold %.2f", report.Composite, threshold))
		return resp
	}
	resp.Payload = report
	return resp
}
