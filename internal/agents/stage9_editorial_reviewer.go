package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/validators"
)

// EditorialReportPayload is stage 9's context entry: the final, cut
// version of the stylised segments plus a changelog.
type EditorialReportPayload struct {
	FinalSegments []domain.Segment `json:"final_segments"`
	Changes       []string         `json:"changes"`
	Rationale     []string         `json:"rationale"`
}

type editorialDraft struct {
	FinalSegments []domain.Segment `json:"final_segments"`
	Changes       []string         `json:"changes"`
	Rationale     []string         `json:"rationale"`
}

// EditorialReviewer is stage 9.
type EditorialReviewer struct {
	Deps
}

func NewEditorialReviewer(deps Deps) *EditorialReviewer { return &EditorialReviewer{Deps: deps} }

func (a *EditorialReviewer) Stage() int { return 9 }
func (a *EditorialReviewer) RequiredKeys() []domain.ContextKey {
	return []domain.ContextKey{domain.KeyStylizedSegments}
}
func (a *EditorialReviewer) ProducedKey() domain.ContextKey       { return domain.KeyEditorialReport }
func (a *EditorialReviewer) PreferredModelTier() domain.ModelTier { return domain.TierMini }

func (a *EditorialReviewer) SystemPrompt() string {
	return "You are the Editorial Reviewer. Cut and tighten the stylised segments without changing their order or " +
		"count. Respond as strict JSON: " +
		`{"final_segments":[{"index":int,"pov_character_id":string,"goal":string,"conflict":string,"text":string,"quality_self_score":number,"word_count":int}],"changes":[string],"rationale":[string]}.`
}

func (a *EditorialReviewer) BuildUserPrompt(ctx context.Context, pc *domain.PipelineContext) (string, error) {
	stylised, ok := pc.Get(domain.KeyStylizedSegments)
	if !ok {
		return "", fmt.Errorf("stage9: missing required key stylized_segments")
	}
	raw, _ := json.Marshal(stylised)
	return fmt.Sprintf("Stylised segments: %s\nApply cliché and repetition cleanup; keep segment count and order unchanged.", raw), nil
}

func (a *EditorialReviewer) Parse(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var out editorialDraft
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("stage9: malformed editorial draft: %w", err)
	}
	return out, nil
}

func (a *EditorialReviewer) Validate(ctx context.Context, payload any, pc *domain.PipelineContext) []string {
	draft, ok := payload.(editorialDraft)
	if !ok {
		return []string{"payload is not an editorialDraft"}
	}
	var issues []string
	stylisedRaw, ok := pc.Get(domain.KeyStylizedSegments)
	if ok {
		want := len(stylisedRaw.(StylizedSegmentsPayload).Segments)
		if len(draft.FinalSegments) != want {
			issues = append(issues, fmt.Sprintf("final segment count %d does not match stylised count %d", len(draft.FinalSegments), want))
		}
	}
	for _, seg := range draft.FinalSegments {
		if len(a.Config.BannedPhrases) > 0 {
			if v := validators.DetectCliches(seg.Text, a.Config.BannedPhrases); len(v) > 0 {
				issues = append(issues, fmt.Sprintf("segment %d still contains %d banned phrase(s)", seg.Index, len(v)))
			}
		}
		if len(a.Config.RepetitionBudgets) > 0 {
			if v := validators.DetectRepetition(seg.Text, a.Config.RepetitionBudgets); len(v) > 0 {
				issues = append(issues, fmt.Sprintf("segment %d still exceeds %d repetition budget(s)", seg.Index, len(v)))
			}
		}
	}
	return issues
}

func (a *EditorialReviewer) Execute(ctx context.Context, tier domain.ModelTier, pc *domain.PipelineContext) domain.AgentResponse {
	prompt, err := a.BuildUserPrompt(ctx, pc)
	if err != nil {
		return domain.AgentResponse{Success: false, Error: domain.NewStageError(9, domain.KindValidation, 1, err)}
	}
	resp := call(ctx, a.Router, 9, tier, a.SystemPrompt(), prompt, 6000, 0.3, a.Parse, func(p any) []string {
		return a.Validate(ctx, p, pc)
	})
	if !resp.Success {
		return resp
	}
	draft := resp.Payload.(editorialDraft)
	for i := range draft.FinalSegments {
		draft.FinalSegments[i].WordCount = wordCount(draft.FinalSegments[i].Text)
	}
	resp.Payload = EditorialReportPayload{FinalSegments: draft.FinalSegments, Changes: draft.Changes, Rationale: draft.Rationale}
	return resp
}
