package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/narraforge/core/internal/domain"
)

// Beat is one planned causal link between adjacent chapters: "therefore" or
// "but", never the flatter "and then".
type Beat struct {
	Chapter    int    `json:"chapter"`
	Summary    string `json:"summary"`
	CausalLink string `json:"causal_link"` // "therefore" | "but" for chapter>1
}

// Act groups a contiguous run of chapters under one structural movement.
type Act struct {
	Name     string `json:"name"`
	Chapters []Beat `json:"chapters"`
}

// StructurePayload is stage 4's context entry.
type StructurePayload struct {
	Acts []Act `json:"acts"`
}

// StructureDesigner is stage 4.
type StructureDesigner struct {
	Deps
}

func NewStructureDesigner(deps Deps) *StructureDesigner { return &StructureDesigner{Deps: deps} }

func (a *StructureDesigner) Stage() int { return 4 }
func (a *StructureDesigner) RequiredKeys() []domain.ContextKey {
	return []domain.ContextKey{domain.KeyBriefInterpretation, domain.KeyWorldBible, domain.KeyCharacters}
}
func (a *StructureDesigner) ProducedKey() domain.ContextKey       { return domain.KeyStructure }
func (a *StructureDesigner) PreferredModelTier() domain.ModelTier { return domain.TierMini }

func (a *StructureDesigner) SystemPrompt() string {
	return "You are the Structure Designer. Produce a strict JSON act/chapter skeleton: " +
		`{"acts":[{"name":string,"chapters":[{"chapter":int,"summary":string,"causal_link":"therefore"|"but"}]}]}. ` +
		`Every chapter after the first must link to its predecessor with "therefore" or "but" — never "and then".`
}

func (a *StructureDesigner) BuildUserPrompt(ctx context.Context, pc *domain.PipelineContext) (string, error) {
	bi, _ := pc.Get(domain.KeyBriefInterpretation)
	raw, _ := json.Marshal(bi)
	return fmt.Sprintf("Normalised brief: %s\nDesign chapters that satisfy the target chapter count.", raw), nil
}

func (a *StructureDesigner) Parse(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var out StructurePayload
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("stage4: malformed structure: %w", err)
	}
	return out, nil
}

func (a *StructureDesigner) Validate(ctx context.Context, payload any, pc *domain.PipelineContext) []string {
	st, ok := payload.(StructurePayload)
	if !ok {
		return []string{"payload is not a StructurePayload"}
	}
	var issues []string
	if len(st.Acts) == 0 {
		issues = append(issues, "at least one act is required")
	}
	seen := 0
	for _, act := range st.Acts {
		for _, ch := range act.Chapters {
			seen++
			if seen == 1 {
				continue
			}
			link := strings.ToLower(strings.TrimSpace(ch.CausalLink))
			if link != "therefore" && link != "but" {
				issues = append(issues, fmt.Sprintf("chapter %d uses disallowed causal_link %q", ch.Chapter, ch.CausalLink))
			}
		}
	}
	return issues
}

func (a *StructureDesigner) Execute(ctx context.Context, tier domain.ModelTier, pc *domain.PipelineContext) domain.AgentResponse {
	prompt, err := a.BuildUserPrompt(ctx, pc)
	if err != nil {
		return domain.AgentResponse{Success: false, Error: domain.NewStageError(4, domain.KindValidation, 1, err)}
	}
	return call(ctx, a.Router, 4, tier, a.SystemPrompt(), prompt, 2000, 0.6, a.Parse, func(p any) []string {
		return a.Validate(ctx, p, pc)
	})
}
