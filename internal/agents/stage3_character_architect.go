package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/narraforge/core/internal/domain"
)

// CharacterPayload mirrors domain.Character minus generated bookkeeping, the
// shape stage 3's model call produces.
type CharacterPayload struct {
	Name               string   `json:"name"`
	InternalTrajectory string   `json:"internal_trajectory"`
	Contradictions     []string `json:"contradictions"`
	CognitiveLimits    []string `json:"cognitive_limits"`
	EvolutionCapacity  float64  `json:"evolution_capacity"`
}

// CharactersPayload is stage 3's context entry: the persisted character
// records, in creation order.
type CharactersPayload struct {
	WorldID    string              `json:"world_id"`
	Characters []domain.Character  `json:"characters"`
}

// CharacterArchitect is stage 3. Every character must carry at least one
// contradiction and one cognitive limit, with evolution_capacity in [0,1]
// ("characters as processes" invariant).
type CharacterArchitect struct {
	Deps
}

func NewCharacterArchitect(deps Deps) *CharacterArchitect { return &CharacterArchitect{Deps: deps} }

func (a *CharacterArchitect) Stage() int { return 3 }
func (a *CharacterArchitect) RequiredKeys() []domain.ContextKey {
	return []domain.ContextKey{domain.KeyBriefInterpretation, domain.KeyWorldBible}
}
func (a *CharacterArchitect) ProducedKey() domain.ContextKey       { return domain.KeyCharacters }
func (a *CharacterArchitect) PreferredModelTier() domain.ModelTier { return domain.TierMini }

func (a *CharacterArchitect) SystemPrompt() string {
	return "You are the Character Architect. Produce a strict JSON array of character objects: " +
		`[{"name":string,"internal_trajectory":string,"contradictions":[string, at least one],"cognitive_limits":[string, at least one],"evolution_capacity":number in [0,1]}]. ` +
		"Every character must have at least one contradiction and one cognitive limit."
}

func (a *CharacterArchitect) BuildUserPrompt(ctx context.Context, pc *domain.PipelineContext) (string, error) {
	wbRaw, ok := pc.Get(domain.KeyWorldBible)
	if !ok {
		return "", fmt.Errorf("stage3: missing required key world_bible")
	}
	wb := wbRaw.(WorldBiblePayload)
	summary, err := a.Memory.SummariseWorld(ctx, wb.WorldID, 150)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("World summary: %s\nCreate characters whose contradictions are entangled with the core conflict.", summary), nil
}

func (a *CharacterArchitect) Parse(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var out []CharacterPayload
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("stage3: malformed character list: %w", err)
	}
	return out, nil
}

func (a *CharacterArchitect) Validate(ctx context.Context, payload any, pc *domain.PipelineContext) []string {
	chars, ok := payload.([]CharacterPayload)
	if !ok {
		return []string{"payload is not a []CharacterPayload"}
	}
	var issues []string
	for i, c := range chars {
		if len(c.Contradictions) == 0 {
			issues = append(issues, fmt.Sprintf("character %d (%s) has no contradiction", i, c.Name))
		}
		if len(c.CognitiveLimits) == 0 {
			issues = append(issues, fmt.Sprintf("character %d (%s) has no cognitive limit", i, c.Name))
		}
		if c.EvolutionCapacity < 0 || c.EvolutionCapacity > 1 {
			issues = append(issues, fmt.Sprintf("character %d (%s) evolution_capacity out of [0,1]", i, c.Name))
		}
	}
	return issues
}

func (a *CharacterArchitect) Execute(ctx context.Context, tier domain.ModelTier, pc *domain.PipelineContext) domain.AgentResponse {
	wbRaw, ok := pc.Get(domain.KeyWorldBible)
	if !ok {
		return domain.AgentResponse{Success: false, Error: domain.NewStageError(3, domain.KindValidation, 1, fmt.Errorf("missing world_bible"))}
	}
	wb := wbRaw.(WorldBiblePayload)

	prompt, err := a.BuildUserPrompt(ctx, pc)
	if err != nil {
		return domain.AgentResponse{Success: false, Error: domain.NewStageError(3, domain.KindValidation, 1, err)}
	}
	resp := call(ctx, a.Router, 3, tier, a.SystemPrompt(), prompt, 2000, 0.8, a.Parse, func(p any) []string {
		return a.Validate(ctx, p, pc)
	})
	if !resp.Success {
		return resp
	}
	drafted := resp.Payload.([]CharacterPayload)
	persisted := make([]domain.Character, 0, len(drafted))
	for _, c := range drafted {
		rec := domain.Character{
			WorldID: wb.WorldID, Name: c.Name, InternalTrajectory: c.InternalTrajectory,
			Contradictions: c.Contradictions, CognitiveLimits: c.CognitiveLimits,
			EvolutionCapacity: c.EvolutionCapacity, CreatedAt: time.Now().UTC(),
		}
		id, err := a.Memory.PutCharacter(ctx, rec)
		if err != nil {
			resp.Success = false
			resp.Error = domain.NewStageError(3, domain.KindValidation, 1, err)
			return resp
		}
		rec.ID = id
		persisted = append(persisted, rec)
	}
	resp.Payload = CharactersPayload{WorldID: wb.WorldID, Characters: persisted}
	return resp
}
