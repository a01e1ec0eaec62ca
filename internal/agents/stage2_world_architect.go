package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/narraforge/core/internal/domain"
)

// WorldBiblePayload is stage 2's context entry: the world record plus the
// identifier Triple Memory assigned it, so later stages can summarise()
// instead of re-reading full text.
type WorldBiblePayload struct {
	WorldID          string            `json:"world_id"`
	Rules            []string          `json:"rules"`
	Boundaries       []string          `json:"boundaries"`
	Anomalies        []string          `json:"anomalies"`
	CoreConflict     string            `json:"core_conflict"`
	ExistentialTheme string            `json:"existential_theme"`
	Scale            domain.WorldScale `json:"scale"`
}

// WorldArchitect is stage 2. Exactly one world is created per job; it
// persists to Structural Memory and is immutable for the rest of the job.
type WorldArchitect struct {
	Deps
	JobID string
}

func NewWorldArchitect(deps Deps, jobID string) *WorldArchitect {
	return &WorldArchitect{Deps: deps, JobID: jobID}
}

func (a *WorldArchitect) Stage() int { return 2 }
func (a *WorldArchitect) RequiredKeys() []domain.ContextKey {
	return []domain.ContextKey{domain.KeyBriefInterpretation}
}
func (a *WorldArchitect) ProducedKey() domain.ContextKey       { return domain.KeyWorldBible }
func (a *WorldArchitect) PreferredModelTier() domain.ModelTier { return domain.TierMini }

func (a *WorldArchitect) SystemPrompt() string {
	return "You are the World Architect. Produce a world bible as strict JSON: " +
		`{"rules":[string],"boundaries":[string],"anomalies":[string],"core_conflict":string,"existential_theme":string,"scale":"intimate|regional|global|cosmic"}. ` +
		"The world must be internally consistent: every anomaly must not contradict a listed rule."
}

func (a *WorldArchitect) BuildUserPrompt(ctx context.Context, pc *domain.PipelineContext) (string, error) {
	bi, ok := pc.Get(domain.KeyBriefInterpretation)
	if !ok {
		return "", fmt.Errorf("stage2: missing required key brief_interpretation")
	}
	raw, _ := json.Marshal(bi)
	return fmt.Sprintf("Normalised brief: %s\nDesign a world whose scale matches world_scale.", raw), nil
}

func (a *WorldArchitect) Parse(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var out WorldBiblePayload
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("stage2: malformed world bible: %w", err)
	}
	return out, nil
}

func (a *WorldArchitect) Validate(ctx context.Context, payload any, pc *domain.PipelineContext) []string {
	wb, ok := payload.(WorldBiblePayload)
	if !ok {
		return []string{"payload is not a WorldBiblePayload"}
	}
	var issues []string
	if wb.CoreConflict == "" {
		issues = append(issues, "core_conflict is required")
	}
	if wb.ExistentialTheme == "" {
		issues = append(issues, "existential_theme is required")
	}
	return issues
}

func (a *WorldArchitect) Execute(ctx context.Context, tier domain.ModelTier, pc *domain.PipelineContext) domain.AgentResponse {
	prompt, err := a.BuildUserPrompt(ctx, pc)
	if err != nil {
		return domain.AgentResponse{Success: false, Error: domain.NewStageError(2, domain.KindValidation, 1, err)}
	}
	resp := call(ctx, a.Router, 2, tier, a.SystemPrompt(), prompt, 1200, 0.7, a.Parse, func(p any) []string {
		return a.Validate(ctx, p, pc)
	})
	if !resp.Success {
		return resp
	}
	wb := resp.Payload.(WorldBiblePayload)
	worldID, err := a.Memory.PutWorld(ctx, domain.World{
		JobID: a.JobID, Rules: wb.Rules, Boundaries: wb.Boundaries, Anomalies: wb.Anomalies,
		CoreConflict: wb.CoreConflict, ExistentialTheme: wb.ExistentialTheme, Scale: wb.Scale,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		resp.Success = false
		resp.Error = domain.NewStageError(2, domain.KindPermanent, 1, err)
		return resp
	}
	wb.WorldID = worldID
	resp.Payload = wb
	return resp
}
