// Package agentfw defines the contract every stage agent implements. The
// orchestrator depends only on this interface, never on a concrete agent
// type.
package agentfw

import (
	"context"

	"github.com/narraforge/core/internal/domain"
)

// Agent is the base contract every one of the ten stages implements.
type Agent interface {
	// Stage is this agent's 1-based position in the fixed pipeline.
	Stage() int

	// RequiredKeys are the Context keys that must exist before Execute is
	// called. The orchestrator validates this before dispatch.
	RequiredKeys() []domain.ContextKey

	// ProducedKey is the single Context key this agent writes.
	ProducedKey() domain.ContextKey

	// PreferredModelTier is this agent's default tier (stage 7 returns
	// advanced when so configured); the orchestrator overrides it for the
	// forced-advanced stages and on a quality-failure retry's tier upgrade.
	PreferredModelTier() domain.ModelTier

	// SystemPrompt returns the stage's static instructions, including the
	// mandatory output schema description.
	SystemPrompt() string

	// BuildUserPrompt composes the per-call user input from Context
	// summaries and Triple Memory — never full prior prose, to bound
	// tokens.
	BuildUserPrompt(ctx context.Context, pc *domain.PipelineContext) (string, error)

	// Parse strictly decodes the model's raw output into this stage's
	// payload shape. A malformed response returns a *domain.StageError
	// with Kind == domain.KindSchema.
	Parse(raw string) (any, error)

	// Validate performs semantic checks on a parsed payload (e.g. every
	// referenced character exists). Issues are returned, not raised, so
	// the orchestrator can classify and retry.
	Validate(ctx context.Context, payload any, pc *domain.PipelineContext) []string

	// Execute runs one full attempt: build prompt, call the router,
	// parse, validate. It is the orchestrator's sole entry point into an
	// agent and composes the methods above. It MUST run on the tier it
	// is handed (tier upgrades are the orchestrator's decision, not the
	// agent's).
	Execute(ctx context.Context, tier domain.ModelTier, pc *domain.PipelineContext) domain.AgentResponse
}

// ForcedAdvancedStages are the two agents that MUST run on the advanced
// tier regardless of configuration: Sequential Generator (6)
// and Language Stylizer (8). The orchestrator enforces this each time it
// runs a stage, via MustRunAdvanced below, not by trusting agent configuration.
var ForcedAdvancedStages = map[int]bool{6: true, 8: true}

// MustRunAdvanced reports whether stage must ignore any configured tier and
// always run on TierAdvanced.
func MustRunAdvanced(stage int) bool { return ForcedAdvancedStages[stage] }
