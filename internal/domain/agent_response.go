package domain

import "time"

// ModelTier is the router's capability/cost abstraction. Agents declare a
// preferred tier; the router and orchestrator may override it per policy.
type ModelTier string

const (
	TierMini     ModelTier = "mini"
	TierAdvanced ModelTier = "advanced"
)

// Upgrade returns the next tier up from t, clamped at advanced.
func (t ModelTier) Upgrade() ModelTier {
	if t == TierMini {
		return TierAdvanced
	}
	return TierAdvanced
}

// AgentResponse is the uniform record every stage agent returns to the
// orchestrator, win or lose.
type AgentResponse struct {
	Success         bool          `json:"success"`
	Payload         any           `json:"payload,omitempty"`
	PromptTokens    int           `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
	USDCost         float64       `json:"usd_cost"`
	Elapsed         time.Duration `json:"elapsed_ns"`
	ModelUsed       string        `json:"model_used,omitempty"`
	Error           *StageError   `json:"error,omitempty"`
}
