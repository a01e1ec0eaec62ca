package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/narraforge/core/internal/agentfw"
	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/modelclient"
	"github.com/narraforge/core/internal/modelrouter"
)

// call issues one attempt through the Model Router and classifies the
// outcome into the uniform domain.AgentResponse every stage returns,
// composing route->parse->validate exactly once. The orchestrator owns
// stage-level retrying and tier escalation. Most stages' Execute calls this
// once; stages 6 and 8 call it once per segment, and stage 6 repeats a
// segment's call up to its own per-segment attempt budget.
func call(
	ctx context.Context,
	router *modelrouter.Router,
	stage int,
	tier domain.ModelTier,
	systemPrompt, userPrompt string,
	maxTokens int,
	temperature float64,
	parse func(raw string) (any, error),
	validate func(payload any) []string,
) domain.AgentResponse {
	start := time.Now()
	jobID := agentfw.JobIDFromContext(ctx)

	resp, err := router.Complete(ctx, modelrouter.Request{
		JobID: jobID,
		Stage: stage,
		Tier:  tier,
		Messages: []modelclient.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	elapsed := time.Since(start)
	if err != nil {
		return domain.AgentResponse{Success: false, Elapsed: elapsed, Error: classifyRouterError(stage, err)}
	}

	payload, perr := parse(resp.Text)
	if perr != nil {
		return domain.AgentResponse{
			Success: false, Elapsed: elapsed,
			PromptTokens: resp.PromptTokens, CompletionTokens: resp.CompletionTokens, USDCost: resp.USDCost,
			ModelUsed: resp.ModelID,
			Error:     domain.NewStageError(stage, domain.KindSchema, 1, perr),
		}
	}

	if validate != nil {
		if issues := validate(payload); len(issues) > 0 {
			return domain.AgentResponse{
				Success: false, Elapsed: elapsed,
				PromptTokens: resp.PromptTokens, CompletionTokens: resp.CompletionTokens, USDCost: resp.USDCost,
				ModelUsed: resp.ModelID,
				Error:     domain.NewStageError(stage, domain.KindValidation, 1, fmt.Errorf("validation issues: %s", strings.Join(issues, "; "))),
			}
		}
	}

	return domain.AgentResponse{
		Success: true, Payload: payload, Elapsed: elapsed,
		PromptTokens: resp.PromptTokens, CompletionTokens: resp.CompletionTokens, USDCost: resp.USDCost,
		ModelUsed: resp.ModelID,
	}
}

// classifyRouterError maps a router-level failure to the error taxonomy the
// orchestrator branches retry/tier-upgrade logic on. A
// CostExceededError is never retried; a provider error classified permanent
// maps to KindPermanent; everything else from the router is a
// transport-class failure (the model wasn't reached, rather than reached
// and producing a bad answer).
func classifyRouterError(stage int, err error) *domain.StageError {
	var costErr *domain.CostExceededError
	if errors.As(err, &costErr) {
		return domain.NewStageError(stage, domain.KindCostExceeded, 1, err)
	}
	var classified *modelclient.ClassifiedError
	if errors.As(err, &classified) {
		if classified.Class == modelclient.ClassPermanent {
			return domain.NewStageError(stage, domain.KindPermanent, 1, err)
		}
		return domain.NewStageError(stage, domain.KindTransport, 1, err)
	}
	return domain.NewStageError(stage, domain.KindTransport, 1, err)
}

// wordCount is the shared word-counting convention every stage uses for
// target/retention checks.
func wordCount(s string) int {
	return len(strings.Fields(s))
}

// worldIDFromContext recovers the id Triple Memory assigned the job's
// single world from stage 2's context entry, for stages constructed before
// stage 2 runs (6, 10).
func worldIDFromContext(pc *domain.PipelineContext) (string, error) {
	wbRaw, ok := pc.Get(domain.KeyWorldBible)
	if !ok {
		return "", fmt.Errorf("missing required key world_bible")
	}
	wb, ok := wbRaw.(WorldBiblePayload)
	if !ok {
		return "", fmt.Errorf("world_bible entry has unexpected type")
	}
	return wb.WorldID, nil
}
