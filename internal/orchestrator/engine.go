// Package orchestrator sequences the ten fixed production stages over one
// job's Pipeline Context. Stage order here is static and fully sequential —
// no child-job fan-out, no dependency graph — so the engine only needs
// retry-with-tier-upgrade, cost-ceiling enforcement, checkpointing, and
// cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/narraforge/core/internal/agentfw"
	"github.com/narraforge/core/internal/checkpoint"
	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/pkg/logger"
	"github.com/narraforge/core/internal/telemetry"
)

// RetryPolicy controls how many attempts a stage gets and the backoff
// between them.
type RetryPolicy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	JitterFrac  float64
}

// DefaultRetryPolicy is applied when a stage config omits one.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, MinBackoff: time.Second, MaxBackoff: 30 * time.Second, JitterFrac: 0.20}

// EventSink receives progress notifications as the engine advances. The
// orchestrator never blocks on delivery; callers needing durability should
// have Emit persist to domain.JobEvent themselves. data carries structured
// extras (per-stage cost/tokens/duration) and may be nil.
type EventSink interface {
	Emit(ctx context.Context, jobID uuid.UUID, kind domain.JobEventKind, stage int, progress int, message string, data map[string]any)
}

// Engine runs the fixed stage sequence against one job.
type Engine struct {
	Agents     []agentfw.Agent // must be len(domain.StageOrder), in stage order
	Checkpoint checkpoint.Manager
	Events     EventSink
	Retry      RetryPolicy
	Log        *logger.Logger

	// Rehydrate re-types checkpoint-restored context payloads (JSON
	// round-trips them into generic maps) back into their per-stage
	// structs before any agent type-asserts them. Required whenever
	// Checkpoint is set and the agents expect typed payloads.
	Rehydrate func(pc *domain.PipelineContext) error
}

// Result is what Run returns on completion (terminal success or failure).
type Result struct {
	FinalStage            int
	Context                *domain.PipelineContext
	CumulativeCostUSD       float64
	CumulativePromptTokens  int
	CumulativeCompleteTokens int
	Err                     *domain.StageError
}

// Run drives a job from its current checkpoint (or the beginning) through
// every remaining stage, checkpointing after each stage boundary.
func (e *Engine) Run(ctx context.Context, jobID uuid.UUID) Result {
	retry := e.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy
	}

	pc := domain.NewPipelineContext()
	var cumCost float64
	var cumPrompt, cumComplete int
	startStage := 0 // index into domain.StageOrder / e.Agents

	if e.Checkpoint != nil {
		restored, err := e.Checkpoint.Latest(ctx, jobID)
		if err != nil {
			e.Log.Warn("checkpoint load failed, starting fresh", "job_id", jobID, "error", err)
		} else if restored != nil {
			pc = restored.Context
			cumCost = restored.CumulativeCostUSD
			cumPrompt = restored.CumulativePromptTok
			cumComplete = restored.CumulativeCompleteTok
			startStage = restored.Stage // resume from the stage AFTER the checkpointed one
			if e.Rehydrate != nil {
				if err := e.Rehydrate(pc); err != nil {
					stageErr := domain.NewStageError(startStage+1, domain.KindPermanent, 0, err)
					e.emit(ctx, jobID, domain.EventJobFailed, startStage+1, progressFor(startStage, len(e.Agents)), stageErr.Message, nil)
					return Result{FinalStage: startStage, Context: pc, CumulativeCostUSD: cumCost,
						CumulativePromptTokens: cumPrompt, CumulativeCompleteTokens: cumComplete, Err: stageErr}
				}
			}
		}
	}

	ctx = agentfw.WithJobID(ctx, jobID)
	e.emit(ctx, jobID, domain.EventJobStarted, startStage, 0, "", nil)

	for i := startStage; i < len(e.Agents); i++ {
		agent := e.Agents[i]
		stageNum := i + 1

		if err := ctx.Err(); err != nil {
			e.emit(ctx, jobID, domain.EventJobCancelled, stageNum, progressFor(i, len(e.Agents)), err.Error(), nil)
			return Result{FinalStage: stageNum, Context: pc, CumulativeCostUSD: cumCost,
				CumulativePromptTokens: cumPrompt, CumulativeCompleteTokens: cumComplete,
				Err: domain.NewStageError(stageNum, domain.KindCancellation, 0, err)}
		}

		if missing := missingKeys(agent, pc); len(missing) > 0 {
			stageErr := domain.NewStageError(stageNum, domain.KindPermanent, 0,
				fmt.Errorf("required context keys missing before stage %d: %v", stageNum, missing))
			e.emit(ctx, jobID, domain.EventStageFailed, stageNum, progressFor(i, len(e.Agents)), stageErr.Message, nil)
			e.emit(ctx, jobID, domain.EventJobFailed, stageNum, progressFor(i, len(e.Agents)), stageErr.Message, nil)
			return Result{FinalStage: stageNum, Context: pc, CumulativeCostUSD: cumCost,
				CumulativePromptTokens: cumPrompt, CumulativeCompleteTokens: cumComplete, Err: stageErr}
		}

		e.emit(ctx, jobID, domain.EventStageStarted, stageNum, progressFor(i, len(e.Agents)), "", nil)

		stageStart := time.Now()
		resp, stageErr := e.runStageWithRetry(ctx, jobID, agent, stageNum, pc, retry)
		if stageErr != nil {
			e.emit(ctx, jobID, domain.EventStageFailed, stageNum, progressFor(i, len(e.Agents)), stageErr.Message, nil)
			e.emit(ctx, jobID, domain.EventJobFailed, stageNum, progressFor(i, len(e.Agents)), stageErr.Message, nil)
			return Result{FinalStage: stageNum, Context: pc, CumulativeCostUSD: cumCost,
				CumulativePromptTokens: cumPrompt, CumulativeCompleteTokens: cumComplete, Err: stageErr}
		}

		cumCost += resp.USDCost
		cumPrompt += resp.PromptTokens
		cumComplete += resp.CompletionTokens

		if !pc.Set(domain.ContextEntry{
			Key:         agent.ProducedKey(),
			Stage:       stageNum,
			Payload:     resp.Payload,
			WrittenAt:   time.Now(),
			PromptTok:   resp.PromptTokens,
			CompleteTok: resp.CompletionTokens,
		}) {
			// A stage attempted to overwrite an already-written key: treat as a
			// permanent programming error, not a retryable stage failure.
			stageErr := domain.NewStageError(stageNum, domain.KindPermanent, 1, errors.New("stage produced an already-written context key"))
			e.emit(ctx, jobID, domain.EventJobFailed, stageNum, progressFor(i, len(e.Agents)), stageErr.Message, nil)
			return Result{FinalStage: stageNum, Context: pc, CumulativeCostUSD: cumCost,
				CumulativePromptTokens: cumPrompt, CumulativeCompleteTokens: cumComplete, Err: stageErr}
		}

		if e.Checkpoint != nil {
			if err := e.Checkpoint.Save(ctx, jobID, stageNum, pc, cumCost, cumPrompt, cumComplete); err != nil {
				e.Log.Warn("checkpoint save failed", "job_id", jobID, "stage", stageNum, "error", err)
			}
		}

		e.emit(ctx, jobID, domain.EventStageComplete, stageNum, progressFor(stageNum, len(e.Agents)), "", map[string]any{
			"cost_usd":          resp.USDCost,
			"prompt_tokens":     resp.PromptTokens,
			"completion_tokens": resp.CompletionTokens,
			"duration_ms":       time.Since(stageStart).Milliseconds(),
		})
	}

	e.emit(ctx, jobID, domain.EventJobComplete, len(e.Agents), 100, "", map[string]any{
		"cumulative_cost_usd": cumCost,
		"prompt_tokens":       cumPrompt,
		"completion_tokens":   cumComplete,
	})
	return Result{FinalStage: len(e.Agents), Context: pc, CumulativeCostUSD: cumCost,
		CumulativePromptTokens: cumPrompt, CumulativeCompleteTokens: cumComplete}
}

// runStageWithRetry executes one stage, retrying on retryable StageErrors
// and upgrading model tier per domain.ErrorKind.TierUpgrades() semantics.
func (e *Engine) runStageWithRetry(ctx context.Context, jobID uuid.UUID, agent agentfw.Agent, stageNum int, pc *domain.PipelineContext, retry RetryPolicy) (domain.AgentResponse, *domain.StageError) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.stage")
	defer span.End()
	span.SetAttributes(
		attribute.Int("narraforge.stage", stageNum),
		attribute.String("narraforge.job_id", jobID.String()),
	)

	tier := agent.PreferredModelTier()
	if agentfw.MustRunAdvanced(stageNum) {
		tier = domain.TierAdvanced
	}

	var lastErr *domain.StageError
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.AgentResponse{}, domain.NewStageError(stageNum, domain.KindCancellation, attempt, err)
		}

		resp := agent.Execute(ctx, tier, pc)
		if resp.Success {
			span.SetStatus(codes.Ok, "")
			return resp, nil
		}

		stageErr := resp.Error
		if stageErr == nil {
			stageErr = domain.NewStageError(stageNum, domain.KindPermanent, attempt, errors.New("stage failed without error detail"))
		}
		lastErr = stageErr

		var costErr *domain.CostExceededError
		if errors.As(stageErr.LastCause, &costErr) {
			span.SetStatus(codes.Error, stageErr.Error())
			return domain.AgentResponse{}, stageErr
		}

		lastErr.Attempts = attempt

		if !stageErr.Kind.Retryable() || attempt == retry.MaxAttempts {
			break
		}

		if stageErr.Kind.TierUpgrades() {
			tier = tier.Upgrade()
		}

		e.emit(ctx, jobID, domain.EventStageProgress, stageNum, 0, stageErr.Message, nil)
		sleepCtx(ctx, computeBackoff(retry, attempt))
	}
	if lastErr != nil {
		span.SetStatus(codes.Error, lastErr.Error())
	}
	return domain.AgentResponse{}, lastErr
}

func (e *Engine) emit(ctx context.Context, jobID uuid.UUID, kind domain.JobEventKind, stage, progress int, message string, data map[string]any) {
	if e.Events == nil {
		return
	}
	e.Events.Emit(ctx, jobID, kind, stage, progress, message, data)
}

func missingKeys(agent agentfw.Agent, pc *domain.PipelineContext) []domain.ContextKey {
	var missing []domain.ContextKey
	for _, key := range agent.RequiredKeys() {
		if !pc.Has(key) {
			missing = append(missing, key)
		}
	}
	return missing
}

func progressFor(stagesComplete, total int) int {
	if total == 0 {
		return 0
	}
	return stagesComplete * 100 / total
}

func computeBackoff(r RetryPolicy, attempts int) time.Duration {
	minB, maxB, j := r.MinBackoff, r.MaxBackoff, r.JitterFrac
	if minB <= 0 {
		minB = time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
