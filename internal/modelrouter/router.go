// Package modelrouter maps an agent's request to a concrete model call,
// honours rate limits, retries transient errors across a provider fallback
// chain, and accounts for spend against a per-job budget.
package modelrouter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/modelclient"
	"github.com/narraforge/core/internal/pkg/logger"
)

// ProviderRoute is one entry in the fallback chain: a ModelClient plus the
// concrete model identifier it should be asked for at a given tier, and the
// $/1K-token pricing used for cost estimation and ledger accounting.
type ProviderRoute struct {
	Client            modelclient.ModelClient
	ModelID           string
	USDPer1KPrompt    float64
	USDPer1KCompletion float64
}

// TierRoutes maps a tier to its ordered provider fallback chain: index 0 is
// preferred, later entries are tried only when an earlier one's breaker is
// open or its call fails transiently.
type TierRoutes map[domain.ModelTier][]ProviderRoute

// StageTierOverrides lets configuration push stage 7 onto the advanced tier
// when deeper judgement is required.
// Stages 6 and 8 are pinned to advanced unconditionally by the orchestrator,
// not by this map.
type StageTierOverrides map[int]domain.ModelTier

// Router is the Model Router: tier policy, fallback, circuit breaker, rate
// limiting, and per-job cost enforcement.
type Router struct {
	log          *logger.Logger
	routes       TierRoutes
	overrides    StageTierOverrides
	breakerMu    sync.Mutex
	breakers     map[string]*breaker // keyed by provider name
	limiter      RateLimiter
	ledger       LedgerStore
	maxCostPerJob float64
	rpmByModel   map[string]int
	tpmByModel   map[string]int
	rateDeadline time.Duration
}

// Config bundles the construction-time parameters, built by internal/app
// from its loaded configuration.
type Config struct {
	Routes    TierRoutes
	Overrides StageTierOverrides
	Limiter   RateLimiter
	Ledger    LedgerStore
	// MaxCostPerJob is the per-job USD ceiling. Zero means a zero budget
	// (every call is refused with CostExceeded); pass a negative value for
	// unlimited spend.
	MaxCostPerJob float64
	RPMByModel    map[string]int
	TPMByModel    map[string]int
	RateDeadline  time.Duration
}

func New(log *logger.Logger, cfg Config) *Router {
	if cfg.RateDeadline <= 0 {
		cfg.RateDeadline = 30 * time.Second
	}
	r := &Router{
		log:           log,
		routes:        cfg.Routes,
		overrides:     cfg.Overrides,
		breakers:      make(map[string]*breaker),
		limiter:       cfg.Limiter,
		ledger:        cfg.Ledger,
		maxCostPerJob: cfg.MaxCostPerJob,
		rpmByModel:    cfg.RPMByModel,
		tpmByModel:    cfg.TPMByModel,
		rateDeadline:  cfg.RateDeadline,
	}
	if r.limiter == nil {
		r.limiter = NewInMemoryRateLimiter()
	}
	if r.ledger == nil {
		r.ledger = NewInMemoryLedger()
	}
	return r
}

// TierForStage resolves the effective tier for a stage, honouring any
// configured override (used for stage 7's deeper-judgement knob). Stages 6
// and 8 are forced to advanced by the caller (agent registration), not here.
func (r *Router) TierForStage(stage int, preferred domain.ModelTier) domain.ModelTier {
	if t, ok := r.overrides[stage]; ok {
		return t
	}
	return preferred
}

func (r *Router) breakerFor(provider string) *breaker {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		b = newBreaker(5, 30*time.Second)
		r.breakers[provider] = b
	}
	return b
}

// Request is one agent->router completion request.
type Request struct {
	JobID        uuid.UUID
	Stage        int
	Tier         domain.ModelTier
	Messages     []modelclient.Message
	MaxTokens    int
	Temperature  float64
}

// Response is the router's outcome: provider-agnostic text plus accounting.
type Response struct {
	Text             string
	ModelID          string
	Provider         string
	PromptTokens     int
	CompletionTokens int
	USDCost          float64
}

// Complete routes req through the fallback chain for its tier, enforcing
// rate limits, the circuit breaker, and the per-job cost ceiling. Returns a
// *domain.CostExceededError (never retried) or a *modelclient.ClassifiedError
// wrapped as domain.KindTransport/KindPermanent via the caller's
// classification — the orchestrator inspects the returned error with
// errors.As to decide retry/tier-upgrade behaviour.
func (r *Router) Complete(ctx context.Context, req Request) (Response, error) {
	chain := r.routes[req.Tier]
	if len(chain) == 0 {
		return Response{}, fmt.Errorf("modelrouter: no providers configured for tier %q", req.Tier)
	}

	var lastErr error
	for _, route := range chain {
		b := r.breakerFor(route.Client.Provider())
		if !b.Allow() {
			continue
		}

		estimatedTokens := estimateTokens(req.Messages) + req.MaxTokens
		estimate := estimateCost(route, estimatedTokens/2, estimatedTokens/2)
		// The ceiling is always enforced; a zero budget refuses the first
		// call. Unlimited spend needs the explicit negative sentinel, never
		// an accidental zero.
		if r.maxCostPerJob >= 0 {
			cumulative, _ := r.ledger.CumulativeUSD(req.JobID)
			if cumulative+estimate > r.maxCostPerJob {
				return Response{}, &domain.CostExceededError{
					JobID:         req.JobID.String(),
					CumulativeUSD: cumulative,
					EstimatedUSD:  estimate,
					MaxCostPerJob: r.maxCostPerJob,
				}
			}
		}

		rpm := r.rpmByModel[route.ModelID]
		tpm := r.tpmByModel[route.ModelID]
		if err := r.limiter.Reserve(ctx, route.ModelID, estimatedTokens, rpm, tpm, r.rateDeadline); err != nil {
			lastErr = err
			continue
		}

		start := time.Now()
		result, err := route.Client.Complete(ctx, req.Messages, route.ModelID, req.MaxTokens, req.Temperature)
		elapsed := time.Since(start)
		if err != nil {
			classified := modelclient.Classify(err)
			if classified.Class == modelclient.ClassPermanent {
				return Response{}, classified
			}
			b.RecordFailure()
			if r.log != nil {
				r.log.Warn("model call failed, trying next provider",
					"provider", route.Client.Provider(), "model_id", route.ModelID,
					"stage", req.Stage, "elapsed", elapsed.String(), "error", err.Error())
			}
			lastErr = classified
			continue
		}

		b.RecordSuccess()
		cost := estimateCost(route, result.PromptTokens, result.CompletionTokens)
		_ = r.ledger.Record(LedgerEntry{
			ID: uuid.New(), JobID: req.JobID, Stage: req.Stage,
			ModelID: route.ModelID, Provider: route.Client.Provider(),
			PromptTokens: result.PromptTokens, CompletionTokens: result.CompletionTokens,
			USDCost: cost, CreatedAt: time.Now().UTC(),
		})
		return Response{
			Text: result.Text, ModelID: route.ModelID, Provider: route.Client.Provider(),
			PromptTokens: result.PromptTokens, CompletionTokens: result.CompletionTokens, USDCost: cost,
		}, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("modelrouter: all providers in fallback chain unavailable (circuit open)")
	}
	return Response{}, lastErr
}

// CumulativeUSD exposes the per-job accumulator the orchestrator reads at
// each checkpoint boundary.
func (r *Router) CumulativeUSD(jobID uuid.UUID) (float64, error) {
	return r.ledger.CumulativeUSD(jobID)
}

func estimateCost(route ProviderRoute, promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*route.USDPer1KPrompt + float64(completionTokens)/1000*route.USDPer1KCompletion
}

// estimateTokens is a crude ~4-chars-per-token heuristic used only for
// pre-call budget estimation, never for accounting (which uses the
// provider's reported usage).
func estimateTokens(messages []modelclient.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 4
}
