package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/validators"
)

// StylizedSegmentsPayload is stage 8's context entry: a new, parallel set
// of segments alongside the originals — stage 8 never rewrites a segment
// in place.
type StylizedSegmentsPayload struct {
	Segments []domain.Segment `json:"segments"`
}

type stylizedDraft struct {
	Text string `json:"text"`
}

// maxStylizeAttempts bounds the per-segment retry budget when a stylised
// segment fails the retention-ratio check.
const maxStylizeAttempts = 3

// LanguageStylizer is stage 8, forced onto the advanced tier regardless of
// configuration. Its token budget must be at least 3x the
// expected output words to accommodate languages with higher token
// density.
type LanguageStylizer struct {
	Deps
}

func NewLanguageStylizer(deps Deps) *LanguageStylizer { return &LanguageStylizer{Deps: deps} }

func (a *LanguageStylizer) Stage() int { return 8 }
func (a *LanguageStylizer) RequiredKeys() []domain.ContextKey {
	return []domain.ContextKey{domain.KeySegments}
}
func (a *LanguageStylizer) ProducedKey() domain.ContextKey       { return domain.KeyStylizedSegments }
func (a *LanguageStylizer) PreferredModelTier() domain.ModelTier { return domain.TierAdvanced }

func (a *LanguageStylizer) SystemPrompt() string {
	return "You are the Language Stylizer. Rewrite the given segment for prose quality without cutting content. " +
		`Respond as strict JSON: {"text":string}. The rewritten text must retain at least 95% of the input word count and must not be truncated.`
}

func (a *LanguageStylizer) BuildUserPrompt(ctx context.Context, pc *domain.PipelineContext) (string, error) {
	return "", nil
}

func (a *LanguageStylizer) Parse(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var out stylizedDraft
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("stage8: malformed stylised draft: %w", err)
	}
	return out, nil
}

func (a *LanguageStylizer) Validate(ctx context.Context, payload any, pc *domain.PipelineContext) []string {
	_, ok := payload.(stylizedDraft)
	if !ok {
		return []string{"payload is not a stylizedDraft"}
	}
	return nil
}

func (a *LanguageStylizer) stylizeOne(ctx context.Context, tier domain.ModelTier, seg domain.Segment) (domain.Segment, domain.AgentResponse) {
	prompt := fmt.Sprintf("Segment %d (%d words):\n%s", seg.Index, seg.WordCount, seg.Text)
	maxTokens := seg.WordCount * 3 * 4 // 3x output words headroom, ~4 chars/token heuristic
	if maxTokens < 512 {
		maxTokens = 512
	}

	var totPrompt, totCompletion int
	var totCost float64

	var last domain.AgentResponse
	for attempt := 1; attempt <= maxStylizeAttempts; attempt++ {
		if ctx.Err() != nil {
			return domain.Segment{}, domain.AgentResponse{Success: false, PromptTokens: totPrompt, CompletionTokens: totCompletion, USDCost: totCost,
				Error: domain.NewStageError(8, domain.KindCancellation, attempt, ctx.Err())}
		}
		resp := call(ctx, a.Router, 8, tier, a.SystemPrompt(), prompt, maxTokens, 0.6, a.Parse, func(p any) []string {
			return a.Validate(ctx, p, nil)
		})
		totPrompt += resp.PromptTokens
		totCompletion += resp.CompletionTokens
		totCost += resp.USDCost
		last = resp
		if !resp.Success {
			if resp.Error != nil && !resp.Error.Kind.Retryable() {
				break
			}
			continue
		}
		draft := resp.Payload.(stylizedDraft)
		if validators.CutDetected(seg.WordCount, draft.Text) {
			last.Success = false
			last.Error = domain.NewStageError(8, domain.KindQuality, attempt,
				fmt.Errorf("segment %d stylised output below retention ratio or truncated", seg.Index))
			continue
		}
		out := domain.Segment{
			Index: seg.Index, POVCharacterID: seg.POVCharacterID, Goal: seg.Goal, Conflict: seg.Conflict,
			Text: draft.Text, QualitySelfScore: seg.QualitySelfScore, WordCount: wordCount(draft.Text),
		}
		resp.PromptTokens, resp.CompletionTokens, resp.USDCost = totPrompt, totCompletion, totCost
		return out, resp
	}
	last.PromptTokens, last.CompletionTokens, last.USDCost = totPrompt, totCompletion, totCost
	return domain.Segment{}, last
}

// Execute stylises every segment through a bounded worker pool, mirroring
// stage 6's concurrency shape.
func (a *LanguageStylizer) Execute(ctx context.Context, tier domain.ModelTier, pc *domain.PipelineContext) domain.AgentResponse {
	segsRaw, ok := pc.Get(domain.KeySegments)
	if !ok {
		return domain.AgentResponse{Success: false, Error: domain.NewStageError(8, domain.KindValidation, 1, fmt.Errorf("missing segments"))}
	}
	segs := segsRaw.(SegmentsPayload).Segments

	out := make([]domain.Segment, len(segs))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(segmentConcurrency)

	var totalPrompt, totalCompletion int
	var totalCost float64
	var firstErr *domain.StageError
	var mu sync.Mutex

	for _, seg := range segs {
		seg := seg
		group.Go(func() error {
			stylised, resp := a.stylizeOne(gctx, tier, seg)
			mu.Lock()
			defer mu.Unlock()
			totalPrompt += resp.PromptTokens
			totalCompletion += resp.CompletionTokens
			totalCost += resp.USDCost
			if !resp.Success {
				if firstErr == nil {
					firstErr = resp.Error
				}
				return resp.Error
			}
			out[seg.Index] = stylised
			return nil
		})
	}

	_ = group.Wait()
	if firstErr != nil {
		return domain.AgentResponse{Success: false, PromptTokens: totalPrompt, CompletionTokens: totalCompletion, USDCost: totalCost, Error: firstErr}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return domain.AgentResponse{
		Success: true, Payload: StylizedSegmentsPayload{Segments: out},
		PromptTokens: totalPrompt, CompletionTokens: totalCompletion, USDCost: totalCost,
		ModelUsed: string(tier),
	}
}
