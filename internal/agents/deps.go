// Package agents implements the ten stage agents of the production
// pipeline. Each stage is a small adapter over the shared
// Deps: it builds a prompt from Context + Triple Memory summaries, calls
// the Model Router, parses the response into a typed payload, and runs its
// semantic validation. The prompts and heuristics inside each stage are
// deliberately thin; prompt engineering is out of scope for this core.
package agents

import (
	"github.com/narraforge/core/internal/memory"
	"github.com/narraforge/core/internal/modelrouter"
	"github.com/narraforge/core/internal/pkg/logger"
	"github.com/narraforge/core/internal/validators"
)

// StageConfig bundles the configuration knobs stages 6-9 read.
type StageConfig struct {
	MinCoherenceScore float64
	// MinCoherenceByGenre overrides the global threshold per genre
	// (lower-cased key); the per-genre value wins when present. Thresholds
	// are never auto-tuned.
	MinCoherenceByGenre map[string]float64
	BannedPhrases       []validators.BannedPhrase
	RepetitionBudgets   []validators.RepetitionBudget
	OutputDirectory     string

	// Stage7Advanced lifts the Coherence Validator onto the advanced tier
	// when a deployment wants deeper judgement from stage 7. Stages 6 and 8
	// are pinned to advanced unconditionally, not through this knob.
	Stage7Advanced bool
}

// Deps is the shared construction-time dependency set every stage agent
// closes over. Agents never depend on each other; they only share this.
type Deps struct {
	Router *modelrouter.Router
	Memory memory.Store
	Log    *logger.Logger
	Config StageConfig
}

func (d Deps) log() *logger.Logger {
	if d.Log != nil {
		return d.Log
	}
	l, _ := logger.New("development")
	return l
}
