package app

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/narraforge/core/internal/platform/envutil"
	"github.com/narraforge/core/internal/validators"
)

// Config is every tunable production knob, loadable from an optional YAML
// file with environment variables overriding individual keys, widened
// beyond a plain env-first load to cover the banned-phrase and
// repetition-budget lists a file source expresses more naturally.
type Config struct {
	ModelMini             string                          `yaml:"model_mini"`
	ModelAdvanced         string                          `yaml:"model_advanced"`
	ProviderFallbackOrder []string                        `yaml:"provider_fallback_order"`
	// MaxCostPerJobUSD is always enforced: 0 is a zero budget (every model
	// call is refused), negative disables the ceiling.
	MaxCostPerJobUSD      float64                         `yaml:"max_cost_per_job"`
	MinCoherenceScore     float64                         `yaml:"min_coherence_score"`
	MinCoherenceByGenre   map[string]float64              `yaml:"min_coherence_score_by_genre"`
	Stage7AdvancedJudgement bool                          `yaml:"stage7_advanced_judgement"`
	MaxStageRetries       int                             `yaml:"max_stage_retries"`
	RetryBaseDelayMS      int                             `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMS       int                             `yaml:"retry_max_delay_ms"`
	RateLimitRPMPerModel  map[string]int                  `yaml:"rate_limit_rpm_per_model"`
	RateLimitTPMPerModel  map[string]int                  `yaml:"rate_limit_tpm_per_model"`
	CheckpointRetention   string                          `yaml:"checkpoint_retention"`
	BannedPhrases         []validators.BannedPhrase       `yaml:"banned_phrases"`
	RepetitionBudgets     []validators.RepetitionBudget   `yaml:"repetition_budgets"`
	OutputDirectory       string                          `yaml:"output_directory"`
}

// defaultConfig holds the baseline production defaults, overridden by any
// configured YAML file and then by individual environment variables.
func defaultConfig() Config {
	return Config{
		ModelMini:             "gpt-4o-mini",
		ModelAdvanced:         "gpt-4o",
		ProviderFallbackOrder: []string{"openai"},
		MaxCostPerJobUSD:      25.0,
		MinCoherenceScore:     0.85,
		MaxStageRetries:       3,
		RetryBaseDelayMS:      1000,
		RetryMaxDelayMS:       30000,
		RateLimitRPMPerModel:  map[string]int{},
		RateLimitTPMPerModel:  map[string]int{},
		CheckpointRetention:   "until_next_job",
		OutputDirectory:       "./output",
	}
}

// LoadConfig loads defaults, then an optional YAML file (NARRAFORGE_CONFIG_FILE),
// then environment overrides for the scalar fields, in that order of
// increasing precedence.
func LoadConfig() (Config, error) {
	cfg := defaultConfig()

	if path := strings.TrimSpace(os.Getenv("NARRAFORGE_CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("app: reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("app: parsing config file %s: %w", path, err)
		}
	}

	cfg.ModelMini = envutil.String("NARRAFORGE_MODEL_MINI", cfg.ModelMini)
	cfg.ModelAdvanced = envutil.String("NARRAFORGE_MODEL_ADVANCED", cfg.ModelAdvanced)
	cfg.ProviderFallbackOrder = envutil.StringSlice("NARRAFORGE_PROVIDER_FALLBACK_ORDER", cfg.ProviderFallbackOrder)
	cfg.MaxCostPerJobUSD = envutil.Float64("NARRAFORGE_MAX_COST_PER_JOB", cfg.MaxCostPerJobUSD)
	cfg.MinCoherenceScore = envutil.Float64("NARRAFORGE_MIN_COHERENCE_SCORE", cfg.MinCoherenceScore)
	cfg.Stage7AdvancedJudgement = envutil.Bool("NARRAFORGE_STAGE7_ADVANCED_JUDGEMENT", cfg.Stage7AdvancedJudgement)
	cfg.MaxStageRetries = envutil.Int("NARRAFORGE_MAX_STAGE_RETRIES", cfg.MaxStageRetries)
	cfg.RetryBaseDelayMS = envutil.Int("NARRAFORGE_RETRY_BASE_DELAY_MS", cfg.RetryBaseDelayMS)
	cfg.RetryMaxDelayMS = envutil.Int("NARRAFORGE_RETRY_MAX_DELAY_MS", cfg.RetryMaxDelayMS)
	cfg.CheckpointRetention = envutil.String("NARRAFORGE_CHECKPOINT_RETENTION", cfg.CheckpointRetention)
	cfg.OutputDirectory = envutil.String("NARRAFORGE_OUTPUT_DIRECTORY", cfg.OutputDirectory)

	if cfg.MinCoherenceScore <= 0 || cfg.MinCoherenceScore > 1 {
		return Config{}, fmt.Errorf("app: min_coherence_score must be in (0,1], got %v", cfg.MinCoherenceScore)
	}
	return cfg, nil
}
