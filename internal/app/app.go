// Package app is the composition root: it wires the Model Client, Model
// Router, Triple Memory, Checkpoint Manager, and Production Manager into
// one running instance from configuration and environment (logger first,
// then storage, then services).
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/narraforge/core/internal/agents"
	"github.com/narraforge/core/internal/checkpoint"
	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/memory"
	"github.com/narraforge/core/internal/modelclient"
	"github.com/narraforge/core/internal/modelrouter"
	"github.com/narraforge/core/internal/orchestrator"
	"github.com/narraforge/core/internal/pkg/logger"
	"github.com/narraforge/core/internal/platform/neo4jdb"
	"github.com/narraforge/core/internal/platform/postgresdb"
	"github.com/narraforge/core/internal/production"
	"github.com/narraforge/core/internal/realtime/bus"
	"github.com/narraforge/core/internal/telemetry"

	"gorm.io/gorm"
)

// App bundles every long-lived dependency the CLI entrypoint needs to
// submit, resume, watch, and cancel production jobs.
type App struct {
	Log     *logger.Logger
	Cfg     Config
	Manager *production.Manager

	neo4j        *neo4jdb.Client
	otelShutdown func(context.Context) error
}

// New loads configuration, opens Postgres and (optionally) Neo4j, and
// wires the Production Manager. Any construction failure is fatal to
// starting the process.
func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("app: init logger: %w", err)
	}

	otelShutdown := telemetry.Init(context.Background(), log, telemetry.Config{
		ServiceName: "narraforge",
		Environment: os.Getenv("NARRAFORGE_ENV"),
		Version:     os.Getenv("NARRAFORGE_VERSION"),
	})

	log.Info("loading configuration")
	cfg, err := LoadConfig()
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("app: load config: %w", err)
	}

	db, err := postgresdb.Open(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("app: open postgres: %w", err)
	}

	var store memory.Store
	neo4jClient, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("app: init neo4j: %w", err)
	}
	if neo4jClient != nil {
		store = memory.NewNeo4jStore(neo4jClient, log)
	} else {
		log.Warn("NEO4J_URI not set; Triple Memory falls back to an in-process store (not durable across restarts)")
		store = memory.NewInMemoryStore()
	}

	cp := checkpoint.NewGormManager(db, log)
	startRetentionSweep(log, cp, cfg.CheckpointRetention)

	var b bus.Bus
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisBus, err := bus.NewRedisBus(log)
		if err != nil {
			log.Warn("redis bus unavailable; subscribe() will only replay the persisted ledger", "error", err)
		} else {
			b = redisBus
		}
	}

	router, err := buildRouter(log, cfg, db)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("app: build model router: %w", err)
	}

	stageCfg := agents.StageConfig{
		MinCoherenceScore:   cfg.MinCoherenceScore,
		MinCoherenceByGenre: cfg.MinCoherenceByGenre,
		BannedPhrases:     cfg.BannedPhrases,
		RepetitionBudgets: cfg.RepetitionBudgets,
		OutputDirectory:   cfg.OutputDirectory,
		Stage7Advanced:    cfg.Stage7AdvancedJudgement,
	}
	manager := production.NewManager(db, router, store, cp, b, log, stageCfg)
	manager.Retry = orchestrator.RetryPolicy{
		MaxAttempts: cfg.MaxStageRetries,
		MinBackoff:  time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.RetryMaxDelayMS) * time.Millisecond,
		JitterFrac:  0.20,
	}

	return &App{Log: log, Cfg: cfg, Manager: manager, neo4j: neo4jClient, otelShutdown: otelShutdown}, nil
}

// buildRouter wires the configured provider fallback chain for both tiers,
// pointed at the configured mini/advanced model identifiers, plus a
// Redis-backed rate limiter and a Postgres-backed cost ledger.
func buildRouter(log *logger.Logger, cfg Config, db *gorm.DB) (*modelrouter.Router, error) {
	order := cfg.ProviderFallbackOrder
	if len(order) == 0 {
		order = []string{"openai"}
	}

	routes := modelrouter.TierRoutes{}
	for _, provider := range order {
		var client modelclient.ModelClient
		var err error
		switch provider {
		case "openai":
			client, err = modelclient.NewOpenAIClient(log)
		case "mock":
			client = modelclient.NewMockClient()
		default:
			err = fmt.Errorf("unknown provider %q in provider_fallback_order", provider)
		}
		if err != nil {
			return nil, err
		}
		routes[domain.TierMini] = append(routes[domain.TierMini], modelrouter.ProviderRoute{
			Client:             client,
			ModelID:            cfg.ModelMini,
			USDPer1KPrompt:     0.00015,
			USDPer1KCompletion: 0.0006,
		})
		routes[domain.TierAdvanced] = append(routes[domain.TierAdvanced], modelrouter.ProviderRoute{
			Client:             client,
			ModelID:            cfg.ModelAdvanced,
			USDPer1KPrompt:     0.0025,
			USDPer1KCompletion: 0.01,
		})
	}

	var limiter modelrouter.RateLimiter
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		if l, err := modelrouter.NewRedisRateLimiter(addr); err == nil {
			limiter = l
		} else {
			log.Warn("redis rate limiter unavailable; falling back to in-memory", "error", err)
		}
	}

	overrides := modelrouter.StageTierOverrides{}
	if cfg.Stage7AdvancedJudgement {
		overrides[7] = domain.TierAdvanced
	}

	return modelrouter.New(log, modelrouter.Config{
		Routes:        routes,
		Overrides:     overrides,
		Limiter:       limiter,
		Ledger:        modelrouter.NewGormLedger(db),
		MaxCostPerJob: cfg.MaxCostPerJobUSD,
		RPMByModel:    cfg.RateLimitRPMPerModel,
		TPMByModel:    cfg.RateLimitTPMPerModel,
	}), nil
}

// startRetentionSweep prunes checkpoints older than the configured
// retention when checkpoint_retention is a duration (e.g. "72h"). The
// default "until_next_job" policy is enforced at job creation instead and
// needs no sweeper.
func startRetentionSweep(log *logger.Logger, cp checkpoint.Manager, retention string) {
	d, err := time.ParseDuration(retention)
	if err != nil || d <= 0 {
		return
	}
	sweeper, ok := cp.(interface {
		PruneOlderThan(ctx context.Context, cutoff time.Time) error
	})
	if !ok {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if err := sweeper.PruneOlderThan(context.Background(), time.Now().Add(-d)); err != nil {
				log.Warn("checkpoint retention sweep failed", "error", err)
			}
		}
	}()
}

// Close releases any resources the composition root opened directly.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.neo4j != nil {
		_ = a.neo4j.Close(context.Background())
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
