// Package checkpoint persists Pipeline Context snapshots at stage
// boundaries and restores them on resume.
package checkpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/pkg/logger"
)

// Manager persists and restores checkpoints for a job. Save is called once
// per completed stage; Latest is called on resume.
type Manager interface {
	Save(ctx context.Context, jobID uuid.UUID, stage int, pc *domain.PipelineContext, cumulativeCostUSD float64, cumulativePromptTok, cumulativeCompleteTok int) error
	Latest(ctx context.Context, jobID uuid.UUID) (*Restored, error)
	Prune(ctx context.Context, jobID uuid.UUID) error
}

// Restored is what a resume needs to pick the pipeline back up: the
// reconstructed context plus the counters it left off at.
type Restored struct {
	Stage                  int
	Context                *domain.PipelineContext
	CumulativeCostUSD      float64
	CumulativePromptTok    int
	CumulativeCompleteTok  int
}

type gormManager struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewGormManager returns a Manager backed by the narraforge_checkpoint
// table, one row per (job_id, stage).
func NewGormManager(db *gorm.DB, baseLog *logger.Logger) Manager {
	return &gormManager{db: db, log: baseLog.With("component", "checkpoint.Manager")}
}

// snapshotDoc is the JSON-serialisable shape of a Pipeline Context, keyed by
// ContextKey so it round-trips through RestoreFrom's stage-ordering logic.
type snapshotDoc map[domain.ContextKey]*domain.ContextEntry

func (m *gormManager) Save(ctx context.Context, jobID uuid.UUID, stage int, pc *domain.PipelineContext, cumulativeCostUSD float64, cumulativePromptTok, cumulativeCompleteTok int) error {
	doc := snapshotDoc(pc.Snapshot())
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	row := domain.Checkpoint{
		ID:                         uuid.New(),
		JobID:                      jobID,
		Stage:                      stage,
		ContextJSON:                raw,
		CumulativeCostUSD:          cumulativeCostUSD,
		CumulativePromptTokens:     cumulativePromptTok,
		CumulativeCompletionTokens: cumulativeCompleteTok,
	}
	return m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "stage"}},
			DoUpdates: clause.AssignmentColumns([]string{"context_json", "cumulative_cost_usd", "cumulative_prompt_tokens", "cumulative_completion_tokens"}),
		}).
		Create(&row).Error
}

func (m *gormManager) Latest(ctx context.Context, jobID uuid.UUID) (*Restored, error) {
	var row domain.Checkpoint
	err := m.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("stage DESC").
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	var doc snapshotDoc
	if err := json.Unmarshal(row.ContextJSON, &doc); err != nil {
		return nil, err
	}
	return &Restored{
		Stage:                 row.Stage,
		Context:               domain.RestoreFrom(doc),
		CumulativeCostUSD:     row.CumulativeCostUSD,
		CumulativePromptTok:   row.CumulativePromptTokens,
		CumulativeCompleteTok: row.CumulativeCompletionTokens,
	}, nil
}

// Prune deletes every checkpoint for jobID. Called for each of an owner's
// completed jobs when that owner creates a new job, so a completed job's
// checkpoints are retained only until the next job creation by that owner.
func (m *gormManager) Prune(ctx context.Context, jobID uuid.UUID) error {
	return m.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Delete(&domain.Checkpoint{}).Error
}

// PruneOlderThan deletes checkpoints older than cutoff across all jobs, used
// by a retention sweep independent of per-owner pruning.
func (m *gormManager) PruneOlderThan(ctx context.Context, cutoff time.Time) error {
	return m.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.Checkpoint{}).Error
}
