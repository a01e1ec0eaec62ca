package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobStatus is the Job Record's terminal/non-terminal status.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Job is the persisted Job Record: identifier, brief, stage bookkeeping, and
// cumulative accounting. Brief/Result/CompletedStages/FailedStages are
// stored as JSON columns.
type Job struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_id"`
	Brief           datatypes.JSON `gorm:"column:brief;type:jsonb;not null" json:"brief"`
	Status          JobStatus      `gorm:"column:status;not null;index" json:"status"`
	CurrentStage    int            `gorm:"column:current_stage;not null;default:0" json:"current_stage"`
	CompletedStages datatypes.JSON `gorm:"column:completed_stages;type:jsonb" json:"completed_stages"`
	FailedStages    datatypes.JSON `gorm:"column:failed_stages;type:jsonb" json:"failed_stages"`
	CumulativeCostUSD float64      `gorm:"column:cumulative_cost_usd;not null;default:0" json:"cumulative_cost_usd"`
	CumulativePromptTokens int     `gorm:"column:cumulative_prompt_tokens;not null;default:0" json:"cumulative_prompt_tokens"`
	CumulativeCompletionTokens int `gorm:"column:cumulative_completion_tokens;not null;default:0" json:"cumulative_completion_tokens"`
	Message         string         `gorm:"column:message" json:"message,omitempty"`
	Error           string         `gorm:"column:error" json:"error,omitempty"`
	Attempts        int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LockedAt        *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt     *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastErrorAt     *time.Time     `gorm:"column:last_error_at;index" json:"last_error_at,omitempty"`
	StartedAt       *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt      *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Job) TableName() string { return "narraforge_job" }

// Checkpoint is one addressable, immutable snapshot written after a stage
// boundary: (job_id, stage) -> serialised Pipeline Context plus counters.
type Checkpoint struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID       uuid.UUID      `gorm:"type:uuid;not null;index:idx_checkpoint_job_stage,unique" json:"job_id"`
	Stage       int            `gorm:"column:stage;not null;index:idx_checkpoint_job_stage,unique" json:"stage"`
	ContextJSON datatypes.JSON `gorm:"column:context_json;type:jsonb;not null" json:"context_json"`
	CumulativeCostUSD float64  `gorm:"column:cumulative_cost_usd;not null;default:0" json:"cumulative_cost_usd"`
	CumulativePromptTokens int `gorm:"column:cumulative_prompt_tokens;not null;default:0" json:"cumulative_prompt_tokens"`
	CumulativeCompletionTokens int `gorm:"column:cumulative_completion_tokens;not null;default:0" json:"cumulative_completion_tokens"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (Checkpoint) TableName() string { return "narraforge_checkpoint" }

// JobEventKind is the append-only event ledger's vocabulary: one entry per
// stage and job lifecycle transition the orchestrator emits.
type JobEventKind string

const (
	EventJobStarted     JobEventKind = "job_started"
	EventStageStarted   JobEventKind = "stage_started"
	EventStageProgress  JobEventKind = "stage_progress"
	EventStageComplete  JobEventKind = "stage_complete"
	EventStageFailed    JobEventKind = "stage_failed"
	EventJobComplete    JobEventKind = "job_complete"
	EventJobFailed      JobEventKind = "job_failed"
	EventJobCancelled   JobEventKind = "job_cancelled"
)

// JobEvent is an append-only row backing subscribe(job_id): late subscribers
// replay the full log from here before following the live bus.
type JobEvent struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	Seq       int64          `gorm:"column:seq;not null;index" json:"seq"`
	Kind      JobEventKind   `gorm:"column:kind;not null" json:"kind"`
	Stage     int            `gorm:"column:stage" json:"stage,omitempty"`
	Progress  int            `gorm:"column:progress" json:"progress,omitempty"`
	Message   string         `gorm:"column:message" json:"message,omitempty"`
	Data      datatypes.JSON `gorm:"column:data;type:jsonb" json:"data,omitempty"`
	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (JobEvent) TableName() string { return "narraforge_job_event" }
