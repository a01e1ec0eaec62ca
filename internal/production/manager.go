// Package production is the public surface of NarraForge: produce, resume,
// status, cancel, and subscribe over jobs driven by the fixed ten-stage
// orchestrator. It owns the one thing orchestrator.Engine does
// not: running many jobs concurrently, each with its own cancellation and
// live subscriber fan-out.
package production

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/narraforge/core/internal/agentfw"
	"github.com/narraforge/core/internal/agents"
	"github.com/narraforge/core/internal/checkpoint"
	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/memory"
	"github.com/narraforge/core/internal/modelrouter"
	"github.com/narraforge/core/internal/orchestrator"
	"github.com/narraforge/core/internal/pkg/logger"
	"github.com/narraforge/core/internal/realtime/bus"
)

// Status is a point-in-time read of a job.
type Status struct {
	JobID              uuid.UUID       `json:"job_id"`
	State              domain.JobStatus `json:"state"`
	CurrentStage       int             `json:"current_stage"`
	CumulativeCostUSD  float64         `json:"cumulative_cost_usd"`
	Message            string          `json:"message,omitempty"`
	Error              string          `json:"error,omitempty"`
}

// Manager wires the Model Router, Triple Memory, Checkpoint Manager, and
// agent set into one Engine per job and tracks every job in flight so it
// can be resumed, cancelled, or subscribed to later.
type Manager struct {
	DB         *gorm.DB
	Router     *modelrouter.Router
	Memory     memory.Store
	Checkpoint checkpoint.Manager
	Bus        bus.Bus
	Log        *logger.Logger
	Config     agents.StageConfig
	Retry      orchestrator.RetryPolicy // zero value means orchestrator.DefaultRetryPolicy
	Now        func() time.Time

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
}

// NewManager constructs a Manager. Bus may be nil; publishing is then a
// no-op and only the durable domain.JobEvent ledger backs subscribers.
func NewManager(db *gorm.DB, router *modelrouter.Router, store memory.Store, cp checkpoint.Manager, b bus.Bus, log *logger.Logger, cfg agents.StageConfig) *Manager {
	return &Manager{
		DB: db, Router: router, Memory: store, Checkpoint: cp, Bus: b, Log: log, Config: cfg,
		running: make(map[uuid.UUID]context.CancelFunc),
	}
}

// buildAgents constructs the fixed ten-stage sequence for one job. Stages
// that need the job id at construction time (2, 10) receive it directly;
// stages that need the world id (3, 6, 10) recover it from the Pipeline
// Context at run time instead, since stage 2 has not run yet when this is
// called.
func (m *Manager) buildAgents(jobID uuid.UUID, brief domain.Brief) []agentfw.Agent {
	deps := agents.Deps{Router: m.Router, Memory: m.Memory, Log: m.Log, Config: m.Config}
	return []agentfw.Agent{
		agents.NewBriefInterpreter(deps, brief),
		agents.NewWorldArchitect(deps, jobID.String()),
		agents.NewCharacterArchitect(deps),
		agents.NewStructureDesigner(deps),
		agents.NewSegmentPlanner(deps),
		agents.NewSequentialGenerator(deps),
		agents.NewCoherenceValidator(deps),
		agents.NewLanguageStylizer(deps),
		agents.NewEditorialReviewer(deps),
		agents.NewOutputProcessor(deps, jobID.String(), brief, m.now),
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Produce creates a new Job Record and starts it running in the
// background, returning immediately with the assigned job id.
func (m *Manager) Produce(ctx context.Context, ownerID uuid.UUID, brief domain.Brief) (uuid.UUID, error) {
	if err := brief.Validate(); err != nil {
		return uuid.Nil, err
	}
	briefJSON, err := json.Marshal(brief)
	if err != nil {
		return uuid.Nil, fmt.Errorf("production: marshalling brief: %w", err)
	}

	job := domain.Job{
		ID:      uuid.New(),
		OwnerID: ownerID,
		Brief:   briefJSON,
		Status:  domain.JobQueued,
	}
	if m.DB != nil {
		m.pruneCompletedCheckpoints(ctx, ownerID)
		if err := m.DB.WithContext(ctx).Create(&job).Error; err != nil {
			return uuid.Nil, fmt.Errorf("production: creating job record: %w", err)
		}
	}

	m.start(job.ID, brief)
	return job.ID, nil
}

// Resume restarts an existing job from its latest checkpoint. Completed
// jobs are not resumable; failed and cancelled jobs are — the spend behind
// their checkpointed stages is preserved, and a cost-ceiling failure can be
// resumed after the operator raises the ceiling.
func (m *Manager) Resume(ctx context.Context, jobID uuid.UUID) error {
	var job domain.Job
	if m.DB == nil {
		return fmt.Errorf("production: no database configured")
	}
	if err := m.DB.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return fmt.Errorf("production: loading job %s: %w", jobID, err)
	}
	if job.Status == domain.JobCompleted {
		return fmt.Errorf("production: job %s already completed", jobID)
	}
	m.mu.Lock()
	_, inFlight := m.running[jobID]
	m.mu.Unlock()
	if inFlight {
		return fmt.Errorf("production: job %s is already running", jobID)
	}
	var brief domain.Brief
	if err := json.Unmarshal(job.Brief, &brief); err != nil {
		return fmt.Errorf("production: decoding stored brief: %w", err)
	}
	m.start(jobID, brief)
	return nil
}

// pruneCompletedCheckpoints enforces the default retention policy: an
// owner's completed jobs keep their checkpoints only until that owner
// creates their next job. Failed and cancelled jobs keep theirs — they may
// still be resumed.
func (m *Manager) pruneCompletedCheckpoints(ctx context.Context, ownerID uuid.UUID) {
	if m.Checkpoint == nil {
		return
	}
	var done []domain.Job
	if err := m.DB.WithContext(ctx).
		Where("owner_id = ? AND status = ?", ownerID, domain.JobCompleted).
		Find(&done).Error; err != nil {
		m.Log.Warn("listing completed jobs for checkpoint pruning failed", "owner_id", ownerID, "error", err)
		return
	}
	for _, job := range done {
		if err := m.Checkpoint.Prune(ctx, job.ID); err != nil {
			m.Log.Warn("pruning checkpoints failed", "job_id", job.ID, "error", err)
		}
	}
}

// start launches the Engine for jobID in a background goroutine, tracking
// its cancel func so Cancel can reach it later. This is the default
// in-process scheduling path.
func (m *Manager) start(jobID uuid.UUID, brief domain.Brief) {
	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.running[jobID] = cancel
	m.mu.Unlock()

	m.setStatus(context.Background(), jobID, domain.JobRunning, 0, "", "")

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.running, jobID)
			m.mu.Unlock()
		}()
		m.runOnce(runCtx, jobID, brief)
	}()
}

// runOnce drives jobID's Engine to a terminal state and records the
// resulting Job Record status. It is the one place both the in-process
// goroutine path (start) and the durable Temporal activity path
// (RunSync, internal/temporalx/jobrun) converge, so a job produces the
// same status/cost/checkpoint trail regardless of which scheduler drove
// it.
func (m *Manager) runOnce(ctx context.Context, jobID uuid.UUID, brief domain.Brief) orchestrator.Result {
	engine := &orchestrator.Engine{
		Agents:     m.buildAgents(jobID, brief),
		Checkpoint: m.Checkpoint,
		Events:     newSinkAdapter(ctx, m, jobID),
		Retry:      m.Retry,
		Log:        m.Log,
		Rehydrate:  agents.RehydrateContext,
	}

	result := engine.Run(ctx, jobID)
	if result.Err != nil {
		status := domain.JobFailed
		failedStage := result.FinalStage
		if result.Err.Kind == domain.KindCancellation {
			status = domain.JobCancelled
			failedStage = 0 // a cancelled stage did not fail
		}
		m.recordCounters(jobID, result, result.FinalStage-1, failedStage)
		m.setStatus(context.Background(), jobID, status, result.FinalStage, "", result.Err.Error())
		return result
	}
	m.recordCounters(jobID, result, result.FinalStage, 0)
	m.setStatus(context.Background(), jobID, domain.JobCompleted, result.FinalStage, "production complete", "")
	return result
}

// recordCounters writes the engine's terminal accounting back onto the Job
// Record: cumulative cost/tokens plus the completed- and failed-stage lists.
// failedStage is 0 when the run ended cleanly.
func (m *Manager) recordCounters(jobID uuid.UUID, result orchestrator.Result, completedThrough, failedStage int) {
	if m.DB == nil {
		return
	}
	completed := make([]int, 0, completedThrough)
	for s := 1; s <= completedThrough; s++ {
		completed = append(completed, s)
	}
	completedJSON, _ := json.Marshal(completed)
	updates := map[string]any{
		"cumulative_cost_usd":          result.CumulativeCostUSD,
		"cumulative_prompt_tokens":     result.CumulativePromptTokens,
		"cumulative_completion_tokens": result.CumulativeCompleteTokens,
		"completed_stages":             completedJSON,
	}
	if failedStage > 0 {
		failedJSON, _ := json.Marshal([]int{failedStage})
		updates["failed_stages"] = failedJSON
	}
	if err := m.DB.Model(&domain.Job{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		m.Log.Warn("recording job counters failed", "job_id", jobID, "error", err)
	}
}

// RunSync drives jobID to completion synchronously and returns the
// terminal StageError, if any. It is the entry point a Temporal activity
// (internal/temporalx/jobrun.Activities.RunProduction) calls from inside
// an activity execution, so Temporal — not an in-process goroutine — owns
// retries/timeouts/heartbeats at the job-scheduling layer. It does not
// register the job in m.running, since Temporal's own cancellation signal
// path is the caller's suspension point, not Manager.Cancel.
func (m *Manager) RunSync(ctx context.Context, jobID uuid.UUID, brief domain.Brief) error {
	m.setStatus(context.Background(), jobID, domain.JobRunning, 0, "", "")
	result := m.runOnce(ctx, jobID, brief)
	if result.Err != nil {
		return result.Err
	}
	return nil
}

// Cancel cooperatively stops a running job; already-
// complete or already-cancelled stages finish normally, but no further
// stage starts.
func (m *Manager) Cancel(ctx context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	cancel, ok := m.running[jobID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("production: job %s is not running", jobID)
	}
	cancel()
	return nil
}

// Status reads the current Job Record.
func (m *Manager) Status(ctx context.Context, jobID uuid.UUID) (Status, error) {
	if m.DB == nil {
		return Status{}, fmt.Errorf("production: no database configured")
	}
	var job domain.Job
	if err := m.DB.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return Status{}, fmt.Errorf("production: loading job %s: %w", jobID, err)
	}
	return Status{
		JobID: job.ID, State: job.Status, CurrentStage: job.CurrentStage,
		CumulativeCostUSD: job.CumulativeCostUSD, Message: job.Message, Error: job.Error,
	}, nil
}

// Subscribe replays every persisted event for jobID, then invokes onEvent
// for every further live event until ctx is cancelled. Late subscribers
// see the full history first.
func (m *Manager) Subscribe(ctx context.Context, jobID uuid.UUID, onEvent func(domain.JobEvent)) error {
	if m.DB != nil {
		var events []domain.JobEvent
		if err := m.DB.WithContext(ctx).Where("job_id = ?", jobID).Order("seq ASC").Find(&events).Error; err != nil {
			return fmt.Errorf("production: replaying events for %s: %w", jobID, err)
		}
		for _, e := range events {
			onEvent(e)
		}
	}
	if m.Bus == nil {
		return nil
	}
	return m.Bus.StartForwarder(ctx, func(msg bus.Message) {
		if msg.JobID != jobID.String() {
			return
		}
		onEvent(domain.JobEvent{
			JobID: jobID, Kind: domain.JobEventKind(msg.Kind), Stage: msg.Stage,
			Progress: msg.Progress, Message: msg.Message, CreatedAt: m.now(),
		})
	})
}

func (m *Manager) setStatus(ctx context.Context, jobID uuid.UUID, status domain.JobStatus, stage int, message, errMsg string) {
	if m.DB == nil {
		return
	}
	updates := map[string]any{"status": status, "current_stage": stage}
	if message != "" {
		updates["message"] = message
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if status.Terminal() {
		now := m.now()
		updates["finished_at"] = &now
	}
	if err := m.DB.WithContext(ctx).Model(&domain.Job{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		m.Log.Warn("updating job status failed", "job_id", jobID, "error", err)
	}
}
