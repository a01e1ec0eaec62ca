// Package jobrun is the Temporal binding for production jobs: a single
// long-running activity that ticks the same orchestrator.Engine the
// in-process scheduler uses (production.Manager.RunSync), so a job's
// checkpoint trail and cost ledger look identical whichever scheduler
// drove it.
package jobrun

const (
	// WorkflowName is the registered Temporal workflow type for one
	// production job.
	WorkflowName = "narraforge_production"
	// ActivityRun is the registered Temporal activity that runs (or
	// resumes) a job to completion.
	ActivityRun = "narraforge_run_production"
)

// RunInput is the Workflow/Activity argument: the job to drive. Resume
// reuses the same activity — the orchestrator already skips completed
// stages via its checkpoint, so there is no separate "resume" activity.
type RunInput struct {
	JobID string `json:"job_id"`
}

// RunResult is what the workflow returns to its caller once the job
// reaches a terminal state.
type RunResult struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	FinalStage int    `json:"final_stage"`
	Error      string `json:"error,omitempty"`
}
