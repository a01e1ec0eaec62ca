package jobrun

import (
	"time"

	"go.temporal.io/sdk/workflow"
)

// Workflow drives one production job through a single long-running
// activity. A production job is strictly batch — there is no human-gated
// suspension to poll for — so the activity blocks for the job's full
// duration and the workflow only supervises it.
func Workflow(ctx workflow.Context, in RunInput) (RunResult, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 24 * time.Hour,
		HeartbeatTimeout:    30 * time.Second,
	})

	var out RunResult
	err := workflow.ExecuteActivity(ctx, ActivityRun, in).Get(ctx, &out)
	return out, err
}
