package jobrun

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"go.temporal.io/sdk/activity"

	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/production"
)

// Activities bundles the dependencies RunProduction needs: the Job Record
// table (to recover the brief) and the same Production Manager the
// in-process scheduler uses, so the activity and the goroutine path share
// one Engine construction and one checkpoint/ledger trail.
type Activities struct {
	DB      *gorm.DB
	Manager *production.Manager
}

// RunProduction runs jobID's ten-stage pipeline to completion (or until a
// terminal failure/cancellation), heartbeating periodically so Temporal's
// HeartbeatTimeout does not trip during long model calls.
func (a *Activities) RunProduction(ctx context.Context, in RunInput) (RunResult, error) {
	res := RunResult{JobID: in.JobID}
	if a == nil || a.DB == nil || a.Manager == nil {
		return res, fmt.Errorf("jobrun: activities not configured")
	}

	jobID, err := uuid.Parse(in.JobID)
	if err != nil {
		return res, fmt.Errorf("jobrun: invalid job id %q: %w", in.JobID, err)
	}

	var job domain.Job
	if err := a.DB.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return res, fmt.Errorf("jobrun: loading job %s: %w", jobID, err)
	}
	var brief domain.Brief
	if err := json.Unmarshal(job.Brief, &brief); err != nil {
		return res, fmt.Errorf("jobrun: decoding brief for %s: %w", jobID, err)
	}

	stopHB := a.heartbeat(ctx)
	defer stopHB()

	runErr := a.Manager.RunSync(ctx, jobID, brief)

	var updated domain.Job
	if err := a.DB.WithContext(ctx).First(&updated, "id = ?", jobID).Error; err == nil {
		res.Status = string(updated.Status)
		res.FinalStage = updated.CurrentStage
	}
	if runErr != nil {
		res.Error = runErr.Error()
		return res, runErr
	}
	return res, nil
}

// heartbeat records a Temporal activity heartbeat every 10s until stopped,
// so Temporal's worker-liveness detection keeps tracking this one
// long-running production job instead of a poll loop.
func (a *Activities) heartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
