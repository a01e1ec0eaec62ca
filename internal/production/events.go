package production

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/realtime/bus"
)

// sinkAdapter implements orchestrator.EventSink by appending to the
// durable domain.JobEvent ledger and, if a bus is configured, publishing
// to it for live subscribers.
type sinkAdapter struct {
	m   *Manager
	seq int64
}

// newSinkAdapter seeds the sequence counter from the job's persisted event
// log, so a resumed run keeps appending after the crash point instead of
// restarting at 1 and corrupting replay order.
func newSinkAdapter(ctx context.Context, m *Manager, jobID uuid.UUID) *sinkAdapter {
	s := &sinkAdapter{m: m}
	if m.DB != nil {
		var maxSeq int64
		m.DB.WithContext(ctx).Model(&domain.JobEvent{}).
			Where("job_id = ?", jobID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq)
		s.seq = maxSeq
	}
	return s
}

func (s *sinkAdapter) Emit(ctx context.Context, jobID uuid.UUID, kind domain.JobEventKind, stage, progress int, message string, data map[string]any) {
	seq := atomic.AddInt64(&s.seq, 1)

	if s.m.DB != nil {
		event := domain.JobEvent{
			ID: uuid.New(), JobID: jobID, Seq: seq, Kind: kind,
			Stage: stage, Progress: progress, Message: message,
		}
		if len(data) > 0 {
			if raw, err := json.Marshal(data); err == nil {
				event.Data = datatypes.JSON(raw)
			}
		}
		if err := s.m.DB.WithContext(ctx).Create(&event).Error; err != nil {
			s.m.Log.Warn("persisting job event failed", "job_id", jobID, "error", err)
		}
	}

	if kind == domain.EventStageComplete {
		s.m.setStatus(ctx, jobID, domain.JobRunning, stage, message, "")
	}

	if s.m.Bus == nil {
		return
	}
	if err := s.m.Bus.Publish(ctx, bus.Message{
		JobID: jobID.String(), Kind: string(kind), Stage: stage, Progress: progress, Message: message,
	}); err != nil {
		s.m.Log.Warn("publishing job event failed", "job_id", jobID, "error", err)
	}
}
