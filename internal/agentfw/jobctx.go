package agentfw

import (
	"context"

	"github.com/google/uuid"
)

// jobIDKey is unexported so only this package can mint the context value;
// the orchestrator sets it once per Run, agents read it to attribute model
// calls (cost ledger, rate limiting) to the right job.
type jobIDKey struct{}

// WithJobID attaches jobID to ctx for the duration of one stage's calls
// through the Model Router.
func WithJobID(ctx context.Context, jobID uuid.UUID) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// JobIDFromContext retrieves the job id set by WithJobID, or uuid.Nil if
// none was set (e.g. a unit test calling an agent directly).
func JobIDFromContext(ctx context.Context) uuid.UUID {
	v, _ := ctx.Value(jobIDKey{}).(uuid.UUID)
	return v
}
