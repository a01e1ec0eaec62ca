package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every cross-component failure into the taxonomy the
// orchestrator branches retry/fallback logic on. Never inspect error strings
// to recover a kind; every component returns one explicitly.
type ErrorKind string

const (
	KindTransport   ErrorKind = "transport"
	KindSchema      ErrorKind = "schema"
	KindQuality     ErrorKind = "quality"
	KindValidation  ErrorKind = "validation"
	KindCostExceeded ErrorKind = "cost_exceeded"
	KindCancellation ErrorKind = "cancellation"
	KindPermanent   ErrorKind = "permanent_provider"
)

// Retryable reports whether the orchestrator's retry loop should attempt
// this stage again. CostExceeded, Cancellation, and Permanent are terminal.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransport, KindSchema, KindQuality, KindValidation:
		return true
	default:
		return false
	}
}

// TierUpgrades reports whether a retry following this kind should bump the
// model tier. Transport failures are the provider's fault, not the model's
// capacity, so the tier is left unchanged.
func (k ErrorKind) TierUpgrades() bool {
	switch k {
	case KindSchema, KindQuality, KindValidation:
		return true
	default:
		return false
	}
}

// StageError is surfaced to the orchestrator's caller when a stage exhausts
// its retry budget or fails for a non-retryable reason.
type StageError struct {
	Stage     int       `json:"stage"`
	Kind      ErrorKind `json:"kind"`
	Attempts  int       `json:"attempts"`
	LastCause error     `json:"-"`
	Message   string    `json:"message,omitempty"`
}

func (e *StageError) Error() string {
	cause := e.Message
	if cause == "" && e.LastCause != nil {
		cause = e.LastCause.Error()
	}
	return fmt.Sprintf("stage %d failed after %d attempt(s) [%s]: %s", e.Stage, e.Attempts, e.Kind, cause)
}

func (e *StageError) Unwrap() error { return e.LastCause }

// NewStageError builds a StageError, capturing the cause's message even when
// the cause itself cannot be persisted across a checkpoint boundary.
func NewStageError(stage int, kind ErrorKind, attempts int, cause error) *StageError {
	se := &StageError{Stage: stage, Kind: kind, Attempts: attempts, LastCause: cause}
	if cause != nil {
		se.Message = cause.Error()
	}
	return se
}

// Sentinel errors for generic conditions that do not carry stage context.
var (
	ErrNotFound        = errors.New("domain: not found")
	ErrUnauthorized    = errors.New("domain: unauthorized")
	ErrInvalidArgument = errors.New("domain: invalid argument")
	ErrAlreadyExists   = errors.New("domain: already exists")
)

// CostExceededError is returned by the router when a call's estimated spend
// would breach max_cost_per_job. It is never retried.
type CostExceededError struct {
	JobID          string
	CumulativeUSD  float64
	EstimatedUSD   float64
	MaxCostPerJob  float64
}

func (e *CostExceededError) Error() string {
	return fmt.Sprintf("modelrouter: cost exceeded for job %s: cumulative=%.4f estimate=%.4f max=%.4f",
		e.JobID, e.CumulativeUSD, e.EstimatedUSD, e.MaxCostPerJob)
}

// HTTPStatusCode lets this satisfy the httpx classification surface used
// for provider errors, without being retryable.
func (e *CostExceededError) HTTPStatusCode() int { return 402 }
