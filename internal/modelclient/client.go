// Package modelclient implements the Model Router's egress contract: a
// single ModelClient interface wrapping concrete LLM providers.
package modelclient

import (
	"context"
	"errors"
	"net"

	"github.com/narraforge/core/internal/pkg/httpx"
)

// Message is one turn in a chat-style completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is the provider-agnostic outcome of one completion call.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// ModelClient is the egress contract every provider implementation
// satisfies: complete(messages, model_id, max_tokens, temperature) ->
// (text, prompt_tokens, completion_tokens).
type ModelClient interface {
	// Complete issues one completion call against modelID. Returns the
	// provider's raw error on failure; the router classifies it with
	// Classify and branches retry logic on that classification, never on
	// error string contents.
	Complete(ctx context.Context, messages []Message, modelID string, maxTokens int, temperature float64) (Result, error)

	// Provider identifies which concrete backend this client wraps, for
	// fallback-chain bookkeeping and circuit-breaker keys.
	Provider() string
}

// Class is the provider-error classification the Model Router branches on.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// ClassifiedError pairs a provider error with its retry classification and,
// for transient rate-limit errors, a server-suggested retry delay.
type ClassifiedError struct {
	Class      Class
	RetryAfter *int // seconds, if the provider specified one
	Cause      error
}

func (e *ClassifiedError) Error() string { return e.Cause.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Cause }

// Classify maps a raw transport/provider error to transient or permanent
// using context deadline/cancel, net.Error timeouts, and HTTP status as the
// retry-decision signals.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var hsc httpx.HTTPStatusCoder
	if errors.As(err, &hsc) {
		code := hsc.HTTPStatusCode()
		if httpx.IsRetryableHTTPStatus(code) {
			return &ClassifiedError{Class: ClassTransient, Cause: err}
		}
		return &ClassifiedError{Class: ClassPermanent, Cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ClassifiedError{Class: ClassTransient, Cause: err}
	}
	if httpx.IsRetryableError(err) {
		return &ClassifiedError{Class: ClassTransient, Cause: err}
	}
	return &ClassifiedError{Class: ClassPermanent, Cause: err}
}
