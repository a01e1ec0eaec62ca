package modelclient

import (
	"context"
	"fmt"
	"sync"
)

// MockResponse is one scripted outcome for MockClient.Complete. When Fn is
// set it wins over Result/Err, letting a test derive the response from the
// prompt it was actually sent (e.g. echo back entity ids the pipeline
// minted at run time).
type MockResponse struct {
	Result Result
	Err    error
	Fn     func(messages []Message) (Result, error)
}

// MockClient is a deterministic, in-memory ModelClient used by tests and by
// the `mock` provider entry in the configured fallback chain. Responses are
// scripted per model_id as a FIFO queue; once exhausted it repeats the last
// scripted response.
type MockClient struct {
	mu        sync.Mutex
	queues    map[string][]MockResponse
	callCount map[string]int
}

func NewMockClient() *MockClient {
	return &MockClient{queues: make(map[string][]MockResponse), callCount: make(map[string]int)}
}

func (m *MockClient) Provider() string { return "mock" }

// Script queues a response to be returned on the next Complete call for
// modelID.
func (m *MockClient) Script(modelID string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[modelID] = append(m.queues[modelID], resp)
}

// CallCount reports how many times Complete has been invoked for modelID.
func (m *MockClient) CallCount(modelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount[modelID]
}

func (m *MockClient) Complete(ctx context.Context, messages []Message, modelID string, maxTokens int, temperature float64) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount[modelID]++

	q := m.queues[modelID]
	if len(q) == 0 {
		return Result{}, fmt.Errorf("modelclient: mock has no scripted response for %q", modelID)
	}
	next := q[0]
	if len(q) > 1 {
		m.queues[modelID] = q[1:]
	}
	if next.Fn != nil {
		return next.Fn(messages)
	}
	return next.Result, next.Err
}
