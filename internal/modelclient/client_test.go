package modelclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMockClientScriptsInOrder(t *testing.T) {
	m := NewMockClient()
	m.Script("mini", MockResponse{Result: Result{Text: "first", PromptTokens: 10, CompletionTokens: 5}})
	m.Script("mini", MockResponse{Result: Result{Text: "second", PromptTokens: 10, CompletionTokens: 5}})

	r1, err := m.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, "mini", 100, 0.7)
	require.NoError(t, err)
	require.Equal(t, "first", r1.Text)

	r2, err := m.Complete(context.Background(), nil, "mini", 100, 0.7)
	require.NoError(t, err)
	require.Equal(t, "second", r2.Text)

	require.Equal(t, 2, m.CallCount("mini"))
}

func TestClassifyDistinguishesTransientFromPermanent(t *testing.T) {
	transient := Classify(&providerHTTPError{status: 429, body: "rate limited"})
	require.Equal(t, ClassTransient, transient.Class)

	permanent := Classify(&providerHTTPError{status: 401, body: "bad key"})
	require.Equal(t, ClassPermanent, permanent.Class)
}
