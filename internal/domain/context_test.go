package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPipelineContextMonotonic(t *testing.T) {
	c := NewPipelineContext()
	ok := c.Set(ContextEntry{Key: KeyWorldBible, Stage: 2, Payload: "a", WrittenAt: time.Now()})
	require.True(t, ok)

	// A second write to the same key must be refused: context is append-only.
	ok = c.Set(ContextEntry{Key: KeyWorldBible, Stage: 2, Payload: "b", WrittenAt: time.Now()})
	require.False(t, ok)

	v, present := c.Get(KeyWorldBible)
	require.True(t, present)
	require.Equal(t, "a", v)
}

func TestRestoreFromPreservesStageOrder(t *testing.T) {
	c := NewPipelineContext()
	require.True(t, c.Set(ContextEntry{Key: KeyCharacters, Stage: 3, Payload: 1}))
	require.True(t, c.Set(ContextEntry{Key: KeyWorldBible, Stage: 2, Payload: 2}))

	restored := RestoreFrom(c.Snapshot())
	keys := restored.Keys()
	require.Equal(t, []ContextKey{KeyWorldBible, KeyCharacters}, keys)
}

func TestStageNumber(t *testing.T) {
	require.Equal(t, 1, StageNumber(KeyBriefInterpretation))
	require.Equal(t, 10, StageNumber(KeyOutputManifest))
	require.Equal(t, 0, StageNumber(ContextKey("bogus")))
}
