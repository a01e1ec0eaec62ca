package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/storage/testutil"
)

func TestSaveAndLatestRoundTrip(t *testing.T) {
	db := testutil.DB(t)
	mgr := NewGormManager(db, testutil.Logger(t))
	ctx := context.Background()
	jobID := uuid.New()

	pc := domain.NewPipelineContext()
	require.True(t, pc.Set(domain.ContextEntry{
		Key: domain.KeyBriefInterpretation, Stage: 1,
		Payload: map[string]any{"genre": "noir"}, WrittenAt: time.Now(),
	}))
	require.NoError(t, mgr.Save(ctx, jobID, 1, pc, 0.10, 120, 340))

	require.True(t, pc.Set(domain.ContextEntry{
		Key: domain.KeyWorldBible, Stage: 2,
		Payload: map[string]any{"rules": []string{"no magic"}}, WrittenAt: time.Now(),
	}))
	require.NoError(t, mgr.Save(ctx, jobID, 2, pc, 0.25, 300, 900))

	restored, err := mgr.Latest(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, restored)
	require.Equal(t, 2, restored.Stage)
	require.InDelta(t, 0.25, restored.CumulativeCostUSD, 1e-9)
	require.True(t, restored.Context.Has(domain.KeyBriefInterpretation))
	require.True(t, restored.Context.Has(domain.KeyWorldBible))
	require.Equal(t, domain.StageOrder[:2], restored.Context.Keys())
}

func TestLatestReturnsNilWhenNoCheckpoints(t *testing.T) {
	db := testutil.DB(t)
	mgr := NewGormManager(db, testutil.Logger(t))
	restored, err := mgr.Latest(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Nil(t, restored)
}

func TestPruneRemovesAllCheckpointsForJob(t *testing.T) {
	db := testutil.DB(t)
	mgr := NewGormManager(db, testutil.Logger(t))
	ctx := context.Background()
	jobID := uuid.New()

	pc := domain.NewPipelineContext()
	pc.Set(domain.ContextEntry{Key: domain.KeyBriefInterpretation, Stage: 1, Payload: "x", WrittenAt: time.Now()})
	require.NoError(t, mgr.Save(ctx, jobID, 1, pc, 0, 0, 0))

	require.NoError(t, mgr.Prune(ctx, jobID))

	restored, err := mgr.Latest(ctx, jobID)
	require.NoError(t, err)
	require.Nil(t, restored)
}
