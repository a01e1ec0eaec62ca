package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/narraforge/core/internal/domain"
)

func TestCharacterRequiresExistingWorld(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	_, err := s.PutCharacter(ctx, domain.Character{WorldID: "missing", Contradictions: []string{"x"}, CognitiveLimits: []string{"y"}})
	require.ErrorIs(t, err, ErrWorldRequired)
}

func TestEvolutionEntryRequiresEntityAndEvent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	worldID, err := s.PutWorld(ctx, domain.World{})
	require.NoError(t, err)
	charID, err := s.PutCharacter(ctx, domain.Character{WorldID: worldID, Contradictions: []string{"x"}, CognitiveLimits: []string{"y"}, EvolutionCapacity: 0.3})
	require.NoError(t, err)

	_, err = s.PutEvolutionEntry(ctx, domain.EvolutionEntry{WorldID: worldID, EntityID: charID, TriggerEventID: "missing"})
	require.ErrorIs(t, err, ErrEvolutionRequiresEntityAndEvent)

	eventID, err := s.PutEvent(ctx, domain.Event{WorldID: worldID, Description: "a battle"})
	require.NoError(t, err)
	_, err = s.PutEvolutionEntry(ctx, domain.EvolutionEntry{WorldID: worldID, EntityID: charID, TriggerEventID: eventID})
	require.NoError(t, err)
}

func TestMemoryExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := NewInMemoryStore()

	worldID, err := src.PutWorld(ctx, domain.World{CoreConflict: "order vs chaos", Scale: domain.WorldScaleRegional})
	require.NoError(t, err)
	charID, err := src.PutCharacter(ctx, domain.Character{WorldID: worldID, Name: "Aria", Contradictions: []string{"brave but reckless"}, CognitiveLimits: []string{"can't trust"}, EvolutionCapacity: 0.6})
	require.NoError(t, err)
	eventID, err := src.PutEvent(ctx, domain.Event{WorldID: worldID, Description: "the betrayal"})
	require.NoError(t, err)
	_, err = src.PutEvolutionEntry(ctx, domain.EvolutionEntry{WorldID: worldID, EntityID: charID, TriggerEventID: eventID, ChangeType: "trust_broken"})
	require.NoError(t, err)

	exported, err := src.Export(ctx, worldID)
	require.NoError(t, err)

	dst := NewInMemoryStore()
	require.NoError(t, dst.Import(ctx, exported))

	reimported, err := dst.Export(ctx, worldID)
	require.NoError(t, err)

	if diff := cmp.Diff(exported, reimported); diff != "" {
		t.Fatalf("export/import round-trip not isomorphic (-want +got):\n%s", diff)
	}
}

func TestSummariseWorldIsBounded(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	worldID, err := s.PutWorld(ctx, domain.World{
		CoreConflict: "a very long description of a conflict that goes on and on and on and on and on and on and on and on and on",
		Rules:        []string{"rule one", "rule two"},
	})
	require.NoError(t, err)

	summary, err := s.SummariseWorld(ctx, worldID, 10)
	require.NoError(t, err)
	require.LessOrEqual(t, len(strings.Fields(summary)), 11) // allows the trailing "..." marker
}
