// Package memory implements the Triple Memory: structural, semantic, and
// evolutionary stores over one persistent backend, consumed by the agent
// stages.
package memory

import (
	"context"
	"fmt"

	"github.com/narraforge/core/internal/domain"
)

// Store is the Triple Memory's full surface: one implementation backs all
// three logical stores, indexed by entity id and type.
type Store interface {
	// PutWorld inserts the job's single world. Called exactly once per job
	// (invariant: exactly one world per job).
	PutWorld(ctx context.Context, w domain.World) (string, error)
	GetWorld(ctx context.Context, id string) (domain.World, error)

	// PutCharacter inserts a character; rejects (ErrInvalidArgument) a
	// character whose WorldID does not reference an existing world.
	PutCharacter(ctx context.Context, c domain.Character) (string, error)
	ListCharacters(ctx context.Context, worldID string) ([]domain.Character, error)

	PutRuleSystem(ctx context.Context, rs domain.RuleSystem) (string, error)
	PutArchetype(ctx context.Context, a domain.Archetype) (string, error)

	// PutEvent inserts an append-only semantic event.
	PutEvent(ctx context.Context, e domain.Event) (string, error)
	ListEvents(ctx context.Context, worldID string) ([]domain.Event, error)

	PutMotif(ctx context.Context, m domain.Motif) (string, error)

	// Link records a directed, typed, weighted relationship edge between
	// two semantic or structural entities.
	Link(ctx context.Context, r domain.Relationship) error

	// PutEvolutionEntry inserts an append-only evolutionary-store record.
	// Rejects (ErrInvalidArgument) an entry whose EntityID or
	// TriggerEventID does not reference an existing record.
	PutEvolutionEntry(ctx context.Context, e domain.EvolutionEntry) (string, error)
	ListEvolution(ctx context.Context, entityID string) ([]domain.EvolutionEntry, error)

	// SummariseWorld and SummariseCharacter return bounded (<=maxWords)
	// text suitable for prompt inclusion, per the stage 6/8 retrieval
	// policy: these stages never receive full prior prose or full
	// world-bible text.
	SummariseWorld(ctx context.Context, worldID string, maxWords int) (string, error)
	SummariseCharacter(ctx context.Context, characterID string, maxWords int) (string, error)

	// Export returns an isomorphic snapshot of a world's full structural,
	// semantic, and evolutionary state, for the memory export/import
	// round-trip property.
	Export(ctx context.Context, worldID string) (Snapshot, error)
	Import(ctx context.Context, snap Snapshot) error
}

// Snapshot is the exported structural/semantic/evolutionary state of one
// world, also used as the `expansion.json` output manifest component.
type Snapshot struct {
	World         domain.World             `json:"world"`
	Characters    []domain.Character       `json:"characters"`
	RuleSystems   []domain.RuleSystem      `json:"rule_systems"`
	Archetypes    []domain.Archetype       `json:"archetypes"`
	Events        []domain.Event           `json:"events"`
	Motifs        []domain.Motif           `json:"motifs"`
	Relationships []domain.Relationship    `json:"relationships"`
	Evolution     []domain.EvolutionEntry  `json:"evolution"`
}

// ErrWorldRequired is returned (wrapping domain.ErrInvalidArgument) when a
// character is inserted without a valid world reference.
var ErrWorldRequired = fmt.Errorf("memory: character requires an existing world: %w", domain.ErrInvalidArgument)

// ErrEvolutionRequiresEntityAndEvent is returned when an evolutionary entry
// references a missing entity or triggering event.
var ErrEvolutionRequiresEntityAndEvent = fmt.Errorf("memory: evolution entry requires an existing entity and event: %w", domain.ErrInvalidArgument)
