package domain

import "time"

// World is the sole structural root per job: rules of reality, boundaries,
// anomalies, core conflict, and existential theme. Immutable after creation
// except through explicit evolution events.
type World struct {
	ID              string    `json:"id"`
	JobID           string    `json:"job_id"`
	Rules           []string  `json:"rules"`
	Boundaries      []string  `json:"boundaries"`
	Anomalies       []string  `json:"anomalies"`
	CoreConflict    string    `json:"core_conflict"`
	ExistentialTheme string   `json:"existential_theme"`
	Scale           WorldScale `json:"scale"`
	CreatedAt       time.Time `json:"created_at"`
}

// Character is a structural entity belonging to exactly one world. Per the
// "characters as processes" invariant every character carries at least one
// contradiction and one cognitive limit.
type Character struct {
	ID               string    `json:"id"`
	WorldID          string    `json:"world_id"`
	Name             string    `json:"name"`
	InternalTrajectory string  `json:"internal_trajectory"`
	Contradictions   []string  `json:"contradictions"`
	CognitiveLimits  []string  `json:"cognitive_limits"`
	EvolutionCapacity float64  `json:"evolution_capacity"`
	CreatedAt        time.Time `json:"created_at"`
}

// Valid enforces the structural invariants the Triple Memory store boundary
// is required to check before accepting a character.
func (c Character) Valid() error {
	if c.WorldID == "" {
		return ErrInvalidArgument
	}
	if len(c.Contradictions) == 0 {
		return ErrInvalidArgument
	}
	if len(c.CognitiveLimits) == 0 {
		return ErrInvalidArgument
	}
	if c.EvolutionCapacity < 0 || c.EvolutionCapacity > 1 {
		return ErrInvalidArgument
	}
	return nil
}

// RuleSystem and Archetype round out the structural store's entity kinds.
type RuleSystem struct {
	ID          string    `json:"id"`
	WorldID     string    `json:"world_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type Archetype struct {
	ID          string    `json:"id"`
	WorldID     string    `json:"world_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event is an append-only semantic entity: participants, location,
// description, consequences, and a story-internal timestamp.
type Event struct {
	ID             string    `json:"id"`
	WorldID        string    `json:"world_id"`
	Participants   []string  `json:"participants"`
	Location       string    `json:"location"`
	Description    string    `json:"description"`
	Consequences   []string  `json:"consequences"`
	StoryTimestamp string    `json:"story_timestamp"`
	CreatedAt      time.Time `json:"created_at"`
}

// Motif is an append-only recurring semantic element.
type Motif struct {
	ID        string    `json:"id"`
	WorldID   string    `json:"world_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Relationship is a directed, typed, weighted edge in the semantic store.
type Relationship struct {
	ID        string    `json:"id"`
	WorldID   string    `json:"world_id"`
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Relation  string    `json:"relation"`
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
}

// EvolutionEntry is an append-only evolutionary-store record. It must
// reference both an existing structural entity and the semantic event that
// triggered the change.
type EvolutionEntry struct {
	ID            string    `json:"id"`
	WorldID       string    `json:"world_id"`
	EntityID      string    `json:"entity_id"`
	ChangeType    string    `json:"change_type"`
	BeforeState   string    `json:"before_state"`
	AfterState    string    `json:"after_state"`
	TriggerEventID string   `json:"trigger_event_id"`
	Significance  float64   `json:"significance"`
	CreatedAt     time.Time `json:"created_at"`
}

// Segment is one generated prose unit, produced by stage 6 and refined by
// stages 8–9. Segment order is stable: index equals plan index.
type Segment struct {
	Index           int     `json:"index"`
	POVCharacterID  string  `json:"pov_character_id"`
	Goal            string  `json:"goal"`
	Conflict        string  `json:"conflict"`
	Text            string  `json:"text"`
	QualitySelfScore float64 `json:"quality_self_score"`
	WordCount       int     `json:"word_count"`
}

// SegmentDescriptor is stage 5's plan entry for one segment, before prose
// exists.
type SegmentDescriptor struct {
	Index           int    `json:"index"`
	Goal            string `json:"goal"`
	Conflict        string `json:"conflict"`
	POVCharacterID  string `json:"pov_character_id"`
	TargetWordCount int    `json:"target_word_count"`
	EmotionalBeat   string `json:"expected_emotional_beat"`
}
