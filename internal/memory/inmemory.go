package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/narraforge/core/internal/domain"
)

// inMemoryStore is a single-process Store used by tests and by the app
// wiring when NEO4J_URI is unset. It enforces the same boundary invariants the Neo4j backend
// enforces: world required for characters, entity+event required for
// evolution entries.
type inMemoryStore struct {
	mu sync.Mutex

	worlds      map[string]domain.World
	characters  map[string]domain.Character
	ruleSystems map[string]domain.RuleSystem
	archetypes  map[string]domain.Archetype
	events      map[string]domain.Event
	motifs      map[string]domain.Motif
	relations   []domain.Relationship
	evolution   map[string]domain.EvolutionEntry
}

func NewInMemoryStore() Store {
	return &inMemoryStore{
		worlds:      make(map[string]domain.World),
		characters:  make(map[string]domain.Character),
		ruleSystems: make(map[string]domain.RuleSystem),
		archetypes:  make(map[string]domain.Archetype),
		events:      make(map[string]domain.Event),
		motifs:      make(map[string]domain.Motif),
		evolution:   make(map[string]domain.EvolutionEntry),
	}
}

func (s *inMemoryStore) PutWorld(ctx context.Context, w domain.World) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	s.worlds[w.ID] = w
	return w.ID, nil
}

func (s *inMemoryStore) GetWorld(ctx context.Context, id string) (domain.World, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.worlds[id]
	if !ok {
		return domain.World{}, domain.ErrNotFound
	}
	return w, nil
}

func (s *inMemoryStore) PutCharacter(ctx context.Context, c domain.Character) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.worlds[c.WorldID]; !ok {
		return "", ErrWorldRequired
	}
	if err := c.Valid(); err != nil {
		return "", err
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	s.characters[c.ID] = c
	return c.ID, nil
}

func (s *inMemoryStore) ListCharacters(ctx context.Context, worldID string) ([]domain.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Character
	for _, c := range s.characters {
		if c.WorldID == worldID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *inMemoryStore) PutRuleSystem(ctx context.Context, rs domain.RuleSystem) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs.ID == "" {
		rs.ID = uuid.New().String()
	}
	s.ruleSystems[rs.ID] = rs
	return rs.ID, nil
}

func (s *inMemoryStore) PutArchetype(ctx context.Context, a domain.Archetype) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	s.archetypes[a.ID] = a
	return a.ID, nil
}

func (s *inMemoryStore) PutEvent(ctx context.Context, e domain.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	s.events[e.ID] = e
	return e.ID, nil
}

func (s *inMemoryStore) ListEvents(ctx context.Context, worldID string) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events {
		if e.WorldID == worldID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *inMemoryStore) PutMotif(ctx context.Context, m domain.Motif) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	s.motifs[m.ID] = m
	return m.ID, nil
}

func (s *inMemoryStore) Link(ctx context.Context, r domain.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations = append(s.relations, r)
	return nil
}

func (s *inMemoryStore) entityExists(id string) bool {
	if _, ok := s.characters[id]; ok {
		return true
	}
	if _, ok := s.worlds[id]; ok {
		return true
	}
	if _, ok := s.ruleSystems[id]; ok {
		return true
	}
	if _, ok := s.archetypes[id]; ok {
		return true
	}
	return false
}

func (s *inMemoryStore) PutEvolutionEntry(ctx context.Context, e domain.EvolutionEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.entityExists(e.EntityID) {
		return "", ErrEvolutionRequiresEntityAndEvent
	}
	if _, ok := s.events[e.TriggerEventID]; !ok {
		return "", ErrEvolutionRequiresEntityAndEvent
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	s.evolution[e.ID] = e
	return e.ID, nil
}

func (s *inMemoryStore) ListEvolution(ctx context.Context, entityID string) ([]domain.EvolutionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EvolutionEntry
	for _, e := range s.evolution {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *inMemoryStore) SummariseWorld(ctx context.Context, worldID string, maxWords int) (string, error) {
	s.mu.Lock()
	w, ok := s.worlds[worldID]
	s.mu.Unlock()
	if !ok {
		return "", domain.ErrNotFound
	}
	return summariseWorld(w, maxWords), nil
}

func (s *inMemoryStore) SummariseCharacter(ctx context.Context, characterID string, maxWords int) (string, error) {
	s.mu.Lock()
	c, ok := s.characters[characterID]
	s.mu.Unlock()
	if !ok {
		return "", domain.ErrNotFound
	}
	return summariseCharacter(c, maxWords), nil
}

func (s *inMemoryStore) Export(ctx context.Context, worldID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.worlds[worldID]
	if !ok {
		return Snapshot{}, domain.ErrNotFound
	}
	snap := Snapshot{World: w}
	for _, c := range s.characters {
		if c.WorldID == worldID {
			snap.Characters = append(snap.Characters, c)
		}
	}
	for _, rs := range s.ruleSystems {
		if rs.WorldID == worldID {
			snap.RuleSystems = append(snap.RuleSystems, rs)
		}
	}
	for _, a := range s.archetypes {
		if a.WorldID == worldID {
			snap.Archetypes = append(snap.Archetypes, a)
		}
	}
	for _, e := range s.events {
		if e.WorldID == worldID {
			snap.Events = append(snap.Events, e)
		}
	}
	for _, m := range s.motifs {
		if m.WorldID == worldID {
			snap.Motifs = append(snap.Motifs, m)
		}
	}
	for _, r := range s.relations {
		if r.WorldID == worldID {
			snap.Relationships = append(snap.Relationships, r)
		}
	}
	for _, ev := range s.evolution {
		if ev.WorldID == worldID {
			snap.Evolution = append(snap.Evolution, ev)
		}
	}
	return snap, nil
}

func (s *inMemoryStore) Import(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worlds[snap.World.ID] = snap.World
	for _, c := range snap.Characters {
		s.characters[c.ID] = c
	}
	for _, rs := range snap.RuleSystems {
		s.ruleSystems[rs.ID] = rs
	}
	for _, a := range snap.Archetypes {
		s.archetypes[a.ID] = a
	}
	for _, e := range snap.Events {
		s.events[e.ID] = e
	}
	for _, m := range snap.Motifs {
		s.motifs[m.ID] = m
	}
	s.relations = append(s.relations, snap.Relationships...)
	for _, ev := range snap.Evolution {
		s.evolution[ev.ID] = ev
	}
	return nil
}
