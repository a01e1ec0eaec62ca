package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/pkg/logger"
	"github.com/narraforge/core/internal/platform/neo4jdb"
)

// neo4jStore is the persistent Triple Memory backend: structural,
// semantic, and evolutionary entities all live as nodes in one graph,
// written via UNWIND/MERGE inside one ExecuteWrite transaction per call.
type neo4jStore struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewNeo4jStore(client *neo4jdb.Client, log *logger.Logger) Store {
	return &neo4jStore{client: client, log: log}
}

func (s *neo4jStore) ensureSchema(ctx context.Context, session neo4j.SessionWithContext) {
	stmts := []string{
		`CREATE CONSTRAINT narraforge_world_id_unique IF NOT EXISTS FOR (w:World) REQUIRE w.id IS UNIQUE`,
		`CREATE CONSTRAINT narraforge_character_id_unique IF NOT EXISTS FOR (c:Character) REQUIRE c.id IS UNIQUE`,
		`CREATE CONSTRAINT narraforge_event_id_unique IF NOT EXISTS FOR (e:Event) REQUIRE e.id IS UNIQUE`,
		`CREATE CONSTRAINT narraforge_evolution_id_unique IF NOT EXISTS FOR (ev:EvolutionEntry) REQUIRE ev.id IS UNIQUE`,
	}
	for _, q := range stmts {
		if res, err := session.Run(ctx, q, nil); err != nil {
			if s.log != nil {
				s.log.Warn("neo4j schema init failed (continuing)", "error", err)
			}
		} else {
			_, _ = res.Consume(ctx)
		}
	}
}

func (s *neo4jStore) session(ctx context.Context) neo4j.SessionWithContext {
	return s.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.client.Database,
	})
}

func (s *neo4jStore) PutWorld(ctx context.Context, w domain.World) (string, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	session := s.session(ctx)
	defer session.Close(ctx)
	s.ensureSchema(ctx, session)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MERGE (w:World {id: $id})
SET w.job_id = $job_id, w.rules = $rules, w.boundaries = $boundaries, w.anomalies = $anomalies,
    w.core_conflict = $core_conflict, w.existential_theme = $theme, w.scale = $scale,
    w.created_at = $created_at
`, map[string]any{
			"id": w.ID, "job_id": w.JobID, "rules": w.Rules, "boundaries": w.Boundaries,
			"anomalies": w.Anomalies, "core_conflict": w.CoreConflict, "theme": w.ExistentialTheme,
			"scale": string(w.Scale), "created_at": w.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	return w.ID, err
}

func (s *neo4jStore) GetWorld(ctx context.Context, id string) (domain.World, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (w:World {id: $id}) RETURN w`, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, domain.ErrNotFound
		}
		node, _ := record.Get("w")
		return nodeToWorld(node.(neo4j.Node)), nil
	})
	if err != nil {
		return domain.World{}, err
	}
	return result.(domain.World), nil
}

func nodeToWorld(n neo4j.Node) domain.World {
	props := n.Props
	w := domain.World{ID: asString(props["id"])}
	w.JobID = asString(props["job_id"])
	w.CoreConflict = asString(props["core_conflict"])
	w.ExistentialTheme = asString(props["existential_theme"])
	w.Scale = domain.WorldScale(asString(props["scale"]))
	w.Rules = asStringSlice(props["rules"])
	w.Boundaries = asStringSlice(props["boundaries"])
	w.Anomalies = asStringSlice(props["anomalies"])
	return w
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (s *neo4jStore) PutCharacter(ctx context.Context, c domain.Character) (string, error) {
	if err := c.Valid(); err != nil {
		return "", ErrWorldRequired
	}
	if _, err := s.GetWorld(ctx, c.WorldID); err != nil {
		return "", ErrWorldRequired
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (w:World {id: $world_id})
MERGE (c:Character {id: $id})
SET c.name = $name, c.internal_trajectory = $traj, c.contradictions = $contradictions,
    c.cognitive_limits = $limits, c.evolution_capacity = $capacity, c.created_at = $created_at
MERGE (c)-[:BELONGS_TO]->(w)
`, map[string]any{
			"world_id": c.WorldID, "id": c.ID, "name": c.Name, "traj": c.InternalTrajectory,
			"contradictions": c.Contradictions, "limits": c.CognitiveLimits, "capacity": c.EvolutionCapacity,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	return c.ID, err
}

func (s *neo4jStore) ListCharacters(ctx context.Context, worldID string) ([]domain.Character, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (c:Character)-[:BELONGS_TO]->(w:World {id: $world_id}) RETURN c`, map[string]any{"world_id": worldID})
		if err != nil {
			return nil, err
		}
		var out []domain.Character
		for res.Next(ctx) {
			node, _ := res.Record().Get("c")
			out = append(out, nodeToCharacter(node.(neo4j.Node), worldID))
		}
		return out, res.Err()
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Character), nil
}

func nodeToCharacter(n neo4j.Node, worldID string) domain.Character {
	props := n.Props
	return domain.Character{
		ID: asString(props["id"]), WorldID: worldID, Name: asString(props["name"]),
		InternalTrajectory: asString(props["internal_trajectory"]),
		Contradictions:     asStringSlice(props["contradictions"]),
		CognitiveLimits:    asStringSlice(props["cognitive_limits"]),
		EvolutionCapacity:  asFloat(props["evolution_capacity"]),
	}
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func (s *neo4jStore) PutRuleSystem(ctx context.Context, rs domain.RuleSystem) (string, error) {
	if rs.ID == "" {
		rs.ID = uuid.New().String()
	}
	session := s.session(ctx)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (w:World {id: $world_id})
MERGE (r:RuleSystem {id: $id})
SET r.name = $name, r.description = $description
MERGE (r)-[:BELONGS_TO]->(w)
`, map[string]any{"world_id": rs.WorldID, "id": rs.ID, "name": rs.Name, "description": rs.Description})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	return rs.ID, err
}

func (s *neo4jStore) PutArchetype(ctx context.Context, a domain.Archetype) (string, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	session := s.session(ctx)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (w:World {id: $world_id})
MERGE (a:Archetype {id: $id})
SET a.name = $name, a.description = $description
MERGE (a)-[:BELONGS_TO]->(w)
`, map[string]any{"world_id": a.WorldID, "id": a.ID, "name": a.Name, "description": a.Description})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	return a.ID, err
}

func (s *neo4jStore) PutEvent(ctx context.Context, e domain.Event) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	session := s.session(ctx)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (w:World {id: $world_id})
MERGE (e:Event {id: $id})
SET e.participants = $participants, e.location = $location, e.description = $description,
    e.consequences = $consequences, e.story_timestamp = $story_ts
MERGE (e)-[:IN_WORLD]->(w)
`, map[string]any{
			"world_id": e.WorldID, "id": e.ID, "participants": e.Participants, "location": e.Location,
			"description": e.Description, "consequences": e.Consequences, "story_ts": e.StoryTimestamp,
		})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	return e.ID, err
}

func (s *neo4jStore) ListEvents(ctx context.Context, worldID string) ([]domain.Event, error) {
	session := s.session(ctx)
	defer session.Close(ctx)
	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (e:Event)-[:IN_WORLD]->(w:World {id: $world_id}) RETURN e`, map[string]any{"world_id": worldID})
		if err != nil {
			return nil, err
		}
		var out []domain.Event
		for res.Next(ctx) {
			node, _ := res.Record().Get("e")
			props := node.(neo4j.Node).Props
			out = append(out, domain.Event{
				ID: asString(props["id"]), WorldID: worldID, Location: asString(props["location"]),
				Description: asString(props["description"]), StoryTimestamp: asString(props["story_timestamp"]),
				Participants: asStringSlice(props["participants"]), Consequences: asStringSlice(props["consequences"]),
			})
		}
		return out, res.Err()
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Event), nil
}

func (s *neo4jStore) PutMotif(ctx context.Context, m domain.Motif) (string, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	session := s.session(ctx)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (w:World {id: $world_id})
MERGE (m:Motif {id: $id})
SET m.name = $name
MERGE (m)-[:IN_WORLD]->(w)
`, map[string]any{"world_id": m.WorldID, "id": m.ID, "name": m.Name})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	return m.ID, err
}

func (s *neo4jStore) Link(ctx context.Context, r domain.Relationship) error {
	session := s.session(ctx)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
UNWIND [$rel] AS r
MATCH (a {id: r.from_id}), (b {id: r.to_id})
MERGE (a)-[rel:RELATES {relation: r.relation}]->(b)
SET rel.weight = r.weight, rel.id = r.id
`, map[string]any{"rel": map[string]any{
			"id": r.ID, "from_id": r.FromID, "to_id": r.ToID, "relation": r.Relation, "weight": r.Weight,
		}})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	return err
}

func (s *neo4jStore) PutEvolutionEntry(ctx context.Context, e domain.EvolutionEntry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (entity {id: $entity_id}), (trigger:Event {id: $trigger_event_id})
MERGE (ev:EvolutionEntry {id: $id})
SET ev.change_type = $change_type, ev.before_state = $before, ev.after_state = $after,
    ev.significance = $significance
MERGE (ev)-[:CHANGES]->(entity)
MERGE (ev)-[:TRIGGERED_BY]->(trigger)
RETURN ev
`, map[string]any{
			"entity_id": e.EntityID, "trigger_event_id": e.TriggerEventID, "id": e.ID,
			"change_type": e.ChangeType, "before": e.BeforeState, "after": e.AfterState,
			"significance": e.Significance,
		})
		if err != nil {
			return nil, err
		}
		if _, err := res.Single(ctx); err != nil {
			return nil, ErrEvolutionRequiresEntityAndEvent
		}
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

func (s *neo4jStore) ListEvolution(ctx context.Context, entityID string) ([]domain.EvolutionEntry, error) {
	session := s.session(ctx)
	defer session.Close(ctx)
	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (ev:EvolutionEntry)-[:CHANGES]->(entity {id: $entity_id})
OPTIONAL MATCH (ev)-[:TRIGGERED_BY]->(trigger:Event)
RETURN ev, trigger.id AS trigger_event_id`, map[string]any{"entity_id": entityID})
		if err != nil {
			return nil, err
		}
		var out []domain.EvolutionEntry
		for res.Next(ctx) {
			node, _ := res.Record().Get("ev")
			triggerID, _ := res.Record().Get("trigger_event_id")
			props := node.(neo4j.Node).Props
			out = append(out, domain.EvolutionEntry{
				ID: asString(props["id"]), EntityID: entityID, TriggerEventID: asString(triggerID), ChangeType: asString(props["change_type"]),
				BeforeState: asString(props["before_state"]), AfterState: asString(props["after_state"]),
				Significance: asFloat(props["significance"]),
			})
		}
		return out, res.Err()
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.EvolutionEntry), nil
}

func (s *neo4jStore) SummariseWorld(ctx context.Context, worldID string, maxWords int) (string, error) {
	w, err := s.GetWorld(ctx, worldID)
	if err != nil {
		return "", err
	}
	return summariseWorld(w, maxWords), nil
}

func (s *neo4jStore) SummariseCharacter(ctx context.Context, characterID string, maxWords int) (string, error) {
	session := s.session(ctx)
	defer session.Close(ctx)
	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (c:Character {id: $id})-[:BELONGS_TO]->(w:World) RETURN c, w.id AS world_id`, map[string]any{"id": characterID})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, domain.ErrNotFound
		}
		node, _ := record.Get("c")
		worldID, _ := record.Get("world_id")
		return nodeToCharacter(node.(neo4j.Node), worldID.(string)), nil
	})
	if err != nil {
		return "", err
	}
	return summariseCharacter(result.(domain.Character), maxWords), nil
}

// Export reads back the world, its characters, its events, and the
// evolution entries of its characters. Rule systems, archetypes, motifs,
// relationships, and evolution entries of non-character entities are not
// read, so a snapshot from this store leaves those parts empty. Import
// writes every part of a snapshot through the same per-entity Put* calls
// this store already exposes, so an import is a replay of an export onto
// a (possibly fresh) store.
func (s *neo4jStore) Export(ctx context.Context, worldID string) (Snapshot, error) {
	w, err := s.GetWorld(ctx, worldID)
	if err != nil {
		return Snapshot{}, err
	}
	chars, err := s.ListCharacters(ctx, worldID)
	if err != nil {
		return Snapshot{}, err
	}
	events, err := s.ListEvents(ctx, worldID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{World: w, Characters: chars, Events: events}
	for _, c := range chars {
		entries, err := s.ListEvolution(ctx, c.ID)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Evolution = append(snap.Evolution, entries...)
	}
	return snap, nil
}

func (s *neo4jStore) Import(ctx context.Context, snap Snapshot) error {
	if _, err := s.PutWorld(ctx, snap.World); err != nil {
		return err
	}
	for _, c := range snap.Characters {
		if _, err := s.PutCharacter(ctx, c); err != nil {
			return err
		}
	}
	for _, e := range snap.Events {
		if _, err := s.PutEvent(ctx, e); err != nil {
			return err
		}
	}
	for _, rs := range snap.RuleSystems {
		if _, err := s.PutRuleSystem(ctx, rs); err != nil {
			return err
		}
	}
	for _, a := range snap.Archetypes {
		if _, err := s.PutArchetype(ctx, a); err != nil {
			return err
		}
	}
	for _, m := range snap.Motifs {
		if _, err := s.PutMotif(ctx, m); err != nil {
			return err
		}
	}
	for _, r := range snap.Relationships {
		if err := s.Link(ctx, r); err != nil {
			return err
		}
	}
	for _, ev := range snap.Evolution {
		if _, err := s.PutEvolutionEntry(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
