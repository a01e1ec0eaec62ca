package domain

import "time"

// ContextKey names a well-known slot in the Pipeline Context. Each is owned
// by exactly one stage.
type ContextKey string

const (
	KeyBriefInterpretation ContextKey = "brief_interpretation"
	KeyWorldBible          ContextKey = "world_bible"
	KeyCharacters          ContextKey = "characters"
	KeyStructure           ContextKey = "structure"
	KeySegmentPlan         ContextKey = "segment_plan"
	KeySegments            ContextKey = "segments"
	KeyCoherenceReport     ContextKey = "coherence_report"
	KeyStylizedSegments    ContextKey = "stylized_segments"
	KeyEditorialReport     ContextKey = "editorial_report"
	KeyOutputManifest      ContextKey = "output_manifest"
)

// StageOrder is the fixed ten-stage sequence, in execution order. Index+1 is
// the stage number referenced throughout the error taxonomy.
var StageOrder = []ContextKey{
	KeyBriefInterpretation,
	KeyWorldBible,
	KeyCharacters,
	KeyStructure,
	KeySegmentPlan,
	KeySegments,
	KeyCoherenceReport,
	KeyStylizedSegments,
	KeyEditorialReport,
	KeyOutputManifest,
}

// StageNumber returns the 1-based stage number that owns key, or 0 if key is
// not a recognised stage output.
func StageNumber(key ContextKey) int {
	for i, k := range StageOrder {
		if k == key {
			return i + 1
		}
	}
	return 0
}

// ContextEntry is one append-only write into the Pipeline Context: the
// payload plus its bookkeeping (timestamp, size, attribution).
type ContextEntry struct {
	Key         ContextKey `json:"key"`
	Stage       int        `json:"stage"`
	Payload     any        `json:"payload"`
	WrittenAt   time.Time  `json:"written_at"`
	PromptTok   int        `json:"prompt_tokens"`
	CompleteTok int        `json:"completion_tokens"`
	Words       int        `json:"words"`
}

// PipelineContext is the append-only, forward-flowing working state shared
// by all stages of one job. A later stage may read any earlier key; it must
// never mutate one (enforced by Set refusing to overwrite).
type PipelineContext struct {
	entries map[ContextKey]*ContextEntry
	order   []ContextKey
}

// NewPipelineContext returns an empty context.
func NewPipelineContext() *PipelineContext {
	return &PipelineContext{entries: make(map[ContextKey]*ContextEntry)}
}

// Has reports whether key has been written.
func (c *PipelineContext) Has(key ContextKey) bool {
	_, ok := c.entries[key]
	return ok
}

// Get returns the payload for key and whether it was present.
func (c *PipelineContext) Get(key ContextKey) (any, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.Payload, true
}

// Entry returns the full entry (with attribution metadata) for key.
func (c *PipelineContext) Entry(key ContextKey) (*ContextEntry, bool) {
	e, ok := c.entries[key]
	return e, ok
}

// Set records a stage's output. It is an error (returned as ok=false) to set
// a key that already exists: the context is monotonic by construction.
func (c *PipelineContext) Set(entry ContextEntry) bool {
	if c.entries == nil {
		c.entries = make(map[ContextKey]*ContextEntry)
	}
	if _, exists := c.entries[entry.Key]; exists {
		return false
	}
	cp := entry
	c.entries[entry.Key] = &cp
	c.order = append(c.order, entry.Key)
	return true
}

// Keys returns the keys written so far, in write order.
func (c *PipelineContext) Keys() []ContextKey {
	out := make([]ContextKey, len(c.order))
	copy(out, c.order)
	return out
}

// Snapshot returns a deep-enough copy suitable for checkpoint serialisation.
func (c *PipelineContext) Snapshot() map[ContextKey]*ContextEntry {
	out := make(map[ContextKey]*ContextEntry, len(c.entries))
	for k, v := range c.entries {
		cp := *v
		out[k] = &cp
	}
	return out
}

// RestoreFrom rebuilds a PipelineContext from a checkpoint snapshot, in the
// canonical stage order (write order is not itself persisted, only derivable
// from StageOrder since a key's owner is fixed).
func RestoreFrom(snapshot map[ContextKey]*ContextEntry) *PipelineContext {
	c := NewPipelineContext()
	for _, key := range StageOrder {
		if e, ok := snapshot[key]; ok {
			cp := *e
			c.entries[key] = &cp
			c.order = append(c.order, key)
		}
	}
	return c
}
