package agents

import (
	"encoding/json"
	"fmt"

	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/validators"
)

// RehydrateContext re-types every checkpoint-restored payload in pc back
// into its per-stage struct. A checkpoint round-trips the Pipeline Context
// through JSON, which turns typed payloads into generic maps; stages
// type-assert concrete payload structs, so a resumed run must pass the
// restored context through here before the first remaining stage executes.
// Entries that already carry their typed payload are left untouched.
func RehydrateContext(pc *domain.PipelineContext) error {
	for _, key := range pc.Keys() {
		entry, ok := pc.Entry(key)
		if !ok || entry.Payload == nil {
			continue
		}
		typed, changed, err := retypePayload(key, entry.Payload)
		if err != nil {
			return fmt.Errorf("agents: rehydrating context key %q: %w", key, err)
		}
		if changed {
			entry.Payload = typed
		}
	}
	return nil
}

// retypePayload maps a context key to its owning stage's payload struct. The
// second return is false when the payload already had the right type.
func retypePayload(key domain.ContextKey, payload any) (any, bool, error) {
	switch key {
	case domain.KeyBriefInterpretation:
		if _, ok := payload.(BriefInterpretation); ok {
			return nil, false, nil
		}
		return decodeAs[BriefInterpretation](payload)
	case domain.KeyWorldBible:
		if _, ok := payload.(WorldBiblePayload); ok {
			return nil, false, nil
		}
		return decodeAs[WorldBiblePayload](payload)
	case domain.KeyCharacters:
		if _, ok := payload.(CharactersPayload); ok {
			return nil, false, nil
		}
		return decodeAs[CharactersPayload](payload)
	case domain.KeyStructure:
		if _, ok := payload.(StructurePayload); ok {
			return nil, false, nil
		}
		return decodeAs[StructurePayload](payload)
	case domain.KeySegmentPlan:
		if _, ok := payload.(SegmentPlanPayload); ok {
			return nil, false, nil
		}
		return decodeAs[SegmentPlanPayload](payload)
	case domain.KeySegments:
		if _, ok := payload.(SegmentsPayload); ok {
			return nil, false, nil
		}
		return decodeAs[SegmentsPayload](payload)
	case domain.KeyCoherenceReport:
		if _, ok := payload.(validators.CoherenceReport); ok {
			return nil, false, nil
		}
		return decodeAs[validators.CoherenceReport](payload)
	case domain.KeyStylizedSegments:
		if _, ok := payload.(StylizedSegmentsPayload); ok {
			return nil, false, nil
		}
		return decodeAs[StylizedSegmentsPayload](payload)
	case domain.KeyEditorialReport:
		if _, ok := payload.(EditorialReportPayload); ok {
			return nil, false, nil
		}
		return decodeAs[EditorialReportPayload](payload)
	case domain.KeyOutputManifest:
		if _, ok := payload.(OutputManifestPayload); ok {
			return nil, false, nil
		}
		return decodeAs[OutputManifestPayload](payload)
	default:
		return nil, false, nil
	}
}

// decodeAs round-trips a generic payload through JSON into T. The input came
// from this module's own structs, so lenient decoding is correct here —
// strict DisallowUnknownFields belongs at the model-output boundary, not at
// the checkpoint one.
func decodeAs[T any](payload any) (any, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, err
	}
	return out, true, nil
}
