package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/validators"
)

// OutputManifestPayload is stage 10's context entry: the set of rendered
// artefacts plus their output paths.
type OutputManifestPayload struct {
	NarrativeText         string            `json:"-"`
	NarrativeAudiobook    string            `json:"-"`
	Metadata              OutputMetadata    `json:"metadata"`
	Expansion             any               `json:"expansion,omitempty"`
	Files                 map[string]string `json:"files"`
}

// OutputMetadata is the metadata.json manifest component.
type OutputMetadata struct {
	JobID           string    `json:"job_id"`
	ProductionType  string    `json:"production_type"`
	Genre           string    `json:"genre"`
	WordCount       int       `json:"word_count"`
	SegmentCount    int       `json:"segment_count"`
	CoherenceScore  float64   `json:"coherence_score"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// OutputProcessor is stage 10: a deterministic transformation with no
// model calls.
type OutputProcessor struct {
	Deps
	JobID string
	Brief domain.Brief
	Now   func() time.Time
}

func NewOutputProcessor(deps Deps, jobID string, brief domain.Brief, now func() time.Time) *OutputProcessor {
	return &OutputProcessor{Deps: deps, JobID: jobID, Brief: brief, Now: now}
}

func (a *OutputProcessor) Stage() int { return 10 }
func (a *OutputProcessor) RequiredKeys() []domain.ContextKey {
	return []domain.ContextKey{domain.KeyEditorialReport, domain.KeyWorldBible}
}
func (a *OutputProcessor) ProducedKey() domain.ContextKey       { return domain.KeyOutputManifest }
func (a *OutputProcessor) PreferredModelTier() domain.ModelTier { return domain.TierMini }

// SystemPrompt, BuildUserPrompt, and Parse are unused by this stage — it
// never calls the model — but are implemented to satisfy the Agent
// interface uniformly.
func (a *OutputProcessor) SystemPrompt() string { return "" }

func (a *OutputProcessor) BuildUserPrompt(ctx context.Context, pc *domain.PipelineContext) (string, error) {
	return "", nil
}

func (a *OutputProcessor) Parse(raw string) (any, error) {
	return nil, fmt.Errorf("stage10: output processor does not parse model output")
}

func (a *OutputProcessor) Validate(ctx context.Context, payload any, pc *domain.PipelineContext) []string {
	return nil
}

// Execute assembles the plain narrative, an audiobook-marked variant,
// metadata, and the Triple Memory export, applying the fixed encoding
// cleanup to every text artefact.
func (a *OutputProcessor) Execute(ctx context.Context, tier domain.ModelTier, pc *domain.PipelineContext) domain.AgentResponse {
	reportRaw, ok := pc.Get(domain.KeyEditorialReport)
	if !ok {
		return domain.AgentResponse{Success: false, Error: domain.NewStageError(10, domain.KindValidation, 1, fmt.Errorf("missing editorial_report"))}
	}
	report := reportRaw.(EditorialReportPayload)

	var coherence float64
	if cRaw, ok := pc.Get(domain.KeyCoherenceReport); ok {
		if cr, ok := cRaw.(validators.CoherenceReport); ok {
			coherence = cr.Composite
		}
	}

	var plain, audiobook strings.Builder
	totalWords := 0
	for _, seg := range report.FinalSegments {
		text := validators.CleanEncoding(seg.Text)
		plain.WriteString(text)
		plain.WriteString("\n\n")

		audiobook.WriteString(fmt.Sprintf("[SEGMENT %d — POV: %s]\n", seg.Index, seg.POVCharacterID))
		audiobook.WriteString(text)
		audiobook.WriteString("\n\n")

		totalWords += wordCount(text)
	}

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	metadata := OutputMetadata{
		JobID:          a.JobID,
		ProductionType: string(a.Brief.ProductionType),
		Genre:          a.Brief.Genre,
		WordCount:      totalWords,
		SegmentCount:   len(report.FinalSegments),
		CoherenceScore: coherence,
		GeneratedAt:    now(),
	}

	var expansion any
	if worldID, err := worldIDFromContext(pc); err == nil && a.Memory != nil && worldID != "" {
		snap, err := a.Memory.Export(ctx, worldID)
		if err != nil {
			return domain.AgentResponse{Success: false, Error: domain.NewStageError(10, domain.KindTransport, 1, fmt.Errorf("exporting memory snapshot: %w", err))}
		}
		expansion = snap
	}

	outDir := a.Config.OutputDirectory
	if outDir == "" {
		outDir = "."
	}
	jobDir := filepath.Join(outDir, a.JobID)
	narrativeText := strings.TrimSpace(plain.String())
	audiobookText := strings.TrimSpace(audiobook.String())

	files, err := a.writeManifest(jobDir, narrativeText, audiobookText, metadata, expansion)
	if err != nil {
		return domain.AgentResponse{Success: false, Error: domain.NewStageError(10, domain.KindTransport, 1, fmt.Errorf("writing output manifest: %w", err))}
	}

	manifest := OutputManifestPayload{
		NarrativeText:      narrativeText,
		NarrativeAudiobook: audiobookText,
		Metadata:           metadata,
		Expansion:          expansion,
		Files:              files,
	}

	return domain.AgentResponse{
		Success:   true,
		Payload:   manifest,
		ModelUsed: "",
	}
}

// writeManifest persists the four output-manifest artefacts to jobDir.
// Encoding cleanup was already applied per-segment above; writing here is
// a pure, idempotent side effect — re-running stage 10 overwrites the
// same files with the same bytes, never appending.
func (a *OutputProcessor) writeManifest(jobDir, narrative, audiobook string, metadata OutputMetadata, expansion any) (map[string]string, error) {
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, err
	}

	files := map[string]string{
		"narrative":           filepath.Join(jobDir, "narrative.txt"),
		"narrative_audiobook": filepath.Join(jobDir, "narrative_audiobook.txt"),
		"metadata":            filepath.Join(jobDir, "metadata.json"),
	}

	if err := os.WriteFile(files["narrative"], []byte(narrative+"\n"), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(files["narrative_audiobook"], []byte(audiobook+"\n"), 0o644); err != nil {
		return nil, err
	}
	metaJSON, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(files["metadata"], metaJSON, 0o644); err != nil {
		return nil, err
	}

	if expansion != nil {
		expansionJSON, err := json.MarshalIndent(expansion, "", "  ")
		if err != nil {
			return nil, err
		}
		path := filepath.Join(jobDir, "expansion.json")
		if err := os.WriteFile(path, expansionJSON, 0o644); err != nil {
			return nil, err
		}
		files["expansion"] = path
	}

	return files, nil
}
