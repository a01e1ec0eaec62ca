package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/narraforge/core/internal/agents"
)

func showCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "render a completed job's output manifest as formatted terminal markdown",
		ArgsUsage: "<job-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output-directory", Usage: "overrides NARRAFORGE_OUTPUT_DIRECTORY for locating the manifest"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			jobID, err := uuid.Parse(c.Args().First())
			if err != nil {
				return fmt.Errorf("show: invalid job id: %w", err)
			}

			outDir := c.String("output-directory")
			if outDir == "" {
				outDir = os.Getenv("NARRAFORGE_OUTPUT_DIRECTORY")
			}
			if outDir == "" {
				outDir = "./output"
			}
			jobDir := filepath.Join(outDir, jobID.String())

			metaRaw, err := os.ReadFile(filepath.Join(jobDir, "metadata.json"))
			if err != nil {
				return fmt.Errorf("show: reading metadata for %s: %w", jobID, err)
			}
			var meta agents.OutputMetadata
			if err := json.Unmarshal(metaRaw, &meta); err != nil {
				return fmt.Errorf("show: decoding metadata: %w", err)
			}

			narrative, err := os.ReadFile(filepath.Join(jobDir, "narrative.txt"))
			if err != nil {
				return fmt.Errorf("show: reading narrative for %s: %w", jobID, err)
			}

			md := renderMarkdown(meta, string(narrative))
			renderer, err := glamour.NewTermRenderer(
				glamour.WithAutoStyle(),
				glamour.WithWordWrap(100),
			)
			if err != nil {
				return fmt.Errorf("show: building renderer: %w", err)
			}
			out, err := renderer.Render(md)
			if err != nil {
				return fmt.Errorf("show: rendering manifest: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

func renderMarkdown(meta agents.OutputMetadata, narrative string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", meta.JobID)
	fmt.Fprintf(&b, "- **Production type:** %s\n", meta.ProductionType)
	fmt.Fprintf(&b, "- **Genre:** %s\n", meta.Genre)
	fmt.Fprintf(&b, "- **Word count:** %d\n", meta.WordCount)
	fmt.Fprintf(&b, "- **Segments:** %d\n", meta.SegmentCount)
	fmt.Fprintf(&b, "- **Coherence score:** %.2f\n", meta.CoherenceScore)
	fmt.Fprintf(&b, "- **Generated at:** %s\n\n", meta.GeneratedAt.Format("2006-01-02 15:04 MST"))
	b.WriteString("---\n\n")
	b.WriteString(narrative)
	b.WriteString("\n")
	return b.String()
}
