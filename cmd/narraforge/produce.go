package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/narraforge/core/internal/domain"
)

func produceCommand() *cli.Command {
	return &cli.Command{
		Name:      "produce",
		Usage:     "submit a production brief and print the assigned job id",
		ArgsUsage: "<brief.yaml|brief.json>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "owner", Usage: "owner id (uuid); a fresh one is generated when omitted"},
			&cli.BoolFlag{Name: "detach", Usage: "return immediately after submission; requires a Temporal worker (or another process) to drive the job"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("produce: a brief file path is required")
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("produce: reading brief: %w", err)
			}

			var brief domain.Brief
			if err := yaml.Unmarshal(raw, &brief); err != nil {
				return fmt.Errorf("produce: parsing brief: %w", err)
			}
			if err := brief.Validate(); err != nil {
				return fmt.Errorf("produce: invalid brief: %w", err)
			}

			owner := uuid.New()
			if o := c.String("owner"); o != "" {
				parsed, err := uuid.Parse(o)
				if err != nil {
					return fmt.Errorf("produce: invalid --owner: %w", err)
				}
				owner = parsed
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			jobID, err := a.Manager.Produce(ctx, owner, brief)
			if err != nil {
				return err
			}

			out, _ := json.MarshalIndent(map[string]string{
				"job_id": jobID.String(),
				"owner":  owner.String(),
			}, "", "  ")
			fmt.Println(string(out))

			if c.Bool("detach") {
				return nil
			}

			// the job runs on this process's goroutines; exiting now would
			// abandon it, so block until it reaches a terminal state
			ticker := time.NewTicker(2 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
				status, err := a.Manager.Status(ctx, jobID)
				if err != nil {
					return err
				}
				if status.State.Terminal() {
					final, _ := json.MarshalIndent(status, "", "  ")
					fmt.Println(string(final))
					if status.State != domain.JobCompleted {
						return fmt.Errorf("produce: job ended %s", status.State)
					}
					return nil
				}
			}
		},
	}
}
