package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "print the current Job Record for a job id",
		ArgsUsage: "<job-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			jobID, err := uuid.Parse(c.Args().First())
			if err != nil {
				return fmt.Errorf("status: invalid job id: %w", err)
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.Manager.Status(ctx, jobID)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(status, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func resumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "resume a job from its latest checkpoint",
		ArgsUsage: "<job-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			jobID, err := uuid.Parse(c.Args().First())
			if err != nil {
				return fmt.Errorf("resume: invalid job id: %w", err)
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Manager.Resume(ctx, jobID); err != nil {
				return err
			}
			fmt.Println("resumed", jobID)

			// like produce, the resumed job runs on this process; block
			// until it finishes
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
					out, _ := json.MarshalIndent(status, "", "  ")
					fmt.Println(string(out))
					return nil
				}
			}
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "cooperatively cancel a running job",
		ArgsUsage: "<job-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			jobID, err := uuid.Parse(c.Args().First())
			if err != nil {
				return fmt.Errorf("cancel: invalid job id: %w", err)
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Manager.Cancel(ctx, jobID); err != nil {
				return err
			}
			fmt.Println("cancel requested for", jobID)
			return nil
		},
	}
}
