package main

import (
	"context"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/narraforge/core/internal/temporalx"
	"github.com/narraforge/core/internal/temporalx/temporalworker"
)

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "run a Temporal worker polling the production task queue",
		Action: func(ctx context.Context, c *cli.Command) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			tc, err := temporalx.NewClient(a.Log)
			if err != nil {
				return err
			}
			defer tc.Close()

			runner, err := temporalworker.NewRunner(a.Log, tc, a.Manager.DB, a.Manager)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := runner.Start(runCtx); err != nil {
				return err
			}
			a.Log.Info("temporal worker polling; ctrl-c to stop")
			<-runCtx.Done()
			return nil
		},
	}
}
