// Command narraforge is the CLI ingress for the Production Core: submit a
// brief, poll or watch its progress, and inspect the finished manifest.
// There is no HTTP/WebSocket surface in this repository; this is the thin
// operator-facing front door the in-process produce/status/subscribe
// methods need to be reachable at all with no web UI attached yet.
package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/narraforge/core/internal/app"
)

func main() {
	command := &cli.Command{
		Name:  "narraforge",
		Usage: "drive the NarraForge ten-stage production pipeline",
		Commands: []*cli.Command{
			produceCommand(),
			statusCommand(),
			resumeCommand(),
			cancelCommand(),
			watchCommand(),
			showCommand(),
			migrateCommand(),
			workerCommand(),
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "narraforge:", err)
		os.Exit(1)
	}
}

// openApp wires the composition root once per invocation; the CLI is a
// short-lived process per command, not a long-running server.
func openApp() (*app.App, error) {
	return app.New()
}
