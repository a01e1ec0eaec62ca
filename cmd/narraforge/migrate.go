package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"github.com/narraforge/core/internal/platform/postgresdb"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply the SQL migrations under migrations/ to DATABASE_URL",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Value: "file://migrations", Usage: "golang-migrate source URL"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := postgresdb.Migrate(c.String("path")); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}
