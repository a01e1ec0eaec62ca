// Package postgresdb opens the production GORM connection, auto-migrates
// the durable tables, and runs any pending file-based schema migrations.
package postgresdb

import (
	"fmt"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/modelrouter"
	"github.com/narraforge/core/internal/pkg/logger"
)

// Open connects to Postgres using DATABASE_URL and AutoMigrates every
// table this repository owns. AutoMigrate is the default path; Migrate
// below is for operators who want a golang-migrate managed rollout
// instead.
func Open(log *logger.Logger) (*gorm.DB, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		return nil, fmt.Errorf("postgresdb: missing DATABASE_URL")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("postgresdb: connecting: %w", err)
	}
	if err := db.AutoMigrate(
		&domain.Job{}, &domain.Checkpoint{}, &domain.JobEvent{}, &modelrouter.LedgerEntry{},
	); err != nil {
		return nil, fmt.Errorf("postgresdb: automigrate: %w", err)
	}
	log.Info("connected to postgres", "automigrate", true)
	return db, nil
}

// Migrate applies the golang-migrate SQL migrations under migrationsPath
// (a "file://" source) to DATABASE_URL, for operators who prefer explicit,
// reviewable migration files over AutoMigrate.
func Migrate(migrationsPath string) error {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		return fmt.Errorf("postgresdb: missing DATABASE_URL")
	}
	m, err := migrate.New(migrationsPath, dsn)
	if err != nil {
		return fmt.Errorf("postgresdb: loading migrations: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("postgresdb: applying migrations: %w", err)
	}
	return nil
}
