// Package testutil provides an in-memory SQLite-backed *gorm.DB for package
// unit tests: a zero-setup database suitable for fast, hermetic tests of
// the narraforge_* tables, with no external Postgres instance required.
package testutil

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/narraforge/core/internal/domain"
	"github.com/narraforge/core/internal/pkg/logger"
)

// DB opens a fresh in-memory SQLite database migrated with the job,
// checkpoint and job-event tables (not the cost ledger), scoped to the
// lifetime of the test.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_busy_timeout=5000"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&domain.Job{},
		&domain.Checkpoint{},
		&domain.JobEvent{},
	); err != nil {
		tb.Fatalf("automigrate: %v", err)
	}
	return db
}

// Logger returns a development-mode Logger for test use.
func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	l, err := logger.New("test")
	if err != nil {
		tb.Fatalf("init logger: %v", err)
	}
	return l
}
