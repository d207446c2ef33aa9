// Package db owns schema migrations and the LISTEN/NOTIFY bridge that
// feeds export job changes to WebSocket subscribers.
//
// Migrations are goose SQL files embedded from internal/db/migrations. The
// server applies pending ones at startup; `custodian migrate` does the same
// without serving and can report per-file status.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as database/sql driver
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/dbpool"
)

// MigrationState is one migration file and whether it has been applied.
type MigrationState struct {
	Version   int64
	File      string
	Applied   bool
	AppliedAt time.Time
}

// Migrator runs goose against a dedicated database/sql handle.
type Migrator struct {
	log      *logrus.Logger
	provider *goose.Provider
}

// NewMigrator opens a database/sql handle for connString. Close releases it.
func NewMigrator(connString string, fsys fs.FS, log *logrus.Logger) (*Migrator, error) {
	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("opening sql.DB for migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, fsys)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("creating goose provider: %w", err)
	}

	return &Migrator{log: log, provider: provider}, nil
}

// Close releases the underlying connection.
func (m *Migrator) Close() error {
	return m.provider.Close()
}

// Up applies every pending migration in version order.
func (m *Migrator) Up(ctx context.Context) error {
	results, err := m.provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	for _, r := range results {
		if r.Error != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", r.Source.Version, r.Source.Path, r.Error)
		}

		m.log.WithFields(logrus.Fields{
			"version":  r.Source.Version,
			"file":     r.Source.Path,
			"duration": r.Duration,
		}).Info("migration applied")
	}

	if len(results) == 0 {
		m.log.Debug("all migrations already applied")
	}

	return nil
}

// Status lists every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationState, error) {
	statuses, err := m.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading migration status: %w", err)
	}

	out := make([]MigrationState, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, MigrationState{
			Version:   s.Source.Version,
			File:      s.Source.Path,
			Applied:   s.State == goose.StateApplied,
			AppliedAt: s.AppliedAt,
		})
	}

	return out, nil
}

// RunMigrations applies all pending migrations using the pool's connection
// string.
func RunMigrations(ctx context.Context, pool *dbpool.Pool, log *logrus.Logger, fsys fs.FS) error {
	m, err := NewMigrator(pool.ConnString(), fsys, log)
	if err != nil {
		return err
	}
	defer m.Close()

	return m.Up(ctx)
}
