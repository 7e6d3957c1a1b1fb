// Package migrate applies versioned SQL migrations per component and records
// them in a shared schema_migrations table.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Set is the ordered migration list of one component
type Set struct {
	Component  string
	Migrations []Migration
}

// Run executes all pending migrations of every set, in order. Each migration
// runs in its own transaction together with its bookkeeping row.
func Run(ctx context.Context, db *sql.DB, logger *logrus.Logger, sets ...Set) error {
	if logger == nil {
		logger = logrus.New()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			component VARCHAR(50) NOT NULL,
			version INT NOT NULL,
			description TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (component, version)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, set := range sets {
		if err := runSet(ctx, db, logger, set); err != nil {
			return err
		}
	}
	return nil
}

func runSet(ctx context.Context, db *sql.DB, logger *logrus.Logger, set Set) error {
	applied, err := appliedVersions(ctx, db, set.Component)
	if err != nil {
		return err
	}

	migrations := append([]Migration(nil), set.Migrations...)
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}

		log := logger.WithFields(logrus.Fields{
			"component": set.Component,
			"version":   migration.Version,
		})
		log.Infof("Running migration: %s", migration.Description)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute %s migration %d: %w", set.Component, migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (component, version, description) VALUES ($1, $2, $3)",
			set.Component, migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record %s migration %d: %w", set.Component, migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit %s migration %d: %w", set.Component, migration.Version, err)
		}
	}

	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB, component string) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations WHERE component = $1", component)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
