package postgres

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/S-Corkum/meshflow/pkg/observability"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies any embedded schema migrations that have not run yet.
// Applied versions are tracked in the _migrations table; each migration runs
// in its own transaction.
func (r *Repository) Migrate(ctx context.Context, logger observability.Logger) error {
	if _, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL
		)`); err != nil {
		return errors.Wrap(err, "failed to create migrations table")
	}

	applied, err := r.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}

	for _, name := range names {
		if applied[name] {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return errors.Wrapf(err, "failed to read migration %s", name)
		}

		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrapf(err, "failed to begin transaction for migration %s", name)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "failed to apply migration %s", name)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO _migrations (version, applied_at) VALUES ($1, $2)`,
			name, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "failed to record migration %s", name)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "failed to commit migration %s", name)
		}
		logger.Info("Applied schema migration", map[string]interface{}{"version": name})
	}
	return nil
}

func (r *Repository) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	var versions []string
	if err := r.db.SelectContext(ctx, &versions,
		`SELECT version FROM _migrations ORDER BY version`); err != nil {
		return nil, errors.Wrap(err, "failed to list applied migrations")
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read embedded migrations")
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
