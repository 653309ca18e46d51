package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"CoverLedger/internal/observability"
)

// migratorLockKey is the pg_advisory_lock key serializing migrators, so
// two instances starting at once cannot apply the same file twice.
const migratorLockKey = 0x434F5645 // "COVE"

// migration is one discovered {version}_{name}.up.sql / .down.sql pair.
type migration struct {
	version  string
	upFile   string
	downFile string
}

// Migrator applies SQL migration files in version order and records them
// in public.schema_migrations. File naming follows golang-migrate.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{
		db:     db,
		dir:    migrationsDir,
		logger: observability.NewLogger("migrator"),
	}
}

// Up applies every migration not yet recorded, oldest first.
func (m *Migrator) Up(ctx context.Context) error {
	return m.withLock(ctx, func() error {
		applied, err := m.appliedVersions(ctx)
		if err != nil {
			return err
		}
		migs, err := m.discover()
		if err != nil {
			return err
		}

		for _, mig := range migs {
			if applied[mig.version] {
				continue
			}
			if mig.upFile == "" {
				return fmt.Errorf("migration %s has no up file", mig.version)
			}
			if err := m.apply(ctx, mig.upFile, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx,
					`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
					mig.version, mig.upFile)
				return err
			}); err != nil {
				return err
			}
			m.logger.Info().Str("file", mig.upFile).Msg("applied migration")
		}
		return nil
	})
}

// Down rolls back the most recently applied migration, if any.
func (m *Migrator) Down(ctx context.Context) error {
	return m.withLock(ctx, func() error {
		var version, upFile string
		err := m.db.QueryRowContext(ctx,
			`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &upFile)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		downFile := strings.Replace(upFile, ".up.sql", ".down.sql", 1)
		if err := m.apply(ctx, downFile, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM public.schema_migrations WHERE version = $1`, version)
			return err
		}); err != nil {
			return err
		}
		m.logger.Info().Str("file", downFile).Msg("rolled back migration")
		return nil
	})
}

// apply runs one migration file plus its bookkeeping in a single
// transaction, so a failed migration leaves no trace.
func (m *Migrator) apply(ctx context.Context, file string, record func(*sql.Tx) error) error {
	content, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec %s: %w", file, err)
	}
	if err := record(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("record %s: %w", file, err)
	}
	return tx.Commit()
}

func (m *Migrator) withLock(ctx context.Context, fn func() error) error {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migratorLockKey); err != nil {
		return fmt.Errorf("acquire migrator lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migratorLockKey)

	return fn()
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// discover pairs up/down files by version prefix, sorted ascending.
func (m *Migrator) discover() ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[string]*migration)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		mig := byVersion[version]
		if mig == nil {
			mig = &migration{version: version}
			byVersion[version] = mig
		}
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			mig.upFile = name
		case strings.HasSuffix(name, ".down.sql"):
			mig.downFile = name
		}
	}

	migs := make([]migration, 0, len(byVersion))
	for _, mig := range byVersion {
		migs = append(migs, *mig)
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })
	return migs, nil
}
