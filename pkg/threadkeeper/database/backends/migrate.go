package backends

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Dialect names a SQL flavor.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgresql"
)

// Migration is one schema step.
type Migration struct {
	Version int
	SQL     string
}

// Migrator applies versioned migrations and records them in schema_version.
type Migrator struct {
	db         *sql.DB
	dialect    Dialect
	migrations []Migration
}

// NewMigrator creates a migrator with the built-in migrations for dialect.
func NewMigrator(db *sql.DB, dialect Dialect) *Migrator {
	m := &Migrator{db: db, dialect: dialect}
	if dialect == DialectPostgres {
		m.migrations = postgresMigrations()
	} else {
		m.migrations = sqliteMigrations()
	}
	return m
}

// Latest returns the highest known migration version.
func (m *Migrator) Latest() int {
	latest := 0
	for _, mig := range m.migrations {
		latest = max(latest, mig.Version)
	}
	return latest
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	ts := "DATETIME DEFAULT CURRENT_TIMESTAMP"
	if m.dialect == DialectPostgres {
		ts = "TIMESTAMPTZ DEFAULT now()"
	}
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at `+ts+`
	)`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}
	return nil
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return 0, err
	}
	var version int
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// NeedsMigration returns true if the schema is outdated.
func (m *Migrator) NeedsMigration(ctx context.Context) (bool, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	return current < m.Latest(), nil
}

// Migrate applies every migration newer than the current version. Each
// migration runs in its own transaction.
func (m *Migrator) Migrate(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("migration %d: %w", mig.Version, err)
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(mig.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %q: %w", firstLine(stmt), err)
		}
	}
	record := "INSERT INTO schema_version (version) VALUES (?)"
	if m.dialect == DialectPostgres {
		record = "INSERT INTO schema_version (version) VALUES ($1)"
	}
	if _, err := tx.ExecContext(ctx, record, mig.Version); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
