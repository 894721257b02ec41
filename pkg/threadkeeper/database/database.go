// Package database opens the conversation store backend. SQLite is the
// default and needs no configuration; PostgreSQL is supported through pgx.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/database/backends"
)

// Backend is an open, migrated database.
type Backend struct {
	Type     BackendType
	DB       *sql.DB
	Migrator *backends.Migrator
}

// Open connects to the configured backend and applies pending migrations.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "database")
	cfg = cfg.Effective()

	var (
		db      *sql.DB
		dialect backends.Dialect
		err     error
	)
	switch cfg.Backend {
	case BackendSQLite:
		db, err = backends.OpenSQLite(ctx, cfg.SQLite.backend())
		dialect = backends.DialectSQLite
	case BackendPostgreSQL:
		db, err = backends.OpenPostgreSQL(ctx, cfg.PostgreSQL.backend(), logger)
		dialect = backends.DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	b := &Backend{Type: cfg.Backend, DB: db, Migrator: backends.NewMigrator(db, dialect)}
	if err := b.Migrator.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", cfg.Backend, err)
	}
	logger.Info("database ready", "backend", cfg.Backend, "schema_version", b.Migrator.Latest())
	return b, nil
}

// Rebind rewrites ? placeholders to $n for PostgreSQL.
func (b *Backend) Rebind(query string) string {
	if b.Type != BackendPostgreSQL {
		return query
	}
	return Rebind(query)
}

// Rebind rewrites ? placeholders to $1, $2, ...
func Rebind(query string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.DB.Close()
}

// HealthStatus represents the health state of a database backend.
type HealthStatus struct {
	Healthy         bool          `json:"healthy"`
	Latency         time.Duration `json:"latency"`
	Error           string        `json:"error,omitempty"`
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
}

// Status pings the database and reports pool statistics.
func (b *Backend) Status(ctx context.Context) HealthStatus {
	start := time.Now()
	err := b.DB.PingContext(ctx)
	stats := b.DB.Stats()
	hs := HealthStatus{
		Healthy:         err == nil,
		Latency:         time.Since(start),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
	}
	if err != nil {
		hs.Error = err.Error()
	}
	return hs
}
