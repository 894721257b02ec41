package backends

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// PostgreSQLConfig holds PostgreSQL-specific configuration.
type PostgreSQLConfig struct {
	// DSN, when set, is used as-is and the discrete fields are ignored.
	DSN string

	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// OpenPostgreSQL opens a PostgreSQL connection pool through pgx.
func OpenPostgreSQL(ctx context.Context, config PostgreSQLConfig, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	config = postgresDefaults(config)

	db, err := sql.Open("pgx", BuildPostgreSQLDSN(config))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("postgresql connected", "host", config.Host, "database", config.Database)
	return db, nil
}

func postgresDefaults(config PostgreSQLConfig) PostgreSQLConfig {
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 25
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 30 * time.Minute
	}
	if config.ConnMaxIdleTime == 0 {
		config.ConnMaxIdleTime = 5 * time.Minute
	}
	return config
}

// BuildPostgreSQLDSN builds the keyword/value connection string.
func BuildPostgreSQLDSN(config PostgreSQLConfig) string {
	if config.DSN != "" {
		return config.DSN
	}
	config = postgresDefaults(config)
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode)
}

func postgresMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			SQL: `
CREATE TABLE IF NOT EXISTS turns (
	id               BIGSERIAL PRIMARY KEY,
	conversation_key TEXT NOT NULL,
	role             TEXT NOT NULL,
	content          TEXT NOT NULL,
	origin_id        TEXT NOT NULL DEFAULT '',
	author_id        TEXT NOT NULL DEFAULT '',
	reply_to         TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_key ON turns(conversation_key, id);
CREATE INDEX IF NOT EXISTS idx_turns_origin ON turns(conversation_key, origin_id);

CREATE TABLE IF NOT EXISTS summaries (
	id                 BIGSERIAL PRIMARY KEY,
	conversation_key   TEXT NOT NULL,
	text               TEXT NOT NULL,
	covered_turn_count INTEGER NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_key ON summaries(conversation_key, id);
`,
		},
	}
}
