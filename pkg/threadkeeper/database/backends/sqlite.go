// Package backends opens and migrates the supported SQL backends.
package backends

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path        string
	JournalMode string
	BusyTimeout int
}

// OpenSQLite opens or creates a SQLite database with the given configuration.
func OpenSQLite(ctx context.Context, config SQLiteConfig) (*sql.DB, error) {
	if config.Path == "" {
		config.Path = "./data/threadkeeper.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5000
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON&_txlock=immediate",
		config.Path, config.JournalMode, config.BusyTimeout)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", config.Path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func sqliteMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			SQL: `
CREATE TABLE IF NOT EXISTS turns (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_key TEXT NOT NULL,
	role             TEXT NOT NULL,
	content          TEXT NOT NULL,
	origin_id        TEXT NOT NULL DEFAULT '',
	author_id        TEXT NOT NULL DEFAULT '',
	reply_to         TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_key ON turns(conversation_key, id);
CREATE INDEX IF NOT EXISTS idx_turns_origin ON turns(conversation_key, origin_id);

CREATE TABLE IF NOT EXISTS summaries (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_key   TEXT NOT NULL,
	text               TEXT NOT NULL,
	covered_turn_count INTEGER NOT NULL,
	created_at         DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_key ON summaries(conversation_key, id);
`,
		},
	}
}
