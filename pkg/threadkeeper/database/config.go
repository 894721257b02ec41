package database

import (
	"time"

	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/database/backends"
)

// BackendType identifies the type of database backend.
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
)

// Config selects and configures the conversation store backend.
type Config struct {
	// Backend is the database backend type (default: "sqlite").
	Backend BackendType `yaml:"backend"`

	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	// Path to the database file (default: "./data/threadkeeper.db").
	Path string `yaml:"path"`

	// Journal mode (default: WAL).
	JournalMode string `yaml:"journal_mode"`

	// Busy timeout in milliseconds (default: 5000).
	BusyTimeout int `yaml:"busy_timeout"`
}

// PostgreSQLConfig holds PostgreSQL configuration.
type PostgreSQLConfig struct {
	// DSN overrides the discrete fields below.
	DSN string `yaml:"dsn"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`

	// Password supports ${ENV_VAR} expansion.
	Password string `yaml:"password"`

	// SSL mode: disable, require, verify-ca, verify-full.
	SSLMode string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// DefaultConfig returns the default database configuration.
func DefaultConfig() Config {
	return Config{
		Backend: BackendSQLite,
		SQLite: SQLiteConfig{
			Path:        "./data/threadkeeper.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
	}
}

// Effective fills zero values with defaults.
func (c Config) Effective() Config {
	def := DefaultConfig()
	if c.Backend == "" {
		c.Backend = def.Backend
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = def.SQLite.Path
	}
	if c.SQLite.JournalMode == "" {
		c.SQLite.JournalMode = def.SQLite.JournalMode
	}
	if c.SQLite.BusyTimeout == 0 {
		c.SQLite.BusyTimeout = def.SQLite.BusyTimeout
	}
	return c
}

func (c SQLiteConfig) backend() backends.SQLiteConfig {
	return backends.SQLiteConfig{Path: c.Path, JournalMode: c.JournalMode, BusyTimeout: c.BusyTimeout}
}

func (c PostgreSQLConfig) backend() backends.PostgreSQLConfig {
	return backends.PostgreSQLConfig{
		DSN:             c.DSN,
		Host:            c.Host,
		Port:            c.Port,
		Database:        c.Database,
		User:            c.User,
		Password:        c.Password,
		SSLMode:         c.SSLMode,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
	}
}
