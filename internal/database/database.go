// Package database provides SQLite and PostgreSQL persistence for player
// profiles, statistics and battle history.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Database wraps the SQL connection and provides persistence operations.
type Database struct {
	db      *sql.DB
	dialect Dialect
	qb      *QueryBuilder
}

// Open opens or creates the SQLite database at the given path.
func Open(path string) (*Database, error) {
	return OpenWithConfig(DefaultConfig(path))
}

// OpenWithConfig opens the database described by cfg and runs migrations.
func OpenWithConfig(cfg Config) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	dialect := NewDialect(DialectType(cfg.Driver))

	var dsn string
	switch dialect.(type) {
	case *PostgresDialect:
		dsn = cfg.Postgres.DSN()
	default:
		// Ensure directory exists
		dir := filepath.Dir(cfg.SQLitePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = cfg.SQLitePath
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, ok := dialect.(*PostgresDialect); ok {
		db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	} else {
		// PRAGMAs are per connection; a single connection keeps them applied
		// and serializes writers the way SQLite wants anyway.
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range dialect.InitStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init statement %q failed: %w", stmt, err)
		}
	}

	d := &Database{db: db, dialect: dialect, qb: NewQueryBuilder(dialect)}

	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping verifies the connection is alive.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// migrate creates the database schema if it doesn't exist.
func (d *Database) migrate() error {
	ts := d.dialect.TimestampType()
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS players (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL DEFAULT 'Anonymous Player',
			tokens INTEGER NOT NULL DEFAULT 0 CHECK (tokens >= 0),
			level INTEGER NOT NULL DEFAULT 1 CHECK (level >= 1),
			experience INTEGER NOT NULL DEFAULT 0 CHECK (experience >= 0),
			health INTEGER NOT NULL DEFAULT 100 CHECK (health >= 0 AND health <= 100),
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS player_stats (
			player_id TEXT PRIMARY KEY REFERENCES players(id) ON DELETE CASCADE,
			battles_won INTEGER NOT NULL DEFAULT 0,
			regions_explored INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS battles (
			id TEXT PRIMARY KEY,
			player_id TEXT NOT NULL REFERENCES players(id) ON DELETE CASCADE,
			region TEXT NOT NULL,
			enemy_type TEXT NOT NULL,
			outcome TEXT NOT NULL,
			tokens_earned INTEGER NOT NULL DEFAULT 0,
			experience_earned INTEGER NOT NULL DEFAULT 0,
			created_at ` + ts + ` NOT NULL
		)`,

		// Indexes for common queries
		`CREATE INDEX IF NOT EXISTS idx_players_leaderboard ON players(tokens DESC, level DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_battles_player_id ON battles(player_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	return nil
}

// DB returns the underlying sql.DB for advanced operations.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Dialect returns the SQL dialect in use.
func (d *Database) Dialect() Dialect {
	return d.dialect
}
