package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"chatcontext/internal/logging"

	_ "modernc.org/sqlite"
)

// DB wraps the embedded SQLite connection used when STORAGE_BACKEND=sqlite
// and by tests. It holds every table of the pipeline.
type DB struct {
	*sql.DB
}

// NewSQLite opens (or creates) a SQLite database.
// path may be a file path or ":memory:".
func NewSQLite(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	logging.Component("sqlite").WithField("path", path).Info("SQLite database opened")

	return &DB{db}, nil
}

// Initialize creates all required tables
func (db *DB) Initialize(ctx context.Context) error {
	log := logging.Component("sqlite")
	log.Debug("Checking database schema")

	if err := db.runMigrations(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("Database initialized")
	return nil
}

func (db *DB) runMigrations(ctx context.Context) error {
	tableExists := func(tableName string) (bool, error) {
		var count int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, tableName,
		).Scan(&count)
		if err != nil {
			return false, err
		}
		return count > 0, nil
	}

	migrations := []struct {
		table string
		ddl   []string
	}{
		{
			table: "knowledge_fragments",
			ddl: []string{
				`CREATE TABLE knowledge_fragments (
					id            TEXT PRIMARY KEY,
					user_id       TEXT NOT NULL,
					content       TEXT NOT NULL,
					content_type  TEXT NOT NULL CHECK (content_type IN ('user_fact', 'conversation', 'document')),
					embedding     TEXT,
					topics        TEXT NOT NULL DEFAULT '[]',
					sentiment     TEXT,
					importance    REAL NOT NULL DEFAULT 0.5,
					created_at    INTEGER NOT NULL,
					last_accessed INTEGER,
					access_count  INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE INDEX idx_knowledge_user_created ON knowledge_fragments (user_id, created_at DESC)`,
			},
		},
		{
			table: "semantic_cache",
			ddl: []string{
				`CREATE TABLE semantic_cache (
					id              TEXT PRIMARY KEY,
					user_id         TEXT NOT NULL,
					query_hash      TEXT NOT NULL,
					query_embedding TEXT,
					response        TEXT NOT NULL,
					hit_count       INTEGER NOT NULL DEFAULT 0,
					last_hit        INTEGER,
					created_at      INTEGER NOT NULL,
					expires_at      INTEGER NOT NULL,
					UNIQUE (user_id, query_hash)
				)`,
				`CREATE INDEX idx_semantic_cache_expires ON semantic_cache (expires_at)`,
			},
		},
		{
			table: "ai_insight_profiles",
			ddl: []string{
				`CREATE TABLE ai_insight_profiles (
					user_id          TEXT PRIMARY KEY,
					profile          TEXT NOT NULL,
					last_analysis_at INTEGER,
					updated_at       INTEGER NOT NULL
				)`,
			},
		},
		{
			table: "ai_insight_update_log",
			ddl: []string{
				`CREATE TABLE ai_insight_update_log (
					id         TEXT PRIMARY KEY,
					user_id    TEXT NOT NULL,
					entry      TEXT NOT NULL,
					created_at INTEGER NOT NULL
				)`,
				`CREATE INDEX idx_insight_log_user_created ON ai_insight_update_log (user_id, created_at DESC)`,
			},
		},
	}

	for _, m := range migrations {
		exists, err := tableExists(m.table)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", m.table, err)
		}
		if exists {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.ddl {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to create %s: %w", m.table, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		logging.Component("sqlite").WithField("table", m.table).Info("Created table")
	}

	return nil
}
