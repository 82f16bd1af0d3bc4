// Package storage opens the shared sqlite database and runs schema
// migrations. Users, pairing requests, sessions, memory entries and cron
// jobs all live in one file so the approve/pairs CLI subcommands can act
// on the same state as the running daemon.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/mbeukes/cicada/internal/logging"
)

const currentSchemaVersion = 2

// Open opens (creating if needed) the database at path with WAL mode and
// a busy timeout, and migrates the schema.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Belt and suspenders: the DSN parameters cover new connections, set
	// the pragmas on the pool's first connection too.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		L_warn("sqlite: failed to enable WAL mode", "error", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		L_warn("sqlite: failed to set busy_timeout", "error", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_debug("sqlite: store opened", "path", path)
	return db, nil
}

func migrate(db *sql.DB) error {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, start from scratch.
		version = 0
	}

	if version >= currentSchemaVersion {
		return nil
	}

	L_info("sqlite: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the initial schema: identity, pairing, sessions and
// memory.
func migrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	-- One row per known person.
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	-- Channel-native identities linked to users. Status tracks the
	-- pairing lifecycle for the identity itself; user_id is set once
	-- approved.
	CREATE TABLE IF NOT EXISTS channel_links (
		channel TEXT NOT NULL,
		native_id TEXT NOT NULL,
		user_id TEXT,
		status TEXT NOT NULL DEFAULT 'unpaired',
		display_name TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (channel, native_id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	-- Outstanding pairing codes. One live code per identity.
	CREATE TABLE IF NOT EXISTS pairing_requests (
		code TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		native_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		approved_user_id TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_pairing_identity ON pairing_requests(channel, native_id);

	-- Conversation sessions. ended_at NULL = live.
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		backend_session_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL,
		ended_at INTEGER,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, last_active_at);

	-- One row per conversation turn within a session.
	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		user_text TEXT NOT NULL,
		assistant_text TEXT NOT NULL DEFAULT '',
		tool_events TEXT NOT NULL DEFAULT '[]',
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id);

	-- Append-only memory. Superseded entries are marked stale, never
	-- deleted.
	CREATE TABLE IF NOT EXISTS memory_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'conversation',
		stale INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);
	CREATE INDEX IF NOT EXISTS idx_memory_user ON memory_entries(user_id, id);

	-- Full-text shadow of memory_entries, kept in sync by triggers.
	CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
		content,
		content='memory_entries',
		content_rowid='id'
	);

	CREATE TRIGGER IF NOT EXISTS memory_ai AFTER INSERT ON memory_entries BEGIN
		INSERT INTO memory_fts(rowid, content) VALUES (new.id, new.content);
	END;
	CREATE TRIGGER IF NOT EXISTS memory_ad AFTER DELETE ON memory_entries BEGIN
		INSERT INTO memory_fts(memory_fts, rowid, content) VALUES ('delete', old.id, old.content);
	END;
	CREATE TRIGGER IF NOT EXISTS memory_au AFTER UPDATE OF content ON memory_entries BEGIN
		INSERT INTO memory_fts(memory_fts, rowid, content) VALUES ('delete', old.id, old.content);
		INSERT INTO memory_fts(rowid, content) VALUES (new.id, new.content);
	END;
	`

	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// migrateV2 adds scheduled jobs.
func migrateV2(db *sql.DB) error {
	schema := `
	INSERT INTO schema_version (version, applied_at) VALUES (2, ?);

	CREATE TABLE IF NOT EXISTS cron_jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		schedule TEXT NOT NULL,
		prompt TEXT NOT NULL,
		channel TEXT NOT NULL,
		reply_to TEXT NOT NULL,
		paused INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_run_at INTEGER,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);
	CREATE INDEX IF NOT EXISTS idx_cron_user ON cron_jobs(user_id);
	`

	_, err := db.Exec(schema, time.Now().Unix())
	return err
}
