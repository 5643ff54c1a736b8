// Package state persists paused/resumable downloads to a local SQLite
// database so the CLI can list and resume them across process restarts,
// grounded on the teacher's internal/engine/state schema (downloads +
// tasks tables) and rewired onto modernc.org/sqlite's database/sql
// driver, adapted to this engine's chunk-checkpoint shape.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

var (
	dbOnce sync.Once
	db     *sql.DB
	dbErr  error
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id          TEXT PRIMARY KEY,
	urls        TEXT NOT NULL,
	dest_path   TEXT NOT NULL,
	temp_name   TEXT,
	final_name  TEXT,
	redownload  TEXT NOT NULL DEFAULT 'ask',
	total_size  INTEGER NOT NULL DEFAULT 0,
	received    INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'paused',
	started_at  INTEGER NOT NULL DEFAULT 0,
	updated_at  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS chunks (
	download_id TEXT NOT NULL REFERENCES downloads(id) ON DELETE CASCADE,
	url         TEXT NOT NULL,
	offset      INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	received    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_download_id ON chunks(download_id);
`

// Open opens (creating if absent) the state database at path. Safe to call
// more than once; only the first call's path takes effect.
func Open(path string) error {
	dbOnce.Do(func() {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			dbErr = fmt.Errorf("state: create db dir: %w", err)
			return
		}
		conn, err := sql.Open("sqlite", path)
		if err != nil {
			dbErr = fmt.Errorf("state: open db: %w", err)
			return
		}
		conn.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway
		if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
			dbErr = fmt.Errorf("state: enable foreign keys: %w", err)
			return
		}
		if _, err := conn.Exec(schema); err != nil {
			dbErr = fmt.Errorf("state: apply schema: %w", err)
			return
		}
		db = conn
	})
	return dbErr
}

func getDB() (*sql.DB, error) {
	if db == nil {
		return nil, fmt.Errorf("state: database not opened")
	}
	return db, nil
}

func withTx(fn func(tx *sql.Tx) error) error {
	conn, err := getDB()
	if err != nil {
		return err
	}
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close releases the underlying database handle. Test-only; production
// callers keep the process-wide handle open for the CLI's lifetime.
func Close() error {
	if db == nil {
		dbOnce = sync.Once{}
		dbErr = nil
		return nil
	}
	err := db.Close()
	db = nil
	dbErr = nil
	dbOnce = sync.Once{}
	return err
}
