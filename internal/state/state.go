package state

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"
)

// ChunkCheckpoint mirrors manager.Checkpoint without introducing an
// import-cycle dependency on the engine/manager package; cmd/ converts
// between the two at the CLI boundary.
type ChunkCheckpoint struct {
	URL      string
	Offset   int64
	Size     int64
	Received int64
}

// Record is a persisted, resumable download.
type Record struct {
	ID         string
	URLs       []string
	DestPath   string
	TempName   string
	FinalName  string
	Redownload string
	TotalSize  int64
	Received   int64
	Status     string
	StartedAt  time.Time
	UpdatedAt  time.Time
	Chunks     []ChunkCheckpoint
}

const urlSep = "\x1f" // unit separator, never legal in a URL

// Save upserts a Record and replaces its chunk checkpoints wholesale,
// mirroring the teacher's SaveState upsert-then-refresh-tasks shape.
func Save(r Record) error {
	r.UpdatedAt = time.Now()
	return withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO downloads (id, urls, dest_path, temp_name, final_name, redownload, total_size, received, status, started_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				urls=excluded.urls,
				dest_path=excluded.dest_path,
				temp_name=excluded.temp_name,
				final_name=excluded.final_name,
				redownload=excluded.redownload,
				total_size=excluded.total_size,
				received=excluded.received,
				status=excluded.status,
				updated_at=excluded.updated_at
		`, r.ID, strings.Join(r.URLs, urlSep), r.DestPath, r.TempName, r.FinalName, r.Redownload,
			r.TotalSize, r.Received, r.Status, r.StartedAt.Unix(), r.UpdatedAt.Unix())
		if err != nil {
			return fmt.Errorf("state: upsert download: %w", err)
		}

		if _, err := tx.Exec("DELETE FROM chunks WHERE download_id = ?", r.ID); err != nil {
			return fmt.Errorf("state: clear chunks: %w", err)
		}
		stmt, err := tx.Prepare("INSERT INTO chunks (download_id, url, offset, size, received) VALUES (?, ?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, c := range r.Chunks {
			if _, err := stmt.Exec(r.ID, c.URL, c.Offset, c.Size, c.Received); err != nil {
				return fmt.Errorf("state: insert chunk: %w", err)
			}
		}
		return nil
	})
}

// Load fetches a single Record by ID, including its chunk checkpoints.
func Load(id string) (*Record, error) {
	conn, err := getDB()
	if err != nil {
		return nil, err
	}

	var r Record
	var urls string
	var startedAt, updatedAt int64
	row := conn.QueryRow(`
		SELECT id, urls, dest_path, temp_name, final_name, redownload, total_size, received, status, started_at, updated_at
		FROM downloads WHERE id = ?
	`, id)
	if err := row.Scan(&r.ID, &urls, &r.DestPath, &r.TempName, &r.FinalName, &r.Redownload,
		&r.TotalSize, &r.Received, &r.Status, &startedAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("state: no record for id %q: %w", id, os.ErrNotExist)
		}
		return nil, fmt.Errorf("state: query download: %w", err)
	}
	r.URLs = strings.Split(urls, urlSep)
	r.StartedAt = time.Unix(startedAt, 0)
	r.UpdatedAt = time.Unix(updatedAt, 0)

	rows, err := conn.Query("SELECT url, offset, size, received FROM chunks WHERE download_id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("state: query chunks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c ChunkCheckpoint
		if err := rows.Scan(&c.URL, &c.Offset, &c.Size, &c.Received); err != nil {
			return nil, err
		}
		r.Chunks = append(r.Chunks, c)
	}
	return &r, rows.Err()
}

// Delete removes a Record and its chunk checkpoints (cascade).
func Delete(id string) error {
	conn, err := getDB()
	if err != nil {
		return err
	}
	_, err = conn.Exec("DELETE FROM downloads WHERE id = ?", id)
	return err
}

// List returns every persisted Record's summary (no chunk checkpoints,
// to keep a listing cheap), ordered by most recently updated first.
func List() ([]Record, error) {
	conn, err := getDB()
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(`
		SELECT id, urls, dest_path, temp_name, final_name, redownload, total_size, received, status, started_at, updated_at
		FROM downloads ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("state: query downloads: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var urls string
		var startedAt, updatedAt int64
		if err := rows.Scan(&r.ID, &urls, &r.DestPath, &r.TempName, &r.FinalName, &r.Redownload,
			&r.TotalSize, &r.Received, &r.Status, &startedAt, &updatedAt); err != nil {
			return nil, err
		}
		r.URLs = strings.Split(urls, urlSep)
		r.StartedAt = time.Unix(startedAt, 0)
		r.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateStatus changes a Record's status column and bumps its updated_at,
// e.g. on resume.
func UpdateStatus(id, status string) error {
	conn, err := getDB()
	if err != nil {
		return err
	}
	_, err = conn.Exec("UPDATE downloads SET status = ?, updated_at = ? WHERE id = ?", status, time.Now().Unix(), id)
	return err
}
