package trajectory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Index is the SQLite catalog of recorded sessions, one row per journal.
type Index struct {
	mu   sync.Mutex
	conn *sql.DB
	path string
}

// SessionInfo is one indexed session.
type SessionInfo struct {
	ID        string
	Path      string
	Task      string
	Provider  string
	Model     string
	StartedAt time.Time
	EndedAt   *time.Time
	Success   *bool
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL,
	task TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at DATETIME,
	success INTEGER
);

CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);
`

// OpenIndex opens (or creates) the session index at path, creating parent
// directories and applying the schema. WAL mode keeps listing cheap while a
// session is being written.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session index: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec(indexSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply index schema: %w", err)
	}
	return &Index{conn: conn, path: path}, nil
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.conn.Close()
}

// Begin registers a newly started session.
func (ix *Index) Begin(info SessionInfo) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, err := ix.conn.Exec(`
		INSERT INTO sessions (id, path, task, provider, model, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET path = excluded.path
	`, info.ID, info.Path, info.Task, info.Provider, info.Model, formatTime(info.StartedAt))
	if err != nil {
		return fmt.Errorf("index session %s: %w", info.ID, err)
	}
	return nil
}

// Finish marks a session as ended.
func (ix *Index) Finish(id string, endedAt time.Time, success bool) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, err := ix.conn.Exec(`
		UPDATE sessions SET ended_at = ?, success = ? WHERE id = ?
	`, formatTime(endedAt), boolToInt(success), id)
	if err != nil {
		return fmt.Errorf("finish session %s: %w", id, err)
	}
	return nil
}

// Get returns one session by id.
func (ix *Index) Get(id string) (*SessionInfo, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	row := ix.conn.QueryRow(`
		SELECT id, path, task, provider, model, started_at, ended_at, success
		FROM sessions WHERE id = ?
	`, id)
	info, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return info, err
}

// List returns all sessions, most recent first.
func (ix *Index) List() ([]SessionInfo, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	rows, err := ix.conn.Query(`
		SELECT id, path, task, provider, model, started_at, ended_at, success
		FROM sessions ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		info, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionInfo, error) {
	var info SessionInfo
	var started string
	var ended sql.NullString
	var success sql.NullInt64
	err := row.Scan(&info.ID, &info.Path, &info.Task, &info.Provider, &info.Model, &started, &ended, &success)
	if err != nil {
		return nil, err
	}
	info.StartedAt, err = parseTime(started)
	if err != nil {
		return nil, fmt.Errorf("parse started_at for %s: %w", info.ID, err)
	}
	if ended.Valid {
		t, err := parseTime(ended.String)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at for %s: %w", info.ID, err)
		}
		info.EndedAt = &t
	}
	if success.Valid {
		v := success.Int64 != 0
		info.Success = &v
	}
	return &info, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
