// Package store persists session trajectories to a local SQLite database.
// The table is append-only history for inspection and tooling; the runtime
// never reads it back to resume work.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	// SQLite driver.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	request TEXT NOT NULL,
	status TEXT NOT NULL,
	summary TEXT NOT NULL,
	created_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_session_id ON sessions (session_id);
`

// Store is the trajectory store handle.
type Store struct {
	db *sql.DB
}

// SessionRow is one persisted trajectory.
type SessionRow struct {
	SessionID string    `json:"session_id"`
	Request   string    `json:"request"`
	Status    string    `json:"status"`
	Summary   []byte    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Open opens (and migrates) the database at dsn.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}
	// WAL journal mode and a busy timeout keep a single local writer happy;
	// pragmas go through the DSN with the modernc driver.
	db, err := sql.Open("sqlite", dsn+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "open db %s", dsn)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate sessions table")
	}
	return &Store{db: db}, nil
}

// SaveSession appends one session trajectory row.
func (s *Store) SaveSession(ctx context.Context, sessionID, request, status string, summary []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, request, status, summary, created_ts) VALUES (?, ?, ?, ?, ?)`,
		sessionID, request, status, string(summary), time.Now().Unix(),
	)
	return errors.Wrap(err, "insert session")
}

// ListSessions returns the most recent rows, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*SessionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, request, status, summary, created_ts FROM sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query sessions")
	}
	defer rows.Close()

	var out []*SessionRow
	for rows.Next() {
		var r SessionRow
		var summary string
		var ts int64
		if err := rows.Scan(&r.SessionID, &r.Request, &r.Status, &summary, &ts); err != nil {
			return nil, errors.Wrap(err, "scan session row")
		}
		r.Summary = []byte(summary)
		r.CreatedAt = time.Unix(ts, 0)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
