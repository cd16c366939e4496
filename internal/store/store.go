// Package store - store.go provides the durable, deduplicating event store.
//
// DESIGN: A single SQLite database holds sessions and their events. Writes
// are serialized through one connection; WAL mode keeps readers unblocked
// during writes. The (session_id, source_event_id) unique key makes event
// insertion idempotent, which lets the daemon backfill whole log files after
// a restart without double-counting.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Session lifecycle statuses.
const (
	StatusRunning           = "running"
	StatusCompleted         = "completed"
	StatusCorrelationFailed = "correlation_failed"
	StatusStopped           = "stopped"
	StatusUnknown           = "unknown"
)

// Event kinds.
const (
	EventToolStart    = "tool_start"
	EventToolComplete = "tool_complete"
	EventFileOp       = "file_op"
	EventCommand      = "command"
)

// Event statuses.
const (
	EventStatusRunning = "running"
	EventStatusSuccess = "success"
	EventStatusError   = "error"
)

// File operations.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpEdit   = "edit"
	OpDelete = "delete"
)

var (
	// ErrSessionNotFound is returned by point reads of unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUnknownSession is returned when an event references a session id
	// that was never created.
	ErrUnknownSession = errors.New("event references unknown session")
)

// Session is one tracked unit of assistant activity.
type Session struct {
	ID                 string
	AssistantSessionID *string
	ProjectDir         string
	TaskFile           *string
	SpawnedAt          time.Time
	SpawnedBy          *string
	Importance         string
	Status             string
	PID                *int64
	LastActivityAt     *time.Time
	CreatedAt          time.Time
}

// SessionUpdate carries a coalescing partial update: nil fields keep their
// stored values.
type SessionUpdate struct {
	AssistantSessionID *string
	ProjectDir         *string
	Status             *string
	PID                *int64
	LastActivityAt     *time.Time
	Importance         *string
}

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	Status     string
	Importance string
	ProjectDir string
}

// Store wraps the SQLite database.
type Store struct {
	db         *sql.DB
	path       string
	instanceID string
}

// Health reports store reachability and basic counts.
type Health struct {
	InstanceID string
	Path       string
	Sessions   int64
	Events     int64
	CheckedAt  time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	assistant_session_id TEXT,
	project_dir TEXT NOT NULL DEFAULT '',
	task_file TEXT,
	spawned_at DATETIME NOT NULL,
	spawned_by TEXT,
	importance TEXT NOT NULL DEFAULT 'normal',
	status TEXT NOT NULL DEFAULT 'unknown',
	pid INTEGER,
	last_activity_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	source_event_id TEXT,
	parent_event_id TEXT,
	timestamp DATETIME NOT NULL,
	event_type TEXT NOT NULL,
	tool_name TEXT,
	tool_call_id TEXT,
	tool_arguments TEXT,
	file_path TEXT,
	operation TEXT,
	command TEXT,
	command_category TEXT,
	status TEXT,
	duration_ms INTEGER,
	source TEXT NOT NULL DEFAULT 'jsonl',
	raw_data TEXT,
	UNIQUE(session_id, source_event_id)
);

CREATE INDEX IF NOT EXISTS idx_events_session_time ON events(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_tool_call ON events(session_id, tool_call_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

// Open creates or opens the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer connection keeps SQLite's locking out of the picture;
	// WAL still lets readers proceed during writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path, instanceID: uuid.NewString()}
	if err := s.configure(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return tx.Commit()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Health probes the database and reports row counts.
func (s *Store) Health(ctx context.Context) (*Health, error) {
	h := &Health{InstanceID: s.instanceID, Path: s.path, CheckedAt: time.Now().UTC()}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&h.Sessions); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&h.Events); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	return h, nil
}

// CreateSession inserts a session row. Creating an id that already exists is
// not an error: the stored row is returned untouched.
func (s *Store) CreateSession(ctx context.Context, sess *Session) (*Session, error) {
	if sess.ID == "" {
		return nil, errors.New("session id is required")
	}
	if sess.Importance == "" {
		sess.Importance = "normal"
	}
	if sess.Status == "" {
		sess.Status = StatusUnknown
	}
	if sess.SpawnedAt.IsZero() {
		sess.SpawnedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, assistant_session_id, project_dir, task_file,
			spawned_at, spawned_by, importance, status, pid, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.AssistantSessionID, sess.ProjectDir, sess.TaskFile,
		sess.SpawnedAt.UTC(), sess.SpawnedBy, sess.Importance, sess.Status,
		sess.PID, nullTime(sess.LastActivityAt))
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return s.GetSession(ctx, sess.ID)
}

// UpdateSession applies the non-nil fields of upd to the session row.
func (s *Store) UpdateSession(ctx context.Context, id string, upd SessionUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			assistant_session_id = COALESCE(?, assistant_session_id),
			project_dir = COALESCE(?, project_dir),
			status = COALESCE(?, status),
			pid = COALESCE(?, pid),
			last_activity_at = COALESCE(?, last_activity_at),
			importance = COALESCE(?, importance)
		WHERE id = ?`,
		upd.AssistantSessionID, upd.ProjectDir, upd.Status, upd.PID,
		nullTime(upd.LastActivityAt), upd.Importance, id)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update session %s: %w", id, ErrSessionNotFound)
	}
	return nil
}

// GetSession returns one session or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, assistant_session_id, project_dir, task_file, spawned_at,
			spawned_by, importance, status, pid, last_activity_at, created_at
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return sess, err
}

// ListSessions returns sessions matching the filter, newest spawn first.
func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]*Session, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Importance != "" {
		conds = append(conds, "importance = ?")
		args = append(args, f.Importance)
	}
	if f.ProjectDir != "" {
		conds = append(conds, "project_dir = ?")
		args = append(args, f.ProjectDir)
	}

	query := `SELECT id, assistant_session_id, project_dir, task_file, spawned_at,
		spawned_by, importance, status, pid, last_activity_at, created_at
		FROM sessions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY spawned_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var (
		sess         Session
		lastActivity sql.NullTime
	)
	err := r.Scan(&sess.ID, &sess.AssistantSessionID, &sess.ProjectDir,
		&sess.TaskFile, &sess.SpawnedAt, &sess.SpawnedBy, &sess.Importance,
		&sess.Status, &sess.PID, &lastActivity, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastActivity.Valid {
		t := lastActivity.Time
		sess.LastActivityAt = &t
	}
	return &sess, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
