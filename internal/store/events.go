// Package store - events.go provides event insertion, queries, and the
// derived aggregations computed from the event table.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Event is one normalized occurrence in a session's activity stream.
type Event struct {
	ID              int64
	SessionID       string
	SourceEventID   *string
	ParentEventID   *string
	Timestamp       time.Time
	Kind            string
	ToolName        *string
	ToolCallID      *string
	ToolArguments   *string
	FilePath        *string
	Operation       *string
	Command         *string
	CommandCategory *string
	Status          *string
	DurationMS      *int64
	Source          string
	RawData         *string
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	Kind            string
	ToolName        string
	FilePath        string
	CommandCategory string
	Status          string
	Limit           int
}

// FileActivity aggregates operations on one file within a session.
type FileActivity struct {
	FilePath string
	Total    int64
	Reads    int64
	Writes   int64
	Edits    int64
}

// CategoryStats aggregates shell commands of one category within a session.
type CategoryStats struct {
	Category      string
	Count         int64
	AvgDurationMS *float64
}

const insertEventSQL = `
	INSERT INTO events (session_id, source_event_id, parent_event_id, timestamp,
		event_type, tool_name, tool_call_id, tool_arguments, file_path, operation,
		command, command_category, status, duration_ms, source, raw_data)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, source_event_id) DO NOTHING`

// InsertEvent stores a single event. An event whose (session, source id) pair
// is already stored is silently skipped.
func (s *Store) InsertEvent(ctx context.Context, ev *Event) error {
	_, err := s.db.ExecContext(ctx, insertEventSQL, eventArgs(ev)...)
	if err != nil {
		return wrapEventErr(ev.SessionID, err)
	}
	return nil
}

// InsertEvents stores a batch of events in one transaction: all commit or
// none do. Duplicates within or against the table are skipped without
// aborting the rest of the batch. Returns the number of rows inserted.
func (s *Store) InsertEvents(ctx context.Context, events []*Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, ev := range events {
		res, err := stmt.ExecContext(ctx, eventArgs(ev)...)
		if err != nil {
			return 0, wrapEventErr(ev.SessionID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert tx: %w", err)
	}
	return inserted, nil
}

// ListEvents returns a session's events matching the filter, in timestamp
// order (insertion order breaks ties).
func (s *Store) ListEvents(ctx context.Context, sessionID string, f EventFilter) ([]*Event, error) {
	conds := []string{"session_id = ?"}
	args := []any{sessionID}
	if f.Kind != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.Kind)
	}
	if f.ToolName != "" {
		conds = append(conds, "tool_name = ?")
		args = append(args, f.ToolName)
	}
	if f.FilePath != "" {
		conds = append(conds, "file_path = ?")
		args = append(args, f.FilePath)
	}
	if f.CommandCategory != "" {
		conds = append(conds, "command_category = ?")
		args = append(args, f.CommandCategory)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}

	query := `SELECT id, session_id, source_event_id, parent_event_id, timestamp,
		event_type, tool_name, tool_call_id, tool_arguments, file_path, operation,
		command, command_category, status, duration_ms, source, raw_data
		FROM events WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY timestamp, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			ev       Event
			duration sql.NullInt64
		)
		err := rows.Scan(&ev.ID, &ev.SessionID, &ev.SourceEventID, &ev.ParentEventID,
			&ev.Timestamp, &ev.Kind, &ev.ToolName, &ev.ToolCallID, &ev.ToolArguments,
			&ev.FilePath, &ev.Operation, &ev.Command, &ev.CommandCategory,
			&ev.Status, &duration, &ev.Source, &ev.RawData)
		if err != nil {
			return nil, err
		}
		if duration.Valid {
			d := duration.Int64
			ev.DurationMS = &d
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// FileActivity aggregates per-file operation counts for one session,
// computed from the event table on each call.
func (s *Store) FileActivity(ctx context.Context, sessionID string) ([]FileActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_path,
			COUNT(*),
			SUM(CASE WHEN operation = 'read' THEN 1 ELSE 0 END),
			SUM(CASE WHEN operation = 'write' THEN 1 ELSE 0 END),
			SUM(CASE WHEN operation = 'edit' THEN 1 ELSE 0 END)
		FROM events
		WHERE session_id = ? AND file_path IS NOT NULL
		GROUP BY file_path
		ORDER BY COUNT(*) DESC, file_path`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("file activity for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []FileActivity
	for rows.Next() {
		var fa FileActivity
		if err := rows.Scan(&fa.FilePath, &fa.Total, &fa.Reads, &fa.Writes, &fa.Edits); err != nil {
			return nil, err
		}
		out = append(out, fa)
	}
	return out, rows.Err()
}

// CommandStats aggregates per-category command counts and average duration
// for one session. Events without a duration contribute to the count but not
// the average.
func (s *Store) CommandStats(ctx context.Context, sessionID string) ([]CategoryStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT command_category, COUNT(*), AVG(duration_ms)
		FROM events
		WHERE session_id = ? AND command_category IS NOT NULL
		GROUP BY command_category
		ORDER BY COUNT(*) DESC, command_category`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("command stats for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []CategoryStats
	for rows.Next() {
		var (
			cs  CategoryStats
			avg sql.NullFloat64
		)
		if err := rows.Scan(&cs.Category, &cs.Count, &avg); err != nil {
			return nil, err
		}
		if avg.Valid {
			v := avg.Float64
			cs.AvgDurationMS = &v
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func eventArgs(ev *Event) []any {
	source := ev.Source
	if source == "" {
		source = "jsonl"
	}
	return []any{
		ev.SessionID, ev.SourceEventID, ev.ParentEventID, ev.Timestamp.UTC(),
		ev.Kind, ev.ToolName, ev.ToolCallID, ev.ToolArguments, ev.FilePath,
		ev.Operation, ev.Command, ev.CommandCategory, ev.Status, ev.DurationMS,
		source, ev.RawData,
	}
}

func wrapEventErr(sessionID string, err error) error {
	if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
		return fmt.Errorf("insert event for %s: %w", sessionID, ErrUnknownSession)
	}
	return fmt.Errorf("insert event for %s: %w", sessionID, err)
}
