package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(v string) *string { return &v }

func int64Ptr(v int64) *int64 { return &v }

func makeSession(t *testing.T, s *Store, id string) *Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), &Session{
		ID:         id,
		ProjectDir: "/work/" + id,
		SpawnedAt:  time.Now().UTC(),
		Status:     StatusRunning,
	})
	require.NoError(t, err)
	return sess
}

func TestCreateSessionIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.CreateSession(ctx, &Session{ID: "sess-1", ProjectDir: "/work/a", Status: StatusRunning})
	require.NoError(t, err)

	// Re-creating with different attributes must not raise nor overwrite.
	second, err := s.CreateSession(ctx, &Session{ID: "sess-1", ProjectDir: "/work/other", Status: StatusStopped})
	require.NoError(t, err)

	assert.Equal(t, first.ProjectDir, second.ProjectDir)
	assert.Equal(t, StatusRunning, second.Status)
}

func TestUpdateSessionCoalesces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	makeSession(t, s, "sess-1")

	require.NoError(t, s.UpdateSession(ctx, "sess-1", SessionUpdate{
		AssistantSessionID: strPtr("asst-42"),
		ProjectDir:         strPtr("/work/resolved"),
	}))
	// A second partial update must leave the earlier fields alone.
	require.NoError(t, s.UpdateSession(ctx, "sess-1", SessionUpdate{
		Status: strPtr(StatusCompleted),
	}))

	sess, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, sess.AssistantSessionID)
	assert.Equal(t, "asst-42", *sess.AssistantSessionID)
	assert.Equal(t, "/work/resolved", sess.ProjectDir)
	assert.Equal(t, StatusCompleted, sess.Status)
}

func TestUpdateUnknownSession(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateSession(context.Background(), "ghost", SessionUpdate{Status: strPtr(StatusRunning)})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSession(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListSessionsFiltered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, status := range []string{StatusRunning, StatusRunning, StatusCorrelationFailed} {
		_, err := s.CreateSession(ctx, &Session{
			ID:         fmt.Sprintf("sess-%d", i),
			ProjectDir: "/work/p",
			Status:     status,
			SpawnedAt:  time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	running, err := s.ListSessions(ctx, SessionFilter{Status: StatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 2)

	failed, err := s.ListSessions(ctx, SessionFilter{Status: StatusCorrelationFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "sess-2", failed[0].ID)
}

func TestInsertEventsBatchAtomicAndRetrievable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	makeSession(t, s, "sess-1")

	events := make([]*Event, 1000)
	base := time.Now().UTC()
	for i := range events {
		events[i] = &Event{
			SessionID:     "sess-1",
			SourceEventID: strPtr(fmt.Sprintf("ev-%04d", i)),
			Timestamp:     base.Add(time.Duration(i) * time.Millisecond),
			Kind:          EventToolStart,
			Status:        strPtr(EventStatusRunning),
		}
	}

	inserted, err := s.InsertEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, 1000, inserted)

	got, err := s.ListEvents(ctx, "sess-1", EventFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1000)
	assert.Equal(t, "ev-0000", *got[0].SourceEventID)
	assert.Equal(t, "ev-0999", *got[999].SourceEventID)
}

func TestDuplicateSourceEventStoredOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	makeSession(t, s, "sess-1")

	ev := &Event{
		SessionID:     "sess-1",
		SourceEventID: strPtr("ev-1"),
		Timestamp:     time.Now().UTC(),
		Kind:          EventToolStart,
	}
	require.NoError(t, s.InsertEvent(ctx, ev))
	require.NoError(t, s.InsertEvent(ctx, ev))

	// Duplicates inside a batch are skipped without aborting the rest.
	inserted, err := s.InsertEvents(ctx, []*Event{
		ev,
		{SessionID: "sess-1", SourceEventID: strPtr("ev-2"), Timestamp: time.Now().UTC(), Kind: EventToolComplete},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	got, err := s.ListEvents(ctx, "sess-1", EventFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestEventsWithoutSourceIDAreNotDeduplicated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	makeSession(t, s, "sess-1")

	for i := 0; i < 2; i++ {
		require.NoError(t, s.InsertEvent(ctx, &Event{
			SessionID: "sess-1",
			Timestamp: time.Now().UTC(),
			Kind:      EventCommand,
		}))
	}

	got, err := s.ListEvents(ctx, "sess-1", EventFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestInsertEventUnknownSessionFails(t *testing.T) {
	s := openTestStore(t)
	err := s.InsertEvent(context.Background(), &Event{
		SessionID: "ghost",
		Timestamp: time.Now().UTC(),
		Kind:      EventToolStart,
	})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestListEventsFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	makeSession(t, s, "sess-1")

	now := time.Now().UTC()
	_, err := s.InsertEvents(ctx, []*Event{
		{SessionID: "sess-1", SourceEventID: strPtr("a"), Timestamp: now, Kind: EventToolStart, ToolName: strPtr("view"), FilePath: strPtr("src/a.ts")},
		{SessionID: "sess-1", SourceEventID: strPtr("b"), Timestamp: now.Add(time.Second), Kind: EventToolStart, ToolName: strPtr("bash"), CommandCategory: strPtr("git")},
		{SessionID: "sess-1", SourceEventID: strPtr("c"), Timestamp: now.Add(2 * time.Second), Kind: EventToolComplete, Status: strPtr(EventStatusError)},
	})
	require.NoError(t, err)

	byTool, err := s.ListEvents(ctx, "sess-1", EventFilter{ToolName: "view"})
	require.NoError(t, err)
	require.Len(t, byTool, 1)
	assert.Equal(t, "src/a.ts", *byTool[0].FilePath)

	byStatus, err := s.ListEvents(ctx, "sess-1", EventFilter{Status: EventStatusError})
	require.NoError(t, err)
	assert.Len(t, byStatus, 1)

	byCategory, err := s.ListEvents(ctx, "sess-1", EventFilter{CommandCategory: "git"})
	require.NoError(t, err)
	assert.Len(t, byCategory, 1)
}

func TestFileActivityAggregation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	makeSession(t, s, "sess-1")

	now := time.Now().UTC()
	_, err := s.InsertEvents(ctx, []*Event{
		{SessionID: "sess-1", SourceEventID: strPtr("a"), Timestamp: now, Kind: EventToolStart, FilePath: strPtr("src/a.ts"), Operation: strPtr(OpRead)},
		{SessionID: "sess-1", SourceEventID: strPtr("b"), Timestamp: now, Kind: EventToolStart, FilePath: strPtr("src/a.ts"), Operation: strPtr(OpWrite)},
		{SessionID: "sess-1", SourceEventID: strPtr("c"), Timestamp: now, Kind: EventToolStart, FilePath: strPtr("src/a.ts"), Operation: strPtr(OpEdit)},
		{SessionID: "sess-1", SourceEventID: strPtr("d"), Timestamp: now, Kind: EventToolStart, FilePath: strPtr("src/b.ts"), Operation: strPtr(OpRead)},
	})
	require.NoError(t, err)

	activity, err := s.FileActivity(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, activity, 2)

	assert.Equal(t, "src/a.ts", activity[0].FilePath)
	assert.Equal(t, int64(3), activity[0].Total)
	assert.Equal(t, int64(1), activity[0].Reads)
	assert.Equal(t, int64(1), activity[0].Writes)
	assert.Equal(t, int64(1), activity[0].Edits)
}

func TestCommandStatsAggregation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	makeSession(t, s, "sess-1")

	now := time.Now().UTC()
	_, err := s.InsertEvents(ctx, []*Event{
		{SessionID: "sess-1", SourceEventID: strPtr("a"), Timestamp: now, Kind: EventToolStart, Command: strPtr("npm install"), CommandCategory: strPtr("npm"), DurationMS: int64Ptr(5000)},
		{SessionID: "sess-1", SourceEventID: strPtr("b"), Timestamp: now, Kind: EventToolStart, Command: strPtr("npm test"), CommandCategory: strPtr("npm"), DurationMS: int64Ptr(3000)},
		{SessionID: "sess-1", SourceEventID: strPtr("c"), Timestamp: now, Kind: EventToolStart, Command: strPtr("git status"), CommandCategory: strPtr("git")},
	})
	require.NoError(t, err)

	stats, err := s.CommandStats(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "npm", stats[0].Category)
	assert.Equal(t, int64(2), stats[0].Count)
	require.NotNil(t, stats[0].AvgDurationMS)
	assert.InDelta(t, 4000, *stats[0].AvgDurationMS, 0.001)

	assert.Equal(t, "git", stats[1].Category)
	assert.Equal(t, int64(1), stats[1].Count)
	assert.Nil(t, stats[1].AvgDurationMS)
}

func TestHealthCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	makeSession(t, s, "sess-1")
	require.NoError(t, s.InsertEvent(ctx, &Event{SessionID: "sess-1", Timestamp: time.Now().UTC(), Kind: EventToolStart}))

	h, err := s.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.Sessions)
	assert.Equal(t, int64(1), h.Events)
	assert.NotEmpty(t, h.InstanceID)
}
