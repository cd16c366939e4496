package monitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(w *Watcher, window time.Duration) []string {
	var got []string
	deadline := time.After(window)
	for {
		select {
		case path := <-w.Events():
			got = append(got, path)
		case <-deadline:
			return got
		}
	}
}

func TestWatcherCoalescesWriteBursts(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	path := filepath.Join(dir, "session.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.WriteString("{}\n")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, f.Close())

	got := collectEvents(w, 300*time.Millisecond)
	require.NotEmpty(t, got)
	// The burst lands within one debounce window.
	assert.LessOrEqual(t, len(got), 2)
	assert.Equal(t, path, got[0])
}

func TestWatcherSeparateQuietWritesYieldSeparateEvents(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, 20*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	path := filepath.Join(dir, "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("{}\n{}\n"), 0o644))

	got := collectEvents(w, 200*time.Millisecond)
	assert.GreaterOrEqual(t, len(got), 2)
}

func TestWatcherMissingDirectory(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "nope"), 10*time.Millisecond)
	assert.Error(t, err)
}

func TestWatcherCloseIsIdempotent(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
