// Package correlate implements the heuristic that links an externally
// launched session to the assistant's own session log.
//
// DESIGN: The launcher and the assistant share no identifier. The only
// available evidence is temporal proximity (the assistant session must have
// started at or shortly before the external spawn) and working-directory
// overlap (the assistant's tool calls must touch files inside the launched
// project). Both constraints must hold; ties are broken by log recency.
// A miss is an expected outcome, not an error: callers retry on a timer.
package correlate

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shelfwood/agentviz/internal/record"
	"github.com/shelfwood/agentviz/internal/tailer"
	"github.com/shelfwood/agentviz/internal/timeutil"
)

const (
	// MatchWindow bounds how long before the external spawn the assistant
	// session may have started.
	MatchWindow = 5 * time.Minute

	// recentWindow bounds how old a candidate log may be.
	recentWindow = 24 * time.Hour

	// activeWindow is the modification recency treated as "still running".
	activeWindow = 5 * time.Minute
)

// Tool names whose path arguments serve as project-directory evidence.
var evidenceTools = map[string]bool{
	"view":   true,
	"edit":   true,
	"create": true,
	"bash":   true,
}

// Correlator scans an assistant state directory for session logs.
type Correlator struct {
	stateDir string
}

// New creates a correlator over the assistant's session log directory.
func New(stateDir string) *Correlator {
	return &Correlator{stateDir: stateDir}
}

// StateDir returns the directory the correlator scans.
func (c *Correlator) StateDir() string { return c.stateDir }

// LogPath returns the log file path for an assistant session id.
func (c *Correlator) LogPath(assistantSessionID string) string {
	return filepath.Join(c.stateDir, assistantSessionID+".jsonl")
}

// FindMatch returns the assistant session id whose log best matches the
// given spawn time and project directory, or false when no candidate
// satisfies both constraints. The first satisfying candidate in
// newest-modified-first order wins.
func (c *Correlator) FindMatch(spawnedAt time.Time, projectDir string) (string, bool) {
	for _, path := range c.RecentLogs() {
		id, ok := c.matchCandidate(path, spawnedAt, projectDir)
		if ok {
			return id, true
		}
	}
	return "", false
}

func (c *Correlator) matchCandidate(path string, spawnedAt time.Time, projectDir string) (string, bool) {
	records, err := tailer.New(path).ReadAll()
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("skipping unreadable candidate log")
		return "", false
	}

	var start *record.Raw
	for _, rec := range records {
		if rec.Kind == record.KindSessionStart {
			start = rec
			break
		}
	}
	if start == nil {
		return "", false
	}

	// The assistant session must have begun at or up to MatchWindow before
	// the external spawn, never after it.
	startedAt := start.Timestamp
	if startedAt.IsZero() {
		if t, ok := start.StartTime(); ok {
			startedAt = t
		}
	}
	if !timeutil.StartedWithinBefore(startedAt, spawnedAt, MatchWindow) {
		return "", false
	}

	if !hasProjectEvidence(records, projectDir) {
		return "", false
	}

	id, ok := start.SessionID()
	if !ok {
		return "", false
	}
	return id, true
}

// hasProjectEvidence reports whether any tool execution in the log touched a
// path inside projectDir.
func hasProjectEvidence(records []*record.Raw, projectDir string) bool {
	if projectDir == "" {
		return false
	}
	for _, rec := range records {
		if rec.Kind != record.KindToolStart {
			continue
		}
		name, _ := rec.ToolName()
		if !evidenceTools[name] {
			continue
		}
		path, ok := rec.ArgPath()
		if !ok {
			continue
		}
		if strings.HasPrefix(path, projectDir) || strings.Contains(path, projectDir) {
			return true
		}
	}
	return false
}

// RecentLogs lists session logs modified within the last 24 hours, newest
// first. An unreadable directory yields an empty list.
func (c *Correlator) RecentLogs() []string {
	entries, err := os.ReadDir(c.stateDir)
	if err != nil {
		log.Warn().Err(err).Str("dir", c.stateDir).Msg("cannot read assistant state directory")
		return nil
	}

	type candidate struct {
		path  string
		mtime time.Time
	}
	cutoff := time.Now().Add(-recentWindow)

	var candidates []candidate
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().Before(cutoff) {
			continue
		}
		candidates = append(candidates, candidate{
			path:  filepath.Join(c.stateDir, entry.Name()),
			mtime: info.ModTime(),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].mtime.After(candidates[j].mtime)
	})

	paths := make([]string, len(candidates))
	for i, cand := range candidates {
		paths[i] = cand.path
	}
	return paths
}

// IsActive reports whether an assistant session's log was modified within
// the last five minutes. A missing log is inactive.
func (c *Correlator) IsActive(assistantSessionID string) bool {
	info, err := os.Stat(c.LogPath(assistantSessionID))
	if err != nil {
		return false
	}
	return timeutil.ModifiedSince(info.ModTime(), time.Now(), activeWindow)
}
