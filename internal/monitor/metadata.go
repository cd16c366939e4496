// Package monitor - metadata.go reads the launcher's per-session metadata
// files.
package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shelfwood/agentviz/internal/timeutil"
)

// Metadata is one launcher metadata file: the external record of a spawned
// session.
type Metadata struct {
	SessionID  string `json:"session_id"`
	ProjectDir string `json:"project_dir"`
	SpawnedAt  string `json:"spawned_at"`
	SpawnedBy  string `json:"spawned_by,omitempty"`
	Importance string `json:"importance,omitempty"`
	PID        int64  `json:"pid,omitempty"`
	TaskFile   string `json:"task_file,omitempty"`
}

// SpawnTime parses the ISO-8601 spawn timestamp. A missing or malformed
// value yields the zero time.
func (m *Metadata) SpawnTime() time.Time {
	return timeutil.ParseTimestamp(m.SpawnedAt)
}

// ReadMetadata parses one metadata file.
func ReadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata %s: %w", path, err)
	}
	if meta.SessionID == "" {
		return nil, fmt.Errorf("metadata %s: missing session_id", path)
	}
	return &meta, nil
}

// ListMetadata reads every metadata file in dir, skipping dotfiles and the
// archive/ subdirectory. Unreadable files are logged and skipped; a missing
// directory yields an empty list.
func ListMetadata(dir string) []*Metadata {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("dir", dir).Msg("cannot read metadata directory")
		}
		return nil
	}

	var out []*Metadata
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isMetadataFile(name) {
			continue
		}
		meta, err := ReadMetadata(filepath.Join(dir, name))
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("skipping unreadable metadata file")
			continue
		}
		out = append(out, meta)
	}
	return out
}

// isMetadataFile reports whether a directory entry name is a launcher
// metadata file: a non-hidden .json file.
func isMetadataFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

// isMetadataPath applies the same filter to a full path, additionally
// rejecting anything under an archive/ subdirectory.
func isMetadataPath(path string) bool {
	if strings.Contains(path, string(filepath.Separator)+"archive"+string(filepath.Separator)) {
		return false
	}
	return isMetadataFile(filepath.Base(path))
}
