// Package monitoring - telemetry.go records daemon activity to a JSONL file.
//
// DESIGN: Tracker writes structured events as JSONL (one JSON object per
// line): session lifecycle changes and per-batch ingestion counts. Events
// are appended immediately so downstream analytics can tail the file while
// the daemon runs. Telemetry is for analytics; operator logging stays on
// zerolog.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Tracker handles telemetry event recording.
type Tracker struct {
	config TelemetryConfig
	count  int
	mu     sync.Mutex
}

// NewTracker creates a telemetry tracker. A disabled tracker is valid and
// discards every event.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{config: cfg}
	if !cfg.Enabled || cfg.Path == "" {
		return t, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
		if f, err := os.Create(cfg.Path); err == nil {
			f.Close()
		}
	}
	return t, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// RecordSession records a session lifecycle event.
func (t *Tracker) RecordSession(event *SessionEvent) {
	if !t.config.Enabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.LogToStdout {
		log.Info().
			Str("type", event.Type).
			Str("session", event.SessionID).
			Str("status", event.Status).
			Msg("telemetry")
	}
	t.write(event)
}

// RecordIngest records one ingestion batch.
func (t *Tracker) RecordIngest(event *IngestEvent) {
	if !t.config.Enabled {
		return
	}
	event.Type = "ingest"
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.write(event)
}

// Count returns how many events have been written.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *Tracker) write(event any) {
	if t.config.Path == "" {
		return
	}
	if err := appendJSONL(t.config.Path, event); err != nil {
		log.Error().Err(err).Str("path", t.config.Path).Msg("telemetry: failed to write event")
		return
	}
	t.count++
}
