// Package monitoring - types.go defines telemetry event shapes.
package monitoring

import "time"

// TelemetryConfig controls the JSONL telemetry stream.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`       // Enable telemetry tracking
	Path        string `yaml:"path"`          // Path to telemetry JSONL file
	LogToStdout bool   `yaml:"log_to_stdout"` // Also log summaries via zerolog
}

// SessionEvent records a session lifecycle change: discovery, correlation
// outcome, or a status transition.
type SessionEvent struct {
	Timestamp          time.Time `json:"timestamp"`
	Type               string    `json:"type"` // discovered, correlated, correlation_missed, status_changed
	SessionID          string    `json:"session_id"`
	AssistantSessionID string    `json:"assistant_session_id,omitempty"`
	ProjectDir         string    `json:"project_dir,omitempty"`
	Status             string    `json:"status,omitempty"`
}

// IngestEvent records one tail-transform-insert batch.
type IngestEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"` // ingest
	SessionID string    `json:"session_id"`
	Read      int       `json:"read"`     // records read from the log
	Inserted  int       `json:"inserted"` // rows actually stored
	Skipped   int       `json:"skipped"`  // duplicates and id-less records
}
