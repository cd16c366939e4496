package transform

import (
	"fmt"
	"time"

	"github.com/tidwall/sjson"

	"github.com/shelfwood/agentviz/internal/record"
	"github.com/shelfwood/agentviz/internal/store"
)

// maxRawArguments caps the argument payload retained inside raw_data. Write
// tools carry entire file contents in their arguments; storing them verbatim
// for every event would bloat the database for no forensic gain.
const maxRawArguments = 4096

// File-operation tool names the assistant is known to emit.
var fileOperations = map[string]string{
	"view":       store.OpRead,
	"read_file":  store.OpRead,
	"edit":       store.OpEdit,
	"edit_file":  store.OpEdit,
	"create":     store.OpWrite,
	"write_file": store.OpWrite,
}

// Shell-execution tool names.
var shellTools = map[string]bool{
	"shell": true,
	"bash":  true,
}

// Transformer maps raw log records to store events for one session's
// project directory. Both mappings are pure: no I/O, no stored state beyond
// the project root used for path normalization.
type Transformer struct {
	projectDir string
}

// New creates a transformer. projectDir may be empty, in which case file
// paths pass through unnormalized.
func New(projectDir string) *Transformer {
	return &Transformer{projectDir: projectDir}
}

// ToolStart converts a tool.execution_start record into a tool_start event.
// File and command extraction are best effort: a record matching neither
// rule still yields a valid event with those fields unset.
func (t *Transformer) ToolStart(rec *record.Raw, sessionID string) *store.Event {
	ev := &store.Event{
		SessionID:     sessionID,
		SourceEventID: optional(rec.ID),
		ParentEventID: optional(rec.ParentID),
		Timestamp:     rec.Timestamp,
		Kind:          store.EventToolStart,
		Status:        optional(store.EventStatusRunning),
		Source:        "jsonl",
		RawData:       rawData(rec),
	}

	toolName, _ := rec.ToolName()
	ev.ToolName = optional(toolName)
	if callID, ok := rec.ToolCallID(); ok {
		ev.ToolCallID = optional(callID)
	}
	if args, ok := rec.Arguments(); ok {
		ev.ToolArguments = optional(args)
	}

	if op, ok := fileOperations[toolName]; ok {
		if path, found := rec.ArgPath(); found {
			normalized := NormalizePath(path, t.projectDir)
			ev.FilePath = optional(normalized)
			ev.Operation = optional(op)
		}
	}

	if shellTools[toolName] {
		if cmd, found := rec.ArgCommand(); found {
			ev.Command = optional(cmd)
			ev.CommandCategory = optional(Categorize(cmd))
		}
	}

	return ev
}

// ToolComplete converts a tool.execution_complete record into a
// tool_complete event. Tool name and duration are left unset here; the
// daemon fills them in when it pairs the completion with its start record
// by tool call id. A missing success flag counts as failure.
func (t *Transformer) ToolComplete(rec *record.Raw, sessionID string) *store.Event {
	status := store.EventStatusError
	if ok, _ := rec.Success(); ok {
		status = store.EventStatusSuccess
	}

	ev := &store.Event{
		SessionID:     sessionID,
		SourceEventID: optional(rec.ID),
		ParentEventID: optional(rec.ParentID),
		Timestamp:     rec.Timestamp,
		Kind:          store.EventToolComplete,
		Status:        optional(status),
		Source:        "jsonl",
		RawData:       rawData(rec),
	}
	if callID, ok := rec.ToolCallID(); ok {
		ev.ToolCallID = optional(callID)
	}
	return ev
}

// Duration computes the millisecond gap between a paired start and
// completion. A missing or inverted pair yields nil, never a fabricated
// value.
func Duration(start, complete time.Time) *int64 {
	if start.IsZero() || complete.IsZero() {
		return nil
	}
	ms := complete.Sub(start).Milliseconds()
	if ms < 0 {
		return nil
	}
	return &ms
}

// rawData serializes the originating record for forensic storage, replacing
// oversized argument payloads with a size marker.
func rawData(rec *record.Raw) *string {
	line := rec.Line()
	if args, ok := rec.Arguments(); ok && len(args) > maxRawArguments {
		marker := fmt.Sprintf("[truncated: %d bytes]", len(args))
		if trimmed, err := sjson.SetBytes(line, "data.arguments", marker); err == nil {
			line = trimmed
		}
	}
	s := string(line)
	return &s
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
