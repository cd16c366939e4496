// Package record models the raw newline-delimited JSON records written by the
// assistant process into its per-session log.
//
// DESIGN: Each line is a loosely-shaped JSON object. Instead of a rigid struct
// per shape, a record is a tagged variant over the recognized kinds with
// accessor methods for its optional payload fields. An absent field is
// reported as absent, never as a zero value. Parsing a line never panics and
// never returns a Go error for malformed input: the caller gets an explicit
// skip reason so one corrupt line cannot unwind past record scope.
package record

import (
	"bytes"
	"time"

	"github.com/tidwall/gjson"

	"github.com/shelfwood/agentviz/internal/timeutil"
)

// Kind identifies a recognized record shape.
type Kind string

const (
	KindSessionStart Kind = "session.start"
	KindToolStart    Kind = "tool.execution_start"
	KindToolComplete Kind = "tool.execution_complete"
	KindOther        Kind = "other"
)

// Raw is one parsed log record. The originating JSON line is retained for
// forensic storage alongside the normalized event.
type Raw struct {
	Kind      Kind
	Type      string // verbatim "type" field, also set for KindOther
	ID        string
	ParentID  string
	Timestamp time.Time

	data gjson.Result
	line []byte
}

// SkipReason explains why a line produced no record.
type SkipReason struct {
	Reason string
	Line   []byte
}

// ParseLine parses one log line into a record. The trailing newline must
// already be stripped. A blank or malformed line yields a nil record and a
// non-nil skip reason.
func ParseLine(line []byte) (*Raw, *SkipReason) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, &SkipReason{Reason: "blank line"}
	}
	if !gjson.ValidBytes(trimmed) {
		return nil, &SkipReason{Reason: "invalid json", Line: trimmed}
	}
	parsed := gjson.ParseBytes(trimmed)
	if !parsed.IsObject() {
		return nil, &SkipReason{Reason: "not an object", Line: trimmed}
	}

	r := &Raw{
		Type:     parsed.Get("type").String(),
		ID:       parsed.Get("id").String(),
		ParentID: parsed.Get("parentId").String(),
		data:     parsed.Get("data"),
		line:     append([]byte(nil), trimmed...),
	}
	r.Timestamp = timeutil.ParseTimestamp(parsed.Get("timestamp").String())

	switch r.Type {
	case string(KindSessionStart):
		r.Kind = KindSessionStart
	case string(KindToolStart):
		r.Kind = KindToolStart
	case string(KindToolComplete):
		r.Kind = KindToolComplete
	default:
		r.Kind = KindOther
	}
	return r, nil
}

// Line returns the original JSON line the record was parsed from.
func (r *Raw) Line() []byte { return r.line }

// SessionID returns the assistant's own session identifier from a
// session.start payload.
func (r *Raw) SessionID() (string, bool) {
	return r.dataString("sessionId")
}

// StartTime returns the session start time from a session.start payload.
func (r *Raw) StartTime() (time.Time, bool) {
	s, ok := r.dataString("startTime")
	if !ok {
		return time.Time{}, false
	}
	t := timeutil.ParseTimestamp(s)
	return t, !t.IsZero()
}

// ToolName returns the tool name from a tool execution payload.
func (r *Raw) ToolName() (string, bool) {
	return r.dataString("toolName")
}

// ToolCallID returns the tool call identifier from a tool execution payload.
func (r *Raw) ToolCallID() (string, bool) {
	return r.dataString("toolCallId")
}

// Arguments returns the serialized tool arguments object, verbatim.
func (r *Raw) Arguments() (string, bool) {
	args := r.data.Get("arguments")
	if !args.Exists() {
		return "", false
	}
	return args.Raw, true
}

// Success returns the completion success flag from a tool.execution_complete
// payload. Absence is reported distinctly from an explicit false.
func (r *Raw) Success() (bool, bool) {
	v := r.data.Get("success")
	if !v.Exists() {
		return false, false
	}
	return v.Bool(), true
}

// ArgPath returns the file path argument of a tool execution, checking the
// argument spellings the assistant is known to emit.
func (r *Raw) ArgPath() (string, bool) {
	for _, key := range []string{"arguments.path", "arguments.file_path", "path"} {
		if v := r.data.Get(key); v.Exists() && v.Type == gjson.String {
			return v.String(), true
		}
	}
	return "", false
}

// ArgCommand returns the shell command argument of a tool execution.
func (r *Raw) ArgCommand() (string, bool) {
	for _, key := range []string{"arguments.command", "arguments.cmd"} {
		if v := r.data.Get(key); v.Exists() && v.Type == gjson.String {
			return v.String(), true
		}
	}
	return "", false
}

func (r *Raw) dataString(key string) (string, bool) {
	v := r.data.Get(key)
	if !v.Exists() || v.Type != gjson.String {
		return "", false
	}
	return v.String(), true
}
