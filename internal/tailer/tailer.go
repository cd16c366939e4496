// Package tailer implements incremental reading of an append-only,
// newline-delimited JSON log file.
//
// DESIGN: A Tailer tracks a byte offset into one file. ReadNew returns the
// records appended since the previous successful read, honoring three
// protections:
//   - a line without its trailing terminator is never returned (partial-write
//     race); the offset stays before it so the next read picks it up whole
//   - a file smaller than the stored offset was truncated or replaced; the
//     offset resets to zero and the file is read as logically new
//   - a malformed line is skipped and logged without blocking the lines after it
//
// Offsets are process-local. After a restart the daemon backfills with
// ReadAll and relies on the store's dedup key to avoid double-counting.
package tailer

import (
	"bufio"
	"errors"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/shelfwood/agentviz/internal/record"
)

// Tailer reads newly appended records from a single log file.
type Tailer struct {
	path   string
	offset int64
}

// New creates a tailer positioned at the start of the file.
func New(path string) *Tailer {
	return &Tailer{path: path}
}

// Path returns the file the tailer reads.
func (t *Tailer) Path() string { return t.path }

// Offset returns the current byte position.
func (t *Tailer) Offset() int64 { return t.offset }

// Reset moves the tailer back to the start of the file.
func (t *Tailer) Reset() { t.offset = 0 }

// ReadAll resets the offset and reads every record in the file.
func (t *Tailer) ReadAll() ([]*record.Raw, error) {
	t.Reset()
	return t.ReadNew()
}

// ReadNew returns the fully-terminated records appended since the last read,
// in file order. A missing file yields an empty result, not an error.
func (t *Tailer) ReadNew() ([]*record.Raw, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < t.offset {
		log.Debug().Str("path", t.path).Int64("offset", t.offset).Int64("size", info.Size()).
			Msg("log shrank below offset, treating as new file")
		t.offset = 0
	}
	if info.Size() == t.offset {
		return nil, nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, err
	}

	var records []*record.Raw
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return records, err
		}
		if len(line) == 0 {
			break
		}
		if line[len(line)-1] != '\n' {
			// Unterminated tail: leave the offset before it.
			break
		}

		rec, skip := record.ParseLine(line[:len(line)-1])
		t.offset += int64(len(line))
		if skip != nil {
			if skip.Reason != "blank line" {
				log.Warn().Str("path", t.path).Str("reason", skip.Reason).
					Msg("skipping malformed log line")
			}
		} else {
			records = append(records, rec)
		}

		if err == io.EOF {
			break
		}
	}
	return records, nil
}
