// Package monitor - daemon.go orchestrates session discovery, correlation,
// tailing, and persistence.
//
// DESIGN: One main loop multiplexes two debounced directory watches (assistant
// logs, launcher metadata) and a retry timer onto a small worker pool. Every
// unit of work runs behind a recover boundary: a panic or error while
// processing one session is logged and contained, never fatal. Per-session
// ordering is preserved by a per-session mutex around tail-transform-insert;
// sessions never block each other beyond worker availability.
//
// Discovery is two-mode. A log file appearing in the state directory is
// tracked directly under the assistant's own session id. A metadata file
// names a launcher session that shares no identifier with any log: after a
// grace period the correlator searches for the matching log, retrying on a
// fixed interval for sessions it could not match.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shelfwood/agentviz/internal/config"
	"github.com/shelfwood/agentviz/internal/correlate"
	"github.com/shelfwood/agentviz/internal/monitoring"
	"github.com/shelfwood/agentviz/internal/record"
	"github.com/shelfwood/agentviz/internal/store"
	"github.com/shelfwood/agentviz/internal/tailer"
	"github.com/shelfwood/agentviz/internal/transform"
)

const (
	workerCount  = 4
	jobQueueSize = 256
)

// pendingStart remembers a tool start awaiting its completion record.
type pendingStart struct {
	toolName  string
	startedAt time.Time
}

// session is one tracked log file and the state needed to process it.
type session struct {
	id          string // session row id owning the events
	assistantID string
	projectDir  string
	tailer      *tailer.Tailer
	transformer *transform.Transformer
	pending     map[string]pendingStart // tool call id -> start
	created     bool                    // session row known to exist

	// Serializes tail-transform-insert so a session's events keep log
	// order even when two watch notifications race.
	mu sync.Mutex
}

// Daemon is the monitoring control loop.
type Daemon struct {
	cfg        *config.Config
	store      *store.Store
	correlator *correlate.Correlator
	telemetry  *monitoring.Tracker

	mu      sync.Mutex
	tracked map[string]*session // keyed by log file path

	jobQueue chan func()
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a daemon over an open store. A telemetry setup failure is
// logged and degrades to a disabled tracker, never a startup failure.
func New(cfg *config.Config, st *store.Store) *Daemon {
	tracker, err := monitoring.NewTracker(cfg.Telemetry)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.Telemetry.Path).Msg("telemetry disabled")
		tracker, _ = monitoring.NewTracker(monitoring.TelemetryConfig{})
	}
	return &Daemon{
		cfg:        cfg,
		store:      st,
		correlator: correlate.New(cfg.StateDir),
		telemetry:  tracker,
		tracked:    make(map[string]*session),
		jobQueue:   make(chan func(), jobQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Run reconciles existing state, then watches for new activity until ctx is
// cancelled. Only a failure to acquire the primary log watch is fatal.
func (d *Daemon) Run(ctx context.Context) error {
	for i := 0; i < workerCount; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	d.backfill(ctx)

	logWatcher, err := NewWatcher(d.cfg.StateDir, d.cfg.Monitor.Debounce)
	if err != nil {
		close(d.stopChan)
		d.wg.Wait()
		return fmt.Errorf("watch state directory %s: %w", d.cfg.StateDir, err)
	}

	// The metadata directory belongs to the launcher and may not exist yet;
	// the retry ticker keeps trying to attach the watch until it does.
	var metaEvents <-chan string // nil until the metadata watch is up
	metaWatcher, err := NewWatcher(d.cfg.MetadataDir, d.cfg.Monitor.Debounce)
	if err != nil {
		log.Warn().Err(err).Str("dir", d.cfg.MetadataDir).Msg("metadata directory not watchable yet, will retry")
	} else {
		metaEvents = metaWatcher.Events()
	}

	retryTicker := time.NewTicker(d.cfg.Monitor.RetryInterval)

	log.Info().
		Str("state_dir", d.cfg.StateDir).
		Str("metadata_dir", d.cfg.MetadataDir).
		Str("db", d.store.Path()).
		Msg("Monitor daemon ready")

	for {
		select {
		case <-ctx.Done():
			// Release watches and timers before the caller closes the
			// store; in-flight batches run to completion.
			retryTicker.Stop()
			_ = logWatcher.Close()
			if metaWatcher != nil {
				_ = metaWatcher.Close()
			}
			close(d.stopChan)
			d.wg.Wait()
			log.Info().Msg("Monitor daemon stopped")
			return nil

		case path := <-logWatcher.Events():
			if !strings.HasSuffix(path, ".jsonl") {
				continue
			}
			d.enqueue(func() {
				d.safe("ingest "+filepath.Base(path), func() error {
					return d.ingestLog(ctx, path)
				})
			})

		case path := <-metaEvents:
			if !isMetadataPath(path) {
				continue
			}
			d.enqueue(func() {
				d.safe("discover "+filepath.Base(path), func() error {
					return d.discoverLauncherSession(ctx, path)
				})
			})

		case <-retryTicker.C:
			if metaWatcher == nil {
				if w, werr := NewWatcher(d.cfg.MetadataDir, d.cfg.Monitor.Debounce); werr == nil {
					metaWatcher = w
					metaEvents = w.Events()
					log.Info().Str("dir", d.cfg.MetadataDir).Msg("metadata directory watch attached")
					// Catch up on metadata written before the watch existed.
					for _, meta := range ListMetadata(d.cfg.MetadataDir) {
						meta := meta
						d.enqueue(func() {
							d.safe("discover "+meta.SessionID, func() error {
								return d.registerLauncherSession(ctx, meta)
							})
						})
					}
				}
			}
			d.enqueue(func() {
				d.safe("correlation retry", func() error {
					return d.retryCorrelations(ctx)
				})
			})
			d.enqueue(func() {
				d.safe("liveness sweep", func() error {
					return d.sweepLiveness(ctx)
				})
			})
		}
	}
}

func (d *Daemon) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopChan:
			return
		case job := <-d.jobQueue:
			job()
		}
	}
}

func (d *Daemon) enqueue(job func()) {
	select {
	case d.jobQueue <- job:
	case <-d.stopChan:
	}
}

// safe is the per-task containment boundary: panics and errors are logged,
// never propagated.
func (d *Daemon) safe(task string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("task", task).Msg("recovered from panic")
		}
	}()
	if err := fn(); err != nil {
		log.Error().Err(err).Str("task", task).Msg("task failed")
	}
}

// backfill reconciles state already on disk before live watching: existing
// logs are ingested in full, existing launcher metadata is correlated.
func (d *Daemon) backfill(ctx context.Context) {
	entries, err := os.ReadDir(d.cfg.StateDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("dir", d.cfg.StateDir).Msg("cannot read state directory for backfill")
		}
	} else {
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
				continue
			}
			path := filepath.Join(d.cfg.StateDir, entry.Name())
			d.enqueue(func() {
				d.safe("backfill "+filepath.Base(path), func() error {
					return d.ingestLog(ctx, path)
				})
			})
		}
	}

	for _, meta := range ListMetadata(d.cfg.MetadataDir) {
		meta := meta
		d.enqueue(func() {
			d.safe("backfill metadata "+meta.SessionID, func() error {
				return d.registerLauncherSession(ctx, meta)
			})
		})
	}
}

// trackedFor returns the tracked session for a log path, creating a
// direct-mode entry when the path is unknown.
func (d *Daemon) trackedFor(path string) *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sess, ok := d.tracked[path]; ok {
		return sess
	}

	id := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	sess := &session{
		id:          id,
		assistantID: id,
		tailer:      tailer.New(path),
		pending:     make(map[string]pendingStart),
	}
	d.tracked[path] = sess
	return sess
}

// attachLog registers a correlated launcher session as the owner of an
// assistant log. If the log is already tracked (the direct watcher saw it
// first), the existing attachment keeps the events; splitting one log's
// stream across two session rows would double-count.
func (d *Daemon) attachLog(path, sessionID, projectDir, assistantID string) *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sess, ok := d.tracked[path]; ok {
		return sess
	}

	sess := &session{
		id:          sessionID,
		assistantID: assistantID,
		projectDir:  projectDir,
		tailer:      tailer.New(path),
		transformer: transform.New(projectDir),
		created:     true,
		pending:     make(map[string]pendingStart),
	}
	d.tracked[path] = sess
	return sess
}

// ingestLog tails one session log and persists the new records.
func (d *Daemon) ingestLog(ctx context.Context, path string) error {
	sess := d.trackedFor(path)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	records, err := sess.tailer.ReadNew()
	if err != nil {
		return fmt.Errorf("tail %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil
	}

	if err := d.ensureSessionRow(ctx, sess, records, path); err != nil {
		return err
	}

	events := d.transformRecords(sess, records)
	inserted, err := d.store.InsertEvents(ctx, events)
	if err != nil {
		return fmt.Errorf("persist events for %s: %w", sess.id, err)
	}
	if inserted > 0 {
		log.Debug().Str("session", sess.id).Int("events", inserted).Msg("events ingested")
	}
	d.telemetry.RecordIngest(&monitoring.IngestEvent{
		SessionID: sess.id,
		Read:      len(records),
		Inserted:  inserted,
		Skipped:   len(records) - inserted,
	})

	now := time.Now().UTC()
	return d.store.UpdateSession(ctx, sess.id, store.SessionUpdate{LastActivityAt: &now})
}

// ensureSessionRow creates the session row for a direct-mode log on first
// ingest, deriving metadata from the log itself.
func (d *Daemon) ensureSessionRow(ctx context.Context, sess *session, records []*record.Raw, path string) error {
	// An early batch may carry no absolute paths; keep inferring until the
	// project directory resolves, then refresh the transformer and the row
	// so later file paths normalize against it.
	if sess.projectDir == "" {
		if dir := inferProjectDir(records); dir != "" {
			sess.projectDir = dir
			sess.transformer = transform.New(dir)
			if sess.created {
				if err := d.store.UpdateSession(ctx, sess.id, store.SessionUpdate{ProjectDir: &dir}); err != nil {
					return err
				}
			}
		}
	}
	if sess.transformer == nil {
		sess.transformer = transform.New(sess.projectDir)
	}
	if sess.created {
		return nil
	}

	spawnedAt := time.Time{}
	assistantID := sess.assistantID
	for _, rec := range records {
		if rec.Kind != record.KindSessionStart {
			continue
		}
		if id, ok := rec.SessionID(); ok {
			assistantID = id
		}
		if t, ok := rec.StartTime(); ok {
			spawnedAt = t
		} else if !rec.Timestamp.IsZero() {
			spawnedAt = rec.Timestamp
		}
		break
	}
	if spawnedAt.IsZero() {
		if info, err := os.Stat(path); err == nil {
			spawnedAt = info.ModTime().UTC()
		} else {
			spawnedAt = time.Now().UTC()
		}
	}

	status := d.inferStatus(path)
	_, err := d.store.CreateSession(ctx, &store.Session{
		ID:                 sess.id,
		AssistantSessionID: &assistantID,
		ProjectDir:         sess.projectDir,
		SpawnedAt:          spawnedAt,
		Status:             status,
	})
	if err != nil {
		return err
	}
	sess.created = true
	d.telemetry.RecordSession(&monitoring.SessionEvent{
		Type:               "discovered",
		SessionID:          sess.id,
		AssistantSessionID: assistantID,
		ProjectDir:         sess.projectDir,
		Status:             status,
	})
	return nil
}

// transformRecords maps raw records to store events, pairing completions
// with their starts by tool call id. Duration and resolved tool name travel
// on the completion row only; stored start rows are never touched, which
// keeps the dedup key stable.
func (d *Daemon) transformRecords(sess *session, records []*record.Raw) []*store.Event {
	var events []*store.Event
	for _, rec := range records {
		var ev *store.Event
		switch rec.Kind {
		case record.KindToolStart:
			ev = sess.transformer.ToolStart(rec, sess.id)
			if callID, ok := rec.ToolCallID(); ok {
				name, _ := rec.ToolName()
				sess.pending[callID] = pendingStart{toolName: name, startedAt: rec.Timestamp}
			}
		case record.KindToolComplete:
			ev = sess.transformer.ToolComplete(rec, sess.id)
			if callID, ok := rec.ToolCallID(); ok {
				if start, found := sess.pending[callID]; found {
					if start.toolName != "" {
						name := start.toolName
						ev.ToolName = &name
					}
					ev.DurationMS = transform.Duration(start.startedAt, rec.Timestamp)
					delete(sess.pending, callID)
				}
			}
		default:
			continue
		}
		if ev.SourceEventID == nil {
			// Without a source id the dedup key cannot hold; backfill
			// would double-store such a record.
			continue
		}
		events = append(events, ev)
	}
	return events
}

// inferStatus classifies a direct-mode log by modification recency.
func (d *Daemon) inferStatus(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return store.StatusUnknown
	}
	if time.Since(info.ModTime()) < d.cfg.Monitor.StaleAfter {
		return store.StatusRunning
	}
	return store.StatusCompleted
}

// inferProjectDir picks the most common three-segment path prefix among the
// tool calls' file arguments.
func inferProjectDir(records []*record.Raw) string {
	counts := make(map[string]int)
	for _, rec := range records {
		if rec.Kind != record.KindToolStart && rec.Kind != record.KindToolComplete {
			continue
		}
		path, ok := rec.ArgPath()
		if !ok || !strings.HasPrefix(path, "/") {
			continue
		}
		segments := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
		if len(segments) < 3 {
			continue
		}
		dir := "/" + strings.Join(segments[:3], "/")
		counts[dir]++
	}

	best, bestCount := "", 0
	for dir, count := range counts {
		if count > bestCount {
			best, bestCount = dir, count
		}
	}
	return best
}

// discoverLauncherSession handles a new launcher metadata file.
func (d *Daemon) discoverLauncherSession(ctx context.Context, path string) error {
	meta, err := ReadMetadata(path)
	if err != nil {
		return err
	}
	return d.registerLauncherSession(ctx, meta)
}

// registerLauncherSession creates the session row for a launcher spawn and
// schedules a correlation attempt after the grace period, giving the
// assistant process time to initialize and write its first records. The
// grace wait runs on a timer, off the worker pool.
func (d *Daemon) registerLauncherSession(ctx context.Context, meta *Metadata) error {
	sess := &store.Session{
		ID:         meta.SessionID,
		ProjectDir: meta.ProjectDir,
		SpawnedAt:  meta.SpawnTime(),
		Importance: meta.Importance,
		Status:     store.StatusUnknown,
	}
	if meta.SpawnedBy != "" {
		sess.SpawnedBy = &meta.SpawnedBy
	}
	if meta.PID != 0 {
		pid := meta.PID
		sess.PID = &pid
	}
	if meta.TaskFile != "" {
		sess.TaskFile = &meta.TaskFile
	}

	row, err := d.store.CreateSession(ctx, sess)
	if err != nil {
		return err
	}
	if row.AssistantSessionID != nil && row.Status == store.StatusRunning {
		return nil // already correlated on a previous run
	}
	d.telemetry.RecordSession(&monitoring.SessionEvent{
		Type:       "discovered",
		SessionID:  row.ID,
		ProjectDir: row.ProjectDir,
		Status:     row.Status,
	})

	// The wait must not occupy a worker: a burst of discoveries sleeping
	// through the grace period would stall ingestion for every session.
	time.AfterFunc(d.cfg.Monitor.GracePeriod, func() {
		d.enqueue(func() {
			d.safe("correlate "+row.ID, func() error {
				return d.correlateSession(ctx, row.ID, meta.SpawnTime(), meta.ProjectDir)
			})
		})
	})
	return nil
}

// correlateSession runs one correlation attempt and records the outcome.
func (d *Daemon) correlateSession(ctx context.Context, sessionID string, spawnedAt time.Time, projectDir string) error {
	assistantID, ok := d.correlator.FindMatch(spawnedAt, projectDir)
	if !ok {
		status := store.StatusCorrelationFailed
		log.Warn().Str("session", sessionID).Str("project_dir", projectDir).
			Msg("no assistant session matched, will retry")
		d.telemetry.RecordSession(&monitoring.SessionEvent{
			Type:       "correlation_missed",
			SessionID:  sessionID,
			ProjectDir: projectDir,
			Status:     status,
		})
		return d.store.UpdateSession(ctx, sessionID, store.SessionUpdate{Status: &status})
	}

	status := store.StatusRunning
	if err := d.store.UpdateSession(ctx, sessionID, store.SessionUpdate{
		AssistantSessionID: &assistantID,
		Status:             &status,
	}); err != nil {
		return err
	}
	log.Info().Str("session", sessionID).Str("assistant_session", assistantID).Msg("session correlated")
	d.telemetry.RecordSession(&monitoring.SessionEvent{
		Type:               "correlated",
		SessionID:          sessionID,
		AssistantSessionID: assistantID,
		ProjectDir:         projectDir,
		Status:             status,
	})

	logPath := d.correlator.LogPath(assistantID)
	d.attachLog(logPath, sessionID, projectDir, assistantID)
	d.enqueue(func() {
		d.safe("ingest "+filepath.Base(logPath), func() error {
			return d.ingestLog(ctx, logPath)
		})
	})
	return nil
}

// retryCorrelations re-attempts every session stuck in correlation_failed.
// There is no attempt cap: a session stays retryable until matched or the
// operator archives its metadata.
func (d *Daemon) retryCorrelations(ctx context.Context) error {
	sessions, err := d.store.ListSessions(ctx, store.SessionFilter{Status: store.StatusCorrelationFailed})
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		sess := sess
		d.safe("correlate "+sess.ID, func() error {
			return d.correlateSession(ctx, sess.ID, sess.SpawnedAt, sess.ProjectDir)
		})
	}
	return nil
}

// sweepLiveness marks running sessions whose evidence says they finished:
// a dead launcher process means stopped, a log idle past the staleness
// window means completed.
func (d *Daemon) sweepLiveness(ctx context.Context) error {
	sessions, err := d.store.ListSessions(ctx, store.SessionFilter{Status: store.StatusRunning})
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.PID != nil && !pidAlive(*sess.PID) && !d.assistantActive(sess) {
			status := store.StatusStopped
			if err := d.store.UpdateSession(ctx, sess.ID, store.SessionUpdate{Status: &status}); err != nil {
				return err
			}
			log.Info().Str("session", sess.ID).Msg("launcher process gone, session stopped")
			d.telemetry.RecordSession(&monitoring.SessionEvent{
				Type:      "status_changed",
				SessionID: sess.ID,
				Status:    status,
			})
			continue
		}
		if sess.AssistantSessionID != nil && d.logIdle(*sess.AssistantSessionID) {
			status := store.StatusCompleted
			if err := d.store.UpdateSession(ctx, sess.ID, store.SessionUpdate{Status: &status}); err != nil {
				return err
			}
			log.Info().Str("session", sess.ID).Msg("session log idle, marking completed")
			d.telemetry.RecordSession(&monitoring.SessionEvent{
				Type:      "status_changed",
				SessionID: sess.ID,
				Status:    status,
			})
		}
	}
	return nil
}

func (d *Daemon) assistantActive(sess *store.Session) bool {
	if sess.AssistantSessionID == nil {
		return false
	}
	return d.correlator.IsActive(*sess.AssistantSessionID)
}

// logIdle reports whether an assistant log has gone unmodified past the
// staleness window.
func (d *Daemon) logIdle(assistantID string) bool {
	info, err := os.Stat(d.correlator.LogPath(assistantID))
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > d.cfg.Monitor.StaleAfter
}
