// Package monitor - watcher.go provides the debounced directory watcher the
// daemon depends on for log and metadata discovery.
//
// DESIGN: fsnotify delivers a burst of raw events while a file is being
// appended. Each path gets a debounce timer; only after the path has been
// quiet for the stability window is it published on Events(). Consumers get
// one notification per write burst instead of one per syscall.
package monitor

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher publishes debounced change notifications for files in one
// directory.
type Watcher struct {
	fs       *fsnotify.Watcher
	dir      string
	debounce time.Duration

	events chan string

	mu      sync.Mutex
	pending map[string]*time.Timer

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher watches dir and publishes paths that have been created or
// written, debounced by the stability window.
func NewWatcher(dir string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		fs:       fsw,
		dir:      dir,
		debounce: debounce,
		events:   make(chan string, 64),
		pending:  make(map[string]*time.Timer),
		stopChan: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Events returns the channel of debounced file paths.
func (w *Watcher) Events() <-chan string { return w.events }

// Dir returns the watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Close stops the watcher and releases the underlying OS watch.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopChan)
		err = w.fs.Close()
		w.wg.Wait()

		w.mu.Lock()
		for _, timer := range w.pending {
			timer.Stop()
		}
		w.pending = nil
		w.mu.Unlock()
	})
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopChan:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.schedule(ev.Name)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("dir", w.dir).Msg("filesystem watch error")
		}
	}
}

// schedule arms (or re-arms) the debounce timer for one path.
func (w *Watcher) schedule(path string) {
	path = filepath.Clean(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return
	}

	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if w.pending != nil {
			delete(w.pending, path)
		}
		w.mu.Unlock()

		select {
		case w.events <- path:
		case <-w.stopChan:
		}
	})
}
