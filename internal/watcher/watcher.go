// Package watcher keeps the knowledge store in step with the working
// tree: an fsnotify recursive watcher feeds a debouncer, and flushed
// batches trigger freshness classification plus lexical invalidation.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"memvault/internal/errors"
)

// Op is a coalesced file operation.
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpDelete
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	}
	return "UNKNOWN"
}

// Event is one debounced change, with Path relative to the watched
// root and slash-normalized.
type Event struct {
	Path string
	Op   Op
}

// Options tunes the watcher.
type Options struct {
	// Debounce is how long a path must stay quiet before its batch
	// flushes.
	Debounce time.Duration
	// Ignore lists directory names never descended into.
	Ignore []string
}

// DefaultOptions uses a 200ms debounce and skips the usual noise
// directories.
func DefaultOptions() Options {
	return Options{
		Debounce: 200 * time.Millisecond,
		Ignore:   []string{".git", ".memvault", "node_modules", "vendor", ".idea"},
	}
}

// Watcher emits debounced batches of file changes under one root.
type Watcher struct {
	root      string
	opts      Options
	logger    *slog.Logger
	debouncer *debouncer

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	stopped bool
}

// New creates a watcher for root. Start must be called before batches
// flow.
func New(root string, opts Options, logger *slog.Logger) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultOptions().Debounce
	}
	return &Watcher{
		root:      root,
		opts:      opts,
		logger:    logger,
		debouncer: newDebouncer(opts.Debounce),
	}
}

// Batches returns the channel of debounced event batches. Closed on
// Stop.
func (w *Watcher) Batches() <-chan []Event {
	return w.debouncer.output
}

// Start registers the root and every non-ignored subdirectory, then
// pumps raw events into the debouncer until the context ends or Stop
// is called.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(errors.KindInternal, "start filesystem watcher", err)
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		_ = fsw.Close()
		return errors.Validation("watcher already stopped")
	}
	w.fsw = fsw
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		_ = fsw.Close()
		return err
	}

	go w.pump(ctx)
	return nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(d.Name()) && path != root {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("directory not watched", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) ignored(name string) bool {
	for _, ig := range w.opts.Ignore {
		if name == ig {
			return true
		}
	}
	return false
}

func (w *Watcher) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		rel = ev.Name
	}
	rel = strings.ReplaceAll(rel, "\\", "/")

	switch {
	case ev.Op&fsnotify.Create != 0:
		// New directories need their own watch.
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			if !w.ignored(info.Name()) {
				_ = w.addRecursive(ev.Name)
			}
			return
		}
		w.debouncer.add(Event{Path: rel, Op: OpCreate})
	case ev.Op&fsnotify.Write != 0:
		w.debouncer.add(Event{Path: rel, Op: OpModify})
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.debouncer.add(Event{Path: rel, Op: OpDelete})
	}
}

// Stop closes the underlying watcher and the batch channel. Safe to
// call twice.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true
	w.debouncer.stop()
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}
