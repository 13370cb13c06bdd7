// Package watcher subscribes to kernel filesystem notifications for all
// tracked directories and normalizes the raw events into the closed
// vocabulary consumed by the synchronization engine: create, modify, rename,
// delete, overflow.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"dbak/internal/logging"
	"dbak/internal/model"
)

// TrackedLister exposes the paths currently tracked beneath a directory.
// The watcher needs it to synthesize per-file deletes when a directory is
// removed: the kernel reports only the directory's own removal.
type TrackedLister interface {
	PathsUnder(dir string) []string
}

// Watcher owns the fsnotify subscription and the watch registration set.
// Directories are added dynamically as the tree grows; a removed directory
// drops its whole subtree from the set.
type Watcher struct {
	fsw     *fsnotify.Watcher
	events  chan model.Event
	lister  TrackedLister
	logger  logging.Logger
	watched map[string]struct{}

	// overflow holds directories whose events were dropped because the
	// delivery channel was full. They are flushed as explicit overflow
	// events; a gap is never ignored silently.
	overflow map[string]struct{}
}

// New creates a Watcher delivering events on a channel of the given size.
func New(lister TrackedLister, logger logging.Logger, buffer int) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsw:      fsw,
		events:   make(chan model.Event, buffer),
		lister:   lister,
		logger:   logger,
		watched:  make(map[string]struct{}),
		overflow: make(map[string]struct{}),
	}, nil
}

// Events returns the normalized event stream. Events for a single path are
// delivered in arrival order.
func (w *Watcher) Events() <-chan model.Event {
	return w.events
}

// AddRoot registers watches for a root directory and every directory below
// it. Called before the initial sync; files found along the way are not
// announced, the sync pass will see them.
func (w *Watcher) AddRoot(root string) error {
	return w.addTree(root, false)
}

// Close shuts down the fsnotify subscription. Run drains and returns after
// the underlying channels close.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run translates raw notifications until the context is cancelled or the
// watcher is closed. It closes the event channel on return.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.events)

	flush := time.NewTicker(100 * time.Millisecond)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flushOverflow(true)
			return
		case <-flush.C:
			w.flushOverflow(false)
		case ev, ok := <-w.fsw.Events:
			if !ok {
				w.flushOverflow(true)
				return
			}
			w.translate(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.flushOverflow(true)
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Kernel queue overflowed: we do not know which directory
				// lost events. An empty path tells the engine to re-scan
				// all roots.
				w.queueOverflow("")
			} else {
				w.logger.Error("watch error", "error", err)
			}
		}
	}
}

func (w *Watcher) translate(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	switch {
	case ev.Op.Has(fsnotify.Create):
		info, err := os.Lstat(path)
		if err != nil {
			// Vanished between event and stat; a remove event follows.
			return
		}
		if info.IsDir() {
			// New directory: extend the watch set and announce its files.
			// Files created inside before the watch was in place would
			// otherwise be missed.
			if err := w.addTree(path, true); err != nil {
				w.logger.Warn("watching new directory failed", "path", path, "error", err)
				w.queueOverflow(path)
			}
			return
		}
		if info.Mode().IsRegular() {
			w.emit(model.Event{Op: model.EventCreate, Path: path})
		}

	case ev.Op.Has(fsnotify.Write):
		w.emit(model.Event{Op: model.EventModify, Path: path})

	case ev.Op.Has(fsnotify.Remove):
		if w.isWatchedDir(path) {
			w.dropTree(path, model.EventDelete)
			return
		}
		w.emit(model.Event{Op: model.EventDelete, Path: path})

	case ev.Op.Has(fsnotify.Rename):
		// Rename delivers only the old path. If the new path lands inside a
		// tracked root it arrives as a separate create; the engine matches
		// the two halves by file identity.
		if w.isWatchedDir(path) {
			w.dropTree(path, model.EventRename)
			return
		}
		w.emit(model.Event{Op: model.EventRename, Path: path})
	}
	// Chmod-only events carry no content change and are dropped here; the
	// engine's metadata gate would discard them anyway.
}

// addTree registers watches for dir and all directories below it. When
// announce is set, regular files encountered are emitted as creates.
func (w *Watcher) addTree(dir string, announce bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("watch registration: skipping entry", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(p); err != nil {
				return fmt.Errorf("adding watch for %s: %w", p, err)
			}
			w.watched[p] = struct{}{}
			return nil
		}
		if announce && d.Type().IsRegular() {
			w.emit(model.Event{Op: model.EventCreate, Path: p})
		}
		return nil
	})
}

// dropTree removes dir and its subtree from the watch set and synthesizes
// one event per tracked file beneath it. op is delete for removals and
// rename for directory moves (the files keep their identities and may be
// reclaimed by creates at the new location).
func (w *Watcher) dropTree(dir string, op model.EventOp) {
	prefix := dir + string(os.PathSeparator)
	for watched := range w.watched {
		if watched == dir || strings.HasPrefix(watched, prefix) {
			delete(w.watched, watched)
			// fsnotify drops watches of deleted directories on its own;
			// removing again is harmless and covers the rename case.
			_ = w.fsw.Remove(watched)
		}
	}

	if w.lister == nil {
		return
	}
	for _, path := range w.lister.PathsUnder(dir) {
		w.emit(model.Event{Op: op, Path: path})
	}
}

func (w *Watcher) isWatchedDir(path string) bool {
	_, ok := w.watched[path]
	return ok
}

// emit delivers ev without blocking the translation loop. A full channel
// converts the event into a pending overflow for its directory; the engine
// recovers by re-scanning.
func (w *Watcher) emit(ev model.Event) {
	select {
	case w.events <- ev:
	default:
		dir := filepath.Dir(ev.Path)
		w.logger.Warn("event channel full, degrading to overflow", "dir", dir)
		w.queueOverflow(dir)
	}
}

func (w *Watcher) queueOverflow(dir string) {
	// An unknown-origin overflow supersedes directory-scoped ones.
	if dir == "" {
		w.overflow = map[string]struct{}{"": {}}
		return
	}
	if _, all := w.overflow[""]; all {
		return
	}
	w.overflow[dir] = struct{}{}
}

// flushOverflow turns pending overflow marks into events. The sends never
// block: a full channel leaves the marks queued for the next tick, and at
// shutdown (final) they are dropped with a warning, since the consumer is
// gone and the next sync converges anyway. Run must always terminate.
func (w *Watcher) flushOverflow(final bool) {
	if len(w.overflow) == 0 {
		return
	}
	dirs := make([]string, 0, len(w.overflow))
	for dir := range w.overflow {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	for _, dir := range dirs {
		select {
		case w.events <- model.Event{Op: model.EventOverflow, Path: dir}:
			delete(w.overflow, dir)
		default:
			if !final {
				return
			}
			w.logger.Warn("dropping overflow notice, channel full at shutdown", "dir", dir)
			delete(w.overflow, dir)
		}
	}
}
