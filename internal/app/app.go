// Package app is the application layer between the CLI and the engine.
// It constructs all dependencies from config, holds the destination lock for
// the lifetime of a command, and manages the database lifecycle on Close.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dbak/internal/config"
	"dbak/internal/database"
	"dbak/internal/engine"
	"dbak/internal/index"
	"dbak/internal/logging"
	"dbak/internal/model"
	"dbak/internal/scanner"
	"dbak/internal/store"
	"dbak/internal/watcher"
)

const snapshotName = "index.db"

// App wires config, logger, destination lock, persisted index, blob store
// and engine together for one CLI invocation.
type App struct {
	cfg     *config.Config
	log     logging.Logger
	logFile *os.File
	lock    *store.Lock
	db      *database.Store
	idx     *index.Index
	blobs   *store.Manager
	roots   []scanner.Root
	engine  *engine.Engine
	op      *Operation
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "sync", "watch").
// The caller must call Close when done.
func NewApp(cfg *config.Config, operation string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	roots := make([]scanner.Root, 0, len(cfg.Roots))
	for _, r := range cfg.Roots {
		roots = append(roots, scanner.Root{Name: r.Name, Path: filepath.Clean(r.Path)})
	}
	dest := filepath.Clean(cfg.DestDir)
	for _, r := range roots {
		if dest == r.Path || strings.HasPrefix(dest, r.Path+"/") {
			return nil, fmt.Errorf("dest_dir %s is inside tracked root %s", dest, r.Path)
		}
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: slogger}

	if err := os.MkdirAll(dest, 0755); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating destination directory: %w", err)
	}

	lock := store.NewLock(dest)
	if err := lock.Acquire(); err != nil {
		logFile.Close()
		return nil, err
	}

	blobs, err := store.New(dest, log)
	if err != nil {
		lock.Release()
		logFile.Close()
		return nil, fmt.Errorf("opening destination store: %w", err)
	}

	snapshot := filepath.Join(dest, snapshotName)
	db, err := database.NewFromConfig(cfg.Database, cfg.HostID, snapshot, log)
	if err != nil {
		lock.Release()
		logFile.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}

	idx, err := db.LoadIndex()
	if err != nil {
		db.Close()
		lock.Release()
		logFile.Close()
		return nil, fmt.Errorf("loading index: %w", err)
	}

	scan := scanner.New(cfg.Scanner.Ignore, log)
	eng := engine.New(idx, db, blobs, scan, roots, log, engine.Options{
		HashWorkers: cfg.Engine.HashWorkers,
		RenameGrace: time.Duration(cfg.Engine.RenameGraceMS) * time.Millisecond,
	})

	return &App{
		cfg:     cfg,
		log:     log,
		logFile: logFile,
		lock:    lock,
		db:      db,
		idx:     idx,
		blobs:   blobs,
		roots:   roots,
		engine:  eng,
		op:      NewOperation(operation),
	}, nil
}

// persistOperation saves the operation to the database, giving it an
// auto-increment ID. Only called for mutating commands.
func (a *App) persistOperation() error {
	if a.op.Persisted() {
		return nil
	}
	id, err := a.db.CreateOperation(a.op.UUID, a.op.Operation, a.op.StartedAt)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = id
	return nil
}

// Sync runs one full synchronization pass over every tracked root.
func (a *App) Sync(ctx context.Context) (engine.Stats, error) {
	if err := a.persistOperation(); err != nil {
		return engine.Stats{}, err
	}
	stats, err := a.engine.Sync(ctx)
	if err != nil {
		a.op.Status = StatusError
	}
	return stats, err
}

// Watch establishes filesystem watches, runs an initial sync, then applies
// change events until ctx is cancelled. Watches are registered before the
// sync so that changes racing the initial walk arrive as buffered events.
func (a *App) Watch(ctx context.Context) (engine.Stats, error) {
	if err := a.persistOperation(); err != nil {
		return engine.Stats{}, err
	}

	w, err := watcher.New(a.idx, a.log, a.cfg.Engine.EventBuffer)
	if err != nil {
		a.op.Status = StatusError
		return engine.Stats{}, err
	}
	for _, root := range a.roots {
		if err := w.AddRoot(root.Path); err != nil {
			w.Close()
			a.op.Status = StatusError
			return engine.Stats{}, fmt.Errorf("watching %s: %w", root.Path, err)
		}
	}
	go w.Run(ctx)

	stats, err := a.engine.Sync(ctx)
	if err != nil {
		w.Close()
		a.op.Status = StatusError
		return stats, err
	}
	a.log.Info("initial sync complete", "stats", stats.String())

	stats, err = a.engine.Watch(ctx, w.Events())
	w.Close()
	if err != nil {
		a.op.Status = StatusError
	}
	return stats, err
}

// Status returns every tracked file record, ordered by path.
func (a *App) Status() []*model.FileRecord {
	return a.idx.Files()
}

// Blobs returns every blob record, ordered by digest.
func (a *App) Blobs() []*model.BlobRecord {
	return a.idx.Blobs()
}

// Verify checks the index against the physical store. With deep set, every
// blob is rehashed.
func (a *App) Verify(ctx context.Context, deep bool) error {
	err := a.engine.Verify(ctx, deep)
	if err != nil {
		a.op.Status = StatusError
	}
	return err
}

// History returns the most recent operations, newest first.
func (a *App) History(limit int) ([]*database.Operation, error) {
	return a.db.ListOperations(limit)
}

// Close finalizes the operation and closes all resources. For persisted
// operations the history row is closed out and an atomic index snapshot is
// written into the destination.
func (a *App) Close() error {
	var firstErr error

	if a.op.Persisted() {
		if err := a.db.FinishOperation(a.op.ID, a.op.Status, time.Now().UTC()); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}
		snapshot := filepath.Join(filepath.Clean(a.cfg.DestDir), snapshotName)
		if err := a.db.CheckpointTo(snapshot); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("writing index snapshot: %w", err)
			}
		}
	}

	if err := a.db.Close(); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	if err := a.lock.Release(); err != nil {
		if firstErr == nil {
			firstErr = err
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
