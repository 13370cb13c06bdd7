// Package engine implements the synchronization engine: the single actor
// goroutine that owns every index and reference-count mutation, fed by tree
// scans and watcher events, with content hashing fanned out to a worker pool.
//
// Ordering discipline: physical blob effects happen before the index claims
// them, and database rows are written only for transitions that completed
// physically. A crash can orphan a blob but never leave a record pointing at
// missing bytes.
package engine

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"dbak/internal/database"
	"dbak/internal/hash"
	"dbak/internal/index"
	"dbak/internal/logging"
	"dbak/internal/model"
	"dbak/internal/scanner"
	"dbak/internal/store"
)

const defaultRenameGrace = 500 * time.Millisecond

// Options tunes the engine.
type Options struct {
	HashWorkers int           // parallel hashing goroutines; 0 means NumCPU
	RenameGrace time.Duration // how long a detached rename half is held; 0 means 500ms
}

// Stats counts what one Sync or Watch run did.
type Stats struct {
	Scanned      int // regular files observed by scans
	Hashed       int // hash results committed
	Deduplicated int // commits that reused an existing blob
	Renamed      int // renames resolved without rehashing
	Removed      int // records dropped
	Failed       int // files that could not be hashed or stored
	Rescans      int // targeted rescans after notification overflow
}

func (st Stats) String() string {
	return fmt.Sprintf("scanned=%d hashed=%d deduplicated=%d renamed=%d removed=%d failed=%d rescans=%d",
		st.Scanned, st.Hashed, st.Deduplicated, st.Renamed, st.Removed, st.Failed, st.Rescans)
}

type hashJob struct {
	path string
	gen  uint64
}

type hashResult struct {
	path   string
	gen    uint64
	digest string
	size   int64
	err    error
}

// pendingMove is the detached half of a rename observed in watch mode: the
// old path is gone, and until deadline the record waits for a create carrying
// the same (device, inode) identity. Expiry finalizes it as a delete.
type pendingMove struct {
	rec      *model.FileRecord
	deadline time.Time
}

// Engine synchronizes the index and the physical store with the tracked
// roots. Sync and Watch must not run concurrently; within a run, all state
// below is touched only by the calling goroutine.
type Engine struct {
	idx        *index.Index
	db         *database.Store
	store      *store.Manager
	scan       *scanner.Scanner
	logger     logging.Logger
	roots      []scanner.Root
	rootByName map[string]scanner.Root

	workers     int
	renameGrace time.Duration

	jobs        chan hashJob
	results     chan hashResult
	outstanding int

	// gen holds a monotonically increasing generation per path. Every
	// schedule bumps it and every invalidation (delete, rename) bumps it
	// again, so a result computed for a superseded observation is dropped
	// instead of committed. Entries are never removed: a path deleted and
	// recreated must not collide with a stale in-flight generation.
	gen map[string]uint64

	moves map[model.Identity]*pendingMove
	stats Stats
}

// New creates an Engine over an already-loaded index.
func New(ix *index.Index, db *database.Store, st *store.Manager, sc *scanner.Scanner,
	roots []scanner.Root, logger logging.Logger, opts Options) *Engine {
	workers := opts.HashWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	grace := opts.RenameGrace
	if grace <= 0 {
		grace = defaultRenameGrace
	}
	byName := make(map[string]scanner.Root, len(roots))
	for _, r := range roots {
		byName[r.Name] = r
	}
	return &Engine{
		idx:         ix,
		db:          db,
		store:       st,
		scan:        sc,
		logger:      logger,
		roots:       roots,
		rootByName:  byName,
		workers:     workers,
		renameGrace: grace,
		gen:         make(map[string]uint64),
		moves:       make(map[model.Identity]*pendingMove),
	}
}

// Sync brings the index and the store up to date with a full walk of every
// tracked root: new and changed files are hashed and stored, and records
// whose paths were not observed are removed. Running it twice in a row is a
// no-op the second time.
func (e *Engine) Sync(ctx context.Context) (Stats, error) {
	e.stats = Stats{}
	g := e.startWorkers(ctx)

	var scanErr error
	seen := make(map[string]struct{})
	for _, root := range e.roots {
		if _, err := os.Stat(root.Path); err != nil {
			scanErr = fmt.Errorf("tracked root %s: %w", root.Name, err)
			break
		}
		err := e.scan.Scan(ctx, root, func(ent scanner.Entry) error {
			e.stats.Scanned++
			e.applyEntry(ctx, root, ent)
			seen[ent.Path] = struct{}{}
			return nil
		})
		if err != nil {
			scanErr = err
			break
		}
	}

	// Reconcile deletions only after a complete walk; a partial walk must
	// not be mistaken for a tree full of missing files.
	if scanErr == nil {
		for _, root := range e.roots {
			for _, path := range e.idx.PathsUnder(root.Path) {
				if _, ok := seen[path]; !ok {
					e.applyDelete(path)
				}
			}
		}
	}

	if err := e.finishWorkers(ctx, g); err != nil && scanErr == nil {
		scanErr = err
	}
	return e.stats, scanErr
}

// Watch applies watcher events until ctx is cancelled or the event channel
// closes. The caller is expected to have run Sync first so that events only
// describe deltas.
func (e *Engine) Watch(ctx context.Context, events <-chan model.Event) (Stats, error) {
	e.stats = Stats{}
	g := e.startWorkers(ctx)

	ticker := time.NewTicker(e.renameGrace / 2)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case now := <-ticker.C:
			e.expireMoves(now)
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			e.handleEvent(ctx, ev)
		case r := <-e.results:
			e.recvResult(ctx, r)
		}
	}

	// Unresolved rename halves become deletes; if the file survived under a
	// new path, the next sync re-adds it and deduplication reuses or
	// recreates the blob.
	e.expireMoves(time.Time{})
	err := e.finishWorkers(ctx, g)
	return e.stats, err
}

func (e *Engine) handleEvent(ctx context.Context, ev model.Event) {
	switch ev.Op {
	case model.EventCreate, model.EventModify:
		e.applyPath(ctx, ev.Path)
	case model.EventRename:
		e.detachForMove(ev.Path)
	case model.EventDelete:
		e.applyDelete(ev.Path)
	case model.EventOverflow:
		e.rescan(ctx, ev.Path)
	}
}

func (e *Engine) startWorkers(ctx context.Context) *errgroup.Group {
	e.jobs = make(chan hashJob, e.workers)
	e.results = make(chan hashResult, e.workers)
	g := &errgroup.Group{}
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			for job := range e.jobs {
				digest, size, err := hash.File(ctx, job.path)
				e.results <- hashResult{path: job.path, gen: job.gen, digest: digest, size: size, err: err}
			}
			return nil
		})
	}
	return g
}

// finishWorkers drains every in-flight hash result, then shuts the pool
// down. Result handling can schedule follow-up jobs (a file that changed
// mid-hash), so the loop runs until the pipeline is truly empty.
func (e *Engine) finishWorkers(ctx context.Context, g *errgroup.Group) error {
	for e.outstanding > 0 {
		e.recvResult(ctx, <-e.results)
	}
	close(e.jobs)
	return g.Wait()
}

// dispatch hands a job to the pool. While the job queue is full it keeps
// consuming results, so the actor and the workers can never deadlock on each
// other's channels.
func (e *Engine) dispatch(ctx context.Context, job hashJob) {
	for {
		select {
		case e.jobs <- job:
			e.outstanding++
			return
		case r := <-e.results:
			e.recvResult(ctx, r)
		}
	}
}

func (e *Engine) recvResult(ctx context.Context, r hashResult) {
	e.outstanding--
	e.handleResult(ctx, r)
}

func (e *Engine) scheduleHash(ctx context.Context, path string) {
	e.gen[path]++
	e.dispatch(ctx, hashJob{path: path, gen: e.gen[path]})
}

// rootFor returns the tracked root containing path, preferring the longest
// match when roots nest.
func (e *Engine) rootFor(path string) (scanner.Root, bool) {
	var best scanner.Root
	found := false
	for _, root := range e.roots {
		if path != root.Path && !strings.HasPrefix(path, root.Path+"/") {
			continue
		}
		if !found || len(root.Path) > len(best.Path) {
			best = root
			found = true
		}
	}
	return best, found
}

func (e *Engine) persistFile(rec *model.FileRecord) {
	if err := e.db.SaveFile(rec); err != nil {
		e.logger.Error("persisting file record", "path", rec.Path, "error", err)
	}
}
