package engine

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"dbak/internal/hash"
	"dbak/internal/model"
	"dbak/internal/scanner"
	"dbak/internal/store"
)

// applyPath stats a single path (from a create or modify event) and applies
// the observation. A path that vanished, turned into a non-regular file, or
// matches the ignore patterns is treated as a delete if it was tracked.
func (e *Engine) applyPath(ctx context.Context, path string) {
	root, ok := e.rootFor(path)
	if !ok {
		e.logger.Debug("event outside tracked roots", "path", path)
		return
	}
	ent, err := e.scan.StatFile(root, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, scanner.ErrNotRegular) || errors.Is(err, scanner.ErrIgnored) {
			e.applyDelete(path)
			return
		}
		e.logger.Warn("stat failed for event", "path", path, "error", err)
		return
	}
	e.applyEntry(ctx, root, ent)
}

// applyEntry is the one code path for "this regular file exists with this
// metadata", shared by full scans, overflow rescans and watcher events.
func (e *Engine) applyEntry(ctx context.Context, root scanner.Root, ent scanner.Entry) {
	rec := e.idx.Get(ent.Path)
	if rec == nil {
		if mv, ok := e.moves[ent.Identity]; ok {
			delete(e.moves, ent.Identity)
			e.completeMove(ctx, mv.rec, ent)
			return
		}
		if old := e.idx.GetByIdentity(ent.Identity); old != nil {
			if !e.identityLiveAt(old.Path, ent.Identity) {
				e.moveRecord(ctx, old, ent)
				return
			}
			// The inode is live under both paths: a hard link inside the
			// roots. Identity stays unique; the first path keeps it.
			e.logger.Warn("hard link inside tracked roots, keeping first path",
				"path", ent.Path, "tracked", old.Path)
			return
		}

		rec = &model.FileRecord{
			Path:     ent.Path,
			Root:     ent.Root,
			Rel:      ent.Rel,
			Identity: ent.Identity,
			Size:     ent.Size,
			ModTime:  ent.ModTime,
			State:    model.StatePending,
		}
		if err := e.idx.Insert(rec); err != nil {
			e.logger.Error("inserting record", "path", ent.Path, "error", err)
			return
		}
		e.persistFile(rec)
		e.scheduleHash(ctx, ent.Path)
		return
	}

	// Known path. An identity change means the file was replaced in place
	// (the editor write-temp-then-rename pattern).
	if rec.Identity != ent.Identity {
		if prev := e.idx.GetByIdentity(ent.Identity); prev != nil && prev != rec {
			if e.identityLiveAt(prev.Path, ent.Identity) {
				e.logger.Warn("hard link inside tracked roots, keeping first path",
					"path", ent.Path, "tracked", prev.Path)
				return
			}
			// The identity's old home no longer holds it; drop that record
			// and let its path be re-observed.
			e.applyDelete(prev.Path)
		}
		if err := e.idx.SetIdentity(ent.Path, ent.Identity); err != nil {
			e.logger.Error("rekeying identity", "path", ent.Path, "error", err)
			return
		}
	}

	if rec.State == model.StateHashed && rec.Size == ent.Size && rec.ModTime.Equal(ent.ModTime) {
		return
	}
	rec.Size = ent.Size
	rec.ModTime = ent.ModTime
	rec.State = model.StatePending
	e.persistFile(rec)
	e.scheduleHash(ctx, ent.Path)
}

// identityLiveAt reports whether path currently exists as a regular file
// carrying the given identity.
func (e *Engine) identityLiveAt(path string, id model.Identity) bool {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	cur, err := scanner.IdentityOf(info)
	return err == nil && cur == id
}

// moveRecord resolves a rename detected by observation: the identity is
// tracked under a path that no longer holds it. The digest moves with the
// record; nothing is rehashed unless the metadata changed too.
func (e *Engine) moveRecord(ctx context.Context, rec *model.FileRecord, ent scanner.Entry) {
	oldPath, oldRoot, oldRel := rec.Path, rec.Root, rec.Rel
	if err := e.idx.Rename(oldPath, ent.Path, ent.Root, ent.Rel); err != nil {
		e.logger.Error("renaming record", "from", oldPath, "to", ent.Path, "error", err)
		return
	}
	e.gen[oldPath]++
	e.finishMove(ctx, rec, oldPath, oldRoot, oldRel, ent)
}

// completeMove reattaches a detached rename half at its new path.
func (e *Engine) completeMove(ctx context.Context, rec *model.FileRecord, ent scanner.Entry) {
	oldPath, oldRoot, oldRel := rec.Path, rec.Root, rec.Rel
	rec.Path, rec.Root, rec.Rel = ent.Path, ent.Root, ent.Rel
	if err := e.idx.Insert(rec); err != nil {
		// The target path is still occupied by a stale record; drop it and
		// retry once.
		e.applyDelete(ent.Path)
		if err := e.idx.Insert(rec); err != nil {
			e.logger.Error("reattaching renamed record", "path", ent.Path, "error", err)
			rec.Path, rec.Root, rec.Rel = oldPath, oldRoot, oldRel
			e.dropRecord(rec)
			return
		}
	}
	e.finishMove(ctx, rec, oldPath, oldRoot, oldRel, ent)
}

func (e *Engine) finishMove(ctx context.Context, rec *model.FileRecord, oldPath, oldRoot, oldRel string, ent scanner.Entry) {
	if err := e.db.SaveRename(oldPath, rec); err != nil {
		e.logger.Error("persisting rename", "path", rec.Path, "error", err)
	}
	e.moveMirror(rec, oldRoot, oldRel)
	e.stats.Renamed++
	e.logger.Info("rename resolved", "from", oldPath, "to", rec.Path)

	if rec.State != model.StateHashed || rec.Size != ent.Size || !rec.ModTime.Equal(ent.ModTime) {
		rec.Size = ent.Size
		rec.ModTime = ent.ModTime
		rec.State = model.StatePending
		e.persistFile(rec)
		e.scheduleHash(ctx, rec.Path)
	}
}

func (e *Engine) moveMirror(rec *model.FileRecord, oldRoot, oldRel string) {
	if oldRoot == rec.Root {
		if err := e.store.RenameEntry(rec.Root, oldRel, rec.Rel); err != nil {
			e.logger.Warn("moving mirror entry", "path", rec.Path, "error", err)
		}
		return
	}
	if err := e.store.Unlink(oldRoot, oldRel); err != nil {
		e.logger.Warn("removing mirror entry", "root", oldRoot, "rel", oldRel, "error", err)
	}
	if rec.Digest != "" {
		if err := e.store.Link(rec.Digest, rec.Root, rec.Rel); err != nil {
			e.logger.Warn("linking mirror entry", "path", rec.Path, "error", err)
		}
	}
}

// detachForMove handles a watcher rename event, which names only the old
// path. The record leaves the index but keeps its blob reference until
// either a create claims the identity or the grace period expires.
func (e *Engine) detachForMove(path string) {
	rec, ok := e.idx.Remove(path)
	if !ok {
		return
	}
	e.gen[path]++
	e.moves[rec.Identity] = &pendingMove{rec: rec, deadline: time.Now().Add(e.renameGrace)}
	e.logger.Debug("path detached, awaiting rename target", "path", path)
}

// expireMoves finalizes detached rename halves whose grace period is over.
// A zero now expires everything (shutdown).
func (e *Engine) expireMoves(now time.Time) {
	for id, mv := range e.moves {
		if now.IsZero() || now.After(mv.deadline) {
			delete(e.moves, id)
			e.logger.Debug("rename grace expired", "path", mv.rec.Path)
			e.dropRecord(mv.rec)
		}
	}
}

func (e *Engine) applyDelete(path string) {
	rec, ok := e.idx.Remove(path)
	if !ok {
		return
	}
	e.gen[path]++
	e.dropRecord(rec)
}

// dropRecord applies the tail of a delete for a record already out of the
// index: release the blob reference, persist, remove the mirror entry, and
// reclaim the blob if this was its last reference.
func (e *Engine) dropRecord(rec *model.FileRecord) {
	var released *model.BlobRecord
	gone := false
	if rec.Digest != "" {
		released, gone = e.release(rec.Digest, rec.Link)
	}
	if err := e.db.SaveDelete(rec.Path, released, gone); err != nil {
		e.logger.Error("persisting delete", "path", rec.Path, "error", err)
	}
	if err := e.store.Unlink(rec.Root, rec.Rel); err != nil {
		e.logger.Warn("removing mirror entry", "path", rec.Path, "error", err)
	}
	if gone {
		if err := e.store.Reclaim(rec.Digest); err != nil {
			e.logger.Warn("reclaiming blob", "digest", rec.Digest, "error", err)
		}
	}
	e.stats.Removed++
	e.logger.Info("file removed", "path", rec.Path)
}

// release drops one reference to a digest. When the departing reference held
// the canonical link role and others remain, one survivor is promoted.
func (e *Engine) release(digest string, departing model.LinkState) (*model.BlobRecord, bool) {
	b, err := e.idx.ReleaseRef(digest)
	if err != nil {
		e.logger.Error("releasing blob reference", "digest", digest, "error", err)
		return nil, false
	}
	if b.RefCount == 0 {
		return b, true
	}
	if departing == model.LinkCanonical {
		if recs := e.idx.GetByDigest(digest); len(recs) > 0 {
			recs[0].Link = model.LinkCanonical
			e.persistFile(recs[0])
		}
	}
	return b, false
}

func (e *Engine) handleResult(ctx context.Context, r hashResult) {
	if e.gen[r.path] != r.gen {
		// Superseded while the hash was in flight.
		return
	}
	rec := e.idx.Get(r.path)
	if rec == nil {
		return
	}
	if r.err != nil {
		switch {
		case errors.Is(r.err, hash.ErrContentChanged):
			e.restat(ctx, rec)
		case errors.Is(r.err, context.Canceled), errors.Is(r.err, context.DeadlineExceeded):
			// Shutdown. The record stays pending and is rehashed next run.
		default:
			rec.State = model.StateFailed
			e.persistFile(rec)
			e.stats.Failed++
			e.logger.Warn("hashing failed", "path", r.path, "error", r.err)
		}
		return
	}
	e.commitHashed(ctx, rec, r.digest, r.size)
}

// restat refreshes a record whose content changed while it was being hashed,
// then schedules a fresh hash.
func (e *Engine) restat(ctx context.Context, rec *model.FileRecord) {
	root, ok := e.rootByName[rec.Root]
	if !ok {
		e.applyDelete(rec.Path)
		return
	}
	ent, err := e.scan.StatFile(root, rec.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, scanner.ErrNotRegular) || errors.Is(err, scanner.ErrIgnored) {
			e.applyDelete(rec.Path)
			return
		}
		rec.State = model.StateFailed
		e.persistFile(rec)
		e.stats.Failed++
		e.logger.Warn("restat failed", "path", rec.Path, "error", err)
		return
	}
	if rec.Identity != ent.Identity {
		if err := e.idx.SetIdentity(rec.Path, ent.Identity); err != nil {
			e.logger.Error("rekeying identity", "path", rec.Path, "error", err)
		}
	}
	rec.Size = ent.Size
	rec.ModTime = ent.ModTime
	rec.State = model.StatePending
	e.persistFile(rec)
	e.scheduleHash(ctx, rec.Path)
}

// commitHashed applies a completed hash: store the blob if the digest is
// new, take a reference, release the digest the record previously carried,
// and refresh the mirror entry. The database row is written after the
// physical store succeeded, never before.
func (e *Engine) commitHashed(ctx context.Context, rec *model.FileRecord, digest string, size int64) {
	rec.Size = size
	if rec.Digest == digest {
		// Content unchanged; only the metadata moved.
		rec.State = model.StateHashed
		e.persistFile(rec)
		e.stats.Hashed++
		return
	}

	oldDigest, oldLink := rec.Digest, rec.Link

	link := model.LinkReference
	blob := e.idx.Blob(digest)
	if blob == nil {
		loc, err := e.store.Store(digest, rec.Path)
		if err != nil {
			if errors.Is(err, store.ErrContentMismatch) {
				// The file changed between hashing and storing; observe the
				// current content and hash again.
				e.restat(ctx, rec)
				return
			}
			rec.State = model.StateFailed
			e.persistFile(rec)
			e.stats.Failed++
			e.logger.Error("storing blob", "path", rec.Path, "digest", digest, "error", err)
			return
		}
		blob = e.idx.AddBlob(digest, loc)
		link = model.LinkCanonical
	} else {
		e.stats.Deduplicated++
	}

	if err := e.idx.SetDigest(rec.Path, digest, link); err != nil {
		e.logger.Error("updating digest", "path", rec.Path, "error", err)
		return
	}
	if _, err := e.idx.AddRef(digest); err != nil {
		e.logger.Error("adding blob reference", "digest", digest, "error", err)
	}

	var released *model.BlobRecord
	gone := false
	if oldDigest != "" {
		released, gone = e.release(oldDigest, oldLink)
	}
	if err := e.db.SaveHashed(rec, blob, released, gone); err != nil {
		e.logger.Error("persisting hashed record", "path", rec.Path, "error", err)
	}
	if err := e.store.Link(digest, rec.Root, rec.Rel); err != nil {
		e.logger.Warn("linking mirror entry", "path", rec.Path, "error", err)
	}
	if gone {
		if err := e.store.Reclaim(oldDigest); err != nil {
			e.logger.Warn("reclaiming blob", "digest", oldDigest, "error", err)
		}
	}
	e.stats.Hashed++
	e.logger.Debug("file hashed", "path", rec.Path, "digest", digest)
}

// rescan recovers from notification overflow with a targeted walk. An empty
// dir means the overflow could not be attributed and every root is walked.
func (e *Engine) rescan(ctx context.Context, dir string) {
	if dir == "" {
		for _, root := range e.roots {
			e.rescanSubtree(ctx, root, root.Path)
		}
		return
	}
	root, ok := e.rootFor(dir)
	if !ok {
		return
	}
	e.rescanSubtree(ctx, root, dir)
}

func (e *Engine) rescanSubtree(ctx context.Context, root scanner.Root, dir string) {
	e.stats.Rescans++
	e.logger.Info("rescanning subtree after overflow", "dir", dir)

	seen := make(map[string]struct{})
	err := e.scan.ScanSubtree(ctx, root, dir, func(ent scanner.Entry) error {
		e.stats.Scanned++
		e.applyEntry(ctx, root, ent)
		seen[ent.Path] = struct{}{}
		return nil
	})
	if err != nil {
		e.logger.Error("overflow rescan failed", "dir", dir, "error", err)
		return
	}
	for _, path := range e.idx.PathsUnder(dir) {
		if _, ok := seen[path]; !ok {
			e.applyDelete(path)
		}
	}
}
