// Package index implements the in-memory multi-key file index: one record
// per tracked path, retrievable by path, by (device, inode) identity, and by
// content digest simultaneously.
//
// All structural mutations must go through a single logical owner (the
// synchronization engine's actor goroutine). The internal lock exists so
// that read-only consumers — the watcher's directory-delete synthesis and
// the status/verify commands — can observe a consistent view concurrently.
package index

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"dbak/internal/model"
)

// Index holds the FileRecord set under its three retrieval keys plus the
// BlobRecord table. The three views are updated as one atomic unit per
// record: a record is never visible under one key but not another.
type Index struct {
	mu         sync.RWMutex
	byPath     map[string]*model.FileRecord
	byIdentity map[model.Identity]*model.FileRecord
	byDigest   map[string]map[string]*model.FileRecord // digest -> path -> record
	blobs      map[string]*model.BlobRecord
}

// New creates an empty index.
func New() *Index {
	return &Index{
		byPath:     make(map[string]*model.FileRecord),
		byIdentity: make(map[model.Identity]*model.FileRecord),
		byDigest:   make(map[string]map[string]*model.FileRecord),
		blobs:      make(map[string]*model.BlobRecord),
	}
}

// Get returns the record for an exact path, or nil.
func (ix *Index) Get(path string) *model.FileRecord {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.byPath[path]
}

// GetByIdentity returns the record with the given (device, inode), or nil.
func (ix *Index) GetByIdentity(id model.Identity) *model.FileRecord {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.byIdentity[id]
}

// GetByDigest returns all records sharing the given content digest,
// ordered by path.
func (ix *Index) GetByDigest(digest string) []*model.FileRecord {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	recs := make([]*model.FileRecord, 0, len(ix.byDigest[digest]))
	for _, rec := range ix.byDigest[digest] {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Path < recs[j].Path })
	return recs
}

// Insert adds a new record under all three keys.
// A record with the same path must not exist. A record with the same
// identity under a different path means the caller failed to resolve a
// rename first; that is an error here, not a silent overwrite.
func (ix *Index) Insert(rec *model.FileRecord) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.byPath[rec.Path]; ok {
		return fmt.Errorf("record already exists for path %s", rec.Path)
	}
	if prev, ok := ix.byIdentity[rec.Identity]; ok {
		return fmt.Errorf("identity %d:%d already tracked under %s (unresolved rename)",
			rec.Identity.Dev, rec.Identity.Ino, prev.Path)
	}

	ix.byPath[rec.Path] = rec
	ix.byIdentity[rec.Identity] = rec
	if rec.Digest != "" {
		ix.addDigestLocked(rec)
	}
	return nil
}

// Remove deletes the record for path from all views and returns it.
// The blob reference count is not touched; that is the engine's business.
func (ix *Index) Remove(path string) (*model.FileRecord, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec, ok := ix.byPath[path]
	if !ok {
		return nil, false
	}
	delete(ix.byPath, path)
	delete(ix.byIdentity, rec.Identity)
	if rec.Digest != "" {
		ix.removeDigestLocked(rec)
	}
	return rec, true
}

// Rename moves a record to a new path, leaving digest, link state and the
// identity key untouched. newRoot and newRel locate the path within its
// (possibly different) tracked root.
func (ix *Index) Rename(oldPath, newPath, newRoot, newRel string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec, ok := ix.byPath[oldPath]
	if !ok {
		return fmt.Errorf("no record for path %s", oldPath)
	}
	if _, ok := ix.byPath[newPath]; ok {
		return fmt.Errorf("record already exists for path %s", newPath)
	}

	delete(ix.byPath, oldPath)
	if rec.Digest != "" {
		ix.removeDigestLocked(rec)
	}
	rec.Path = newPath
	rec.Root = newRoot
	rec.Rel = newRel
	ix.byPath[newPath] = rec
	if rec.Digest != "" {
		ix.addDigestLocked(rec)
	}
	return nil
}

// SetIdentity re-keys a record under a new (device, inode) pair. Needed when
// a path is replaced in place by a different file (editor rename-over-write).
func (ix *Index) SetIdentity(path string, id model.Identity) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec, ok := ix.byPath[path]
	if !ok {
		return fmt.Errorf("no record for path %s", path)
	}
	if prev, ok := ix.byIdentity[id]; ok && prev != rec {
		return fmt.Errorf("identity %d:%d already tracked under %s", id.Dev, id.Ino, prev.Path)
	}
	delete(ix.byIdentity, rec.Identity)
	rec.Identity = id
	ix.byIdentity[id] = rec
	return nil
}

// SetDigest records the hashed digest and link state for a path, moving the
// record into the digest view.
func (ix *Index) SetDigest(path, digest string, link model.LinkState) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec, ok := ix.byPath[path]
	if !ok {
		return fmt.Errorf("no record for path %s", path)
	}
	if rec.Digest != "" {
		ix.removeDigestLocked(rec)
	}
	rec.Digest = digest
	rec.Link = link
	rec.State = model.StateHashed
	ix.addDigestLocked(rec)
	return nil
}

// PathsUnder returns the paths of all records at or below dir, sorted.
func (ix *Index) PathsUnder(dir string) []string {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var paths []string
	for p := range ix.byPath {
		if p == dir || strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// Files returns all records, ordered by path.
func (ix *Index) Files() []*model.FileRecord {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	recs := make([]*model.FileRecord, 0, len(ix.byPath))
	for _, rec := range ix.byPath {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Path < recs[j].Path })
	return recs
}

// Len returns the number of tracked files.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byPath)
}

// Blob returns the blob record for a digest, or nil.
func (ix *Index) Blob(digest string) *model.BlobRecord {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.blobs[digest]
}

// Blobs returns all blob records, ordered by digest.
func (ix *Index) Blobs() []*model.BlobRecord {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	blobs := make([]*model.BlobRecord, 0, len(ix.blobs))
	for _, b := range ix.blobs {
		blobs = append(blobs, b)
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Digest < blobs[j].Digest })
	return blobs
}

// AddBlob inserts a blob record with a reference count of zero. The count is
// adjusted by AddRef as file records resolve to the digest.
func (ix *Index) AddBlob(digest, location string) *model.BlobRecord {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	b := &model.BlobRecord{Digest: digest, Location: location}
	ix.blobs[digest] = b
	return b
}

// RestoreBlob reinstates a blob record loaded from the persisted snapshot.
func (ix *Index) RestoreBlob(b *model.BlobRecord) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.blobs[b.Digest] = b
}

// AddRef increments a blob's reference count.
func (ix *Index) AddRef(digest string) (*model.BlobRecord, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	b, ok := ix.blobs[digest]
	if !ok {
		return nil, fmt.Errorf("no blob record for digest %s", digest)
	}
	b.RefCount++
	return b, nil
}

// ReleaseRef decrements a blob's reference count and returns the record.
// When the count reaches zero the record is removed from the table; the
// caller is responsible for reclaiming the physical blob.
func (ix *Index) ReleaseRef(digest string) (*model.BlobRecord, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	b, ok := ix.blobs[digest]
	if !ok {
		return nil, fmt.Errorf("no blob record for digest %s", digest)
	}
	if b.RefCount <= 0 {
		return nil, fmt.Errorf("blob %s reference count already %d", digest, b.RefCount)
	}
	b.RefCount--
	if b.RefCount == 0 {
		delete(ix.blobs, digest)
	}
	return b, nil
}

// CheckConsistency verifies the cross-key invariants: every record is
// present under all of its keys, every digest refers to an existing blob
// record, and every blob's reference count equals the number of live
// records carrying its digest.
func (ix *Index) CheckConsistency() error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	refs := make(map[string]int)
	for path, rec := range ix.byPath {
		if rec.Path != path {
			return fmt.Errorf("record keyed under %s has path %s", path, rec.Path)
		}
		if byID, ok := ix.byIdentity[rec.Identity]; !ok || byID != rec {
			return fmt.Errorf("record %s missing or mismatched in identity view", path)
		}
		if rec.Digest != "" {
			if byDg, ok := ix.byDigest[rec.Digest][path]; !ok || byDg != rec {
				return fmt.Errorf("record %s missing or mismatched in digest view", path)
			}
			if _, ok := ix.blobs[rec.Digest]; !ok {
				return fmt.Errorf("record %s refers to unknown blob %s", path, rec.Digest)
			}
			refs[rec.Digest]++
		}
	}
	if len(ix.byIdentity) != len(ix.byPath) {
		return fmt.Errorf("identity view has %d records, path view has %d", len(ix.byIdentity), len(ix.byPath))
	}
	for digest, b := range ix.blobs {
		if b.RefCount != refs[digest] {
			return fmt.Errorf("blob %s reference count %d, but %d live records", digest, b.RefCount, refs[digest])
		}
	}
	for digest, recs := range ix.byDigest {
		for path := range recs {
			if rec, ok := ix.byPath[path]; !ok || rec.Digest != digest {
				return fmt.Errorf("stale digest view entry %s -> %s", digest, path)
			}
		}
	}
	return nil
}

func (ix *Index) addDigestLocked(rec *model.FileRecord) {
	m, ok := ix.byDigest[rec.Digest]
	if !ok {
		m = make(map[string]*model.FileRecord)
		ix.byDigest[rec.Digest] = m
	}
	m[rec.Path] = rec
}

func (ix *Index) removeDigestLocked(rec *model.FileRecord) {
	m, ok := ix.byDigest[rec.Digest]
	if !ok {
		return
	}
	delete(m, rec.Path)
	if len(m) == 0 {
		delete(ix.byDigest, rec.Digest)
	}
}
