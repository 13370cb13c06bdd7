// Package store manages the physical backup destination: canonical blobs
// addressed by content digest, and a mirror tree of hard links reflecting
// the current state of each tracked root.
//
// Layout under the destination directory:
//
//	blobs/<hex[0:2]>/<hex>   canonical blob, one per digest
//	tree/<root>/<rel>        hard link to the blob (copy when linking fails)
//	index.db                 persisted index snapshot
//	lock                     single-writer lock file
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"dbak/internal/logging"
)

// ErrContentMismatch reports that a source file no longer hashes to the
// digest it is being stored under. The content changed between hashing and
// storing; the caller re-observes the file.
var ErrContentMismatch = errors.New("content does not match digest")

const (
	blobDirName = "blobs"
	treeDirName = "tree"

	// presentCacheSize bounds the cache of digests known to exist on disk.
	// It short-circuits repeated stats during bursts of duplicate creates.
	presentCacheSize = 8192
)

// Manager decides storage placement for content digests: link to an existing
// blob or materialize a new one. All writes are atomic (temp file + rename).
type Manager struct {
	root    string
	blobDir string
	treeDir string
	logger  logging.Logger

	present *lru.Cache

	// mu guards the per-digest lock table. The per-digest locks order a
	// Store against a concurrent Reclaim for the same digest, so a freshly
	// re-established reference can never lose its bytes to a stale reclaim.
	mu      sync.Mutex
	digests map[string]*sync.Mutex
}

// New creates a Manager rooted at dest, creating the directory structure.
func New(dest string, logger logging.Logger) (*Manager, error) {
	blobDir := filepath.Join(dest, blobDirName)
	treeDir := filepath.Join(dest, treeDirName)
	for _, dir := range []string{blobDir, treeDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	cache, err := lru.New(presentCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating presence cache: %w", err)
	}

	return &Manager{
		root:    dest,
		blobDir: blobDir,
		treeDir: treeDir,
		logger:  logger,
		present: cache,
		digests: make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the destination directory.
func (m *Manager) Root() string { return m.root }

// BlobPath returns the canonical location for a digest, fanned out by the
// first hex byte to keep directory sizes manageable.
func (m *Manager) BlobPath(digest string) string {
	return filepath.Join(m.blobDir, digest[:2], digest)
}

// Store materializes the content of sourcePath as the canonical blob for
// digest and returns the blob location. Idempotent: if the blob already
// exists no bytes are copied.
func (m *Manager) Store(digest, sourcePath string) (string, error) {
	unlock := m.lockDigest(digest)
	defer unlock()

	dest := m.BlobPath(digest)
	if m.present.Contains(digest) {
		return dest, nil
	}
	if _, err := os.Stat(dest); err == nil {
		m.present.Add(digest, struct{}{})
		return dest, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("creating blob directory: %w", err)
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return "", fmt.Errorf("opening source %s: %w", sourcePath, err)
	}
	defer src.Close()

	if err := m.writeBlob(dest, src, digest); err != nil {
		return "", fmt.Errorf("storing blob %s: %w", digest, err)
	}

	m.present.Add(digest, struct{}{})
	return dest, nil
}

// writeBlob copies r into destPath via a temp file, hashing the stream as it
// goes. The rename happens only if the bytes actually hash to digest, so a
// source that changed after it was hashed can never materialize a lying blob.
func (m *Manager) writeBlob(destPath string, r io.Reader, digest string) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmpFile, h), r); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != digest {
		return fmt.Errorf("source hashed to %s: %w", got, ErrContentMismatch)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Reclaim removes the physical blob for a digest. An already absent blob is
// a logged no-op, not an error.
func (m *Manager) Reclaim(digest string) error {
	unlock := m.lockDigest(digest)
	defer unlock()

	m.present.Remove(digest)
	path := m.BlobPath(digest)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			m.logger.Warn("reclaim: blob already absent", "digest", digest)
			return nil
		}
		return fmt.Errorf("reclaiming blob %s: %w", digest, err)
	}
	// Leave the fan-out directory in place; it is two bytes of namespace.
	return nil
}

// HasBlob reports whether the physical blob for digest exists.
func (m *Manager) HasBlob(digest string) bool {
	if m.present.Contains(digest) {
		return true
	}
	_, err := os.Stat(m.BlobPath(digest))
	return err == nil
}

// BlobSize returns the on-disk size of the blob for digest.
func (m *Manager) BlobSize(digest string) (int64, error) {
	info, err := os.Stat(m.BlobPath(digest))
	if err != nil {
		return 0, fmt.Errorf("stat blob %s: %w", digest, err)
	}
	return info.Size(), nil
}

// Link realizes the mirror entry tree/<root>/<rel> as a hard link to the
// canonical blob, replacing any previous entry. Falls back to a copy when
// the filesystem does not support linking.
func (m *Manager) Link(digest, rootName, rel string) error {
	unlock := m.lockDigest(digest)
	defer unlock()

	blob := m.BlobPath(digest)
	entry := m.entryPath(rootName, rel)
	if err := os.MkdirAll(filepath.Dir(entry), 0755); err != nil {
		return fmt.Errorf("creating mirror directory: %w", err)
	}

	tmp := entry + ".tmp"
	os.Remove(tmp)
	if err := os.Link(blob, tmp); err != nil {
		// Cross-device or unsupported: fall back to copying the blob.
		src, openErr := os.Open(blob)
		if openErr != nil {
			return fmt.Errorf("opening blob %s: %w", digest, openErr)
		}
		defer src.Close()
		if copyErr := m.writeFile(entry, src); copyErr != nil {
			return fmt.Errorf("copying blob %s into mirror: %w", digest, copyErr)
		}
		m.logger.Debug("mirror entry copied (hard link unsupported)", "root", rootName, "rel", rel)
		return nil
	}
	if err := os.Rename(tmp, entry); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming mirror entry: %w", err)
	}
	return nil
}

// Unlink removes the mirror entry for a path. Absent entries are a no-op.
func (m *Manager) Unlink(rootName, rel string) error {
	entry := m.entryPath(rootName, rel)
	if err := os.Remove(entry); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing mirror entry: %w", err)
	}
	return nil
}

// RenameEntry moves a mirror entry within a root. A missing source entry is
// a no-op; the caller re-links on the next hash anyway.
func (m *Manager) RenameEntry(rootName, oldRel, newRel string) error {
	oldEntry := m.entryPath(rootName, oldRel)
	newEntry := m.entryPath(rootName, newRel)
	if err := os.MkdirAll(filepath.Dir(newEntry), 0755); err != nil {
		return fmt.Errorf("creating mirror directory: %w", err)
	}
	if err := os.Rename(oldEntry, newEntry); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("renaming mirror entry: %w", err)
	}
	return nil
}

func (m *Manager) entryPath(rootName, rel string) string {
	return filepath.Join(m.treeDir, rootName, rel)
}

// writeFile writes data from r to destPath using a temp file in the same
// directory plus an atomic rename.
func (m *Manager) writeFile(destPath string, r io.Reader) error {
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmpFile, r); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

func (m *Manager) lockDigest(digest string) func() {
	m.mu.Lock()
	l, ok := m.digests[digest]
	if !ok {
		l = &sync.Mutex{}
		m.digests[digest] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}
