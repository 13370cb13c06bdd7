// Package scanner performs the exhaustive walk of tracked roots that
// populates the index from a cold start, and targeted subtree walks used to
// recover from notification overflow.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"dbak/internal/logging"
	"dbak/internal/model"
)

// ErrNotRegular reports a path that is not a regular file (symlink, device,
// socket, pipe, directory).
var ErrNotRegular = errors.New("not a regular file")

// ErrIgnored reports a path excluded by the ignore patterns.
var ErrIgnored = errors.New("path is ignored")

// Root is a tracked source tree.
type Root struct {
	Name string // stable name, used for the destination mirror tree
	Path string // absolute path on the host
}

// Entry is one regular file observed during a scan. The scanner never
// computes digests; hashing is the engine's job so that cold-start
// population and incremental updates share one code path.
type Entry struct {
	Path     string // absolute
	Root     string // root name
	Rel      string // relative to the root
	Identity model.Identity
	Size     int64
	ModTime  time.Time
}

// Scanner walks tracked roots depth-first, yielding regular files only.
// Symbolic links and special files are skipped, never followed. Each Scan
// call is a fresh, restartable traversal.
type Scanner struct {
	ignore *IgnoreMatcher
	logger logging.Logger
}

// New creates a Scanner. ignorePatterns follow the matcher semantics
// documented on IgnoreMatcher.
func New(ignorePatterns []string, logger logging.Logger) *Scanner {
	return &Scanner{
		ignore: NewIgnoreMatcher(ignorePatterns),
		logger: logger,
	}
}

// Scan walks the whole root. See ScanSubtree.
func (s *Scanner) Scan(ctx context.Context, root Root, fn func(Entry) error) error {
	return s.ScanSubtree(ctx, root, root.Path, fn)
}

// matcherFor merges the configured patterns with the root's own ignore file.
// The file is re-read on every call, so edits take effect without a restart.
func (s *Scanner) matcherFor(root Root) *IgnoreMatcher {
	raw, err := ParseIgnoreFile(filepath.Join(root.Path, IgnoreFileName))
	if err != nil {
		s.logger.Warn("reading ignore file", "root", root.Name, "error", err)
		return s.ignore
	}
	if len(raw) == 0 {
		return s.ignore
	}
	return s.ignore.Merge(raw)
}

// ScanSubtree walks the subtree rooted at dir (which must be at or below
// root.Path), calling fn for every regular, non-ignored file. Per-entry stat
// failures are logged and skipped; they never abort the walk. fn returning
// an error stops the traversal.
func (s *Scanner) ScanSubtree(ctx context.Context, root Root, dir string, fn func(Entry) error) error {
	ignore := s.matcherFor(root)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			s.logger.Warn("scan: skipping unreadable entry", "path", p, "error", walkErr)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root.Path, p)
		if err != nil {
			return fmt.Errorf("computing relative path for %s: %w", p, err)
		}

		if d.IsDir() {
			if rel != "." && ignore.Match(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			// Symlinks, devices, sockets, pipes: skipped, not followed.
			return nil
		}
		if ignore.Match(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			s.logger.Warn("scan: skipping entry", "path", p, "error", err)
			return nil
		}
		id, err := IdentityOf(info)
		if err != nil {
			s.logger.Warn("scan: skipping entry without stat identity", "path", p, "error", err)
			return nil
		}

		return fn(Entry{
			Path:     p,
			Root:     root.Name,
			Rel:      rel,
			Identity: id,
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		})
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", dir, err)
	}
	return nil
}

// StatFile stats a single path the way the scanner would see it, returning
// an Entry. Used by the engine when applying watcher events. The error wraps
// fs.ErrNotExist when the path vanished, ErrNotRegular for special files,
// and ErrIgnored for excluded paths.
func (s *Scanner) StatFile(root Root, path string) (Entry, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return Entry{}, fmt.Errorf("%s: %w", path, ErrNotRegular)
	}
	rel, err := filepath.Rel(root.Path, path)
	if err != nil {
		return Entry{}, fmt.Errorf("computing relative path for %s: %w", path, err)
	}
	if s.matcherFor(root).Match(rel) {
		return Entry{}, fmt.Errorf("%s: %w", path, ErrIgnored)
	}
	id, err := IdentityOf(info)
	if err != nil {
		return Entry{}, fmt.Errorf("identity of %s: %w", path, err)
	}
	return Entry{
		Path:     path,
		Root:     root.Name,
		Rel:      rel,
		Identity: id,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
	}, nil
}
