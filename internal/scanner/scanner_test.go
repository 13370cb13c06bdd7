package scanner

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"dbak/internal/logging"
)

func collect(t *testing.T, s *Scanner, root Root) map[string]Entry {
	t.Helper()
	entries := make(map[string]Entry)
	err := s.Scan(context.Background(), root, func(ent Entry) error {
		entries[ent.Rel] = ent
		return nil
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	return entries
}

func writeFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "one")
	writeFile(t, dir, "sub/b.txt", "two")
	writeFile(t, dir, "sub/deep/c.txt", "three")

	s := New(nil, logging.NewNopLogger())
	entries := collect(t, s, Root{Name: "root", Path: dir})

	var rels []string
	for rel := range entries {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	want := []string{"a.txt", "sub/b.txt", "sub/deep/c.txt"}
	if len(rels) != len(want) {
		t.Fatalf("Scan() found %v, want %v", rels, want)
	}
	for i := range want {
		if rels[i] != want[i] {
			t.Errorf("Scan() entry %d = %s, want %s", i, rels[i], want[i])
		}
	}

	ent := entries["a.txt"]
	if ent.Root != "root" {
		t.Errorf("entry root = %s, want root", ent.Root)
	}
	if ent.Path != filepath.Join(dir, "a.txt") {
		t.Errorf("entry path = %s", ent.Path)
	}
	if ent.Size != 3 {
		t.Errorf("entry size = %d, want 3", ent.Size)
	}
	if ent.Identity == (entries["sub/b.txt"].Identity) {
		t.Error("distinct files share an identity")
	}
	if ent.Identity.Ino == 0 {
		t.Error("entry identity has zero inode")
	}
}

func TestScan_skipsSpecialFiles(t *testing.T) {
	dir := t.TempDir()
	target := writeFile(t, dir, "real.txt", "data")
	if err := os.Symlink(target, filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "emptydir"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	s := New(nil, logging.NewNopLogger())
	entries := collect(t, s, Root{Name: "r", Path: dir})

	if len(entries) != 1 {
		t.Fatalf("Scan() found %d entries, want only the regular file", len(entries))
	}
	if _, ok := entries["real.txt"]; !ok {
		t.Error("regular file missing from scan")
	}
}

func TestScan_ignorePatterns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.txt", "k")
	writeFile(t, dir, "skip.tmp", "s")
	writeFile(t, dir, "node_modules/dep.js", "d")
	writeFile(t, dir, "sub/node_modules/dep2.js", "d")

	s := New([]string{"*.tmp", "node_modules"}, logging.NewNopLogger())
	entries := collect(t, s, Root{Name: "r", Path: dir})

	if len(entries) != 1 {
		t.Fatalf("Scan() = %v, want only keep.txt", entries)
	}
	if _, ok := entries["keep.txt"]; !ok {
		t.Error("keep.txt missing")
	}
}

func TestScan_ignoreFileInRoot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, IgnoreFileName, "*.tmp\nbuild/\n")
	writeFile(t, dir, "keep.txt", "k")
	writeFile(t, dir, "skip.tmp", "s")
	writeFile(t, dir, "build/out.bin", "b")
	writeFile(t, dir, "banned.cfg", "c")

	// The root's own ignore file merges with the configured patterns.
	s := New([]string{"banned.cfg"}, logging.NewNopLogger())
	entries := collect(t, s, Root{Name: "r", Path: dir})

	for _, rel := range []string{"skip.tmp", "build/out.bin", "banned.cfg"} {
		if _, ok := entries[rel]; ok {
			t.Errorf("ignored entry %s was scanned", rel)
		}
	}
	if _, ok := entries["keep.txt"]; !ok {
		t.Error("keep.txt missing")
	}

	// StatFile applies the same merged patterns.
	_, err := s.StatFile(Root{Name: "r", Path: dir}, filepath.Join(dir, "skip.tmp"))
	if !errors.Is(err, ErrIgnored) {
		t.Errorf("StatFile() error = %v, want ErrIgnored", err)
	}
}

func TestScanSubtree(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "one")
	writeFile(t, dir, "sub/b.txt", "two")

	s := New(nil, logging.NewNopLogger())
	var rels []string
	err := s.ScanSubtree(context.Background(), Root{Name: "r", Path: dir}, filepath.Join(dir, "sub"), func(ent Entry) error {
		rels = append(rels, ent.Rel)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanSubtree() error = %v", err)
	}
	if len(rels) != 1 || rels[0] != "sub/b.txt" {
		t.Errorf("ScanSubtree() = %v, want [sub/b.txt]", rels)
	}
}

func TestScan_cancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "one")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(nil, logging.NewNopLogger())
	err := s.Scan(ctx, Root{Name: "r", Path: dir}, func(Entry) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Scan() with cancelled context: error = %v, want context.Canceled", err)
	}
}

func TestStatFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "sub/a.txt", "data")
	root := Root{Name: "r", Path: dir}
	s := New([]string{"*.tmp"}, logging.NewNopLogger())

	t.Run("regular file", func(t *testing.T) {
		ent, err := s.StatFile(root, path)
		if err != nil {
			t.Fatalf("StatFile() error = %v", err)
		}
		if ent.Rel != "sub/a.txt" || ent.Root != "r" || ent.Size != 4 {
			t.Errorf("StatFile() = %+v", ent)
		}
	})

	t.Run("missing", func(t *testing.T) {
		_, err := s.StatFile(root, filepath.Join(dir, "nope"))
		if !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("StatFile() error = %v, want fs.ErrNotExist", err)
		}
	})

	t.Run("directory", func(t *testing.T) {
		_, err := s.StatFile(root, filepath.Join(dir, "sub"))
		if !errors.Is(err, ErrNotRegular) {
			t.Errorf("StatFile() error = %v, want ErrNotRegular", err)
		}
	})

	t.Run("ignored", func(t *testing.T) {
		p := writeFile(t, dir, "x.tmp", "t")
		_, err := s.StatFile(root, p)
		if !errors.Is(err, ErrIgnored) {
			t.Errorf("StatFile() error = %v, want ErrIgnored", err)
		}
	})
}
