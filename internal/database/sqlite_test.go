package database

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dbak/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(path, digest string, ino uint64) *model.FileRecord {
	state := model.StatePending
	link := model.LinkNone
	if digest != "" {
		state = model.StateHashed
		link = model.LinkCanonical
	}
	return &model.FileRecord{
		Path:     path,
		Root:     "r",
		Rel:      filepath.Base(path),
		Identity: model.Identity{Dev: 1, Ino: ino},
		Size:     10,
		ModTime:  time.Unix(0, 1700000000123456789),
		Digest:   digest,
		State:    state,
		Link:     link,
	}
}

func TestStore_SaveFileAndLoadIndex(t *testing.T) {
	s := openTestStore(t)

	rec := testRecord("/r/a.txt", "", 100)
	if err := s.SaveFile(rec); err != nil {
		t.Fatalf("SaveFile() error = %v", err)
	}

	ix, err := s.LoadIndex()
	if err != nil {
		t.Fatalf("LoadIndex() error = %v", err)
	}
	got := ix.Get("/r/a.txt")
	if got == nil {
		t.Fatal("record missing after reload")
	}
	if got.State != model.StatePending || got.Digest != "" {
		t.Errorf("reloaded record = %+v", got)
	}
	if !got.ModTime.Equal(rec.ModTime) {
		t.Errorf("ModTime = %v, want %v (nanosecond precision)", got.ModTime, rec.ModTime)
	}
	if got.Identity != rec.Identity {
		t.Errorf("Identity = %v, want %v", got.Identity, rec.Identity)
	}
}

func TestStore_SaveHashedRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := testRecord("/r/a.txt", "d1", 100)
	blob := &model.BlobRecord{Digest: "d1", RefCount: 1, Location: "/dest/blobs/d1/d1"}
	if err := s.SaveHashed(rec, blob, nil, false); err != nil {
		t.Fatalf("SaveHashed() error = %v", err)
	}

	ix, err := s.LoadIndex()
	if err != nil {
		t.Fatalf("LoadIndex() error = %v", err)
	}
	got := ix.Get("/r/a.txt")
	if got == nil || got.Digest != "d1" || got.State != model.StateHashed {
		t.Fatalf("reloaded record = %+v", got)
	}
	b := ix.Blob("d1")
	if b == nil || b.RefCount != 1 || b.Location != "/dest/blobs/d1/d1" {
		t.Errorf("reloaded blob = %+v", b)
	}
}

func TestStore_SaveHashedReleasesOldDigest(t *testing.T) {
	s := openTestStore(t)

	// A record hashed to d1, then modified and rehashed to d2; d1's last
	// reference goes away in the same transition.
	rec := testRecord("/r/a.txt", "d1", 100)
	if err := s.SaveHashed(rec, &model.BlobRecord{Digest: "d1", RefCount: 1, Location: "l1"}, nil, false); err != nil {
		t.Fatalf("SaveHashed() error = %v", err)
	}

	rec.Digest = "d2"
	released := &model.BlobRecord{Digest: "d1", RefCount: 0, Location: "l1"}
	if err := s.SaveHashed(rec, &model.BlobRecord{Digest: "d2", RefCount: 1, Location: "l2"}, released, true); err != nil {
		t.Fatalf("SaveHashed() with release error = %v", err)
	}

	ix, err := s.LoadIndex()
	if err != nil {
		t.Fatalf("LoadIndex() error = %v", err)
	}
	if ix.Blob("d1") != nil {
		t.Error("released blob d1 still present")
	}
	if ix.Blob("d2") == nil {
		t.Error("blob d2 missing")
	}
}

func TestStore_SaveRename(t *testing.T) {
	s := openTestStore(t)

	rec := testRecord("/r/old.txt", "d1", 100)
	if err := s.SaveHashed(rec, &model.BlobRecord{Digest: "d1", RefCount: 1, Location: "l"}, nil, false); err != nil {
		t.Fatalf("SaveHashed() error = %v", err)
	}

	rec.Path = "/r/new.txt"
	rec.Rel = "new.txt"
	if err := s.SaveRename("/r/old.txt", rec); err != nil {
		t.Fatalf("SaveRename() error = %v", err)
	}

	ix, err := s.LoadIndex()
	if err != nil {
		t.Fatalf("LoadIndex() error = %v", err)
	}
	if ix.Get("/r/old.txt") != nil {
		t.Error("old path still present after rename")
	}
	got := ix.Get("/r/new.txt")
	if got == nil || got.Digest != "d1" {
		t.Errorf("renamed record = %+v, want digest d1", got)
	}
}

func TestStore_SaveRenameLeavesFreshRecordAtOldPath(t *testing.T) {
	s := openTestStore(t)

	// The detached record's old path was reoccupied by a fresh file before
	// the rename target was processed. Moving the path key must not drag the
	// fresh record's row along.
	detached := testRecord("/r/old.txt", "", 100)
	if err := s.SaveFile(detached); err != nil {
		t.Fatalf("SaveFile() error = %v", err)
	}
	fresh := testRecord("/r/old.txt", "", 200)
	if err := s.SaveFile(fresh); err != nil {
		t.Fatalf("SaveFile() error = %v", err)
	}

	detached.Path = "/r/new.txt"
	detached.Rel = "new.txt"
	if err := s.SaveRename("/r/old.txt", detached); err != nil {
		t.Fatalf("SaveRename() error = %v", err)
	}

	ix, err := s.LoadIndex()
	if err != nil {
		t.Fatalf("LoadIndex() error = %v", err)
	}
	old := ix.Get("/r/old.txt")
	if old == nil || old.Identity.Ino != 200 {
		t.Errorf("fresh record at old path = %+v, want ino 200", old)
	}
	moved := ix.Get("/r/new.txt")
	if moved == nil || moved.Identity.Ino != 100 {
		t.Errorf("moved record = %+v, want ino 100", moved)
	}
}

func TestStore_SaveRenameUnknownPathFallsBack(t *testing.T) {
	s := openTestStore(t)

	rec := testRecord("/r/new.txt", "", 100)
	if err := s.SaveRename("/r/never-saved.txt", rec); err != nil {
		t.Fatalf("SaveRename() error = %v", err)
	}

	ix, err := s.LoadIndex()
	if err != nil {
		t.Fatalf("LoadIndex() error = %v", err)
	}
	if ix.Get("/r/new.txt") == nil {
		t.Error("fallback upsert did not persist the record")
	}
}

func TestStore_SaveDelete(t *testing.T) {
	s := openTestStore(t)

	rec := testRecord("/r/a.txt", "d1", 100)
	if err := s.SaveHashed(rec, &model.BlobRecord{Digest: "d1", RefCount: 1, Location: "l"}, nil, false); err != nil {
		t.Fatalf("SaveHashed() error = %v", err)
	}

	released := &model.BlobRecord{Digest: "d1", RefCount: 0, Location: "l"}
	if err := s.SaveDelete("/r/a.txt", released, true); err != nil {
		t.Fatalf("SaveDelete() error = %v", err)
	}

	ix, err := s.LoadIndex()
	if err != nil {
		t.Fatalf("LoadIndex() error = %v", err)
	}
	if ix.Len() != 0 {
		t.Errorf("index has %d records after delete, want 0", ix.Len())
	}
	if ix.Blob("d1") != nil {
		t.Error("blob d1 still present after delete released it")
	}
}

func TestStore_LoadIndexDetectsRefCountMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	rec := testRecord("/r/a.txt", "d1", 100)
	if err := s.SaveHashed(rec, &model.BlobRecord{Digest: "d1", RefCount: 1, Location: "l"}, nil, false); err != nil {
		t.Fatalf("SaveHashed() error = %v", err)
	}
	s.Close()

	// Tamper with the stored reference count.
	raw, err := OpenConnection(path)
	if err != nil {
		t.Fatalf("OpenConnection() error = %v", err)
	}
	if _, err := raw.Exec("UPDATE blob_records SET ref_count = 5"); err != nil {
		t.Fatalf("tampering: %v", err)
	}
	raw.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	_, err = s.LoadIndex()
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("LoadIndex() error = %v, want ErrCorrupt", err)
	}
}

func TestStore_OpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	if err := os.WriteFile(path, []byte("this is not a database"), 0644); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}

	_, err := Open(path)
	if err == nil {
		t.Fatal("Open() on garbage succeeded")
	}
}

func TestStore_Operations(t *testing.T) {
	s := openTestStore(t)

	started := time.Now().UTC().Truncate(time.Second)
	id, err := s.CreateOperation("uuid-1", "sync", started)
	if err != nil {
		t.Fatalf("CreateOperation() error = %v", err)
	}
	if id == 0 {
		t.Fatal("CreateOperation() returned id 0")
	}

	if err := s.FinishOperation(id, "success", started.Add(time.Second)); err != nil {
		t.Fatalf("FinishOperation() error = %v", err)
	}

	ops, err := s.ListOperations(10)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("ListOperations() returned %d operations, want 1", len(ops))
	}
	op := ops[0]
	if op.UUID != "uuid-1" || op.Operation != "sync" {
		t.Errorf("operation = %+v", op)
	}
	if !op.Status.Valid || op.Status.String != "success" {
		t.Errorf("operation status = %+v, want success", op.Status)
	}
	if !op.FinishedAt.Valid {
		t.Error("operation finished_at not set")
	}
}

func TestStore_CheckpointTo(t *testing.T) {
	s := openTestStore(t)

	rec := testRecord("/r/a.txt", "d1", 100)
	if err := s.SaveHashed(rec, &model.BlobRecord{Digest: "d1", RefCount: 1, Location: "l"}, nil, false); err != nil {
		t.Fatalf("SaveHashed() error = %v", err)
	}

	snapshot := filepath.Join(t.TempDir(), "snapshot.db")
	if err := s.CheckpointTo(snapshot); err != nil {
		t.Fatalf("CheckpointTo() error = %v", err)
	}

	restored, err := Open(snapshot)
	if err != nil {
		t.Fatalf("Open() on snapshot error = %v", err)
	}
	defer restored.Close()

	ix, err := restored.LoadIndex()
	if err != nil {
		t.Fatalf("LoadIndex() on snapshot error = %v", err)
	}
	if ix.Get("/r/a.txt") == nil {
		t.Error("snapshot is missing the file record")
	}

	// A second checkpoint replaces the snapshot atomically.
	if err := s.SaveFile(testRecord("/r/b.txt", "", 101)); err != nil {
		t.Fatalf("SaveFile() error = %v", err)
	}
	if err := s.CheckpointTo(snapshot); err != nil {
		t.Fatalf("second CheckpointTo() error = %v", err)
	}
}
