// Package database persists the multi-key file index and blob table in a
// SQLite snapshot, loaded at startup to avoid a full rehash of unchanged
// content.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"dbak/internal/database/migrations"
	"dbak/internal/index"
	"dbak/internal/model"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ErrCorrupt reports that the persisted snapshot failed its integrity
// checks. Callers recover by discarding the snapshot and falling back to a
// full tree scan.
var ErrCorrupt = errors.New("persisted index failed integrity check")

// Store is the SQLite-backed persistence layer for the index.
// The engine applies every transition here only after the corresponding
// physical store effect succeeded, so a crash can leave orphaned blobs but
// never a record pointing at missing bytes.
type Store struct {
	db   *sql.DB
	path string
}

// Operation is one row of the engine's operation history.
type Operation struct {
	ID         int64
	UUID       string
	Operation  string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     sql.NullString
}

// Open opens (or creates) the persisted index at path, verifies its
// integrity and applies pending migrations. path can be ":memory:".
// Integrity failures are reported wrapping ErrCorrupt.
func Open(path string) (*Store, error) {
	db, err := OpenConnection(path)
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.Code == sqlite3.ErrNotADB {
			return nil, fmt.Errorf("%v: %w", err, ErrCorrupt)
		}
		return nil, err
	}

	// quick_check catches torn pages from a crash mid-write. The snapshot
	// copy is replaced atomically, but the live database file is not.
	var check string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&check); err != nil || check != "ok" {
		db.Close()
		return nil, fmt.Errorf("quick_check = %q: %w", check, ErrCorrupt)
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating: %w", err)
	}
	if err := migrations.CheckDBMigrationStatus(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema out of date: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection with the PRAGMAs
// the engine relies on. Exported for tools and tests.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps writes serialized and makes ":memory:" behave
	// as one database instead of one per pooled connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring database: %w", err)
		}
	}
	return db, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path (":memory:" for in-memory).
func (s *Store) Path() string { return s.path }

// LoadIndex materializes the in-memory multi-key index from the persisted
// records. Blob reference counts are recomputed from the file rows and
// compared against the stored counts; a mismatch means the snapshot was
// written by an interrupted transaction and is treated as corruption.
func (s *Store) LoadIndex() (*index.Index, error) {
	ix := index.New()

	rows, err := s.db.Query(`SELECT path, root, rel, dev, ino, size, mtime_ns, digest, state, link_state
		FROM file_records ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("loading file records: %w", err)
	}
	defer rows.Close()

	refs := make(map[string]int)
	for rows.Next() {
		var rec model.FileRecord
		var digest sql.NullString
		var mtimeNS int64
		if err := rows.Scan(&rec.Path, &rec.Root, &rec.Rel, &rec.Identity.Dev, &rec.Identity.Ino,
			&rec.Size, &mtimeNS, &digest, &rec.State, &rec.Link); err != nil {
			return nil, fmt.Errorf("scanning file record: %w", err)
		}
		rec.ModTime = time.Unix(0, mtimeNS)
		rec.Digest = digest.String
		if err := ix.Insert(&rec); err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrCorrupt)
		}
		if rec.Digest != "" {
			refs[rec.Digest]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading file records: %w", err)
	}

	blobRows, err := s.db.Query(`SELECT digest, ref_count, location FROM blob_records ORDER BY digest`)
	if err != nil {
		return nil, fmt.Errorf("loading blob records: %w", err)
	}
	defer blobRows.Close()

	for blobRows.Next() {
		var b model.BlobRecord
		if err := blobRows.Scan(&b.Digest, &b.RefCount, &b.Location); err != nil {
			return nil, fmt.Errorf("scanning blob record: %w", err)
		}
		if b.RefCount != refs[b.Digest] {
			return nil, fmt.Errorf("blob %s stored ref_count %d, live records %d: %w",
				b.Digest, b.RefCount, refs[b.Digest], ErrCorrupt)
		}
		delete(refs, b.Digest)
		ix.RestoreBlob(&b)
	}
	if err := blobRows.Err(); err != nil {
		return nil, fmt.Errorf("loading blob records: %w", err)
	}
	if len(refs) != 0 {
		return nil, fmt.Errorf("file records reference %d unknown blobs: %w", len(refs), ErrCorrupt)
	}

	if err := ix.CheckConsistency(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrCorrupt)
	}
	return ix, nil
}

// SaveFile upserts a single file record (pending inserts, metadata updates,
// failure marks).
func (s *Store) SaveFile(rec *model.FileRecord) error {
	_, err := s.db.Exec(upsertFileSQL, fileArgs(rec)...)
	if err != nil {
		return fmt.Errorf("saving file record %s: %w", rec.Path, err)
	}
	return nil
}

// SaveRename rewrites a record's path keys in place. Digest, link state and
// blob counts are untouched; a rename never rehashes. The update is keyed on
// identity as well as path: if the old path's row was already taken over by a
// fresh file, that row stays put and the moved record is upserted instead.
func (s *Store) SaveRename(oldPath string, rec *model.FileRecord) error {
	res, err := s.db.Exec(`UPDATE file_records SET path = ?, root = ?, rel = ? WHERE path = ? AND dev = ? AND ino = ?`,
		rec.Path, rec.Root, rec.Rel, oldPath, rec.Identity.Dev, rec.Identity.Ino)
	if err != nil {
		return fmt.Errorf("renaming file record %s: %w", oldPath, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// No row for this identity under the old path; persist the full
		// record instead.
		return s.SaveFile(rec)
	}
	return nil
}

// SaveHashed records a completed hash: the file row, its blob row, and the
// release of the digest it previously carried (if any) are written in one
// transaction so the reference-count invariant holds at every commit point.
func (s *Store) SaveHashed(rec *model.FileRecord, blob *model.BlobRecord, released *model.BlobRecord, releasedGone bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(upsertFileSQL, fileArgs(rec)...); err != nil {
		return fmt.Errorf("saving file record %s: %w", rec.Path, err)
	}
	if err := upsertBlob(tx, blob); err != nil {
		return err
	}
	if released != nil {
		if err := applyRelease(tx, released, releasedGone); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// SaveDelete removes a file row and applies the blob release from the same
// transition, if any.
func (s *Store) SaveDelete(path string, released *model.BlobRecord, releasedGone bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM file_records WHERE path = ?`, path); err != nil {
		return fmt.Errorf("deleting file record %s: %w", path, err)
	}
	if released != nil {
		if err := applyRelease(tx, released, releasedGone); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// SaveBlob upserts a blob row outside a composite transition (canonical
// promotion, repairs).
func (s *Store) SaveBlob(b *model.BlobRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	if err := upsertBlob(tx, b); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

const upsertFileSQL = `INSERT INTO file_records (path, root, rel, dev, ino, size, mtime_ns, digest, state, link_state)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		root = excluded.root, rel = excluded.rel,
		dev = excluded.dev, ino = excluded.ino,
		size = excluded.size, mtime_ns = excluded.mtime_ns,
		digest = excluded.digest, state = excluded.state, link_state = excluded.link_state`

func fileArgs(rec *model.FileRecord) []any {
	return []any{
		rec.Path, rec.Root, rec.Rel, rec.Identity.Dev, rec.Identity.Ino,
		rec.Size, rec.ModTime.UnixNano(), nullable(rec.Digest), string(rec.State), string(rec.Link),
	}
}

func upsertBlob(tx *sql.Tx, b *model.BlobRecord) error {
	_, err := tx.Exec(`INSERT INTO blob_records (digest, ref_count, location) VALUES (?, ?, ?)
		ON CONFLICT(digest) DO UPDATE SET ref_count = excluded.ref_count, location = excluded.location`,
		b.Digest, b.RefCount, b.Location)
	if err != nil {
		return fmt.Errorf("saving blob record %s: %w", b.Digest, err)
	}
	return nil
}

func applyRelease(tx *sql.Tx, b *model.BlobRecord, gone bool) error {
	if gone {
		if _, err := tx.Exec(`DELETE FROM blob_records WHERE digest = ?`, b.Digest); err != nil {
			return fmt.Errorf("deleting blob record %s: %w", b.Digest, err)
		}
		return nil
	}
	return upsertBlob(tx, b)
}

// CreateOperation records the start of a CLI operation and returns its
// auto-increment ID.
func (s *Store) CreateOperation(uuidStr, operation string, startedAt time.Time) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO operations (uuid, operation, started_at) VALUES (?, ?, ?)`,
		uuidStr, operation, startedAt)
	if err != nil {
		return 0, fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading operation id: %w", err)
	}
	return id, nil
}

// FinishOperation closes out an operation record.
func (s *Store) FinishOperation(id int64, status string, finishedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE operations SET status = ?, finished_at = ? WHERE id = ?`,
		status, finishedAt, id)
	if err != nil {
		return fmt.Errorf("finishing operation %d: %w", id, err)
	}
	return nil
}

// ListOperations returns the most recent operations, newest first.
func (s *Store) ListOperations(limit int) ([]*Operation, error) {
	rows, err := s.db.Query(`SELECT id, uuid, operation, started_at, finished_at, status
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		var op Operation
		if err := rows.Scan(&op.ID, &op.UUID, &op.Operation, &op.StartedAt, &op.FinishedAt, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}

// CheckpointTo writes an atomic snapshot of the database to destPath using
// VACUUM INTO a temp file followed by a rename. A crash mid-checkpoint
// leaves the previous snapshot intact.
func (s *Store) CheckpointTo(destPath string) error {
	tmpPath := fmt.Sprintf("%s.tmp%d", destPath, os.Getpid())
	os.Remove(tmpPath) // VACUUM INTO refuses to overwrite

	if _, err := s.db.Exec(`VACUUM INTO ?`, tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshotting database: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
