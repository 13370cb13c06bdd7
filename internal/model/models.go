package model

import "time"

// Identity is the filesystem-level identity of a file: device plus inode.
// It survives renames and is shared by hard links, which makes it the key
// for rename detection without rehashing.
type Identity struct {
	Dev uint64
	Ino uint64
}

// FileState is the synchronization state of a tracked file.
type FileState string

const (
	// StatePending means a record exists but its digest is missing or stale.
	StatePending FileState = "pending"
	// StateHashed means the digest is current and cross-referenced in a blob record.
	StateHashed FileState = "hashed"
	// StateFailed means the last hash or store attempt failed; the record is
	// retried on the next event touching its path.
	StateFailed FileState = "failed"
)

// LinkState records whether a file's bytes back the canonical blob or merely
// reference a blob materialized from another path.
type LinkState string

const (
	LinkNone      LinkState = ""
	LinkCanonical LinkState = "canonical"
	LinkReference LinkState = "reference"
)

// FileRecord is one entry per tracked filesystem path.
type FileRecord struct {
	Path     string // absolute path on the host
	Root     string // name of the tracked root this file belongs to
	Rel      string // path relative to the root
	Identity Identity
	Size     int64
	ModTime  time.Time
	Digest   string // SHA-256 hex; empty until hashed
	State    FileState
	Link     LinkState
}

// BlobRecord is one entry per distinct content digest ever stored.
type BlobRecord struct {
	Digest   string // SHA-256 hex, primary key
	RefCount int    // live FileRecords pointing at this blob
	Location string // canonical path of the physical blob
}

// EventOp is the closed vocabulary of normalized filesystem events.
// The synchronization engine never sees platform-specific event shapes.
type EventOp int

const (
	// EventCreate reports a new path. The engine resolves renames here: if the
	// path's identity is already tracked under another, vanished path, the
	// create completes a rename instead of inserting a fresh record.
	EventCreate EventOp = iota
	// EventModify reports a content change on an existing path.
	EventModify
	// EventRename reports that a path vanished as the old half of a rename.
	// The new path, if it lands inside a tracked root, arrives as EventCreate.
	EventRename
	// EventDelete reports a removed path.
	EventDelete
	// EventOverflow reports that the notification channel could not keep up.
	// Path names the affected directory; empty means unknown (rescan all roots).
	EventOverflow
)

func (op EventOp) String() string {
	switch op {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventRename:
		return "rename"
	case EventDelete:
		return "delete"
	case EventOverflow:
		return "overflow"
	}
	return "unknown"
}

// Event is a normalized filesystem change notification.
type Event struct {
	Op   EventOp
	Path string
}
