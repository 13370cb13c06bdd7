// Package hash computes content digests for regular files.
package hash

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrContentChanged reports that the file changed or vanished while it was
// being hashed. The digest computed so far matches neither the old nor the
// new content, so callers must treat this as a fresh modification and retry.
var ErrContentChanged = errors.New("file changed during hashing")

// chunkSize bounds the memory used per hashing worker regardless of file size.
const chunkSize = 256 * 1024

// File computes the SHA-256 digest of the file at path, returning it as a
// lowercase hex string along with the size that was hashed.
//
// The file is stat'ed before and after reading. If size or mtime differ, or
// the file vanished mid-read, ErrContentChanged is returned: the caller sees
// a retryable condition, never a digest matching neither version.
func File(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, fmt.Errorf("%s: %w", path, ErrContentChanged)
		}
		return "", 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	before, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat %s: %w", path, err)
	}

	h := sha256.New()
	buf := make([]byte, chunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	// Re-stat by path: catches both in-place modification and replacement
	// of the path by a different file.
	after, err := os.Stat(path)
	if err != nil {
		return "", 0, fmt.Errorf("%s: %w", path, ErrContentChanged)
	}
	if after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) {
		return "", 0, fmt.Errorf("%s: %w", path, ErrContentChanged)
	}
	if total != before.Size() {
		return "", 0, fmt.Errorf("%s: %w", path, ErrContentChanged)
	}

	return hex.EncodeToString(h.Sum(nil)), total, nil
}
