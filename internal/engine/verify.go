package engine

import (
	"context"
	"errors"
	"fmt"

	"dbak/internal/hash"
)

// Verify checks the index against the physical store: cross-key invariants,
// existence and size of every referenced blob, and with deep set, a rehash
// of each blob against its digest. Divergence is reported, never repaired;
// a blob that no longer matches its digest means the destination can no
// longer be trusted and the operator has to intervene.
func (e *Engine) Verify(ctx context.Context, deep bool) error {
	var errs []error

	if err := e.idx.CheckConsistency(); err != nil {
		errs = append(errs, err)
	}

	for _, b := range e.idx.Blobs() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		size, err := e.store.BlobSize(b.Digest)
		if err != nil {
			errs = append(errs, fmt.Errorf("blob %s: %w", b.Digest, err))
			continue
		}
		for _, rec := range e.idx.GetByDigest(b.Digest) {
			if rec.Size != size {
				errs = append(errs, fmt.Errorf("blob %s is %d bytes, record %s expects %d",
					b.Digest, size, rec.Path, rec.Size))
			}
		}
		if !deep {
			continue
		}
		digest, _, err := hash.File(ctx, e.store.BlobPath(b.Digest))
		if err != nil {
			errs = append(errs, fmt.Errorf("rehashing blob %s: %w", b.Digest, err))
			continue
		}
		if digest != b.Digest {
			errs = append(errs, fmt.Errorf("blob %s content hashes to %s (bit rot or tampering)",
				b.Digest, digest))
		}
	}

	return errors.Join(errs...)
}
