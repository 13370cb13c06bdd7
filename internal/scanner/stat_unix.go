//go:build unix

package scanner

import (
	"fmt"
	"io/fs"
	"syscall"

	"dbak/internal/model"
)

// IdentityOf extracts the (device, inode) identity from a FileInfo.
// Returns an error if the underlying Sys() type is not *syscall.Stat_t,
// which would happen with synthetic filesystems that don't provide real
// stat data.
func IdentityOf(info fs.FileInfo) (model.Identity, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return model.Identity{}, fmt.Errorf("cannot extract stat data: expected *syscall.Stat_t, got %T", info.Sys())
	}
	return model.Identity{
		Dev: uint64(stat.Dev),
		Ino: stat.Ino,
	}, nil
}
