package database

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"dbak/internal/config"
	"dbak/internal/logging"
)

// NewFromConfig opens the persisted index per the database config,
// recovering from corruption via the destination snapshot.
// snapshotPath is the atomic snapshot written into the destination store
// after each completed operation ("" disables snapshot recovery).
func NewFromConfig(cfg config.DatabaseConfig, hostID, snapshotPath string, logger logging.Logger) (*Store, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dbPath := filepath.Join(cfg.DataDir, hostID+".db")
		return OpenOrRecover(dbPath, snapshotPath, logger)
	case "memory":
		return Open(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}

// OpenOrRecover opens the index database at path. A missing local database
// is restored from snapshotPath when available (avoiding a full rehash); a
// corrupt one is moved aside first. When both the local database and the
// snapshot are unusable, a fresh database is created — the engine's next
// sync repopulates it with a full scan.
func OpenOrRecover(path, snapshotPath string, logger logging.Logger) (*Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && snapshotPath != "" {
		if _, err := os.Stat(snapshotPath); err == nil {
			logger.Info("restoring index from destination snapshot", "snapshot", snapshotPath)
			if err := copyFile(snapshotPath, path); err != nil {
				return nil, fmt.Errorf("restoring snapshot: %w", err)
			}
		}
	}

	s, err := Open(path)
	if err == nil {
		if _, loadErr := s.LoadIndex(); loadErr == nil {
			return s, nil
		} else if !errors.Is(loadErr, ErrCorrupt) {
			s.Close()
			return nil, loadErr
		} else {
			s.Close()
			err = fmt.Errorf("loading index: %w", ErrCorrupt)
		}
	}
	if !errors.Is(err, ErrCorrupt) {
		return nil, err
	}

	// Integrity check failed: move the bad file aside and retry, first from
	// the snapshot, then empty.
	aside := fmt.Sprintf("%s.corrupt-%s", path, time.Now().UTC().Format("20060102T150405Z"))
	logger.Error("persisted index corrupt, discarding", "path", path, "moved_to", aside)
	if renameErr := os.Rename(path, aside); renameErr != nil && !os.IsNotExist(renameErr) {
		return nil, fmt.Errorf("moving corrupt index aside: %w", renameErr)
	}
	removeSidecars(path)

	if snapshotPath != "" {
		if _, statErr := os.Stat(snapshotPath); statErr == nil {
			if copyErr := copyFile(snapshotPath, path); copyErr == nil {
				if s, openErr := Open(path); openErr == nil {
					if _, loadErr := s.LoadIndex(); loadErr == nil {
						logger.Info("index recovered from destination snapshot", "snapshot", snapshotPath)
						return s, nil
					}
					s.Close()
				}
				logger.Error("destination snapshot also unusable, starting fresh", "snapshot", snapshotPath)
				os.Remove(path)
				removeSidecars(path)
			}
		}
	}

	return Open(path)
}

// removeSidecars drops WAL and shared-memory files left next to a database
// file that is being replaced.
func removeSidecars(path string) {
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("copying: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming: %w", err)
	}
	return nil
}
