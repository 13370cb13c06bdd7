package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const lockFileName = "lock"

// Lock is a single-writer lock on a destination store, implemented as an
// O_EXCL-created file holding the owner's PID. Two engines must never share
// a store: reference counts would diverge.
type Lock struct {
	path string
	held bool
}

// NewLock creates a lock for the store rooted at dest.
func NewLock(dest string) *Lock {
	return &Lock{path: filepath.Join(dest, lockFileName)}
}

// Acquire takes the lock. If another process holds it, the error names the
// owning PID so the operator can decide whether the lock is stale.
func (l *Lock) Acquire() error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			pid := "unknown"
			if data, readErr := os.ReadFile(l.path); readErr == nil {
				pid = strings.TrimSpace(string(data))
			}
			return fmt.Errorf("store is locked by pid %s (remove %s if stale)", pid, l.path)
		}
		return fmt.Errorf("acquiring store lock: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		os.Remove(l.path)
		return fmt.Errorf("writing store lock: %w", err)
	}
	l.held = true
	return nil
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing store lock: %w", err)
	}
	return nil
}
