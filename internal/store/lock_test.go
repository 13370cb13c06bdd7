package store

import (
	"os"
	"strconv"
	"strings"
	"testing"
)

func TestLock(t *testing.T) {
	dest := t.TempDir()

	l := NewLock(dest)
	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// A second holder must be refused, and the error names the owner's PID.
	l2 := NewLock(dest)
	err := l2.Acquire()
	if err == nil {
		t.Fatal("second Acquire() succeeded, want error")
	}
	pid := strconv.Itoa(os.Getpid())
	if !strings.Contains(err.Error(), pid) {
		t.Errorf("Acquire() error = %v, want it to name pid %s", err, pid)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := l2.Acquire(); err != nil {
		t.Fatalf("Acquire() after release: error = %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}

func TestLock_ReleaseUnheld(t *testing.T) {
	l := NewLock(t.TempDir())
	if err := l.Release(); err != nil {
		t.Errorf("Release() on unheld lock: error = %v", err)
	}
}
