package testutil

import (
	"fmt"
	"strings"
	"sync"

	"dbak/internal/logging"
)

var _ logging.Logger = (*MemoryLogger)(nil)

// MemoryLogger records log messages for assertions.
type MemoryLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *MemoryLogger) Debug(msg string, args ...any) { l.append("DEBUG", msg, args) }
func (l *MemoryLogger) Info(msg string, args ...any)  { l.append("INFO", msg, args) }
func (l *MemoryLogger) Warn(msg string, args ...any)  { l.append("WARN", msg, args) }
func (l *MemoryLogger) Error(msg string, args ...any) { l.append("ERROR", msg, args) }

func (l *MemoryLogger) append(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b strings.Builder
	b.WriteString(level)
	b.WriteString("\t")
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, "\t%v=%v", args[i], args[i+1])
	}
	l.entries = append(l.entries, b.String())
}

// Entries returns a copy of everything logged so far.
func (l *MemoryLogger) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// Contains reports whether any entry contains substr.
func (l *MemoryLogger) Contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}
