package remedy

import (
	"fmt"
	"sync"
	"time"
)

// A LogEntry is one timestamped event in a job's append-only log.
type LogEntry struct {
	Seq   int       `json:"seq"`
	Time  time.Time `json:"time"`
	Stage string    `json:"stage"`
	Text  string    `json:"text"`
}

// logBuffer is the per-job log aggregator. It has a single writer, the job's
// execution unit, and any number of readers polling with a cursor. Readers
// always observe a monotonically growing prefix.
type logBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (l *logBuffer) appendf(stage, format string, args ...any) LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := LogEntry{
		Seq:   len(l.entries),
		Time:  time.Now(),
		Stage: stage,
		Text:  fmt.Sprintf(format, args...),
	}
	l.entries = append(l.entries, entry)
	return entry
}

// since returns a copy of all entries with Seq >= cursor.
func (l *logBuffer) since(cursor int) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(l.entries) {
		return nil
	}
	out := make([]LogEntry, len(l.entries)-cursor)
	copy(out, l.entries[cursor:])
	return out
}
