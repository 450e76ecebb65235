// Package alertlog keeps the most recent alerts, newest first.
package alertlog

import (
	"time"

	"market-screener/internal/model"
)

// MaxEntries caps the log; the oldest entry is dropped on overflow.
const MaxEntries = 100

// Log is an immutable-by-convention list: Push returns a new slice and never
// touches one already handed to a reader.
type Log struct {
	entries []model.Alert
}

// New builds a log from persisted entries (newest first), capped.
func New(entries []model.Alert) *Log {
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}
	return &Log{entries: append([]model.Alert(nil), entries...)}
}

// Push prepends a and truncates to MaxEntries.
func (l *Log) Push(a model.Alert) {
	n := len(l.entries) + 1
	if n > MaxEntries {
		n = MaxEntries
	}
	out := make([]model.Alert, n)
	out[0] = a
	copy(out[1:], l.entries)
	l.entries = out
}

// Entries returns the current snapshot, newest first. Callers must not modify it.
func (l *Log) Entries() []model.Alert {
	return l.entries
}

// Len returns the number of entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// UnseenSince counts entries newer than seen.
func (l *Log) UnseenSince(seen time.Time) int {
	n := 0
	for _, a := range l.entries {
		if !a.Timestamp.After(seen) {
			break
		}
		n++
	}
	return n
}
