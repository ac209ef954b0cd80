// Package flightlog implements the per-worker in-memory flight recorder:
// a bounded ring of recent log entries that only ever reaches disk when a
// forensic dump is requested or the worker hits an unhandled failure.
package flightlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// Capacity is the maximum number of retained entries per worker.
const Capacity = 50_000

// Entry is one recorded log line.
type Entry struct {
	Time    time.Time
	Level   string
	Message string
}

// Buffer is a bounded ring of log entries. Insertion never blocks and never
// allocates beyond the fixed ring; the dump drains a consistent snapshot.
type Buffer struct {
	mu       sync.Mutex
	workerID string
	entries  []Entry
	next     int
	full     bool
}

// New returns a Buffer for the given worker with the default capacity.
func New(workerID string) *Buffer {
	return NewWithCapacity(workerID, Capacity)
}

// NewWithCapacity returns a Buffer with an explicit capacity (tests).
func NewWithCapacity(workerID string, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = Capacity
	}
	return &Buffer{
		workerID: workerID,
		entries:  make([]Entry, capacity),
	}
}

// Append records one entry, overwriting the oldest when the ring is full.
func (b *Buffer) Append(level, message string) {
	b.mu.Lock()
	b.entries[b.next] = Entry{Time: time.Now().UTC(), Level: level, Message: message}
	b.next++
	if b.next == len(b.entries) {
		b.next = 0
		b.full = true
	}
	b.mu.Unlock()
}

// Len reports the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.entries)
	}
	return b.next
}

// snapshot returns the retained entries oldest-first.
func (b *Buffer) snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		out := make([]Entry, b.next)
		copy(out, b.entries[:b.next])
		return out
	}
	out := make([]Entry, 0, len(b.entries))
	out = append(out, b.entries[b.next:]...)
	out = append(out, b.entries[:b.next]...)
	return out
}

// Dump writes the entire buffer to <dir>/<worker_id>_<timestamp>.log using an
// atomic rename, and returns the final path.
func (b *Buffer) Dump(dir string) (string, error) {
	entries := b.snapshot()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("flightlog: create forensics dir: %w", err)
	}
	ts := time.Now().UTC().Format("20060102_150405")
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", b.workerID, ts))

	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.Time.Format(time.RFC3339Nano))
		sb.WriteString(" [")
		sb.WriteString(e.Level)
		sb.WriteString("] ")
		sb.WriteString(e.Message)
		sb.WriteByte('\n')
	}
	if err := renameio.WriteFile(path, []byte(sb.String()), 0o644, renameio.WithTempDir(dir)); err != nil {
		return "", fmt.Errorf("flightlog: dump failed: %w", err)
	}
	return path, nil
}

// Hook adapts a Buffer into a zerolog hook so every event emitted through the
// global logger is mirrored into the ring.
type Hook struct {
	Buffer *Buffer
}

// Run implements zerolog.Hook.
func (h Hook) Run(_ *zerolog.Event, level zerolog.Level, message string) {
	if h.Buffer == nil || level == zerolog.Disabled {
		return
	}
	h.Buffer.Append(level.String(), message)
}
