// Package store persists market-data snapshots to size-rotated,
// newline-delimited JSON files for replay and audit: one append-only file
// per day, opened with O_APPEND rather than rewritten through a tmp file
// and rename.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"spotfsm/pkg/types"
)

// maxFileBytes rotates the current day's file to a numbered sibling once it
// would exceed this size, so a single busy trading day never produces one
// unbounded file.
const maxFileBytes = 50 * 1024 * 1024

// Writer appends snapshots to dir/YYYYMMDD.jsonl, rotating by size within a
// day. All operations are mutex-protected since the Market-Data Service may
// publish snapshots from more than one poll batch concurrently.
type Writer struct {
	dir string
	mu  sync.Mutex

	day      string
	seq      int
	file     *os.File
	written  int64
}

// Open creates a Writer backed by the given directory, creating it if
// necessary.
func Open(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Close flushes and closes the current file, if one is open.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Append writes one snapshot as a single JSON line, rotating to a new file
// if the day has changed or the current file has grown past maxFileBytes.
func (w *Writer) Append(snap types.Snapshot) error {
	line, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(snap.Timestamp, int64(len(line))); err != nil {
		return err
	}

	n, err := w.file.Write(line)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded(at time.Time, nextLineBytes int64) error {
	day := at.UTC().Format("20060102")

	needsNewDay := w.file == nil || day != w.day
	needsSizeRotate := w.file != nil && w.written+nextLineBytes > maxFileBytes

	if !needsNewDay && !needsSizeRotate {
		return nil
	}

	if w.file != nil {
		w.file.Close()
	}

	if needsNewDay {
		w.day = day
		w.seq = 0
	} else {
		w.seq++
	}

	path := w.currentPath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open snapshot file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat snapshot file: %w", err)
	}

	w.file = f
	w.written = info.Size()
	return nil
}

func (w *Writer) currentPath() string {
	name := w.day + ".jsonl"
	if w.seq > 0 {
		name = fmt.Sprintf("%s.%d.jsonl", w.day, w.seq)
	}
	return filepath.Join(w.dir, name)
}
