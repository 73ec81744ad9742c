// Package eventlog journals bus traffic to daily rotated JSONL files.
// Every accepted, delivered and dead-lettered message is appended, so
// an operator can reconstruct what the runtime did without a debugger.
// Retention is bounded: files older than keep_days are pruned at
// rotation.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"mas/pkg/proto"
)

// Event labels what happened to the message.
type Event string

const (
	// EventEnqueued marks a message accepted into an inbox.
	EventEnqueued Event = "enqueued"
	// EventDelivered marks a message acked Handled.
	EventDelivered Event = "delivered"
	// EventDeadLettered marks a message moved to the DLQ.
	EventDeadLettered Event = "dead_lettered"
)

// Entry is one journal line.
type Entry struct {
	At      time.Time      `json:"at"`
	Event   Event          `json:"event"`
	Reason  string         `json:"reason,omitempty"`
	Message *proto.Message `json:"message"`
}

// Writer appends entries to daily rotated JSONL files.
type Writer struct {
	mu          sync.Mutex
	dir         string
	keepDays    int
	currentFile *os.File
	currentDate string
}

// NewWriter creates the journal directory and opens today's file lazily
// on first append. keepDays bounds retention; values below 1 default
// to 7.
func NewWriter(dir string, keepDays int) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	if keepDays < 1 {
		keepDays = 7
	}
	return &Writer{dir: dir, keepDays: keepDays}, nil
}

// Append writes one entry. The entry's own timestamp drives rotation,
// so a test clock rotates the journal the same way wall time would.
func (w *Writer) Append(e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("serialize journal entry: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(e.At); err != nil {
		return fmt.Errorf("rotate journal: %w", err)
	}
	if _, err := w.currentFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded(at time.Time) error {
	date := at.Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == date {
		return nil
	}
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("close journal file: %w", err)
		}
	}

	path := filepath.Join(w.dir, fmt.Sprintf("messages-%s.jsonl", date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal file %s: %w", path, err)
	}
	w.currentFile = file
	w.currentDate = date
	w.prune(at)
	return nil
}

// prune removes journal files older than the retention window. Errors
// are swallowed: pruning is best-effort housekeeping.
func (w *Writer) prune(now time.Time) {
	files, err := ListLogFiles(w.dir)
	if err != nil {
		return
	}
	cutoff := now.AddDate(0, 0, -w.keepDays).Format("2006-01-02")
	for _, f := range files {
		date := fileDate(f)
		if date != "" && date < cutoff {
			_ = os.Remove(f)
		}
	}
}

// CurrentLogFile returns the path of the active journal file, or ""
// before the first append.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.dir, fmt.Sprintf("messages-%s.jsonl", w.currentDate))
}

// Recent returns up to limit entries from the end of the active file.
func (w *Writer) Recent(limit int) ([]Entry, error) {
	path := w.CurrentLogFile()
	if path == "" {
		return nil, nil
	}
	entries, err := ReadEntries(path)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Close closes the active journal file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("close journal file: %w", err)
	}
	return nil
}

// ReadEntries parses one journal file.
func ReadEntries(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parse journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal file: %w", err)
	}
	return entries, nil
}

// ListLogFiles returns every journal file in the directory, oldest
// first.
func ListLogFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "messages-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("list journal files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// fileDate extracts the date part of a journal filename, or "".
func fileDate(path string) string {
	name := filepath.Base(path)
	name = strings.TrimPrefix(name, "messages-")
	name = strings.TrimSuffix(name, ".jsonl")
	if len(name) != len("2006-01-02") {
		return ""
	}
	return name
}
