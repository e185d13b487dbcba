// Package runlog writes the external, per-run record of each manifest
// entry's outcome. Every run gets its own timestamped directory holding
// run.jsonl (one JSON object per entry, appended as entries finish) and
// manifest.csv (written when the run closes).
package runlog

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"github.com/starford/lexarchive/internal/models"
)

const (
	RecordsFile = "run.jsonl"
	SummaryFile = "manifest.csv"
)

// Record is one manifest entry's final outcome in one run.
type Record struct {
	RunID       string            `json:"run_id"`
	Index       int               `json:"index"`
	Key         string            `json:"key"`
	URL         string            `json:"url"`
	Instrument  string            `json:"instrument,omitempty"`
	Language    string            `json:"language,omitempty"`
	State       models.EntryState `json:"state"`
	ContentHash string            `json:"content_hash,omitempty"`
	Bytes       int64             `json:"bytes,omitempty"`
	Path        string            `json:"path,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	RetryCount  int               `json:"retry_count"`
	Error       string            `json:"error,omitempty"`
}

var csvHeader = []string{
	"run_id", "index", "key", "url", "instrument", "language", "state",
	"content_hash", "bytes", "path", "timestamp", "retry_count", "error",
}

func (r Record) csvRow() []string {
	return []string{
		r.RunID, strconv.Itoa(r.Index), r.Key, r.URL, r.Instrument, r.Language, string(r.State),
		r.ContentHash, strconv.FormatInt(r.Bytes, 10), r.Path, r.Timestamp.UTC().Format(time.RFC3339),
		strconv.Itoa(r.RetryCount), r.Error,
	}
}

// Writer appends records for one run.
type Writer struct {
	mu      sync.Mutex
	dir     string
	runID   string
	f       *os.File
	records []Record
}

// Create makes a new run directory under logDir named after startedAt.
func Create(logDir string, startedAt time.Time) (*Writer, error) {
	runID := uuid.NewString()
	name := startedAt.UTC().Format("20060102T150405Z")
	dir := filepath.Join(logDir, name)
	if _, err := os.Stat(dir); err == nil {
		dir = filepath.Join(logDir, name+"-"+runID[:8])
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("runlog: create %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, RecordsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runlog: open records: %w", err)
	}
	return &Writer{dir: dir, runID: runID, f: f}, nil
}

// RunID identifies the run.
func (w *Writer) RunID() string { return w.runID }

// Dir is the run directory.
func (w *Writer) Dir() string { return w.dir }

// Append writes one record and syncs it to disk, so an interrupted run
// still has a log of every finished entry.
func (w *Writer) Append(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	r.RunID = w.runID
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("runlog: encode: %w", err)
	}
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("runlog: append: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("runlog: sync: %w", err)
	}
	w.records = append(w.records, r)
	return nil
}

// Close writes manifest.csv and closes the records file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	_ = cw.Write(csvHeader)
	for _, r := range w.records {
		_ = cw.Write(r.csvRow())
	}
	cw.Flush()
	csvErr := cw.Error()
	if csvErr == nil {
		csvErr = atomic.WriteFile(filepath.Join(w.dir, SummaryFile), &buf)
	}
	return errors.Join(csvErr, w.f.Close())
}

// ReadRecords loads the records of a run directory.
func ReadRecords(dir string) ([]Record, error) {
	f, err := os.Open(filepath.Join(dir, RecordsFile))
	if err != nil {
		return nil, fmt.Errorf("runlog: open %s: %w", dir, err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A run killed mid-write may leave a torn last line.
			return out, fmt.Errorf("runlog: %s line %d: %w", dir, line, err)
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

// Latest returns the most recent run directory under logDir, or "" when
// there is none.
func Latest(logDir string) (string, error) {
	entries, err := os.ReadDir(logDir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("runlog: list %s: %w", logDir, err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(logDir, e.Name(), RecordsFile)); err == nil {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 0 {
		return "", nil
	}
	sort.Strings(dirs)
	return filepath.Join(logDir, dirs[len(dirs)-1]), nil
}

// Completed indexes the records of a previous run by entry key, keeping
// only entries that finished without needing a retry on resume.
func Completed(records []Record) map[string]Record {
	out := make(map[string]Record)
	for _, r := range records {
		switch r.State {
		case models.StateSucceeded, models.StateSkippedUnchanged:
			out[r.Key] = r
		}
	}
	return out
}
