package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/starford/lexarchive/internal/manifest"
)

// StateEvent is one archived version of a source.
type StateEvent struct {
	Timestamp string `json:"timestamp"`
	SHA256    string `json:"sha256"`
	Bytes     int    `json:"bytes"`
	Path      string `json:"path"`
}

// SourceState is the per-source record behind the checksum gate. History
// is append-only; its last element holds the hash the gate compares to.
type SourceState struct {
	Instrument  string       `json:"instrument"`
	URL         string       `json:"url"`
	Language    string       `json:"language"`
	History     []StateEvent `json:"history"`
	LastChecked string       `json:"last_checked"`
}

// StateFile is the JSON file holding every source's state, keyed by
// manifest entry key. It lives outside the archive.
type StateFile struct {
	mu      sync.Mutex
	path    string
	sources map[string]*SourceState
}

// LoadState reads the state file at path; a missing file is empty state.
func LoadState(path string) (*StateFile, error) {
	s := &StateFile{path: path, sources: make(map[string]*SourceState)}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: read state %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.sources); err != nil {
		return nil, fmt.Errorf("ingest: decode state %s: %w", path, err)
	}
	return s, nil
}

// LastHash returns the most recently recorded hash for key, or "".
func (s *StateFile) LastHash(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[key]
	if !ok || len(src.History) == 0 {
		return ""
	}
	return src.History[len(src.History)-1].SHA256
}

// Get returns a copy of the state for key.
func (s *StateFile) Get(key string) (SourceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[key]
	if !ok {
		return SourceState{}, false
	}
	out := *src
	out.History = append([]StateEvent(nil), src.History...)
	return out, true
}

func (s *StateFile) source(e manifest.Entry) *SourceState {
	key := e.Key()
	src, ok := s.sources[key]
	if !ok {
		src = &SourceState{}
		s.sources[key] = src
	}
	src.Instrument, src.URL, src.Language = e.Instrument, e.URL, e.Language
	return src
}

// Touch records that the source was checked at ts without a change.
func (s *StateFile) Touch(e manifest.Entry, ts string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source(e).LastChecked = ts
}

// Record appends a newly archived version.
func (s *StateFile) Record(e manifest.Entry, ev StateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.source(e)
	src.History = append(src.History, ev)
	src.LastChecked = ev.Timestamp
}

// Save atomically rewrites the state file.
func (s *StateFile) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.sources, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("ingest: encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("ingest: state dir: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("ingest: save state: %w", err)
	}
	return nil
}
