// Package analyticsstate persists the analytics service's per-channel
// resume point (spec.md §3 "Analytics Processing State" and §4.10): the
// believed anchor, the last file processed, and accumulated counters, so
// a restart reprocesses only uncommitted work.
//
// The write path follows the same atomic temp-file-then-rename discipline
// used throughout this codebase (internal/status, internal/archive), itself
// grounded on the teacher's instance_reporter.go/cwskimmer_metrics_summary.go
// persistence idiom.
package analyticsstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cwsl/wwvrecorder/internal/archive"
)

// State is one channel's persisted analytics progress.
type State struct {
	Channel           string         `json:"channel"`
	LastFileProcessed string         `json:"last_file_processed"`
	Anchor            archive.Anchor `json:"anchor"`
	FilesProcessed    int            `json:"files_processed"`
	FilesQuarantined  int            `json:"files_quarantined"`
	TonesDetected     int            `json:"tones_detected"`
	GapsLogged        int            `json:"gaps_logged"`
}

// Store owns the on-disk state file for one channel.
type Store struct {
	path string

	mu    sync.Mutex
	state State
}

// Load reads the persisted state at path, or returns a zero-value State
// for channel if the file does not yet exist (first run).
func Load(path, channel string) (*Store, error) {
	s := &Store{path: path, state: State{Channel: channel}}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("analyticsstate: read %s: %w", path, err)
	}

	var loaded State
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("analyticsstate: unmarshal %s: %w", path, err)
	}
	s.state = loaded
	return s, nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasProcessed reports whether fileName was already recorded as processed.
// File names sort lexically by their embedded timestamp (archive.FileName's
// "YYYYMMDDTHHMMSSZ" layout), so a simple string comparison preserves
// time order (spec.md §5: "Analytics processes files per channel in
// file-name (timestamp) order").
func (s *Store) HasProcessed(fileName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastFileProcessed != "" && fileName <= s.state.LastFileProcessed
}

// RecordProcessed updates counters and the resume point for fileName, then
// persists the new state atomically. anchr is the anchor embedded in the
// just-processed archive; analytics never recomputes it, only forwards the
// most recently observed one (spec.md §4.10: "Analytics never replaces an
// archive's anchor").
func (s *Store) RecordProcessed(fileName string, anchr archive.Anchor, tonesDetected, gapsLogged int) error {
	s.mu.Lock()
	s.state.LastFileProcessed = fileName
	s.state.Anchor = anchr
	s.state.FilesProcessed++
	s.state.TonesDetected += tonesDetected
	s.state.GapsLogged += gapsLogged
	snap := s.state
	s.mu.Unlock()

	return s.persist(snap)
}

// RecordQuarantined bumps the quarantine counter without advancing the
// resume point, since the file was never successfully processed.
func (s *Store) RecordQuarantined() error {
	s.mu.Lock()
	s.state.FilesQuarantined++
	snap := s.state
	s.mu.Unlock()

	return s.persist(snap)
}

func (s *Store) persist(snap State) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("analyticsstate: marshal: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("analyticsstate: mkdir %s: %w", dir, err)
		}
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("analyticsstate: write temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("analyticsstate: rename into place: %w", err)
	}
	return nil
}
