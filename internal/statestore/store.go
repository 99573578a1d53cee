// Package statestore persists the orchestrator's processing state and the
// per-ticket artifacts (plans, agent sessions, logs) under the project root.
//
// The state document is rewritten atomically: it is written to a temporary
// file in the same directory, synced, then renamed over the old one, so a
// reader never observes a half-written document. Every ticket identifier is
// validated with sanitize.TicketID before any path is built from it.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/h1v3-io/taskpilot/internal/sanitize"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

var (
	// ErrNoState is returned by Load when no state document exists yet.
	ErrNoState = errors.New("statestore: no state document")
	// ErrCorrupt wraps decode failures of the state document.
	ErrCorrupt = errors.New("statestore: state document is corrupt")
)

// Store is a file-backed state store rooted at a project directory.
type Store struct {
	paths Paths
	mu    sync.Mutex
	now   func() time.Time
}

// New returns a store for projectRoot. Nothing is touched on disk until Init
// or a write.
func New(projectRoot string) *Store {
	return &Store{paths: GetPaths(projectRoot), now: time.Now}
}

// Paths returns the store layout.
func (s *Store) Paths() Paths { return s.paths }

// Init creates the directory layout and, if no state document exists, an
// idle one. It returns the current state.
func (s *Store) Init() (protocol.ProcessingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dir := range []string{s.paths.Root, s.paths.PlansDir, s.paths.SessionsDir, s.paths.LogsDir, s.paths.QuestionsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return protocol.ProcessingState{}, fmt.Errorf("statestore: init: %w", err)
		}
	}

	st, err := s.load()
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNoState) {
		return protocol.ProcessingState{}, err
	}
	st = protocol.NewProcessingState(s.now().UTC())
	if err := s.save(st); err != nil {
		return protocol.ProcessingState{}, err
	}
	return st, nil
}

// Exists reports whether a state document is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.paths.StateFile)
	return err == nil
}

// Load reads the state document.
func (s *Store) Load() (protocol.ProcessingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Update applies fn to the current state and writes the result atomically.
// A missing document is treated as a fresh idle state. If fn returns an
// error nothing is written.
func (s *Store) Update(fn func(st *protocol.ProcessingState) error) (protocol.ProcessingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if errors.Is(err, ErrNoState) {
		st = protocol.NewProcessingState(s.now().UTC())
	} else if err != nil {
		return protocol.ProcessingState{}, err
	}

	if err := fn(&st); err != nil {
		return protocol.ProcessingState{}, err
	}
	if err := checkInvariant(st); err != nil {
		return protocol.ProcessingState{}, err
	}
	st.LastUpdatedAt = s.now().UTC()
	if st.PendingQuestions == nil {
		st.PendingQuestions = []protocol.PendingQuestion{}
	}
	if err := s.save(st); err != nil {
		return protocol.ProcessingState{}, err
	}
	return st, nil
}

// AddPendingQuestion appends q to the pending question list.
func (s *Store) AddPendingQuestion(q protocol.PendingQuestion) error {
	if err := sanitize.TicketID(q.TicketID); err != nil {
		return err
	}
	_, err := s.Update(func(st *protocol.ProcessingState) error {
		st.PendingQuestions = append(st.PendingQuestions, q)
		return nil
	})
	return err
}

// RemovePendingQuestion drops the question with the given id. Removing an
// unknown id is not an error.
func (s *Store) RemovePendingQuestion(id string) error {
	_, err := s.Update(func(st *protocol.ProcessingState) error {
		st.PendingQuestions = slices.DeleteFunc(st.PendingQuestions, func(q protocol.PendingQuestion) bool {
			return q.ID == id
		})
		return nil
	})
	return err
}

func checkInvariant(st protocol.ProcessingState) error {
	hasTicket := st.CurrentTicketID != nil && *st.CurrentTicketID != ""
	if hasTicket != (st.CurrentPhase != protocol.PhaseIdle && st.CurrentPhase != "") {
		return fmt.Errorf("statestore: phase %q inconsistent with current ticket %q", st.CurrentPhase, st.Current())
	}
	return nil
}

func (s *Store) load() (protocol.ProcessingState, error) {
	data, err := os.ReadFile(s.paths.StateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return protocol.ProcessingState{}, ErrNoState
		}
		return protocol.ProcessingState{}, fmt.Errorf("statestore: read: %w", err)
	}
	var st protocol.ProcessingState
	if err := json.Unmarshal(data, &st); err != nil {
		return protocol.ProcessingState{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if st.CurrentPhase == "" {
		st.CurrentPhase = protocol.PhaseIdle
	}
	return st, nil
}

func (s *Store) save(st protocol.ProcessingState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: encode: %w", err)
	}
	if err := writeFileAtomic(s.paths.StateFile, data); err != nil {
		return fmt.Errorf("statestore: write state: %w", err)
	}
	return nil
}

// writeFileAtomic replaces path with data via a synced temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
