// Package store persists the engram documents as JSON files with atomic
// writes. Other processes may modify the documents between operations, so
// every read-modify-write re-reads the document inside the update rather
// than trusting a cached snapshot.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/normanking/engram/internal/brain"
	"github.com/normanking/engram/internal/learning"
	"github.com/normanking/engram/internal/memory"
	"github.com/normanking/engram/internal/surprise"
)

const (
	memoriesFile     = "memories.json"
	brainFile        = "brain.json"
	expectationsFile = "expectations.json"
	learnedFile      = "learned.json"
)

// LearnedDocument bundles both learners' persisted state.
type LearnedDocument struct {
	CortexEntries []learning.CortexEntry `json:"cortexEntries"`
	Rules         []learning.Rule        `json:"rules"`
}

// Store reads and writes the engram documents under one directory.
type Store struct {
	dir string
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// readDocument unmarshals a document into out. A missing file leaves out at
// its zero value; that is the empty-store case, not an error.
func (s *Store) readDocument(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

// writeDocument marshals and atomically replaces a document: write to a
// temp file in the same directory, then rename over the target.
func (s *Store) writeDocument(name string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", name, err)
	}

	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}

	log.Debug().Str("document", name).Int("bytes", len(data)).Msg("document written")
	return nil
}

// LoadMemories reads the memory store document. Missing file yields an
// empty pool.
func (s *Store) LoadMemories() ([]memory.Memory, error) {
	var pool []memory.Memory
	if err := s.readDocument(memoriesFile, &pool); err != nil {
		return nil, err
	}
	return pool, nil
}

// UpdateMemories re-reads the pool, applies fn, and atomically writes the
// result. The re-read is the point: another process may have modified the
// document since the caller last saw it, and a write based on a stale
// snapshot would clobber those edits.
func (s *Store) UpdateMemories(fn func(pool []memory.Memory) ([]memory.Memory, error)) ([]memory.Memory, error) {
	pool, err := s.LoadMemories()
	if err != nil {
		return nil, err
	}

	updated, err := fn(pool)
	if err != nil {
		return nil, err
	}

	if err := s.writeDocument(memoriesFile, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// LoadBrainState reads the brain state document; nil when none exists.
func (s *Store) LoadBrainState() (*brain.State, error) {
	var state *brain.State
	if err := s.readDocument(brainFile, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// SaveBrainState writes the brain state document.
func (s *Store) SaveBrainState(state *brain.State) error {
	return s.writeDocument(brainFile, state)
}

// LoadExpectations reads the expectation model; an empty model when none exists.
func (s *Store) LoadExpectations() (*surprise.Model, error) {
	model := surprise.NewModel()
	if err := s.readDocument(expectationsFile, model); err != nil {
		return nil, err
	}
	if model.Frequencies == nil {
		model.Frequencies = make(map[string]surprise.SignatureStats)
	}
	return model, nil
}

// SaveExpectations writes the expectation model document.
func (s *Store) SaveExpectations(model *surprise.Model) error {
	return s.writeDocument(expectationsFile, model)
}

// LoadLearned reads the learned-knowledge document.
func (s *Store) LoadLearned() (*LearnedDocument, error) {
	doc := &LearnedDocument{}
	if err := s.readDocument(learnedFile, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// SaveLearned writes the learned-knowledge document.
func (s *Store) SaveLearned(doc *LearnedDocument) error {
	return s.writeDocument(learnedFile, doc)
}
