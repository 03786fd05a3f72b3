package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polycopy/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATE STORE - Durable tracked-position table
// ═══════════════════════════════════════════════════════════════════════════════
//
// The exit engine persists its tracking table through this interface so
// the file backend can be swapped for an embedded database without
// touching engine logic.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Store persists the exit engine's tracking table
type Store interface {
	Load() ([]types.TrackedPosition, error)
	Save(positions []types.TrackedPosition) error
}

// trackedState is the on-disk JSON document
type trackedState struct {
	Positions []types.TrackedPosition `json:"positions"`
	SavedAt   time.Time               `json:"savedAt"`
}

// FileStore writes the tracking table as a JSON file
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed store at path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the persisted table. A missing file is an empty table,
// not an error: first run and post-wipe recovery look identical.
func (s *FileStore) Load() ([]types.TrackedPosition, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state trackedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}

	log.Debug().
		Int("positions", len(state.Positions)).
		Time("saved_at", state.SavedAt).
		Msg("State loaded")

	return state.Positions, nil
}

// Save writes the table atomically (temp file + rename)
func (s *FileStore) Save(positions []types.TrackedPosition) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	state := trackedState{
		Positions: positions,
		SavedAt:   time.Now().UTC(),
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}

	return nil
}
