package jsonstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/solarcloud7/clusterio-surface-export/pkg/errdefs"
)

// Store atomically loads and saves one JSON document at a fixed path.
// Saves write a temporary sibling file and rename it into place so a
// crash never leaves a partially written document.
type Store struct {
	path string
}

// New creates a store for the given file path, creating the parent
// directory if needed.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return &Store{path: path}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load unmarshals the document into v. A missing file returns
// errdefs.ErrNotFound; callers that treat absence as empty check for it.
func (s *Store) Load(v any) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", s.path, errdefs.ErrNotFound)
		}
		return fmt.Errorf("failed to read %s: %w", s.path, errdefs.ErrIO)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %v: %w", s.path, err, errdefs.ErrIO)
	}
	return nil
}

// Save marshals v and atomically replaces the document.
func (s *Store) Save(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v: %w", s.path, err, errdefs.ErrIO)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %v: %w", tmp, err, errdefs.ErrIO)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %v: %w", s.path, err, errdefs.ErrIO)
	}
	return nil
}
