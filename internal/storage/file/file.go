// Package file stores engine state as a single JSON document on disk.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/goodtune/sitebudget/internal/storage"
)

// Store keeps every key in memory and rewrites the whole file on each Set.
// The file is replaced atomically so a crash never leaves it truncated.
type Store struct {
	mu   sync.Mutex
	path string
	data map[string]json.RawMessage
}

var _ storage.Store = (*Store)(nil)

// Open loads path, creating its directory when needed. A missing file is an
// empty store.
func Open(path string) (*Store, error) {
	if err := storage.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &Store{path: path, data: make(map[string]json.RawMessage)}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	return s, nil
}

// Get returns copies of the stored values.
func (s *Store) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			out[k] = bytes.Clone(v)
		}
	}
	return out, nil
}

// Set merges values and rewrites the file. Values must be valid JSON.
func (s *Store) Set(_ context.Context, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]json.RawMessage, len(s.data)+len(values))
	for k, v := range s.data {
		next[k] = v
	}
	for k, v := range values {
		if !json.Valid(v) {
			return fmt.Errorf("%w: %s is not valid JSON", storage.ErrInvalidValue, k)
		}
		next[k] = bytes.Clone(v)
	}

	if err := s.write(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

// Delete removes keys and rewrites the file.
func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]json.RawMessage, len(s.data))
	for k, v := range s.data {
		next[k] = v
	}
	for _, k := range keys {
		delete(next, k)
	}

	if err := s.write(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

func (s *Store) write(data map[string]json.RawMessage) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// Close is a no-op; every Set is already on disk.
func (s *Store) Close() error { return nil }
