// Package clientstate provides the durable key/value store the client keeps
// across reloads. The keys mirror the browser's local-storage keys exactly so
// auth and import state survive a page reload.
package clientstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Well-known storage keys. These must not change: cross-reload continuity
// depends on reading back the same keys that were written.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyTokenExpiry  = "token_expiry"
	KeyUserID       = "user_id"
	KeyCodeVerifier = "code_verifier"

	KeyPlaybackStatus = "riffle_playback_status"
	KeyDeviceID       = "riffle_device_id"
)

// ImportStatusKey returns the per-user key holding the last import job status.
func ImportStatusKey(userID string) string {
	return "import_process_status_" + userID
}

// ImportProgressKey returns the per-user key holding the last import progress.
func ImportProgressKey(userID string) string {
	return "import_process_progress_" + userID
}

// ImportPhaseKey returns the per-user key holding the last import phase.
func ImportPhaseKey(userID string) string {
	return "import_process_phase_" + userID
}

// Store is a file-backed string key/value store. All mutations are flushed
// to disk atomically so a crashed client never observes a torn state file.
type Store struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
}

// Open loads the store at path, creating an empty one if the file is absent.
func Open(path string) (*Store, error) {
	s := &Store{
		path:   path,
		values: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	if err := json.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	return s, nil
}

// Get returns the value for key and whether it was present.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores key=value and persists the store.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.flushLocked()
}

// Delete removes key and persists the store. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	return s.flushLocked()
}

// Clear removes every key and persists the empty store. Used on forced logout.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string)
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
