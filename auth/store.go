package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Store holds the current credential. When created with a path it also
// persists the credential as JSON so other processes (and restarts) see it.
type Store struct {
	mu     sync.RWMutex
	cred   *Credential
	path   string
	logger *log.Logger
}

// NewStore returns an in-memory store, or a file-backed one when path is set.
// An existing file is loaded immediately.
func NewStore(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{path: path, logger: logger}
	if path == "" {
		return s, nil
	}
	if _, err := s.Reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file, or "" for an in-memory store.
func (s *Store) Path() string { return s.path }

// Load returns a copy of the current credential.
func (s *Store) Load() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return Credential{}, false
	}
	return *s.cred, true
}

// Replace swaps in cred atomically. The in-memory value is updated even if
// persisting fails.
func (s *Store) Replace(cred Credential) error {
	cred.RefreshInFlight = false

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = &cred
	return s.persistLocked()
}

// SetRefreshing flags whether a refresh is in flight for the current
// credential.
func (s *Store) SetRefreshing(inFlight bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred != nil {
		s.cred.RefreshInFlight = inFlight
	}
}

// Clear forgets the credential and removes its file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	return nil
}

// Reload reads the backing file. It reports whether the access token changed.
func (s *Store) Reload() (bool, error) {
	if s.path == "" {
		return false, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("read credential file %s: %w", s.path, err)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return false, fmt.Errorf("decode credential file %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.cred == nil || s.cred.AccessToken != cred.AccessToken
	if s.cred != nil {
		cred.RefreshInFlight = s.cred.RefreshInFlight
	}
	s.cred = &cred
	return changed, nil
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	data, err := json.MarshalIndent(s.cred, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}

// Watch reloads the store whenever another process rewrites the credential
// file and calls onChange when the access token differs. It blocks until ctx
// is cancelled.
func (s *Store) Watch(ctx context.Context, onChange func(Credential)) error {
	if s.path == "" {
		return errors.New("auth: store has no backing file to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: the file is replaced by rename, which drops a
	// watch placed on the file itself.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			changed, err := s.Reload()
			if err != nil {
				s.logger.Printf("WARN: [auth] Failed to reload credentials after change: %v", err)
				continue
			}
			if changed && onChange != nil {
				if cred, ok := s.Load(); ok {
					s.logger.Printf("INFO: [auth] Credential file changed. Picking up new tokens.")
					onChange(cred)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Printf("WARN: [auth] Credential watcher error: %v", err)
		}
	}
}
