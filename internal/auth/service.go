// Package auth implements API-key authentication for the admin API.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const keysFileName = "keys.json"

// Key is one client entry in the keys.json file, keyed by client name.
type Key struct {
	Key     string `json:"key"`
	Created string `json:"created,omitempty"`
}

// Service handles authentication for the admin API.
type Service struct {
	mu       sync.RWMutex
	stateDir string
	keys     map[string]Key
	watcher  *fsnotify.Watcher
	logger   *zap.SugaredLogger
}

// NewService creates a new auth service watching keys.json in stateDir.
func NewService(stateDir string, logger *zap.SugaredLogger) (*Service, error) {
	s := &Service{
		stateDir: stateDir,
		keys:     make(map[string]Key),
		logger:   logger.Named("auth"),
	}

	// Load initial state (missing file is OK: open mode)
	if err := s.Reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warnw("could not create fsnotify watcher", "error", err)
		return s, nil
	}
	s.watcher = watcher

	keysPath := s.keysPath()
	if err := watcher.Add(filepath.Dir(keysPath)); err != nil {
		s.logger.Warnw("could not watch state dir", "dir", filepath.Dir(keysPath), "error", err)
	}

	go s.watchLoop(keysPath)
	return s, nil
}

func (s *Service) keysPath() string {
	return filepath.Join(s.stateDir, keysFileName)
}

// Reload re-reads the keys.json file. A missing file clears every key.
func (s *Service) Reload() error {
	data, err := os.ReadFile(s.keysPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.mu.Lock()
			s.keys = make(map[string]Key)
			s.mu.Unlock()
			return nil
		}
		return err
	}

	keys := make(map[string]Key)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &keys); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	s.logger.Debugw("reloaded keys", "count", len(keys))
	return nil
}

// IsOpenMode returns true if no keys are configured.
// In open mode, all requests are allowed without authentication.
func (s *Service) IsOpenMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Key != "" {
			return false
		}
	}
	return true
}

// VerifyKey returns the name of the client owning key.
// Uses constant-time comparison to prevent timing attacks.
func (s *Service) VerifyKey(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, k := range s.keys {
		if k.Key == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(k.Key)) == 1 {
			return name, true
		}
	}
	return "", false
}

// Close stops the file watcher.
func (s *Service) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *Service) watchLoop(keysPath string) {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != keysPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if err := s.Reload(); err != nil {
					s.logger.Warnw("failed to reload keys", "path", keysPath, "error", err)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warnw("watcher error", "error", err)
		}
	}
}
