// Package persist implements the crash-safe JSON-document PersistenceStore
// described in §4.2: atomic temp+rename writes, tolerant loads, and the
// separate active-work document.
package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cyrus-run/cyrus/internal/common/logger"
)

const (
	stateFileName      = "edge-worker-state.json"
	activeWorkFileName = "active-work.json"
)

// Store is the single-writer PersistenceStore. Callers (the Orchestrator) are
// expected to serialize calls to Save/AddActiveSession/etc on one goroutine;
// Store itself still guards its in-memory active-work cache with a mutex so a
// concurrent read (e.g. the status endpoint) never observes a torn update.
type Store struct {
	dir string
	log *logger.Logger

	mu         sync.Mutex
	activeWork ActiveWorkStatus
}

// New creates a Store rooted at dir (typically "<cyrusHome>/state"). The
// directory is created if missing.
func New(dir string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	s := &Store{dir: dir, log: log, activeWork: newActiveWorkStatus()}

	if existing := s.loadActiveWorkFromDisk(); existing != nil {
		s.activeWork = *existing
	}
	return s, nil
}

func (s *Store) statePath() string      { return filepath.Join(s.dir, stateFileName) }
func (s *Store) activeWorkPath() string { return filepath.Join(s.dir, activeWorkFileName) }

// Save atomically writes state to edge-worker-state.json via temp+fsync+rename
// (§4.2 contract).
func (s *Store) Save(state *PersistedState) error {
	state.Version = StateVersion
	state.SavedAt = time.Now().UTC()
	return atomicWriteJSON(s.statePath(), state)
}

// Load reads edge-worker-state.json. A missing file, corrupt JSON, or a
// version mismatch all yield (nil, nil) — never an error that would disable
// startup (§4.2, §8 property 7).
func (s *Store) Load() *PersistedState {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("failed to read persisted state, treating as absent", zap.Error(err))
		}
		return nil
	}

	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		s.log.Warn("persisted state is corrupted, discarding", zap.Error(err))
		return nil
	}
	if state.Version != StateVersion {
		s.log.Warn("persisted state version mismatch, discarding",
			zap.Int("found_version", state.Version),
			zap.Int("expected_version", StateVersion),
		)
		return nil
	}
	return &state
}

// AddActiveSession adds or replaces a session's entry in active-work.json and
// rewrites the full document atomically.
func (s *Store) AddActiveSession(sessionID string, info ActiveSessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeWork.ActiveSessions[sessionID] = info
	s.activeWork.IsWorking = len(s.activeWork.ActiveSessions) > 0
	s.activeWork.LastUpdated = time.Now().UTC()
	return s.writeActiveWorkLocked()
}

// RemoveActiveSession removes a session's entry from active-work.json and
// rewrites the full document atomically.
func (s *Store) RemoveActiveSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.activeWork.ActiveSessions, sessionID)
	s.activeWork.IsWorking = len(s.activeWork.ActiveSessions) > 0
	s.activeWork.LastUpdated = time.Now().UTC()
	return s.writeActiveWorkLocked()
}

// ClearActiveWork empties active-work.json.
func (s *Store) ClearActiveWork() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeWork = newActiveWorkStatus()
	s.activeWork.LastUpdated = time.Now().UTC()
	return s.writeActiveWorkLocked()
}

// ActiveWork returns a copy of the current ActiveWorkStatus (for the status endpoint).
func (s *Store) ActiveWork() ActiveWorkStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := ActiveWorkStatus{
		IsWorking:      s.activeWork.IsWorking,
		LastUpdated:    s.activeWork.LastUpdated,
		ActiveSessions: make(map[string]ActiveSessionInfo, len(s.activeWork.ActiveSessions)),
	}
	for k, v := range s.activeWork.ActiveSessions {
		out.ActiveSessions[k] = v
	}
	return out
}

func (s *Store) writeActiveWorkLocked() error {
	return atomicWriteJSON(s.activeWorkPath(), &s.activeWork)
}

// loadActiveWorkFromDisk reads active-work.json at startup. Corruption is
// treated as "nothing active" (§4.2) and the file is recreated on next write.
func (s *Store) loadActiveWorkFromDisk() *ActiveWorkStatus {
	data, err := os.ReadFile(s.activeWorkPath())
	if err != nil {
		return nil
	}
	var aw ActiveWorkStatus
	if err := json.Unmarshal(data, &aw); err != nil {
		s.log.Warn("active-work.json is corrupted, treating as nothing active", zap.Error(err))
		return nil
	}
	if aw.ActiveSessions == nil {
		aw.ActiveSessions = make(map[string]ActiveSessionInfo)
	}
	return &aw
}

// atomicWriteJSON serializes v to path via a temp file, fsync, and rename —
// the PersistenceStore's crash-safety primitive (§4.2, §8 property 7): a crash
// between the temp write and the rename leaves the previous file readable; a
// crash during the rename leaves either the previous or the new file, never a
// partially-written one.
func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
