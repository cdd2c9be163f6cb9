// Package statestore persists the last-known PID of every managed server so
// a restarted supervisor can reclaim processes it spawned in a previous run.
// Records live in a single JSON file per project, keyed by a hash of the
// project's absolute path so separate projects never collide. Writes go
// through a temp file plus rename so a crash mid-write can never corrupt
// the file.
package statestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Record is what we remember about one spawned server process.
type Record struct {
	PID        int       `json:"pid"`
	PGID       int       `json:"pgid"`
	StartUnix  int64     `json:"start_unix,omitempty"` // kernel start time of PID, guards against recycling
	RecordedAt time.Time `json:"recorded_at"`
}

// Store owns one project's record file. A single supervisor process is the
// only writer; no cross-process locking is needed beyond atomic replace.
type Store struct {
	path   string
	logger *slog.Logger
}

// DefaultDir returns the base directory for all devsup state files.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".devsup")
	}
	return filepath.Join(home, ".devsup")
}

// ProjectKey derives the stable per-project file key from the project's
// absolute path.
func ProjectKey(projectDir string) string {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		abs = projectDir
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:8]
}

// New opens (or lazily creates) the record file for projectDir under baseDir.
// An empty baseDir means DefaultDir().
func New(baseDir, projectDir string, logger *slog.Logger) (*Store, error) {
	if baseDir == "" {
		baseDir = DefaultDir()
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	path := filepath.Join(baseDir, ProjectKey(projectDir)+"_servers.json")
	return &Store{path: path, logger: logger}, nil
}

// Path returns the record file location, for diagnostics.
func (s *Store) Path() string { return s.path }

// Save records pid/pgid for server name, replacing any previous entry.
func (s *Store) Save(name string, rec Record) error {
	state := s.read()
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	state[name] = rec
	return s.write(state)
}

// Load returns the record for name, if any.
func (s *Store) Load(name string) (Record, bool) {
	rec, ok := s.read()[name]
	return rec, ok
}

// Clear removes the record for name. Clearing an absent name is a no-op.
func (s *Store) Clear(name string) error {
	state := s.read()
	if _, ok := state[name]; !ok {
		return nil
	}
	delete(state, name)
	return s.write(state)
}

// ListAll returns a copy of every record, keyed by server name.
func (s *Store) ListAll() map[string]Record {
	return s.read()
}

// Names returns the recorded server names in stable order.
func (s *Store) Names() []string {
	state := s.read()
	names := make([]string, 0, len(state))
	for n := range state {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// read tolerates a missing or malformed file by treating it as empty. A
// malformed file is logged and then overwritten by the next write.
func (s *Store) read() map[string]Record {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("state file unreadable, treating as empty", "path", s.path, "error", err)
		}
		return map[string]Record{}
	}
	var state map[string]Record
	if err := json.Unmarshal(b, &state); err != nil || state == nil {
		s.logger.Warn("state file malformed, treating as empty", "path", s.path, "error", err)
		return map[string]Record{}
	}
	return state
}

func (s *Store) write(state map[string]Record) error {
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write state temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
