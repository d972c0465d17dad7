package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/badno/catalogsync/pkg/models"
	"github.com/google/uuid"
)

const (
	StateVersion     = "1.0"
	DefaultStateFile = "data/.catalogsync-state.json"

	// MaxRuns caps the run log kept in the state file
	MaxRuns = 500
)

// DefaultLease is how long a running claim stays valid without a heartbeat
const DefaultLease = 10 * time.Minute

// ErrAlreadyRunning is returned by ClaimRun while another import holds the run
var ErrAlreadyRunning = errors.New("an import is already running")

// Store persists the run-state control values
type Store interface {
	State(ctx context.Context) (models.RunState, error)
	// ClaimRun atomically moves the status to running and stamps the claim
	// time. It fails with ErrAlreadyRunning while another claim is running
	// and has been refreshed within lease.
	ClaimRun(ctx context.Context, lease time.Duration) error
	// Heartbeat refreshes the claim time of a running claim
	Heartbeat(ctx context.Context) error
	SetStatus(ctx context.Context, status models.RunStatus) error
	SetLastFile(ctx context.Context, n int) error
	SetLastImportTime(ctx context.Context, t time.Time) error
	// DisableAutoImport is called by a full reset only
	DisableAutoImport(ctx context.Context, at time.Time) error
	EnableAutoImport(ctx context.Context) error
	NotificationSettings(ctx context.Context) (models.NotificationSettings, error)
	SaveNotifications(ctx context.Context, settings models.NotificationSettings) error
	// ResetRunState forgets feed progression and returns the status to idle
	ResetRunState(ctx context.Context) error
}

// RunLog is the append-only record of file import attempts
type RunLog interface {
	Record(ctx context.Context, entry models.ImportLogEntry) error
	// Recent returns up to limit entries, newest first
	Recent(ctx context.Context, limit int) ([]models.ImportLogEntry, error)
	Clear(ctx context.Context) (int, error)
}

// StateFile is the JSON document written by FileStore
type StateFile struct {
	Version     string                  `json:"version"`
	Run         models.RunState         `json:"run"`
	Runs        []models.ImportLogEntry `json:"runs"`
	LastUpdated time.Time               `json:"last_updated"`
}

// FileStore keeps run state and the run log in a single JSON file.
// Every mutation re-reads the file under a lock file and writes it through,
// so several processes can share one state file.
type FileStore struct {
	mu       sync.Mutex
	filePath string
	state    *StateFile
	defaults models.NotificationSettings
	now      func() time.Time
	// onDisk is set once the file has been read or written
	onDisk bool
}

// NewFileStore creates a store for filePath. defaults are reported until
// notification settings are saved for the first time.
func NewFileStore(filePath string, defaults models.NotificationSettings) *FileStore {
	if filePath == "" {
		filePath = DefaultStateFile
	}
	return &FileStore{
		filePath: filePath,
		state:    newStateFile(defaults),
		defaults: defaults,
		now:      time.Now,
	}
}

func newStateFile(defaults models.NotificationSettings) *StateFile {
	return &StateFile{
		Version: StateVersion,
		Run: models.RunState{
			Status:        models.StatusIdle,
			Notifications: defaults,
		},
		Runs: []models.ImportLogEntry{},
	}
}

// Path returns the state file location
func (s *FileStore) Path() string {
	return s.filePath
}

// Load reads the state from disk. A missing file leaves the defaults in place.
func (s *FileStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.refresh()
}

// refresh re-reads the file so changes written by other processes are seen.
// Callers hold s.mu.
func (s *FileStore) refresh() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if s.onDisk {
			s.state = newStateFile(s.defaults)
			s.onDisk = false
		}
		return nil
	}

	var versionCheck struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &versionCheck); err != nil || versionCheck.Version == "" {
		return fmt.Errorf("failed to parse state file %s: missing version", s.filePath)
	}

	var state StateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	if state.Run.Status == "" {
		state.Run.Status = models.StatusIdle
	}
	if state.Runs == nil {
		state.Runs = []models.ImportLogEntry{}
	}
	s.state = &state
	s.onDisk = true
	return nil
}

// saveInternal saves without acquiring lock
func (s *FileStore) saveInternal() error {
	s.state.LastUpdated = s.now()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return err
	}
	s.onDisk = true
	return nil
}

// update applies fn to the latest on-disk state and writes the result back
func (s *FileStore) update(fn func(st *StateFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := acquireLock(s.filePath + ".lock")
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.refresh(); err != nil {
		return err
	}
	if err := fn(s.state); err != nil {
		return err
	}
	return s.saveInternal()
}

// view runs fn on the latest on-disk state
func (s *FileStore) view(fn func(st *StateFile)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refresh(); err != nil {
		return err
	}
	fn(s.state)
	return nil
}

func (s *FileStore) mutate(fn func(run *models.RunState) error) error {
	return s.update(func(st *StateFile) error {
		return fn(&st.Run)
	})
}

func (s *FileStore) State(ctx context.Context) (models.RunState, error) {
	var run models.RunState
	err := s.view(func(st *StateFile) { run = st.Run })
	return run, err
}

func (s *FileStore) ClaimRun(ctx context.Context, lease time.Duration) error {
	return s.mutate(func(run *models.RunState) error {
		now := s.now()
		if run.Status == models.StatusRunning && !run.ClaimExpired(now, lease) {
			return ErrAlreadyRunning
		}
		run.Status = models.StatusRunning
		run.ClaimedAt = &now
		return nil
	})
}

func (s *FileStore) Heartbeat(ctx context.Context) error {
	return s.mutate(func(run *models.RunState) error {
		if run.Status == models.StatusRunning {
			now := s.now()
			run.ClaimedAt = &now
		}
		return nil
	})
}

func (s *FileStore) SetStatus(ctx context.Context, status models.RunStatus) error {
	return s.mutate(func(run *models.RunState) error {
		run.Status = status
		if status == models.StatusRunning {
			now := s.now()
			run.ClaimedAt = &now
		}
		return nil
	})
}

func (s *FileStore) SetLastFile(ctx context.Context, n int) error {
	return s.mutate(func(run *models.RunState) error {
		run.LastFileNumber = n
		return nil
	})
}

func (s *FileStore) SetLastImportTime(ctx context.Context, t time.Time) error {
	return s.mutate(func(run *models.RunState) error {
		run.LastImportTime = &t
		return nil
	})
}

func (s *FileStore) DisableAutoImport(ctx context.Context, at time.Time) error {
	return s.mutate(func(run *models.RunState) error {
		run.PreventAutoImport = true
		run.ResetPerformedAt = &at
		return nil
	})
}

func (s *FileStore) EnableAutoImport(ctx context.Context) error {
	return s.mutate(func(run *models.RunState) error {
		run.PreventAutoImport = false
		run.ResetPerformedAt = nil
		return nil
	})
}

func (s *FileStore) NotificationSettings(ctx context.Context) (models.NotificationSettings, error) {
	var settings models.NotificationSettings
	err := s.view(func(st *StateFile) { settings = st.Run.Notifications })
	return settings, err
}

func (s *FileStore) SaveNotifications(ctx context.Context, settings models.NotificationSettings) error {
	return s.mutate(func(run *models.RunState) error {
		run.Notifications = settings
		return nil
	})
}

func (s *FileStore) ResetRunState(ctx context.Context) error {
	return s.mutate(func(run *models.RunState) error {
		run.LastFileNumber = 0
		run.Status = models.StatusIdle
		run.ClaimedAt = nil
		run.LastImportTime = nil
		return nil
	})
}

func (s *FileStore) Record(ctx context.Context, entry models.ImportLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.ImportedAt.IsZero() {
		entry.ImportedAt = s.now()
	}
	return s.update(func(st *StateFile) error {
		st.Runs = append(st.Runs, entry)
		if len(st.Runs) > MaxRuns {
			st.Runs = st.Runs[len(st.Runs)-MaxRuns:]
		}
		return nil
	})
}

func (s *FileStore) Recent(ctx context.Context, limit int) ([]models.ImportLogEntry, error) {
	var out []models.ImportLogEntry
	err := s.view(func(st *StateFile) {
		n := len(st.Runs)
		if limit <= 0 || limit > n {
			limit = n
		}
		out = make([]models.ImportLogEntry, 0, limit)
		for i := n - 1; i >= n-limit; i-- {
			out = append(out, st.Runs[i])
		}
	})
	return out, err
}

func (s *FileStore) Clear(ctx context.Context) (int, error) {
	var n int
	err := s.update(func(st *StateFile) error {
		n = len(st.Runs)
		st.Runs = []models.ImportLogEntry{}
		return nil
	})
	return n, err
}
