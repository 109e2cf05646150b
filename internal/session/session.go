// Package session owns the per-session metadata file other engine instances
// read to detect liveness: session-<id>.json in the parent of the storage
// directory.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskvault/internal/model"
	"github.com/basket/taskvault/internal/storage"
)

// Liveness thresholds. A session that stops heartbeating is considered
// stale after 5 minutes, crashed after 10, and its file is swept after 30.
const (
	StaleAfter   = 5 * time.Minute
	CrashedAfter = 10 * time.Minute
	SweepAfter   = 30 * time.Minute
)

// Path returns the metadata file path for a session id.
func Path(dir, sessionID string) string {
	return filepath.Join(dir, "session-"+sessionID+".json")
}

// Manager owns this process's session metadata.
type Manager struct {
	mu     sync.Mutex
	dir    string
	meta   model.SessionMetadata
	logger *slog.Logger
}

// NewManager creates session metadata for this process and publishes it.
func NewManager(dir, version string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hostname, _ := os.Hostname()
	now := time.Now().UTC()
	m := &Manager{
		dir:    dir,
		logger: logger,
		meta: model.SessionMetadata{
			SessionID:    uuid.NewString(),
			StartTime:    now,
			LastActivity: now,
			State:        model.SessionActive,
			ProcessInfo: model.ProcessInfo{
				PID:      os.Getpid(),
				Hostname: hostname,
				Version:  version,
			},
		},
	}
	if err := m.flushLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// ID returns this session's id.
func (m *Manager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta.SessionID
}

// Metadata returns a copy of the current metadata.
func (m *Manager) Metadata() model.SessionMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta
}

// Heartbeat bumps lastActivity and republishes the file.
func (m *Manager) Heartbeat() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta.LastActivity = time.Now().UTC()
	return m.flushLocked()
}

// AddOperation increments the total-operation counter and returns the new
// total, so the engine can trigger its every-N automatic checkpoint.
func (m *Manager) AddOperation() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta.Statistics.TotalOperations++
	m.meta.LastActivity = time.Now().UTC()
	return m.meta.Statistics.TotalOperations
}

// AddTaskProcessed increments the task counter.
func (m *Manager) AddTaskProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta.Statistics.TasksProcessed++
}

// AddTransactionCommitted increments the committed-transaction counter.
func (m *Manager) AddTransactionCommitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta.Statistics.TransactionsCommitted++
}

// AddError increments the error counter.
func (m *Manager) AddError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta.Statistics.ErrorsEncountered++
}

// SetState transitions this session's state and republishes the file.
// Terminal states (crashed, terminated) also stamp endTime.
func (m *Manager) SetState(state model.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta.State = state
	if state == model.SessionCrashed || state == model.SessionTerminated {
		now := time.Now().UTC()
		m.meta.EndTime = &now
	}
	return m.flushLocked()
}

// Flush republishes the metadata file.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

func (m *Manager) flushLocked() error {
	return Save(m.dir, &m.meta)
}

// Save writes a session metadata file.
func Save(dir string, meta *model.SessionMetadata) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", meta.SessionID, err)
	}
	// Sibling processes read these files while we write them; temp+rename
	// keeps a concurrent Load from ever seeing a torn file.
	if err := storage.WriteFileAtomic(Path(dir, meta.SessionID), data); err != nil {
		return fmt.Errorf("write session %s: %w", meta.SessionID, err)
	}
	return nil
}

// Load reads one session metadata file. Missing files return nil, nil.
func Load(dir, sessionID string) (*model.SessionMetadata, error) {
	data, err := os.ReadFile(Path(dir, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	var meta model.SessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &meta, nil
}

// LoadAll reads every session-*.json file in dir.
func LoadAll(dir string) ([]*model.SessionMetadata, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	var out []*model.SessionMetadata
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "session-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "session-"), ".json")
		meta, err := Load(dir, id)
		if err != nil {
			// One unreadable file must not hide every other session from
			// liveness checks and recovery.
			slog.Warn("skipping unreadable session file", "file", name, "error", err)
			continue
		}
		if meta != nil {
			out = append(out, meta)
		}
	}
	return out, nil
}

// Remove deletes a session metadata file. Missing files are a no-op.
func Remove(dir, sessionID string) error {
	err := os.Remove(Path(dir, sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session %s: %w", sessionID, err)
	}
	return nil
}

// IsStale reports whether a session has not heartbeated within StaleAfter.
func IsStale(meta *model.SessionMetadata, now time.Time) bool {
	return now.Sub(meta.LastActivity) > StaleAfter
}

// IsCrashed reports whether a session still marked active has not
// heartbeated within CrashedAfter.
func IsCrashed(meta *model.SessionMetadata, now time.Time) bool {
	return meta.State == model.SessionActive && now.Sub(meta.LastActivity) > CrashedAfter
}

// ShouldSweep reports whether a non-active session's file is old enough to
// delete.
func ShouldSweep(meta *model.SessionMetadata, now time.Time) bool {
	return meta.State != model.SessionActive && now.Sub(meta.LastActivity) > SweepAfter
}
