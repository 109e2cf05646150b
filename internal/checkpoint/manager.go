// Package checkpoint captures, persists, and retains full-state snapshots.
// Checkpoint files are immutable once written; retention keeps the 10 most
// recent across all sessions and deletes the rest from memory and disk.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskvault/internal/integrity"
	"github.com/basket/taskvault/internal/model"
	"github.com/basket/taskvault/internal/storage"
)

// Retention is how many checkpoints survive, newest first, across all
// sessions sharing the checkpoint directory.
const Retention = 10

// FilePath returns the on-disk location of a checkpoint.
func FilePath(dir, checkpointID string) string {
	return filepath.Join(dir, "checkpoint-"+checkpointID+".json")
}

// Manager creates, loads, and retains checkpoints in one directory.
type Manager struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger
	recent map[string]*model.Checkpoint
}

// NewManager returns a manager over dir. The directory is created lazily.
func NewManager(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:    dir,
		logger: logger,
		recent: make(map[string]*model.Checkpoint),
	}
}

// Create snapshots the given state into a new checkpoint: computes the
// integrity digest, writes the file, retains it in memory, and enforces
// retention.
func (m *Manager) Create(sessionID string, cpType model.CheckpointType,
	tasks map[string]*model.Task, queues map[string]*model.Queue, activeTxns []string) (*model.Checkpoint, error) {

	if tasks == nil {
		tasks = map[string]*model.Task{}
	}
	if queues == nil {
		queues = map[string]*model.Queue{}
	}
	cp := &model.Checkpoint{
		ID:                 uuid.NewString(),
		Timestamp:          time.Now().UTC(),
		SessionID:          sessionID,
		TaskSnapshot:       tasks,
		QueueSnapshot:      queues,
		ActiveTransactions: append([]string(nil), activeTxns...),
		Type:               cpType,
	}
	hash, size, err := integrity.CheckpointDigest(cp)
	if err != nil {
		return nil, fmt.Errorf("digest checkpoint: %w", err)
	}
	cp.IntegrityHash = hash
	cp.Size = size

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint %s: %w", cp.ID, err)
	}
	if err := storage.WriteFileAtomic(FilePath(m.dir, cp.ID), data); err != nil {
		return nil, fmt.Errorf("write checkpoint %s: %w", cp.ID, err)
	}

	m.mu.Lock()
	m.recent[cp.ID] = cp
	m.mu.Unlock()

	if err := m.EnforceRetention(); err != nil {
		m.logger.Warn("checkpoint retention failed", "error", err)
	}
	m.logger.Info("checkpoint created",
		"checkpoint_id", cp.ID, "type", string(cpType),
		"tasks", len(tasks), "queues", len(queues), "size", size)
	return cp, nil
}

// Load reads one checkpoint, preferring the in-memory copy. A missing
// checkpoint returns nil, nil.
func (m *Manager) Load(checkpointID string) (*model.Checkpoint, error) {
	m.mu.Lock()
	if cp, ok := m.recent[checkpointID]; ok {
		m.mu.Unlock()
		return cp, nil
	}
	m.mu.Unlock()

	data, err := os.ReadFile(FilePath(m.dir, checkpointID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", checkpointID, err)
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", checkpointID, err)
	}
	return &cp, nil
}

// List scans the checkpoint directory and returns every checkpoint, newest
// first.
func (m *Manager) List() ([]*model.Checkpoint, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}
	var out []*model.Checkpoint
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "checkpoint-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "checkpoint-"), ".json")
		cp, err := m.Load(id)
		if err != nil {
			m.logger.Warn("skipping unreadable checkpoint", "checkpoint_id", id, "error", err)
			continue
		}
		if cp != nil {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// LatestForSession returns the newest checkpoint taken by the given
// session, or nil when it never checkpointed.
func (m *Manager) LatestForSession(sessionID string) (*model.Checkpoint, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	for _, cp := range all {
		if cp.SessionID == sessionID {
			return cp, nil
		}
	}
	return nil, nil
}

// InMemoryCount returns how many checkpoints this manager retains in memory.
func (m *Manager) InMemoryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recent)
}

// EnforceRetention keeps the Retention newest checkpoints by timestamp and
// deletes the rest from memory and disk. It runs after every Create and
// again from the maintenance scheduler, since sibling sessions write into
// the same directory.
func (m *Manager) EnforceRetention() error {
	all, err := m.List()
	if err != nil {
		return err
	}
	if len(all) <= Retention {
		return nil
	}
	for _, cp := range all[Retention:] {
		m.mu.Lock()
		delete(m.recent, cp.ID)
		m.mu.Unlock()
		if err := os.Remove(FilePath(m.dir, cp.ID)); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("delete superseded checkpoint failed", "checkpoint_id", cp.ID, "error", err)
			continue
		}
		m.logger.Debug("superseded checkpoint deleted", "checkpoint_id", cp.ID)
	}
	return nil
}
