// Package storage implements the per-entity JSON file store shared by every
// session. Each task or queue is one pretty-printed file named by id under
// tasks/ or queues/ inside the storage root.
//
// Files carry an envelope around the entity: a monotonically increasing
// revision counter and the id of the last writing session. The revision is
// the optimistic token conflict detection uses alongside updatedAt, since
// sibling processes share the directory with no file locking.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/basket/taskvault/internal/model"
)

// Envelope wraps a persisted entity with write-attribution metadata.
type Envelope struct {
	Revision   int64           `json:"revision"`
	ModifiedBy string          `json:"modifiedBy"`
	SavedAt    time.Time       `json:"savedAt"`
	Data       json.RawMessage `json:"data"`
}

// Store reads and writes entity files under one storage root.
type Store struct {
	root   string
	logger *slog.Logger
}

// Open returns a store rooted at dir. Directories are created lazily on
// first write.
func Open(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: dir, logger: logger}
}

// Root returns the storage root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) dir(isQueue bool) string {
	if isQueue {
		return filepath.Join(s.root, "queues")
	}
	return filepath.Join(s.root, "tasks")
}

func (s *Store) path(id string, isQueue bool) string {
	return filepath.Join(s.dir(isQueue), id+".json")
}

// SaveTask persists the task, bumping the file's revision. It returns the
// envelope that was written.
func (s *Store) SaveTask(t *model.Task, sessionID string) (*Envelope, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return s.save(t.ID, false, data, sessionID)
}

// SaveQueue persists the queue through the same path as tasks.
func (s *Store) SaveQueue(q *model.Queue, sessionID string) (*Envelope, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal queue %s: %w", q.ID, err)
	}
	return s.save(q.ID, true, data, sessionID)
}

func (s *Store) save(id string, isQueue bool, data []byte, sessionID string) (*Envelope, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("save: empty id")
	}
	dir := s.dir(isQueue)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s directory: %w", filepath.Base(dir), err)
	}

	var revision int64 = 1
	if prev, err := s.readEnvelope(id, isQueue); err != nil {
		return nil, err
	} else if prev != nil {
		revision = prev.Revision + 1
	}

	env := &Envelope{
		Revision:   revision,
		ModifiedBy: sessionID,
		SavedAt:    time.Now().UTC(),
		Data:       data,
	}
	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", id, err)
	}
	if err := WriteFileAtomic(s.path(id, isQueue), out); err != nil {
		return nil, fmt.Errorf("write %s: %w", id, err)
	}
	return env, nil
}

// LoadTask reads a task by id. A missing file is "not found", not an error:
// both return values are nil.
func (s *Store) LoadTask(id string) (*model.Task, *Envelope, error) {
	env, err := s.readEnvelope(id, false)
	if err != nil || env == nil {
		return nil, nil, err
	}
	var t model.Task
	if err := json.Unmarshal(env.Data, &t); err != nil {
		return nil, nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, env, nil
}

// LoadQueue reads a queue by id, with the same missing-file semantics as
// LoadTask.
func (s *Store) LoadQueue(id string) (*model.Queue, *Envelope, error) {
	env, err := s.readEnvelope(id, true)
	if err != nil || env == nil {
		return nil, nil, err
	}
	var q model.Queue
	if err := json.Unmarshal(env.Data, &q); err != nil {
		return nil, nil, fmt.Errorf("decode queue %s: %w", id, err)
	}
	return &q, env, nil
}

// Delete removes the entity file. Deleting a missing entity is a no-op.
func (s *Store) Delete(id string, isQueue bool) error {
	err := os.Remove(s.path(id, isQueue))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func (s *Store) readEnvelope(id string, isQueue bool) (*Envelope, error) {
	data, err := os.ReadFile(s.path(id, isQueue))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope %s: %w", id, err)
	}
	return &env, nil
}

// QueryTasks scans and parses every task file, returning those the filter
// accepts. A nil filter accepts everything. There is no index: this is a
// full directory scan by design.
func (s *Store) QueryTasks(filter func(*model.Task) bool) ([]*model.Task, error) {
	ids, err := s.list(false)
	if err != nil {
		return nil, err
	}
	var out []*model.Task
	for _, id := range ids {
		t, _, err := s.LoadTask(id)
		if err != nil {
			return nil, err
		}
		if t == nil {
			continue
		}
		if filter == nil || filter(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// SnapshotTasks returns every persisted task keyed by id.
func (s *Store) SnapshotTasks() (map[string]*model.Task, error) {
	ids, err := s.list(false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*model.Task, len(ids))
	for _, id := range ids {
		t, _, err := s.LoadTask(id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			out[t.ID] = t
		}
	}
	return out, nil
}

// SnapshotQueues returns every persisted queue keyed by id.
func (s *Store) SnapshotQueues() (map[string]*model.Queue, error) {
	ids, err := s.list(true)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*model.Queue, len(ids))
	for _, id := range ids {
		q, _, err := s.LoadQueue(id)
		if err != nil {
			return nil, err
		}
		if q != nil {
			out[q.ID] = q
		}
	}
	return out, nil
}

// Clear deletes every task and queue file. Used by checkpoint restore before
// replaying a snapshot.
func (s *Store) Clear() error {
	for _, isQueue := range []bool{false, true} {
		ids, err := s.list(isQueue)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := s.Delete(id, isQueue); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) list(isQueue bool) ([]string, error) {
	entries, err := os.ReadDir(s.dir(isQueue))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan %s: %w", filepath.Base(s.dir(isQueue)), err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers never observe a partial write.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
