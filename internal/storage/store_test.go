package storage_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/basket/taskvault/internal/model"
	"github.com/basket/taskvault/internal/storage"
)

func openTestStore(t *testing.T) (*storage.Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), ".persistence")
	return storage.Open(dir, nil), dir
}

func sampleTask(id string) *model.Task {
	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	return &model.Task{
		ID:        id,
		Name:      "index documents",
		Type:      "batch",
		Status:    model.TaskStatusPending,
		CreatedAt: created,
		UpdatedAt: created.Add(time.Minute),
		Tags:      []string{"search"},
		Parameters: map[string]any{
			"shard": "a",
		},
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	task := sampleTask("task-00000001")

	env, err := store.SaveTask(task, "session-a")
	if err != nil {
		t.Fatalf("save task: %v", err)
	}
	if env.Revision != 1 {
		t.Fatalf("revision = %d, want 1", env.Revision)
	}

	got, gotEnv, err := store.LoadTask(task.ID)
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	if got == nil {
		t.Fatal("load returned nil for existing task")
	}
	if !reflect.DeepEqual(got, task) {
		t.Fatalf("round-trip mismatch:\n got %+v\nwant %+v", got, task)
	}
	if gotEnv.ModifiedBy != "session-a" {
		t.Fatalf("modifiedBy = %q, want session-a", gotEnv.ModifiedBy)
	}
}

func TestStore_LoadMissingIsNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	got, env, err := store.LoadTask("task-does-not-exist")
	if err != nil {
		t.Fatalf("load missing: unexpected error %v", err)
	}
	if got != nil || env != nil {
		t.Fatalf("load missing: got %v / %v, want nil / nil", got, env)
	}
}

func TestStore_RevisionIncrementsPerWrite(t *testing.T) {
	store, _ := openTestStore(t)
	task := sampleTask("task-00000001")

	for want := int64(1); want <= 3; want++ {
		env, err := store.SaveTask(task, "session-a")
		if err != nil {
			t.Fatalf("save %d: %v", want, err)
		}
		if env.Revision != want {
			t.Fatalf("revision = %d, want %d", env.Revision, want)
		}
	}
}

func TestStore_DirectoryAutoCreatedOnFirstWrite(t *testing.T) {
	store, root := openTestStore(t)
	if _, err := os.Stat(filepath.Join(root, "tasks")); !os.IsNotExist(err) {
		t.Fatal("tasks dir should not exist before first write")
	}
	if _, err := store.SaveTask(sampleTask("task-00000001"), "s"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "tasks", "task-00000001.json")); err != nil {
		t.Fatalf("expected task file on disk: %v", err)
	}
}

func TestStore_DeleteMissingIsNoop(t *testing.T) {
	store, _ := openTestStore(t)
	if err := store.Delete("task-never-existed", false); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestStore_QueryTasksScansAll(t *testing.T) {
	store, _ := openTestStore(t)
	for _, id := range []string{"task-00000001", "task-00000002", "task-00000003"} {
		task := sampleTask(id)
		if id == "task-00000002" {
			task.Status = model.TaskStatusCompleted
		}
		if _, err := store.SaveTask(task, "s"); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	all, err := store.QueryTasks(nil)
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("query all returned %d tasks, want 3", len(all))
	}

	completed, err := store.QueryTasks(func(task *model.Task) bool {
		return task.Status == model.TaskStatusCompleted
	})
	if err != nil {
		t.Fatalf("query completed: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != "task-00000002" {
		t.Fatalf("query completed = %v, want [task-00000002]", completed)
	}
}

func TestStore_QueueRoundTrip(t *testing.T) {
	store, root := openTestStore(t)
	q := &model.Queue{
		ID:        "queue-00000001",
		UpdatedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		Payload:   map[string]any{"depth": "12"},
	}
	if _, err := store.SaveQueue(q, "s"); err != nil {
		t.Fatalf("save queue: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "queues", "queue-00000001.json")); err != nil {
		t.Fatalf("expected queue file: %v", err)
	}
	got, _, err := store.LoadQueue(q.ID)
	if err != nil {
		t.Fatalf("load queue: %v", err)
	}
	if !reflect.DeepEqual(got, q) {
		t.Fatalf("queue round-trip mismatch:\n got %+v\nwant %+v", got, q)
	}
}

func TestStore_ClearRemovesEverything(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.SaveTask(sampleTask("task-00000001"), "s"); err != nil {
		t.Fatalf("save task: %v", err)
	}
	if _, err := store.SaveQueue(&model.Queue{ID: "queue-00000001", UpdatedAt: time.Now().UTC()}, "s"); err != nil {
		t.Fatalf("save queue: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	tasks, err := store.SnapshotTasks()
	if err != nil {
		t.Fatalf("snapshot tasks: %v", err)
	}
	queues, err := store.SnapshotQueues()
	if err != nil {
		t.Fatalf("snapshot queues: %v", err)
	}
	if len(tasks) != 0 || len(queues) != 0 {
		t.Fatalf("clear left %d tasks, %d queues", len(tasks), len(queues))
	}
}

func TestStore_AtomicWriteLeavesNoTempFiles(t *testing.T) {
	store, root := openTestStore(t)
	if _, err := store.SaveTask(sampleTask("task-00000001"), "s"); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(root, "tasks"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "task-00000001.json" {
			t.Fatalf("unexpected file in tasks dir: %s", e.Name())
		}
	}
}
