package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskvault/internal/config"
	"github.com/basket/taskvault/internal/migrate"
	"github.com/basket/taskvault/internal/storage"
)

func writeTaskEnvelope(t *testing.T, storageDir, id string, doc map[string]any) string {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal document: %v", err)
	}
	env := storage.Envelope{
		Revision:   1,
		ModifiedBy: "session-a",
		SavedAt:    time.Now().UTC(),
		Data:       data,
	}
	raw, err := json.MarshalIndent(&env, "", "  ")
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	path := filepath.Join(storageDir, "tasks", id+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("create tasks dir: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
	return path
}

func readTaskEnvelope(t *testing.T, path string) (storage.Envelope, map[string]any) {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	var env storage.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(env.Data, &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	return env, doc
}

func TestRunMigrateCommandUpgradesDocuments(t *testing.T) {
	opts := config.Options{
		StorageDir:        filepath.Join(t.TempDir(), "home", ".persistence"),
		MaxBackupVersions: 3,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := writeTaskEnvelope(t, opts.StorageDir, "task-00000001",
		map[string]any{"id": "task-00000001", "name": "needs upgrading"})

	if code := runMigrateCommand(opts, logger, nil); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	env, doc := readTaskEnvelope(t, path)
	if env.ModifiedBy != "migration" {
		t.Fatalf("modifiedBy = %q, want migration", env.ModifiedBy)
	}
	if doc["schemaVersion"] != migrate.CurrentVersion {
		t.Fatalf("schemaVersion = %v, want %s", doc["schemaVersion"], migrate.CurrentVersion)
	}
}

func TestRunMigrateCommandDryRunLeavesFiles(t *testing.T) {
	opts := config.Options{
		StorageDir:        filepath.Join(t.TempDir(), "home", ".persistence"),
		MaxBackupVersions: 3,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := writeTaskEnvelope(t, opts.StorageDir, "task-00000002",
		map[string]any{"id": "task-00000002", "name": "untouched"})

	if code := runMigrateCommand(opts, logger, []string{"-dry-run"}); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	env, doc := readTaskEnvelope(t, path)
	if env.ModifiedBy != "session-a" {
		t.Fatalf("modifiedBy = %q, dry run must not rewrite", env.ModifiedBy)
	}
	if _, ok := doc["schemaVersion"]; ok {
		t.Fatal("dry run transformed the document")
	}
}

func TestRunMigrateCommandSkipsCurrentVersion(t *testing.T) {
	opts := config.Options{
		StorageDir:        filepath.Join(t.TempDir(), "home", ".persistence"),
		MaxBackupVersions: 3,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := writeTaskEnvelope(t, opts.StorageDir, "task-00000003",
		map[string]any{"id": "task-00000003", "schemaVersion": migrate.CurrentVersion})

	if code := runMigrateCommand(opts, logger, nil); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	env, _ := readTaskEnvelope(t, path)
	if env.ModifiedBy != "session-a" {
		t.Fatalf("modifiedBy = %q, up-to-date document must not be rewritten", env.ModifiedBy)
	}
}
