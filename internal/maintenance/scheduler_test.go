package maintenance_test

import (
	"os"
	"testing"
	"time"

	"github.com/basket/taskvault/internal/cache"
	"github.com/basket/taskvault/internal/checkpoint"
	"github.com/basket/taskvault/internal/maintenance"
	"github.com/basket/taskvault/internal/model"
	"github.com/basket/taskvault/internal/session"
)

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	next, err := maintenance.NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("parse schedule: %v", err)
	}
	want := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next run = %v, want %v", next, want)
	}
}

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	_, err := maintenance.NewScheduler(maintenance.Config{Schedule: "not a cron"})
	if err == nil {
		t.Fatal("bad schedule accepted")
	}
}

func TestRunJobsSweepsDeadSessions(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()

	old := &model.SessionMetadata{
		SessionID:    "long-dead",
		StartTime:    now.Add(-2 * time.Hour),
		LastActivity: now.Add(-time.Hour),
		State:        model.SessionCrashed,
	}
	fresh := &model.SessionMetadata{
		SessionID:    "still-here",
		StartTime:    now.Add(-time.Minute),
		LastActivity: now,
		State:        model.SessionActive,
	}
	for _, meta := range []*model.SessionMetadata{old, fresh} {
		if err := session.Save(dir, meta); err != nil {
			t.Fatalf("seed session %s: %v", meta.SessionID, err)
		}
	}

	s, err := maintenance.NewScheduler(maintenance.Config{SessionDir: dir})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.RunJobs(now)

	if _, err := os.Stat(session.Path(dir, "long-dead")); !os.IsNotExist(err) {
		t.Fatalf("dead session file not swept: %v", err)
	}
	if _, err := os.Stat(session.Path(dir, "still-here")); err != nil {
		t.Fatalf("live session file swept: %v", err)
	}
}

func TestRunJobsPurgesExpiredCacheAndRetention(t *testing.T) {
	p := cache.NewPrefetch(10, time.Millisecond)
	p.Put("task/task-00000001", "stale value")
	time.Sleep(5 * time.Millisecond)

	cps := checkpoint.NewManager(t.TempDir(), nil)
	for i := 0; i < 12; i++ {
		if _, err := cps.Create("session-a", model.CheckpointAutomatic, nil, nil, nil); err != nil {
			t.Fatalf("seed checkpoint: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	s, err := maintenance.NewScheduler(maintenance.Config{
		SessionDir:  t.TempDir(),
		Checkpoints: cps,
		Prefetch:    p,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.RunJobs(time.Now().UTC())

	if got := p.Len(); got != 0 {
		t.Fatalf("cache len after purge = %d, want 0", got)
	}
	all, err := cps.List()
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(all) != checkpoint.Retention {
		t.Fatalf("checkpoints after retention = %d, want %d", len(all), checkpoint.Retention)
	}
}
