package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/taskvault/internal/checkpoint"
	"github.com/basket/taskvault/internal/config"
	"github.com/basket/taskvault/internal/model"
	"github.com/basket/taskvault/internal/session"
	"github.com/basket/taskvault/internal/storage"
)

type statusReport struct {
	StorageDir      string     `json:"storageDir"`
	Tasks           int        `json:"tasks"`
	Queues          int        `json:"queues"`
	SessionsActive  int        `json:"sessionsActive"`
	SessionsStale   int        `json:"sessionsStale"`
	SessionsCrashed int        `json:"sessionsCrashed"`
	Checkpoints     int        `json:"checkpoints"`
	LastCheckpoint  *time.Time `json:"lastCheckpoint,omitempty"`
}

func runStatusCommand(opts config.Options, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskvault status")
		return 2
	}

	store := storage.Open(opts.StorageDir, slog.Default())
	report := statusReport{StorageDir: opts.StorageDir}

	if tasks, err := store.SnapshotTasks(); err == nil {
		report.Tasks = len(tasks)
	} else {
		fmt.Fprintf(os.Stderr, "scan tasks: %v\n", err)
		return 1
	}
	if queues, err := store.SnapshotQueues(); err == nil {
		report.Queues = len(queues)
	} else {
		fmt.Fprintf(os.Stderr, "scan queues: %v\n", err)
		return 1
	}

	metas, err := session.LoadAll(opts.SessionDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan sessions: %v\n", err)
		return 1
	}
	now := time.Now().UTC()
	for _, meta := range metas {
		switch {
		case meta.State == model.SessionCrashed || session.IsCrashed(meta, now):
			report.SessionsCrashed++
		case meta.State == model.SessionActive && session.IsStale(meta, now):
			report.SessionsStale++
		case meta.State == model.SessionActive:
			report.SessionsActive++
		}
	}

	cps, err := checkpoint.NewManager(opts.CheckpointDir(), slog.Default()).List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan checkpoints: %v\n", err)
		return 1
	}
	report.Checkpoints = len(cps)
	if len(cps) > 0 {
		ts := cps[0].Timestamp
		report.LastCheckpoint = &ts
	}

	if plainOutput() {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		return 0
	}
	fmt.Printf("storage      %s\n", report.StorageDir)
	fmt.Printf("tasks        %d\n", report.Tasks)
	fmt.Printf("queues       %d\n", report.Queues)
	fmt.Printf("sessions     %d active, %d stale, %d crashed\n",
		report.SessionsActive, report.SessionsStale, report.SessionsCrashed)
	if report.LastCheckpoint != nil {
		fmt.Printf("checkpoints  %d (latest %s)\n", report.Checkpoints,
			report.LastCheckpoint.Format(time.RFC3339))
	} else {
		fmt.Printf("checkpoints  none\n")
	}
	return 0
}
