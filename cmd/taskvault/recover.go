package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskvault/internal/bus"
	"github.com/basket/taskvault/internal/checkpoint"
	"github.com/basket/taskvault/internal/config"
	"github.com/basket/taskvault/internal/integrity"
	"github.com/basket/taskvault/internal/model"
	"github.com/basket/taskvault/internal/recovery"
	"github.com/basket/taskvault/internal/storage"
)

// runRecoverCommand runs the startup crash-recovery pass on demand,
// without registering a session of its own.
func runRecoverCommand(opts config.Options, logger *slog.Logger, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskvault recover")
		return 2
	}

	store := storage.Open(opts.StorageDir, logger)
	validator, err := integrity.NewValidator(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "validator: %v\n", err)
		return 1
	}
	cliSession := "recover-cli-" + uuid.NewString()

	runner := &recovery.Runner{
		SessionDir:    opts.SessionDir(),
		SelfSessionID: cliSession,
		Checkpoints:   checkpoint.NewManager(opts.CheckpointDir(), logger),
		Validator:     validator,
		Bus:           bus.New(),
		Logger:        logger,
		Snapshot: func() (map[string]*model.Task, map[string]*model.Queue, []string) {
			tasks, err := store.SnapshotTasks()
			if err != nil {
				logger.Warn("snapshot tasks failed", "error", err)
			}
			queues, err := store.SnapshotQueues()
			if err != nil {
				logger.Warn("snapshot queues failed", "error", err)
			}
			return tasks, queues, nil
		},
		Apply: func(cp *model.Checkpoint) error {
			if err := store.Clear(); err != nil {
				return err
			}
			for _, t := range cp.TaskSnapshot {
				if _, err := store.SaveTask(t, cliSession); err != nil {
					return err
				}
			}
			for _, q := range cp.QueueSnapshot {
				if _, err := store.SaveQueue(q, cliSession); err != nil {
					return err
				}
			}
			return nil
		},
	}

	res, err := runner.Run(time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "recover: %v\n", err)
		return 1
	}
	fmt.Printf("scanned %d sessions: %d stale marked, %d crashed, %d recovered, %d failed\n",
		res.SessionsScanned, res.StaleMarked, res.CrashedFound, res.Recovered, res.Failed)
	if res.Failed > 0 {
		return 1
	}
	return 0
}
