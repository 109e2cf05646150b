package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/taskvault/internal/checkpoint"
	"github.com/basket/taskvault/internal/config"
	"github.com/basket/taskvault/internal/engine"
	"github.com/basket/taskvault/internal/model"
)

func runCheckpointsCommand(opts config.Options, logger *slog.Logger, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskvault checkpoints")
		return 2
	}

	cps, err := checkpoint.NewManager(opts.CheckpointDir(), logger).List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan checkpoints: %v\n", err)
		return 1
	}
	if plainOutput() {
		out, _ := json.MarshalIndent(cps, "", "  ")
		fmt.Println(string(out))
		return 0
	}
	if len(cps) == 0 {
		fmt.Println("no checkpoints")
		return 0
	}
	for _, cp := range cps {
		fmt.Printf("%-36s  %-14s  %s  session %s  %d tasks, %d queues\n",
			cp.ID, cp.Type, cp.Timestamp.Format(time.RFC3339),
			cp.SessionID, len(cp.TaskSnapshot), len(cp.QueueSnapshot))
	}
	return 0
}

func runCheckpointCommand(ctx context.Context, opts config.Options, logger *slog.Logger, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: taskvault checkpoint create | restore <id>")
		return 2
	}

	switch args[0] {
	case "create":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: taskvault checkpoint create")
			return 2
		}
		return withEngine(ctx, opts, logger, func(eng *engine.Engine) error {
			cp, err := eng.CreateCheckpoint(ctx, model.CheckpointManual)
			if err != nil {
				return err
			}
			fmt.Printf("checkpoint %s created (%d tasks, %d queues)\n",
				cp.ID, len(cp.TaskSnapshot), len(cp.QueueSnapshot))
			return nil
		})
	case "restore":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: taskvault checkpoint restore <id>")
			return 2
		}
		return withEngine(ctx, opts, logger, func(eng *engine.Engine) error {
			if err := eng.RestoreFromCheckpoint(ctx, args[1]); err != nil {
				return err
			}
			fmt.Printf("checkpoint %s restored\n", args[1])
			return nil
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown checkpoint action %q\n", args[0])
		return 2
	}
}

// withEngine runs op against a briefly-lived engine. The shutdown is forced
// so the command leaves no extra checkpoint behind.
func withEngine(ctx context.Context, opts config.Options, logger *slog.Logger, op func(*engine.Engine) error) int {
	eng, err := engine.New(opts, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		return 1
	}
	if err := eng.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "initialize: %v\n", err)
		return 1
	}
	opErr := op(eng)
	if err := eng.Shutdown(ctx, true); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		if opErr == nil {
			return 1
		}
	}
	if opErr != nil {
		fmt.Fprintf(os.Stderr, "%v\n", opErr)
		return 1
	}
	return 0
}
