package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/taskvault/internal/config"
	"github.com/basket/taskvault/internal/migrate"
	"github.com/basket/taskvault/internal/storage"
)

func runMigrateCommand(opts config.Options, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	to := fs.String("to", migrate.CurrentVersion, "target schema version")
	dryRun := fs.Bool("dry-run", false, "show the plan without writing")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	mgr := migrate.NewManager(logger, opts.BackupDir(), opts.MaxBackupVersions)
	if err := migrate.RegisterBuiltins(mgr); err != nil {
		fmt.Fprintf(os.Stderr, "register migrations: %v\n", err)
		return 1
	}

	paths, err := filepath.Glob(filepath.Join(opts.StorageDir, "tasks", "*.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan tasks: %v\n", err)
		return 1
	}

	var migrated, skipped, failed int
	for _, path := range paths {
		id := strings.TrimSuffix(filepath.Base(path), ".json")
		raw, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: read: %v\n", id, err)
			failed++
			continue
		}
		var env storage.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			fmt.Fprintf(os.Stderr, "%s: decode envelope: %v\n", id, err)
			failed++
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(env.Data, &doc); err != nil {
			fmt.Fprintf(os.Stderr, "%s: decode document: %v\n", id, err)
			failed++
			continue
		}

		from := mgr.DetectVersion(doc)
		if from == *to {
			skipped++
			continue
		}
		if *dryRun {
			steps, err := mgr.Plan(from, *to)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %s -> %s: %v\n", id, from, *to, err)
				failed++
				continue
			}
			names := make([]string, len(steps))
			for i, step := range steps {
				names[i] = step.ID()
			}
			fmt.Printf("%s: %s -> %s via %s\n", id, from, *to, strings.Join(names, ", "))
			migrated++
			continue
		}

		newDoc, version, err := mgr.MigrateDocument(id, doc, from, *to)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: stopped at %s: %v\n", id, version, err)
			failed++
			continue
		}
		data, err := json.Marshal(newDoc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: encode document: %v\n", id, err)
			failed++
			continue
		}
		env.Data = data
		env.ModifiedBy = "migration"
		env.SavedAt = time.Now().UTC()
		out, err := json.MarshalIndent(&env, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: encode envelope: %v\n", id, err)
			failed++
			continue
		}
		if err := storage.WriteFileAtomic(path, out); err != nil {
			fmt.Fprintf(os.Stderr, "%s: write: %v\n", id, err)
			failed++
			continue
		}
		migrated++
	}

	verb := "migrated"
	if *dryRun {
		verb = "would migrate"
	}
	fmt.Printf("%s %d, skipped %d, failed %d (target %s)\n", verb, migrated, skipped, failed, *to)
	if failed > 0 {
		return 1
	}
	return 0
}
