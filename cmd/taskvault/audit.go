package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/basket/taskvault/internal/audit"
	"github.com/basket/taskvault/internal/config"
)

func runAuditCommand(opts config.Options, args []string) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	count := fs.Int("n", 50, "number of entries to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	journal, err := audit.Open(opts.SessionDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open audit journal: %v\n", err)
		return 1
	}
	defer journal.Close()

	entries, err := journal.List(*count)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list audit entries: %v\n", err)
		return 1
	}
	if plainOutput() {
		out, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(out))
		return 0
	}
	if len(entries) == 0 {
		fmt.Println("no audit entries")
		return 0
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-18s  %s/%s  session %s",
			e.Timestamp, e.Operation, e.EntityType, e.EntityID, e.SessionID)
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		fmt.Println(line)
	}
	return 0
}
