package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/taskvault/internal/config"
	"github.com/basket/taskvault/internal/model"
	"github.com/basket/taskvault/internal/session"
)

type sessionRow struct {
	SessionID    string             `json:"sessionId"`
	State        model.SessionState `json:"state"`
	PID          int                `json:"pid"`
	Hostname     string             `json:"hostname"`
	LastActivity time.Time          `json:"lastActivity"`
	Liveness     string             `json:"liveness"`
}

// liveness classifies a session file by its heartbeat age.
func liveness(meta *model.SessionMetadata, now time.Time) string {
	switch {
	case session.IsCrashed(meta, now):
		return "crashed"
	case meta.State == model.SessionActive && session.IsStale(meta, now):
		return "stale"
	case meta.State == model.SessionActive:
		return "live"
	default:
		return string(meta.State)
	}
}

func runSessionsCommand(opts config.Options, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskvault sessions")
		return 2
	}

	metas, err := session.LoadAll(opts.SessionDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan sessions: %v\n", err)
		return 1
	}
	now := time.Now().UTC()
	rows := make([]sessionRow, 0, len(metas))
	for _, meta := range metas {
		rows = append(rows, sessionRow{
			SessionID:    meta.SessionID,
			State:        meta.State,
			PID:          meta.ProcessInfo.PID,
			Hostname:     meta.ProcessInfo.Hostname,
			LastActivity: meta.LastActivity,
			Liveness:     liveness(meta, now),
		})
	}

	if plainOutput() {
		out, _ := json.MarshalIndent(rows, "", "  ")
		fmt.Println(string(out))
		return 0
	}
	if len(rows) == 0 {
		fmt.Println("no sessions")
		return 0
	}
	for _, row := range rows {
		fmt.Printf("%-36s  %-11s  %-8s  pid %-6d  last seen %s\n",
			row.SessionID, row.State, row.Liveness, row.PID,
			now.Sub(row.LastActivity).Round(time.Second))
	}
	return 0
}
