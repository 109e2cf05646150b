package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskvault/internal/model"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCmd  string
		wantRest []string
	}{
		{name: "empty", args: nil, wantCmd: ""},
		{name: "bare command", args: []string{"status"}, wantCmd: "status"},
		{name: "command with args", args: []string{"checkpoint", "restore", "abc"},
			wantCmd: "checkpoint", wantRest: []string{"restore", "abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, rest := parseCommand(tt.args)
			if cmd != tt.wantCmd {
				t.Fatalf("cmd = %q, want %q", cmd, tt.wantCmd)
			}
			if len(rest) != len(tt.wantRest) {
				t.Fatalf("rest = %v, want %v", rest, tt.wantRest)
			}
			for i := range rest {
				if rest[i] != tt.wantRest[i] {
					t.Fatalf("rest = %v, want %v", rest, tt.wantRest)
				}
			}
		})
	}
}

func TestPrintUsageListsSubcommands(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)
	out := buf.String()
	for _, want := range []string{"status", "sessions", "checkpoints", "checkpoint restore", "recover", "migrate", "audit"} {
		if !strings.Contains(out, want) {
			t.Fatalf("usage missing %q:\n%s", want, out)
		}
	}
}

func TestLiveness(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name  string
		state model.SessionState
		age   time.Duration
		want  string
	}{
		{"fresh active", model.SessionActive, time.Minute, "live"},
		{"stale active", model.SessionActive, 7 * time.Minute, "stale"},
		{"silent active", model.SessionActive, 15 * time.Minute, "crashed"},
		{"terminated", model.SessionTerminated, time.Minute, "terminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := &model.SessionMetadata{
				SessionID:    "session-x",
				State:        tt.state,
				LastActivity: now.Add(-tt.age),
			}
			if got := liveness(meta, now); got != tt.want {
				t.Fatalf("liveness = %q, want %q", got, tt.want)
			}
		})
	}
}
