package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskvault/internal/config"
	"github.com/basket/taskvault/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage of %s:

SUBCOMMANDS:
  %s status                   Show store, session, and checkpoint summary
  %s sessions                 List session files with liveness
  %s checkpoints              List retained checkpoints, newest first
  %s checkpoint create        Take a manual checkpoint now
  %s checkpoint restore <id>  Replace the store with a checkpoint snapshot
  %s recover                  Run the crash-recovery pass by hand
  %s migrate [-to <ver>] [-dry-run]
                              Upgrade or downgrade task documents
  %s audit [-n <count>]       Show recent audit journal entries

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(w, `
ENVIRONMENT VARIABLES:
  TASKVAULT_HOME              Data directory (default: ~/.taskvault)
  TASKVAULT_STORAGE_DIR       Storage root override
  TASKVAULT_CONFLICT_RESOLUTION
                              timestamp, merge, or manual
`)
}

// parseCommand splits the positional arguments into a subcommand name and
// its remaining arguments.
func parseCommand(args []string) (string, []string) {
	if len(args) == 0 {
		return "", nil
	}
	return args[0], args[1:]
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	fs := flag.NewFlagSet("taskvault", flag.ContinueOnError)
	fs.Usage = func() { printUsage(os.Stderr) }
	quiet := fs.Bool("quiet", false, "suppress console log output")
	if err := fs.Parse(argv); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	// Console logging is for humans; pipes get the log file only.
	consoleQuiet := *quiet || !isatty.IsTerminal(os.Stderr.Fd())
	logger, closer, err := telemetry.NewLogger(config.HomeDir(), opts.LogLevel, consoleQuiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	cmd, rest := parseCommand(fs.Args())
	switch cmd {
	case "status":
		return runStatusCommand(opts, rest)
	case "sessions":
		return runSessionsCommand(opts, rest)
	case "checkpoints":
		return runCheckpointsCommand(opts, logger, rest)
	case "checkpoint":
		return runCheckpointCommand(ctx, opts, logger, rest)
	case "recover":
		return runRecoverCommand(opts, logger, rest)
	case "migrate":
		return runMigrateCommand(opts, logger, rest)
	case "audit":
		return runAuditCommand(opts, rest)
	case "help":
		printUsage(os.Stdout)
		return 0
	case "":
		printUsage(os.Stderr)
		return 2
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", cmd)
		printUsage(os.Stderr)
		return 2
	}
}

// plainOutput reports whether stdout is a pipe, in which case commands emit
// JSON instead of aligned text.
func plainOutput() bool {
	return !isatty.IsTerminal(os.Stdout.Fd())
}
