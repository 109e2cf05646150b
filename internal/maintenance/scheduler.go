// Package maintenance runs the engine's periodic housekeeping on a cron
// schedule: sweeping long-dead session files, purging expired prefetch
// entries, and re-enforcing checkpoint retention against siblings.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskvault/internal/cache"
	"github.com/basket/taskvault/internal/checkpoint"
	"github.com/basket/taskvault/internal/session"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	SessionDir  string
	Checkpoints *checkpoint.Manager
	Prefetch    *cache.Prefetch
	Logger      *slog.Logger
	Schedule    string        // cron expression; defaults to every 5 minutes
	Interval    time.Duration // tick interval; defaults to 30 seconds if zero
}

// Scheduler checks the cron schedule on each tick and runs every
// housekeeping job when a run is due.
type Scheduler struct {
	cfg     Config
	logger  *slog.Logger
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. An unparsable schedule is rejected.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "*/5 * * * *"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	next, err := NextRunTime(cfg.Schedule, time.Now())
	if err != nil {
		return nil, err
	}
	return &Scheduler{cfg: cfg, logger: logger, nextRun: next}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started",
		"schedule", s.cfg.Schedule, "next_run", s.nextRun)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick runs the jobs when the schedule is due and computes the next run.
func (s *Scheduler) tick(now time.Time) {
	if now.Before(s.nextRun) {
		return
	}
	s.RunJobs(now)
	next, err := NextRunTime(s.cfg.Schedule, now)
	if err != nil {
		s.logger.Error("maintenance: compute next run failed",
			"schedule", s.cfg.Schedule, "error", err)
		return
	}
	s.nextRun = next
}

// RunJobs executes one full housekeeping pass.
func (s *Scheduler) RunJobs(now time.Time) {
	swept := s.sweepSessions(now)

	purged := 0
	if s.cfg.Prefetch != nil {
		purged = s.cfg.Prefetch.PurgeExpired()
	}
	if s.cfg.Checkpoints != nil {
		if err := s.cfg.Checkpoints.EnforceRetention(); err != nil {
			s.logger.Error("maintenance: checkpoint retention failed", "error", err)
		}
	}
	s.logger.Info("maintenance pass completed",
		"sessions_swept", swept, "cache_purged", purged)
}

// sweepSessions deletes session files that have been silent past the sweep
// window, regardless of their recorded state.
func (s *Scheduler) sweepSessions(now time.Time) int {
	metas, err := session.LoadAll(s.cfg.SessionDir)
	if err != nil {
		s.logger.Error("maintenance: scan sessions failed", "error", err)
		return 0
	}
	swept := 0
	for _, meta := range metas {
		if !session.ShouldSweep(meta, now) {
			continue
		}
		if err := session.Remove(s.cfg.SessionDir, meta.SessionID); err != nil {
			s.logger.Warn("maintenance: sweep session failed",
				"session_id", meta.SessionID, "error", err)
			continue
		}
		swept++
		s.logger.Debug("swept dead session file", "session_id", meta.SessionID)
	}
	return swept
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
