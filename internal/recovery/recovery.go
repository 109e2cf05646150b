// Package recovery scans sibling session files at startup, demotes stale
// sessions, and restores state from the latest checkpoint of any session
// that died without shutting down.
package recovery

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/taskvault/internal/bus"
	"github.com/basket/taskvault/internal/checkpoint"
	"github.com/basket/taskvault/internal/integrity"
	"github.com/basket/taskvault/internal/model"
	"github.com/basket/taskvault/internal/session"
)

// Runner performs one startup recovery pass. Snapshot and Apply are
// supplied by the caller: Snapshot captures the current state for the
// safety checkpoint taken before any restore, and Apply replays a
// checkpoint's snapshot into storage.
type Runner struct {
	SessionDir    string
	SelfSessionID string
	Checkpoints   *checkpoint.Manager
	Validator     *integrity.Validator
	Bus           *bus.Bus
	Logger        *slog.Logger

	Snapshot func() (tasks map[string]*model.Task, queues map[string]*model.Queue, activeTxns []string)
	Apply    func(cp *model.Checkpoint) error
}

// Result summarizes one recovery pass.
type Result struct {
	SessionsScanned int
	StaleMarked     int
	CrashedFound    int
	Recovered       int
	Failed          int
}

// Run examines every sibling session file. A session active but silent for
// longer than the stale window is marked inactive; one silent past the
// crash window is recovered from its latest checkpoint and marked crashed.
func (r *Runner) Run(now time.Time) (Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var res Result

	metas, err := session.LoadAll(r.SessionDir)
	if err != nil {
		return res, fmt.Errorf("scan sessions: %w", err)
	}
	for _, meta := range metas {
		if meta.SessionID == r.SelfSessionID {
			continue
		}
		res.SessionsScanned++

		switch {
		case meta.State == model.SessionActive && session.IsCrashed(meta, now):
			res.CrashedFound++
			if err := r.recoverSession(meta, now, logger); err != nil {
				res.Failed++
				logger.Error("crash recovery failed",
					"crashed_session", meta.SessionID, "error", err)
			} else {
				res.Recovered++
			}
		case meta.State == model.SessionActive && session.IsStale(meta, now):
			meta.State = model.SessionInactive
			if err := session.Save(r.SessionDir, meta); err != nil {
				logger.Warn("mark stale session failed",
					"session_id", meta.SessionID, "error", err)
				continue
			}
			res.StaleMarked++
			logger.Info("stale session marked inactive", "session_id", meta.SessionID)
		}
	}
	return res, nil
}

// recoverSession restores one crashed session's latest checkpoint. The
// crashed marker is written even when no checkpoint exists, so the same
// session is not re-examined on the next startup.
func (r *Runner) recoverSession(meta *model.SessionMetadata, now time.Time, logger *slog.Logger) error {
	started := time.Now().UTC()
	r.publish(bus.TopicRecoveryStarted, bus.RecoveryEvent{
		CrashedSessionID: meta.SessionID, StartedAt: started,
	})

	cp, err := r.Checkpoints.LatestForSession(meta.SessionID)
	if err != nil {
		r.publishFailure(meta.SessionID, "", started, err)
		return fmt.Errorf("find checkpoint for session %s: %w", meta.SessionID, err)
	}
	if cp == nil {
		logger.Warn("crashed session has no checkpoint", "crashed_session", meta.SessionID)
		r.publish(bus.TopicRecoveryNoCheckpoint, bus.RecoveryEvent{
			CrashedSessionID: meta.SessionID, StartedAt: started,
		})
		return r.markCrashed(meta, now)
	}

	if r.Validator != nil {
		if err := r.Validator.ValidateCheckpoint(cp); err != nil {
			r.publishFailure(meta.SessionID, cp.ID, started, err)
			return fmt.Errorf("checkpoint %s failed integrity check: %w", cp.ID, err)
		}
	}

	// Safety net before overwriting anything: checkpoint the state as it
	// stands now, attributed to this session.
	if r.Snapshot != nil {
		tasks, queues, txns := r.Snapshot()
		if _, err := r.Checkpoints.Create(r.SelfSessionID, model.CheckpointCrashRecovery, tasks, queues, txns); err != nil {
			r.publishFailure(meta.SessionID, cp.ID, started, err)
			return fmt.Errorf("create safety checkpoint: %w", err)
		}
	}

	if r.Apply != nil {
		if err := r.Apply(cp); err != nil {
			r.publishFailure(meta.SessionID, cp.ID, started, err)
			return fmt.Errorf("restore checkpoint %s: %w", cp.ID, err)
		}
	}
	if err := r.markCrashed(meta, now); err != nil {
		return err
	}

	logger.Info("crashed session recovered",
		"crashed_session", meta.SessionID, "checkpoint_id", cp.ID,
		"tasks", len(cp.TaskSnapshot), "queues", len(cp.QueueSnapshot))
	r.publish(bus.TopicRecoveryCompleted, bus.RecoveryEvent{
		CrashedSessionID: meta.SessionID, CheckpointID: cp.ID, StartedAt: started,
	})
	return nil
}

func (r *Runner) markCrashed(meta *model.SessionMetadata, now time.Time) error {
	meta.State = model.SessionCrashed
	end := now.UTC()
	meta.EndTime = &end
	if err := session.Save(r.SessionDir, meta); err != nil {
		return fmt.Errorf("mark session %s crashed: %w", meta.SessionID, err)
	}
	return nil
}

func (r *Runner) publish(topic string, ev bus.RecoveryEvent) {
	if r.Bus != nil {
		r.Bus.Publish(topic, ev)
	}
}

func (r *Runner) publishFailure(sessionID, checkpointID string, started time.Time, err error) {
	r.publish(bus.TopicRecoveryFailed, bus.RecoveryEvent{
		CrashedSessionID: sessionID, CheckpointID: checkpointID,
		StartedAt: started, Error: err.Error(),
	})
}
