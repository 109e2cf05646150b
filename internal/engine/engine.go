// Package engine is the public face of the persistence layer. It wires
// validation, conflict resolution, the write buffer, checkpoints, crash
// recovery, and housekeeping into one handle shared by the CLI and by
// embedding programs.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/basket/taskvault/internal/audit"
	"github.com/basket/taskvault/internal/bus"
	"github.com/basket/taskvault/internal/cache"
	"github.com/basket/taskvault/internal/checkpoint"
	"github.com/basket/taskvault/internal/config"
	"github.com/basket/taskvault/internal/conflict"
	"github.com/basket/taskvault/internal/integrity"
	"github.com/basket/taskvault/internal/maintenance"
	"github.com/basket/taskvault/internal/model"
	"github.com/basket/taskvault/internal/otel"
	"github.com/basket/taskvault/internal/recovery"
	"github.com/basket/taskvault/internal/session"
	"github.com/basket/taskvault/internal/storage"
	"github.com/basket/taskvault/internal/txn"
)

// autoCheckpointEvery triggers an automatic checkpoint after this many
// operations, on top of the interval timer.
const autoCheckpointEvery = 1000

// Engine is one session's handle on the shared store. Public operations are
// serialized by an internal mutex; the same storage directory may be shared
// by other processes running their own engines.
type Engine struct {
	opts   config.Options
	logger *slog.Logger
	bus    *bus.Bus

	store       *storage.Store
	validator   *integrity.Validator
	resolver    *conflict.Resolver
	txns        *txn.Coordinator
	sess        *session.Manager
	checkpoints *checkpoint.Manager
	buffer      *cache.WriteBuffer
	prefetch    *cache.Prefetch
	journal     *audit.Journal
	provider    *otel.Provider
	metrics     *otel.Metrics
	maint       *maintenance.Scheduler

	flights singleflight.Group
	reloads <-chan config.ReloadEvent

	mu       sync.Mutex
	baseRevs map[string]int64

	initialized  atomic.Bool
	shuttingDown atomic.Bool
	errorCount   atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an engine from options. Nothing touches the disk until
// Initialize.
func New(opts config.Options, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := integrity.NewValidator(logger)
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}
	return &Engine{
		opts:        opts,
		logger:      logger,
		bus:         bus.New(),
		store:       storage.Open(opts.StorageDir, logger),
		validator:   validator,
		resolver:    conflict.NewResolver(opts.ConflictResolution, logger),
		txns:        txn.NewCoordinator(),
		checkpoints: checkpoint.NewManager(opts.CheckpointDir(), logger),
		buffer:      cache.NewWriteBuffer(cache.BufferCapacity),
		prefetch:    cache.NewPrefetch(cache.PrefetchCapacity, cache.PrefetchTTL),
		baseRevs:    make(map[string]int64),
	}, nil
}

// Bus returns the engine's event bus for subscribers.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// SessionID returns this engine's session id, or "" before Initialize.
func (e *Engine) SessionID() string {
	if e.sess == nil {
		return ""
	}
	return e.sess.ID()
}

// Initialize creates the on-disk layout, registers this session, recovers
// any crashed sibling, and starts the background timers. It is idempotent.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.initialized.Load() {
		return nil
	}
	for _, dir := range []string{e.opts.StorageDir, e.opts.SessionDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	otelCfg := e.opts.OTel
	if !e.opts.EnableMetrics {
		otelCfg.Enabled = false
	}
	provider, err := otel.Init(ctx, otelCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	e.provider = provider
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("build metrics: %w", err)
	}
	e.metrics = metrics

	journal, err := audit.Open(e.opts.SessionDir())
	if err != nil {
		return fmt.Errorf("open audit journal: %w", err)
	}
	e.journal = journal

	sess, err := session.NewManager(e.opts.SessionDir(), otel.Version, e.logger)
	if err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	e.sess = sess

	recovered, err := e.recoverSiblings(ctx)
	if err != nil {
		return err
	}

	maint, err := maintenance.NewScheduler(maintenance.Config{
		SessionDir:  e.opts.SessionDir(),
		Checkpoints: e.checkpoints,
		Prefetch:    e.prefetch,
		Logger:      e.logger,
		Schedule:    e.opts.MaintenanceSchedule,
	})
	if err != nil {
		return fmt.Errorf("build maintenance scheduler: %w", err)
	}
	e.maint = maint

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	if e.opts.HomeDir != "" {
		watcher := config.NewWatcher(e.opts.HomeDir, e.logger)
		if err := watcher.Start(runCtx); err != nil {
			e.logger.Warn("config watcher unavailable", "error", err)
		} else {
			e.reloads = watcher.Events()
		}
	}
	e.maint.Start(runCtx)
	e.wg.Add(1)
	go e.run(runCtx)

	e.initialized.Store(true)
	e.logger.Info("engine initialized",
		"session_id", sess.ID(),
		"storage_dir", e.opts.StorageDir,
		"strategy", e.resolver.Strategy(),
		"realtime_sync", e.opts.RealtimeSync,
		"config", e.opts.Fingerprint())
	e.bus.Publish(bus.TopicInitialized, bus.InitializedEvent{
		SessionID:         sess.ID(),
		StorageDir:        e.opts.StorageDir,
		SessionsRecovered: recovered,
	})
	return nil
}

// recoverSiblings runs the startup crash-recovery pass.
func (e *Engine) recoverSiblings(ctx context.Context) (int, error) {
	start := time.Now()
	runner := &recovery.Runner{
		SessionDir:    e.opts.SessionDir(),
		SelfSessionID: e.sess.ID(),
		Checkpoints:   e.checkpoints,
		Validator:     e.validator,
		Bus:           e.bus,
		Logger:        e.logger,
		Snapshot: func() (map[string]*model.Task, map[string]*model.Queue, []string) {
			tasks, err := e.store.SnapshotTasks()
			if err != nil {
				e.logger.Warn("snapshot tasks for safety checkpoint failed", "error", err)
			}
			queues, err := e.store.SnapshotQueues()
			if err != nil {
				e.logger.Warn("snapshot queues for safety checkpoint failed", "error", err)
			}
			return tasks, queues, e.txns.ActiveIDs()
		},
		Apply: func(cp *model.Checkpoint) error {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.restoreSnapshotLocked(cp)
		},
	}
	res, err := runner.Run(time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("crash recovery: %w", err)
	}
	e.metrics.RecoveryDuration.Record(ctx, time.Since(start).Seconds())
	if res.CrashedFound > 0 || res.StaleMarked > 0 {
		e.logger.Info("startup recovery pass",
			"scanned", res.SessionsScanned, "stale", res.StaleMarked,
			"crashed", res.CrashedFound, "recovered", res.Recovered, "failed", res.Failed)
	}
	return res.Recovered, nil
}

// run drives the three periodic jobs: session heartbeat, automatic
// checkpoints, and write-buffer flushes.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	heartbeat := time.NewTicker(e.opts.HeartbeatInterval())
	defer heartbeat.Stop()
	checkpoints := time.NewTicker(e.opts.CheckpointInterval())
	defer checkpoints.Stop()
	flush := time.NewTicker(cache.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := e.sess.Heartbeat(); err != nil {
				e.logger.Warn("heartbeat failed", "error", err)
			}
		case <-checkpoints.C:
			if _, err := e.CreateCheckpoint(ctx, model.CheckpointAutomatic); err != nil {
				e.logger.Error("automatic checkpoint failed", "error", err)
			}
		case <-flush.C:
			if err := e.Flush(ctx); err != nil {
				e.logger.Error("buffer flush failed", "error", err)
			}
		case ev, ok := <-e.reloads:
			if !ok {
				e.reloads = nil
				continue
			}
			fresh, err := config.Load()
			if err != nil {
				e.logger.Warn("config reload failed", "path", ev.Path, "error", err)
				continue
			}
			e.resolver.SetStrategy(fresh.ConflictResolution)
			heartbeat.Reset(fresh.HeartbeatInterval())
			checkpoints.Reset(fresh.CheckpointInterval())
			e.logger.Info("config reloaded",
				"path", ev.Path, "strategy", fresh.ConflictResolution)
		}
	}
}

// ready gates every public operation.
func (e *Engine) ready() error {
	if !e.initialized.Load() {
		return ErrNotInitialized
	}
	if e.shuttingDown.Load() {
		return ErrShuttingDown
	}
	return nil
}

// activeSessions returns the set of sibling sessions considered live:
// state active and heartbeated within the stale window.
func (e *Engine) activeSessions() map[string]bool {
	metas, err := session.LoadAll(e.opts.SessionDir())
	if err != nil {
		e.logger.Warn("scan sessions failed", "error", err)
		return nil
	}
	now := time.Now().UTC()
	out := make(map[string]bool, len(metas))
	for _, meta := range metas {
		if meta.State == model.SessionActive && !session.IsStale(meta, now) {
			out[meta.SessionID] = true
		}
	}
	return out
}

func (e *Engine) baseRev(key string) int64 {
	if rev, ok := e.baseRevs[key]; ok {
		return rev
	}
	return -1
}

// fail counts an error, publishes it on the given topic, and wraps it.
func (e *Engine) fail(topic, operation, entityID string, err error) error {
	e.errorCount.Add(1)
	if e.sess != nil {
		e.sess.AddError()
	}
	e.bus.Publish(topic, bus.OperationErrorEvent{
		Operation: operation,
		EntityID:  entityID,
		SessionID: e.SessionID(),
		Error:     err.Error(),
	})
	return fmt.Errorf("%s %s: %w", operation, entityID, err)
}

// HandleCrash takes an emergency checkpoint and marks this session crashed.
// It is the last resort called from a panic or fatal-signal path; errors are
// logged, not returned, since the process is already going down.
func (e *Engine) HandleCrash(ctx context.Context, reason string) {
	e.logger.Error("crash handler invoked", "reason", reason)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.flushLocked(ctx); err != nil {
		e.logger.Error("crash flush failed", "error", err)
	}
	cp, err := e.createCheckpointLocked(ctx, model.CheckpointCrashRecovery)
	if err != nil {
		e.logger.Error("emergency checkpoint failed", "error", err)
	} else {
		e.bus.Publish(bus.TopicEmergencyCheckpoint, bus.CheckpointEvent{
			CheckpointID: cp.ID,
			SessionID:    e.SessionID(),
			Type:         string(cp.Type),
			Tasks:        len(cp.TaskSnapshot),
			Queues:       len(cp.QueueSnapshot),
			Size:         cp.Size,
		})
	}
	if e.sess != nil {
		if err := e.sess.SetState(model.SessionCrashed); err != nil {
			e.logger.Error("mark session crashed failed", "error", err)
		}
	}
}

// Shutdown flushes pending writes, takes a final manual checkpoint unless
// forced, stops the timers, and marks the session terminated.
func (e *Engine) Shutdown(ctx context.Context, force bool) error {
	if !e.initialized.Load() {
		return nil
	}
	if !e.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.sess.SetState(model.SessionTerminating); err != nil {
		e.logger.Warn("mark session terminating failed", "error", err)
	}

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.maint.Stop()

	e.mu.Lock()
	flushErr := e.flushLocked(ctx)
	if flushErr != nil {
		e.logger.Error("final flush failed", "error", flushErr)
	}
	if !force {
		if _, err := e.createCheckpointLocked(ctx, model.CheckpointManual); err != nil {
			e.logger.Error("final checkpoint failed", "error", err)
			if flushErr == nil {
				flushErr = err
			}
		}
	}
	e.mu.Unlock()

	e.bus.Publish(bus.TopicShutdown, bus.ShutdownEvent{
		SessionID: e.SessionID(),
		Forced:    force,
	})
	if err := e.sess.SetState(model.SessionTerminated); err != nil {
		e.logger.Warn("mark session terminated failed", "error", err)
	}
	if err := e.journal.Close(); err != nil {
		e.logger.Warn("close audit journal failed", "error", err)
	}
	if err := e.provider.Shutdown(ctx); err != nil {
		e.logger.Warn("telemetry shutdown failed", "error", err)
	}
	e.logger.Info("engine shut down", "session_id", e.SessionID(), "forced", force)
	return flushErr
}

// Status is a point-in-time summary for the CLI.
type Status struct {
	SessionID     string             `json:"sessionId"`
	State         model.SessionState `json:"state"`
	StorageDir    string             `json:"storageDir"`
	BufferedSaves int                `json:"bufferedSaves"`
	CacheEntries  int                `json:"cacheEntries"`
	CacheHits     int64              `json:"cacheHits"`
	CacheMisses   int64              `json:"cacheMisses"`
	Conflicts     int64              `json:"conflictsResolved"`
	Errors        int64              `json:"errors"`
	Validations   int64              `json:"validationsPassed"`
}

// Status reports the engine's counters.
func (e *Engine) Status() Status {
	st := Status{
		StorageDir:    e.opts.StorageDir,
		BufferedSaves: e.buffer.Len(),
		CacheEntries:  e.prefetch.Len(),
		CacheHits:     e.prefetch.Hits(),
		CacheMisses:   e.prefetch.Misses(),
		Conflicts:     int64(e.resolver.Stats().Total),
		Errors:        e.errorCount.Load(),
		Validations:   e.validator.Counters().ValidationsPassed,
	}
	if e.sess != nil {
		meta := e.sess.Metadata()
		st.SessionID = meta.SessionID
		st.State = meta.State
	}
	return st
}
