package engine

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskvault/internal/audit"
	"github.com/basket/taskvault/internal/bus"
	"github.com/basket/taskvault/internal/model"
	"github.com/basket/taskvault/internal/otel"
)

// CreateCheckpoint flushes pending writes and snapshots the full store.
func (e *Engine) CreateCheckpoint(ctx context.Context, cpType model.CheckpointType) (*model.Checkpoint, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ctx, span := otel.StartSpan(ctx, e.provider.Tracer, "engine.create_checkpoint",
		otel.AttrSessionID.String(e.SessionID()))
	defer span.End()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createCheckpointLocked(ctx, cpType)
}

func (e *Engine) createCheckpointLocked(ctx context.Context, cpType model.CheckpointType) (*model.Checkpoint, error) {
	if err := e.flushLocked(ctx); err != nil {
		return nil, e.failCheckpoint(cpType, err)
	}
	tasks, err := e.store.SnapshotTasks()
	if err != nil {
		return nil, e.failCheckpoint(cpType, err)
	}
	queues, err := e.store.SnapshotQueues()
	if err != nil {
		return nil, e.failCheckpoint(cpType, err)
	}
	cp, err := e.checkpoints.Create(e.SessionID(), cpType, tasks, queues, e.txns.ActiveIDs())
	if err != nil {
		return nil, e.failCheckpoint(cpType, err)
	}

	e.metrics.CheckpointsCreated.Add(ctx, 1,
		metric.WithAttributes(otel.AttrCheckpointID.String(cp.ID)))
	e.journal.Record(audit.OpCheckpoint, "checkpoint", cp.ID, e.SessionID(), string(cpType))
	e.bus.Publish(bus.TopicCheckpointCreated, bus.CheckpointEvent{
		CheckpointID: cp.ID,
		SessionID:    e.SessionID(),
		Type:         string(cpType),
		Tasks:        len(cp.TaskSnapshot),
		Queues:       len(cp.QueueSnapshot),
		Size:         cp.Size,
	})
	return cp, nil
}

// RestoreFromCheckpoint replaces the entire store with a checkpoint's
// snapshot after re-verifying its integrity.
func (e *Engine) RestoreFromCheckpoint(ctx context.Context, checkpointID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	ctx, span := otel.StartSpan(ctx, e.provider.Tracer, "engine.restore_checkpoint",
		otel.AttrCheckpointID.String(checkpointID))
	defer span.End()
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, err := e.checkpoints.Load(checkpointID)
	if err != nil {
		return e.failRestore(checkpointID, err)
	}
	if cp == nil {
		return e.failRestore(checkpointID, ErrCheckpointNotFound)
	}
	if err := e.validator.ValidateCheckpoint(cp); err != nil {
		return e.failRestore(checkpointID, err)
	}
	if err := e.restoreSnapshotLocked(cp); err != nil {
		return e.failRestore(checkpointID, err)
	}

	e.metrics.CheckpointsRestored.Add(ctx, 1)
	e.journal.Record(audit.OpRestore, "checkpoint", cp.ID, e.SessionID(), "")
	e.bus.Publish(bus.TopicCheckpointRestored, bus.CheckpointEvent{
		CheckpointID: cp.ID,
		SessionID:    e.SessionID(),
		Type:         string(cp.Type),
		Tasks:        len(cp.TaskSnapshot),
		Queues:       len(cp.QueueSnapshot),
		Size:         cp.Size,
	})
	e.sess.AddOperation()
	return nil
}

// restoreSnapshotLocked clears the store and caches, then replays the
// snapshot under one advisory transaction.
func (e *Engine) restoreSnapshotLocked(cp *model.Checkpoint) error {
	e.buffer.Drain()
	e.prefetch.Clear()
	e.baseRevs = make(map[string]int64)

	tx := e.txns.Begin("")
	if err := e.store.Clear(); err != nil {
		_ = e.txns.Rollback(tx.ID)
		return err
	}
	for id, t := range cp.TaskSnapshot {
		if err := e.persistTaskLocked(t); err != nil {
			_ = e.txns.Rollback(tx.ID)
			return err
		}
		e.txns.Record(tx.ID, "restore", "task", id)
	}
	for id, q := range cp.QueueSnapshot {
		if err := e.persistQueueLocked(q); err != nil {
			_ = e.txns.Rollback(tx.ID)
			return err
		}
		e.txns.Record(tx.ID, "restore", "queue", id)
	}
	if err := e.txns.Commit(tx.ID); err != nil {
		return err
	}
	e.sess.AddTransactionCommitted()
	e.logger.Info("checkpoint restored",
		"checkpoint_id", cp.ID, "tasks", len(cp.TaskSnapshot), "queues", len(cp.QueueSnapshot))
	return nil
}

// ListCheckpoints returns every retained checkpoint, newest first.
func (e *Engine) ListCheckpoints() ([]*model.Checkpoint, error) {
	return e.checkpoints.List()
}

func (e *Engine) failCheckpoint(cpType model.CheckpointType, err error) error {
	return e.fail(bus.TopicCheckpointCreateError, "create checkpoint", string(cpType), err)
}

func (e *Engine) failRestore(id string, err error) error {
	return e.fail(bus.TopicCheckpointRestoreError, "restore checkpoint", id, err)
}
