package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskvault/internal/audit"
	"github.com/basket/taskvault/internal/bus"
	"github.com/basket/taskvault/internal/cache"
	"github.com/basket/taskvault/internal/conflict"
	"github.com/basket/taskvault/internal/model"
	"github.com/basket/taskvault/internal/otel"
)

// SaveTask validates, conflict-checks, and persists a task. Unless
// realtime_sync is on, the write is staged in the buffer and reaches disk
// on the next flush.
func (e *Engine) SaveTask(ctx context.Context, t *model.Task) error {
	if err := e.ready(); err != nil {
		return err
	}
	ctx, span := otel.StartSpan(ctx, e.provider.Tracer, "engine.save_task",
		otel.AttrTaskID.String(t.ID), otel.AttrSessionID.String(e.SessionID()))
	defer span.End()
	start := time.Now()

	e.mu.Lock()
	err := e.saveTaskLocked(ctx, t)
	e.mu.Unlock()
	if err != nil {
		return e.fail(bus.TopicTaskSaveError, "save task", t.ID, err)
	}

	e.metrics.SaveDuration.Record(ctx, time.Since(start).Seconds())
	e.journal.Record(audit.OpSave, "task", t.ID, e.SessionID(), "")
	e.bus.Publish(bus.TopicTaskSaved, bus.TaskEvent{
		EntityType: "task", ID: t.ID, SessionID: e.SessionID(),
	})
	e.sess.AddTaskProcessed()
	e.afterOperation(ctx)
	return nil
}

func (e *Engine) saveTaskLocked(ctx context.Context, t *model.Task) error {
	if err := e.validator.ValidateTask(t); err != nil {
		e.metrics.ValidationFailures.Add(ctx, 1)
		return err
	}

	candidate := t
	persisted, env, err := e.store.LoadTask(t.ID)
	if err != nil {
		return err
	}
	if env != nil {
		key := "task/" + t.ID
		c := conflict.DetectTask(t, persisted, env.ModifiedBy, env.Revision,
			e.baseRev(key), e.SessionID(), e.activeSessions())
		if c != nil {
			resolved, err := e.resolveTask(ctx, c)
			if err != nil {
				return err
			}
			candidate = resolved
		}
	}

	if e.opts.RealtimeSync {
		return e.persistTaskLocked(candidate)
	}
	full := e.buffer.Put(cache.BufferedWrite{ID: candidate.ID, Task: candidate.Clone()})
	e.metrics.BufferedWrites.Add(ctx, 1)
	if full {
		return e.flushLocked(ctx)
	}
	return nil
}

func (e *Engine) resolveTask(ctx context.Context, c *model.Conflict) (*model.Task, error) {
	resolved, err := e.resolver.ResolveTask(c)
	if err != nil {
		return nil, err
	}
	e.noteResolution(ctx, c)
	return resolved, nil
}

func (e *Engine) noteResolution(ctx context.Context, c *model.Conflict) {
	strategy := e.resolver.Strategy()
	e.metrics.ConflictsResolved.Add(ctx, 1,
		metric.WithAttributes(otel.AttrStrategy.String(strategy)))
	e.journal.Record(audit.OpConflict, c.Type, c.ID, e.SessionID(), "strategy="+strategy)
	e.bus.Publish(bus.TopicConflictResolved, bus.ConflictResolvedEvent{
		EntityType: c.Type, ID: c.ID, Strategy: strategy, Sessions: c.Sessions,
	})
}

// persistTaskLocked writes through to disk and keeps the caches coherent.
func (e *Engine) persistTaskLocked(t *model.Task) error {
	env, err := e.store.SaveTask(t, e.SessionID())
	if err != nil {
		return err
	}
	key := "task/" + t.ID
	e.baseRevs[key] = env.Revision
	e.prefetch.Put(key, t.Clone())
	return nil
}

// LoadTask reads a task, checking the write buffer, then the prefetch
// cache, then disk. Concurrent misses for the same id share one disk read.
// A missing task returns nil, nil.
func (e *Engine) LoadTask(ctx context.Context, id string) (*model.Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ctx, span := otel.StartSpan(ctx, e.provider.Tracer, "engine.load_task",
		otel.AttrTaskID.String(id))
	defer span.End()
	start := time.Now()

	if t, ok := e.buffer.GetTask(id); ok {
		e.finishLoad(ctx, start, "task", id, false)
		return t.Clone(), nil
	}
	key := "task/" + id
	if v, ok := e.prefetch.Get(key); ok {
		e.metrics.CacheHits.Add(ctx, 1)
		e.finishLoad(ctx, start, "task", id, true)
		return v.(*model.Task).Clone(), nil
	}
	e.metrics.CacheMisses.Add(ctx, 1)

	v, err, _ := e.flights.Do(key, func() (any, error) {
		t, env, err := e.store.LoadTask(id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			e.prefetch.Put(key, t)
			e.mu.Lock()
			e.baseRevs[key] = env.Revision
			e.mu.Unlock()
		}
		return t, nil
	})
	if err != nil {
		return nil, e.fail(bus.TopicTaskLoadError, "load task", id, err)
	}
	t, _ := v.(*model.Task)
	if t == nil {
		return nil, nil
	}
	e.finishLoad(ctx, start, "task", id, false)
	return t.Clone(), nil
}

func (e *Engine) finishLoad(ctx context.Context, start time.Time, entityType, id string, fromCache bool) {
	e.metrics.LoadDuration.Record(ctx, time.Since(start).Seconds())
	e.bus.Publish(bus.TopicTaskLoaded, bus.TaskEvent{
		EntityType: entityType, ID: id, SessionID: e.SessionID(), FromCache: fromCache,
	})
}

// SaveQueue persists a queue through the same conflict and buffering path
// as tasks. Queues carry no schema, so only the id is checked.
func (e *Engine) SaveQueue(ctx context.Context, q *model.Queue) error {
	if err := e.ready(); err != nil {
		return err
	}
	ctx, span := otel.StartSpan(ctx, e.provider.Tracer, "engine.save_queue",
		otel.AttrQueueID.String(q.ID), otel.AttrSessionID.String(e.SessionID()))
	defer span.End()
	start := time.Now()

	e.mu.Lock()
	err := e.saveQueueLocked(ctx, q)
	e.mu.Unlock()
	if err != nil {
		return e.fail(bus.TopicTaskSaveError, "save queue", q.ID, err)
	}

	e.metrics.SaveDuration.Record(ctx, time.Since(start).Seconds())
	e.journal.Record(audit.OpSave, "queue", q.ID, e.SessionID(), "")
	e.bus.Publish(bus.TopicTaskSaved, bus.TaskEvent{
		EntityType: "queue", ID: q.ID, SessionID: e.SessionID(),
	})
	e.afterOperation(ctx)
	return nil
}

func (e *Engine) saveQueueLocked(ctx context.Context, q *model.Queue) error {
	candidate := q
	persisted, env, err := e.store.LoadQueue(q.ID)
	if err != nil {
		return err
	}
	if env != nil {
		key := "queue/" + q.ID
		c := conflict.DetectQueue(q, persisted, env.ModifiedBy, env.Revision,
			e.baseRev(key), e.SessionID(), e.activeSessions())
		if c != nil {
			resolved, err := e.resolver.ResolveQueue(c)
			if err != nil {
				return err
			}
			e.noteResolution(ctx, c)
			candidate = resolved
		}
	}

	if e.opts.RealtimeSync {
		return e.persistQueueLocked(candidate)
	}
	full := e.buffer.Put(cache.BufferedWrite{ID: candidate.ID, IsQueue: true, Queue: candidate})
	e.metrics.BufferedWrites.Add(ctx, 1)
	if full {
		return e.flushLocked(ctx)
	}
	return nil
}

func (e *Engine) persistQueueLocked(q *model.Queue) error {
	env, err := e.store.SaveQueue(q, e.SessionID())
	if err != nil {
		return err
	}
	key := "queue/" + q.ID
	e.baseRevs[key] = env.Revision
	e.prefetch.Put(key, q)
	return nil
}

// LoadQueue reads a queue through the buffer, cache, and disk, like
// LoadTask. A missing queue returns nil, nil.
func (e *Engine) LoadQueue(ctx context.Context, id string) (*model.Queue, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ctx, span := otel.StartSpan(ctx, e.provider.Tracer, "engine.load_queue",
		otel.AttrQueueID.String(id))
	defer span.End()
	start := time.Now()

	if q, ok := e.buffer.GetQueue(id); ok {
		e.finishLoad(ctx, start, "queue", id, false)
		return q, nil
	}
	key := "queue/" + id
	if v, ok := e.prefetch.Get(key); ok {
		e.metrics.CacheHits.Add(ctx, 1)
		e.finishLoad(ctx, start, "queue", id, true)
		return v.(*model.Queue), nil
	}
	e.metrics.CacheMisses.Add(ctx, 1)

	v, err, _ := e.flights.Do(key, func() (any, error) {
		q, env, err := e.store.LoadQueue(id)
		if err != nil {
			return nil, err
		}
		if q != nil {
			e.prefetch.Put(key, q)
			e.mu.Lock()
			e.baseRevs[key] = env.Revision
			e.mu.Unlock()
		}
		return q, nil
	})
	if err != nil {
		return nil, e.fail(bus.TopicTaskLoadError, "load queue", id, err)
	}
	q, _ := v.(*model.Queue)
	if q == nil {
		return nil, nil
	}
	e.finishLoad(ctx, start, "queue", id, false)
	return q, nil
}

// DeleteTask removes a task from the buffer, the cache, and disk. Deleting
// a missing task is a no-op.
func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	e.buffer.Remove(id, false)
	e.prefetch.Invalidate("task/" + id)
	delete(e.baseRevs, "task/"+id)
	err := e.store.Delete(id, false)
	e.mu.Unlock()
	if err != nil {
		return e.fail(bus.TopicTaskSaveError, "delete task", id, err)
	}
	e.journal.Record(audit.OpDelete, "task", id, e.SessionID(), "")
	e.afterOperation(ctx)
	return nil
}

// QueryTasks flushes staged writes, then scans the store for tasks matching
// the filter. A nil filter matches everything.
func (e *Engine) QueryTasks(ctx context.Context, filter func(*model.Task) bool) ([]*model.Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	if err := e.flushLocked(ctx); err != nil {
		e.mu.Unlock()
		return nil, e.fail(bus.TopicTaskLoadError, "query tasks", "", err)
	}
	e.mu.Unlock()

	tasks, err := e.store.QueryTasks(filter)
	if err != nil {
		return nil, e.fail(bus.TopicTaskLoadError, "query tasks", "", err)
	}
	return tasks, nil
}

// Flush forces staged writes to disk.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked(ctx)
}

// flushLocked drains the buffer and persists the writes in buffering order
// under one advisory transaction. On a write failure the unpersisted tail
// is re-staged.
func (e *Engine) flushLocked(ctx context.Context) error {
	writes := e.buffer.Drain()
	if len(writes) == 0 {
		return nil
	}
	e.metrics.BufferedWrites.Add(ctx, int64(-len(writes)))

	tx := e.txns.Begin("")
	for i, w := range writes {
		var err error
		if w.IsQueue {
			err = e.persistQueueLocked(w.Queue)
		} else {
			err = e.persistTaskLocked(w.Task)
		}
		if err != nil {
			for _, rest := range writes[i:] {
				e.buffer.Put(rest)
			}
			e.metrics.BufferedWrites.Add(ctx, int64(len(writes)-i))
			if rbErr := e.txns.Rollback(tx.ID); rbErr != nil {
				e.logger.Warn("rollback flush transaction failed", "error", rbErr)
			}
			return err
		}
		entityType := "task"
		if w.IsQueue {
			entityType = "queue"
		}
		e.txns.Record(tx.ID, "save", entityType, w.ID)
	}
	if err := e.txns.Commit(tx.ID); err != nil {
		return err
	}
	e.sess.AddTransactionCommitted()
	e.metrics.BufferFlushes.Add(ctx, 1)
	e.logger.Debug("write buffer flushed", "writes", len(writes), "tx", tx.ID)
	return nil
}

// afterOperation bumps the session's operation counter and takes the
// every-N automatic checkpoint.
func (e *Engine) afterOperation(ctx context.Context) {
	total := e.sess.AddOperation()
	if total%autoCheckpointEvery != 0 {
		return
	}
	if _, err := e.CreateCheckpoint(ctx, model.CheckpointAutomatic); err != nil {
		e.logger.Error("operation-count checkpoint failed", "error", err)
	}
}

// BeginTransaction opens an advisory transaction.
func (e *Engine) BeginTransaction(isolationLevel string) (*model.Transaction, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.txns.Begin(isolationLevel), nil
}

// CommitTransaction commits an advisory transaction.
func (e *Engine) CommitTransaction(txID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.txns.Commit(txID); err != nil {
		return err
	}
	e.sess.AddTransactionCommitted()
	return nil
}

// RollbackTransaction discards an advisory transaction's log. Writes that
// already reached disk stay.
func (e *Engine) RollbackTransaction(txID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.txns.Rollback(txID)
}
