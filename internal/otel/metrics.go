package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all engine metrics instruments.
type Metrics struct {
	SaveDuration        metric.Float64Histogram
	LoadDuration        metric.Float64Histogram
	RecoveryDuration    metric.Float64Histogram
	ConflictsResolved   metric.Int64Counter
	CheckpointsCreated  metric.Int64Counter
	CheckpointsRestored metric.Int64Counter
	CacheHits           metric.Int64Counter
	CacheMisses         metric.Int64Counter
	BufferFlushes       metric.Int64Counter
	ValidationFailures  metric.Int64Counter
	BufferedWrites      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SaveDuration, err = meter.Float64Histogram("taskvault.save.duration",
		metric.WithDescription("Task and queue save duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LoadDuration, err = meter.Float64Histogram("taskvault.load.duration",
		metric.WithDescription("Task and queue load duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveryDuration, err = meter.Float64Histogram("taskvault.recovery.duration",
		metric.WithDescription("Crash recovery pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ConflictsResolved, err = meter.Int64Counter("taskvault.conflicts.resolved",
		metric.WithDescription("Conflicts resolved, by strategy"),
	)
	if err != nil {
		return nil, err
	}

	m.CheckpointsCreated, err = meter.Int64Counter("taskvault.checkpoints.created",
		metric.WithDescription("Checkpoints created, by type"),
	)
	if err != nil {
		return nil, err
	}

	m.CheckpointsRestored, err = meter.Int64Counter("taskvault.checkpoints.restored",
		metric.WithDescription("Checkpoints restored"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("taskvault.cache.hits",
		metric.WithDescription("Prefetch cache hits"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("taskvault.cache.misses",
		metric.WithDescription("Prefetch cache misses"),
	)
	if err != nil {
		return nil, err
	}

	m.BufferFlushes, err = meter.Int64Counter("taskvault.buffer.flushes",
		metric.WithDescription("Write buffer flush passes"),
	)
	if err != nil {
		return nil, err
	}

	m.ValidationFailures, err = meter.Int64Counter("taskvault.validation.failures",
		metric.WithDescription("Task validation failures, by stage"),
	)
	if err != nil {
		return nil, err
	}

	m.BufferedWrites, err = meter.Int64UpDownCounter("taskvault.buffer.pending",
		metric.WithDescription("Writes currently held in the buffer"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
