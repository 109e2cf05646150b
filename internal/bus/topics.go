package bus

import "time"

// Engine lifecycle topics.
const (
	TopicInitialized = "engine.cross-session-initialized"
	TopicShutdown    = "engine.cross-session-shutdown"
)

// Task operation topics.
const (
	TopicTaskSaved     = "task.task-saved-cross-session"
	TopicTaskLoaded    = "task.task-loaded-cross-session"
	TopicTaskSaveError = "task.save-error"
	TopicTaskLoadError = "task.load-error"
)

// Checkpoint topics.
const (
	TopicCheckpointCreated      = "checkpoint.checkpoint-created"
	TopicCheckpointRestored     = "checkpoint.checkpoint-restored"
	TopicCheckpointCreateError  = "checkpoint.create-error"
	TopicCheckpointRestoreError = "checkpoint.restore-error"
	TopicEmergencyCheckpoint    = "checkpoint.emergency-checkpoint"
)

// Crash recovery topics.
const (
	TopicRecoveryStarted      = "recovery.crash-recovery-started"
	TopicRecoveryCompleted    = "recovery.crash-recovery-completed"
	TopicRecoveryFailed       = "recovery.crash-recovery-failed"
	TopicRecoveryNoCheckpoint = "recovery.crash-recovery-no-checkpoint"
)

// Conflict topic.
const (
	TopicConflictResolved = "conflict.resolved"
)

// InitializedEvent is published once the engine has finished startup,
// including crash recovery of sibling sessions.
type InitializedEvent struct {
	SessionID         string
	StorageDir        string
	SessionsRecovered int
}

// TaskEvent is published after a task or queue save/load completes.
type TaskEvent struct {
	EntityType string // "task" or "queue"
	ID         string
	SessionID  string
	FromCache  bool // load only: served from the prefetch cache
}

// OperationErrorEvent is the payload for every *-error topic.
type OperationErrorEvent struct {
	Operation string // e.g. "saveTask", "restoreFromCheckpoint"
	EntityID  string
	SessionID string
	Error     string
}

// CheckpointEvent is published when a checkpoint is created or restored.
type CheckpointEvent struct {
	CheckpointID string
	SessionID    string
	Type         string
	Tasks        int
	Queues       int
	Size         int64
}

// RecoveryEvent is published for each crashed-session recovery attempt.
type RecoveryEvent struct {
	CrashedSessionID string
	CheckpointID     string
	StartedAt        time.Time
	Error            string // failed only
}

// ConflictResolvedEvent is published after a conflict has been resolved.
type ConflictResolvedEvent struct {
	EntityType string
	ID         string
	Strategy   string
	Sessions   []string
}

// ShutdownEvent is published as the final event before the bus goes quiet.
type ShutdownEvent struct {
	SessionID string
	Forced    bool
}
