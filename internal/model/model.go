// Package model defines the persistent data types shared by every layer of
// the engine: tasks, queues, session metadata, checkpoints, transactions,
// and conflict records.
package model

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusBlocked    TaskStatus = "blocked"
)

// statusProgression is the fixed advancement order used by merge conflict
// resolution: a later index never regresses to an earlier one.
var statusProgression = []TaskStatus{
	TaskStatusPending,
	TaskStatusReady,
	TaskStatusInProgress,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusCancelled,
	TaskStatusBlocked,
}

// StatusRank returns the index of s in the progression order, or -1 for an
// unknown status.
func StatusRank(s TaskStatus) int {
	for i, v := range statusProgression {
		if v == s {
			return i
		}
	}
	return -1
}

// MoreAdvancedStatus returns whichever of a and b sits later in the
// progression order. Unknown statuses rank below every known one.
func MoreAdvancedStatus(a, b TaskStatus) TaskStatus {
	if StatusRank(b) > StatusRank(a) {
		return b
	}
	return a
}

// Valid reports whether s is a recognized task status.
func (s TaskStatus) Valid() bool { return StatusRank(s) >= 0 }

// DependencyType classifies an edge between tasks.
type DependencyType string

const (
	DependencyPrerequisite DependencyType = "prerequisite"
	DependencySoft         DependencyType = "soft_dependency"
	DependencyResource     DependencyType = "resource_dependency"
)

// Valid reports whether d is a recognized dependency type.
func (d DependencyType) Valid() bool {
	switch d {
	case DependencyPrerequisite, DependencySoft, DependencyResource:
		return true
	}
	return false
}

// Dependency is a typed edge from one task to another.
type Dependency struct {
	TaskID string         `json:"taskId"`
	Type   DependencyType `json:"type"`
}

// Task is the primary persisted entity. IDs are unique and immutable once
// assigned.
type Task struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Type         string         `json:"type,omitempty"`
	Priority     int            `json:"priority,omitempty"`
	Status       TaskStatus     `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Dependencies []Dependency   `json:"dependencies,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Subtasks     []string       `json:"subtasks,omitempty"`
	ParentTaskID string         `json:"parentTaskId,omitempty"`
	ScheduledAt  *time.Time     `json:"scheduledAt,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Dependencies = append([]Dependency(nil), t.Dependencies...)
	cp.Tags = append([]string(nil), t.Tags...)
	cp.Subtasks = append([]string(nil), t.Subtasks...)
	if t.ScheduledAt != nil {
		at := *t.ScheduledAt
		cp.ScheduledAt = &at
	}
	cp.Context = cloneMap(t.Context)
	cp.Parameters = cloneMap(t.Parameters)
	cp.Result = cloneMap(t.Result)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Queue is persisted identically to tasks: an id plus an opaque payload.
// UpdatedAt drives the same cross-session conflict detection as tasks.
type Queue struct {
	ID        string         `json:"id"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// SessionState is the lifecycle state of an engine session.
type SessionState string

const (
	SessionActive      SessionState = "active"
	SessionInactive    SessionState = "inactive"
	SessionCrashed     SessionState = "crashed"
	SessionTerminating SessionState = "terminating"
	SessionTerminated  SessionState = "terminated"
)

// ProcessInfo identifies the OS process that owns a session.
type ProcessInfo struct {
	PID      int    `json:"pid"`
	Hostname string `json:"hostname"`
	Version  string `json:"version,omitempty"`
}

// SessionStatistics are the per-session operation counters.
type SessionStatistics struct {
	TasksProcessed        int64 `json:"tasksProcessed"`
	TransactionsCommitted int64 `json:"transactionsCommitted"`
	ErrorsEncountered     int64 `json:"errorsEncountered"`
	TotalOperations       int64 `json:"totalOperations"`
}

// SessionMetadata describes one running engine instance. It is owned by
// exactly one process and published as a per-session file that sibling
// sessions may read.
type SessionMetadata struct {
	SessionID    string            `json:"sessionId"`
	StartTime    time.Time         `json:"startTime"`
	EndTime      *time.Time        `json:"endTime,omitempty"`
	LastActivity time.Time         `json:"lastActivity"`
	State        SessionState      `json:"state"`
	ProcessInfo  ProcessInfo       `json:"processInfo"`
	Statistics   SessionStatistics `json:"statistics"`
}

// CheckpointType tags why a checkpoint was taken.
type CheckpointType string

const (
	CheckpointManual        CheckpointType = "manual"
	CheckpointAutomatic     CheckpointType = "automatic"
	CheckpointCrashRecovery CheckpointType = "crash_recovery"
)

// Checkpoint is an immutable full snapshot of task and queue state.
// IntegrityHash is a SHA-256 digest over the canonical form of every field
// except the hash and size themselves.
type Checkpoint struct {
	ID                 string            `json:"id"`
	Timestamp          time.Time         `json:"timestamp"`
	SessionID          string            `json:"sessionId"`
	TaskSnapshot       map[string]*Task  `json:"taskSnapshot"`
	QueueSnapshot      map[string]*Queue `json:"queueSnapshot"`
	ActiveTransactions []string          `json:"activeTransactions"`
	Type               CheckpointType    `json:"type"`
	IntegrityHash      string            `json:"integrityHash"`
	Size               int64             `json:"size"`
}

// TxOperation is one entry in a transaction's operation log.
type TxOperation struct {
	Kind       string    `json:"kind"` // save, delete, restore
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	At         time.Time `json:"at"`
}

// Transaction is an in-memory grouping of related writes. It exists only
// between begin and commit/rollback and has no on-disk representation.
type Transaction struct {
	ID             string
	IsolationLevel string
	StartedAt      time.Time
	Operations     []TxOperation
}

// Conflict is a transient record of a detected divergence between the local
// candidate and another session's persisted view of the same entity.
type Conflict struct {
	Type             string // "task" or "queue"
	ID               string
	Current          *Task
	Conflicting      *Task
	CurrentQueue     *Queue
	ConflictingQueue *Queue
	Sessions         []string
	DetectedAt       time.Time
}
