// Package conflict detects divergent concurrent writes between sessions
// sharing one storage directory and resolves them with a configurable
// strategy. Detection is optimistic and after the fact: there is no file
// locking, so the persisted copy of an entity may have been written by
// another session since this session last read it.
package conflict

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/taskvault/internal/model"
)

// ErrUnknownStrategy is returned when resolution is asked of a strategy the
// resolver does not implement.
var ErrUnknownStrategy = errors.New("unknown conflict resolution strategy")

// Strategies.
const (
	StrategyTimestamp = "timestamp"
	StrategyMerge     = "merge"
	StrategyManual    = "manual"
)

// historyCap bounds the per-entity resolution history.
const historyCap = 100

// Resolution is one recorded conflict resolution.
type Resolution struct {
	EntityType string
	EntityID   string
	Strategy   string
	Sessions   []string
	DetectedAt time.Time
	ResolvedAt time.Time
}

// Stats aggregates the resolution history.
type Stats struct {
	Total             int
	ByStrategy        map[string]int
	ByType            map[string]int
	AvgResolutionTime time.Duration
}

// Resolver applies the configured strategy to detected conflicts.
type Resolver struct {
	mu            sync.Mutex
	strategy      string
	logger        *slog.Logger
	history       map[string][]Resolution
	total         int
	totalDuration time.Duration
	byStrategy    map[string]int
	byType        map[string]int
}

// NewResolver returns a resolver using the given strategy.
func NewResolver(strategy string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		strategy:   strategy,
		logger:     logger,
		history:    make(map[string][]Resolution),
		byStrategy: make(map[string]int),
		byType:     make(map[string]int),
	}
}

// Strategy returns the active strategy.
func (r *Resolver) Strategy() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.strategy
}

// SetStrategy switches the active strategy. Safe to call live.
func (r *Resolver) SetStrategy(strategy string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = strategy
}

// DetectTask compares the save candidate with the persisted copy. A conflict
// exists when the persisted copy was last written by a different, currently
// active session and is either strictly newer by updatedAt or carries a
// revision past the candidate's base revision.
func DetectTask(current, persisted *model.Task, modifiedBy string, persistedRevision, baseRevision int64,
	selfSession string, activeSessions map[string]bool) *model.Conflict {
	if persisted == nil {
		return nil
	}
	if modifiedBy == "" || modifiedBy == selfSession || !activeSessions[modifiedBy] {
		return nil
	}
	newer := persisted.UpdatedAt.After(current.UpdatedAt)
	staleBase := baseRevision >= 0 && persistedRevision > baseRevision
	if !newer && !staleBase {
		return nil
	}
	return &model.Conflict{
		Type:        "task",
		ID:          current.ID,
		Current:     current,
		Conflicting: persisted,
		Sessions:    []string{selfSession, modifiedBy},
		DetectedAt:  time.Now().UTC(),
	}
}

// DetectQueue is the queue counterpart of DetectTask.
func DetectQueue(current, persisted *model.Queue, modifiedBy string, persistedRevision, baseRevision int64,
	selfSession string, activeSessions map[string]bool) *model.Conflict {
	if persisted == nil {
		return nil
	}
	if modifiedBy == "" || modifiedBy == selfSession || !activeSessions[modifiedBy] {
		return nil
	}
	newer := persisted.UpdatedAt.After(current.UpdatedAt)
	staleBase := baseRevision >= 0 && persistedRevision > baseRevision
	if !newer && !staleBase {
		return nil
	}
	return &model.Conflict{
		Type:             "queue",
		ID:               current.ID,
		CurrentQueue:     current,
		ConflictingQueue: persisted,
		Sessions:         []string{selfSession, modifiedBy},
		DetectedAt:       time.Now().UTC(),
	}
}

// ResolveTask applies the active strategy and records the resolution.
func (r *Resolver) ResolveTask(c *model.Conflict) (*model.Task, error) {
	strategy := r.Strategy()
	var resolved *model.Task
	switch strategy {
	case StrategyTimestamp, StrategyManual:
		// Manual has no interactive path; it falls back to timestamp.
		resolved = resolveTaskByTimestamp(c.Current, c.Conflicting)
	case StrategyMerge:
		resolved = mergeTasks(c.Current, c.Conflicting)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	r.record(c, strategy)
	r.logger.Info("conflict resolved",
		"entity_type", c.Type, "entity_id", c.ID, "strategy", strategy, "sessions", c.Sessions)
	return resolved, nil
}

// ResolveQueue resolves a queue conflict. Queue payloads are opaque, so
// every strategy reduces to timestamp resolution.
func (r *Resolver) ResolveQueue(c *model.Conflict) (*model.Queue, error) {
	strategy := r.Strategy()
	switch strategy {
	case StrategyTimestamp, StrategyMerge, StrategyManual:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	resolved := c.CurrentQueue
	if c.ConflictingQueue.UpdatedAt.After(c.CurrentQueue.UpdatedAt) {
		resolved = c.ConflictingQueue
	}
	r.record(c, strategy)
	r.logger.Info("conflict resolved",
		"entity_type", c.Type, "entity_id", c.ID, "strategy", strategy, "sessions", c.Sessions)
	return resolved, nil
}

// resolveTaskByTimestamp returns whichever candidate has the later
// updatedAt; ties favor the current session's copy.
func resolveTaskByTimestamp(current, conflicting *model.Task) *model.Task {
	if conflicting.UpdatedAt.After(current.UpdatedAt) {
		return conflicting.Clone()
	}
	return current.Clone()
}

// mergeTasks combines both candidates field-wise: the newer updatedAt, the
// conflicting session's parameters taking precedence, tag and subtask set
// unions, and the more advanced status under the fixed progression order.
func mergeTasks(current, conflicting *model.Task) *model.Task {
	merged := current.Clone()

	if conflicting.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = conflicting.UpdatedAt
	}

	if len(conflicting.Parameters) > 0 {
		if merged.Parameters == nil {
			merged.Parameters = make(map[string]any, len(conflicting.Parameters))
		}
		for k, v := range conflicting.Parameters {
			merged.Parameters[k] = v
		}
	}

	merged.Tags = unionStrings(current.Tags, conflicting.Tags)
	merged.Subtasks = unionStrings(current.Subtasks, conflicting.Subtasks)
	merged.Status = model.MoreAdvancedStatus(current.Status, conflicting.Status)

	if conflicting.Result != nil {
		merged.Result = conflicting.Result
	}
	return merged
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (r *Resolver) record(c *model.Conflict, strategy string) {
	now := time.Now().UTC()
	res := Resolution{
		EntityType: c.Type,
		EntityID:   c.ID,
		Strategy:   strategy,
		Sessions:   append([]string(nil), c.Sessions...),
		DetectedAt: c.DetectedAt,
		ResolvedAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	hist := append(r.history[c.ID], res)
	if len(hist) > historyCap {
		hist = hist[len(hist)-historyCap:]
	}
	r.history[c.ID] = hist
	r.total++
	r.totalDuration += now.Sub(c.DetectedAt)
	r.byStrategy[strategy]++
	r.byType[c.Type]++
}

// History returns the recorded resolutions for one entity id.
func (r *Resolver) History(id string) []Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Resolution(nil), r.history[id]...)
}

// Stats returns aggregate resolution statistics.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		Total:      r.total,
		ByStrategy: make(map[string]int, len(r.byStrategy)),
		ByType:     make(map[string]int, len(r.byType)),
	}
	for k, v := range r.byStrategy {
		s.ByStrategy[k] = v
	}
	for k, v := range r.byType {
		s.ByType[k] = v
	}
	if r.total > 0 {
		s.AvgResolutionTime = r.totalDuration / time.Duration(r.total)
	}
	return s
}
