// Package integrity guards persisted state: layered task validation,
// canonical SHA-256 state hashing, corruption detection and repair, and
// checkpoint verification.
package integrity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/taskvault/internal/model"
)

// Sentinel errors for classification with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrIntegrity  = errors.New("integrity check failed")
)

// ValidationError describes which stage of task validation failed.
type ValidationError struct {
	Stage   string // structural, content, business, temporal
	TaskID  string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation of task %q: %s", e.Stage, e.TaskID, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// IntegrityError reports a hash or size mismatch on a checkpoint.
type IntegrityError struct {
	CheckpointID string
	Message      string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checkpoint %q: %s", e.CheckpointID, e.Message)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

const (
	maxNameLen        = 500
	maxDescriptionLen = 10000
	maxTagLen         = 50
	// updatedAt may run ahead of this process's clock by up to the skew
	// allowance, since sibling sessions on other hosts stamp their own time.
	clockSkewAllowance = 5 * time.Minute
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9\-_]{8,}$`)

// taskSchema is the structural contract every task document must satisfy
// before the content, business, and temporal stages run.
const taskSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "status", "createdAt", "updatedAt"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "status": {"type": "string"},
    "createdAt": {"type": "string"},
    "updatedAt": {"type": "string"},
    "dependencies": {"type": "array"},
    "subtasks": {"type": "array"},
    "tags": {"type": "array", "items": {"type": "string"}}
  }
}`

// Counters exposes the validator's observability counters.
type Counters struct {
	ValidationsPassed   int64
	CorruptionsDetected int64
	CorruptionsFixed    int64
}

// Validator runs the four ordered validation stages and the corruption
// detector registry.
type Validator struct {
	schema    *jsonschema.Schema
	logger    *slog.Logger
	detectors []Detector

	validationsPassed   atomic.Int64
	corruptionsDetected atomic.Int64
	corruptionsFixed    atomic.Int64
}

// NewValidator compiles the structural schema and registers the built-in
// corruption detectors.
func NewValidator(logger *slog.Logger) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(taskSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal task schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("task.json", doc); err != nil {
		return nil, fmt.Errorf("add task schema resource: %w", err)
	}
	schema, err := c.Compile("task.json")
	if err != nil {
		return nil, fmt.Errorf("compile task schema: %w", err)
	}
	return &Validator{
		schema: schema,
		logger: logger,
		detectors: []Detector{
			&missingFieldsDetector{},
			&invalidTimestampsDetector{},
		},
	}, nil
}

// Counters returns a snapshot of the observability counters.
func (v *Validator) Counters() Counters {
	return Counters{
		ValidationsPassed:   v.validationsPassed.Load(),
		CorruptionsDetected: v.corruptionsDetected.Load(),
		CorruptionsFixed:    v.corruptionsFixed.Load(),
	}
}

// ValidateTask runs the structural, content, business, and temporal stages
// in order, failing fast on the first violation.
func (v *Validator) ValidateTask(t *model.Task) error {
	if t == nil {
		return &ValidationError{Stage: "structural", Message: "task is nil"}
	}
	if err := v.validateStructural(t); err != nil {
		return err
	}
	if err := validateContent(t); err != nil {
		return err
	}
	if err := validateBusiness(t); err != nil {
		return err
	}
	if err := validateTemporal(t, time.Now()); err != nil {
		return err
	}
	v.validationsPassed.Add(1)
	return nil
}

func (v *Validator) validateStructural(t *model.Task) error {
	if t.CreatedAt.IsZero() || t.UpdatedAt.IsZero() {
		return &ValidationError{Stage: "structural", TaskID: t.ID, Message: "createdAt and updatedAt must be set"}
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return &ValidationError{Stage: "structural", TaskID: t.ID, Message: err.Error()}
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return &ValidationError{Stage: "structural", TaskID: t.ID, Message: err.Error()}
	}
	if err := v.schema.Validate(doc); err != nil {
		return &ValidationError{Stage: "structural", TaskID: t.ID, Message: err.Error()}
	}
	return nil
}

func validateContent(t *model.Task) error {
	if !idPattern.MatchString(t.ID) {
		return &ValidationError{Stage: "content", TaskID: t.ID,
			Message: "id must be at least 8 characters of [A-Za-z0-9-_]"}
	}
	if len(t.Name) > maxNameLen {
		return &ValidationError{Stage: "content", TaskID: t.ID,
			Message: fmt.Sprintf("name exceeds %d characters", maxNameLen)}
	}
	if len(t.Description) > maxDescriptionLen {
		return &ValidationError{Stage: "content", TaskID: t.ID,
			Message: fmt.Sprintf("description exceeds %d characters", maxDescriptionLen)}
	}
	if !t.Status.Valid() {
		return &ValidationError{Stage: "content", TaskID: t.ID,
			Message: fmt.Sprintf("unknown status %q", t.Status)}
	}
	for _, dep := range t.Dependencies {
		if !dep.Type.Valid() {
			return &ValidationError{Stage: "content", TaskID: t.ID,
				Message: fmt.Sprintf("unknown dependency type %q", dep.Type)}
		}
	}
	for _, tag := range t.Tags {
		if len(tag) > maxTagLen {
			return &ValidationError{Stage: "content", TaskID: t.ID,
				Message: fmt.Sprintf("tag %q exceeds %d characters", tag, maxTagLen)}
		}
	}
	return nil
}

func validateBusiness(t *model.Task) error {
	if t.ParentTaskID == t.ID && t.ID != "" {
		return &ValidationError{Stage: "business", TaskID: t.ID, Message: "task cannot be its own parent"}
	}
	for _, sub := range t.Subtasks {
		if sub == t.ID {
			return &ValidationError{Stage: "business", TaskID: t.ID, Message: "task cannot be its own subtask"}
		}
	}
	for _, dep := range t.Dependencies {
		if dep.TaskID == t.ID {
			return &ValidationError{Stage: "business", TaskID: t.ID, Message: "task cannot depend on itself"}
		}
	}
	return nil
}

func validateTemporal(t *model.Task, now time.Time) error {
	if t.CreatedAt.After(now) {
		return &ValidationError{Stage: "temporal", TaskID: t.ID, Message: "createdAt is in the future"}
	}
	if t.UpdatedAt.Before(t.CreatedAt) {
		return &ValidationError{Stage: "temporal", TaskID: t.ID, Message: "updatedAt precedes createdAt"}
	}
	if t.UpdatedAt.After(now.Add(clockSkewAllowance)) {
		return &ValidationError{Stage: "temporal", TaskID: t.ID,
			Message: "updatedAt is beyond the clock-skew allowance"}
	}
	if t.ScheduledAt != nil && t.ScheduledAt.Before(t.CreatedAt) {
		return &ValidationError{Stage: "temporal", TaskID: t.ID, Message: "scheduledAt precedes createdAt"}
	}
	return nil
}

// ValidateCheckpoint re-validates every snapshot task, recomputes the
// integrity digest, and requires exact equality with the stored hash and
// size.
func (v *Validator) ValidateCheckpoint(cp *model.Checkpoint) error {
	for id, task := range cp.TaskSnapshot {
		if err := v.ValidateTask(task); err != nil {
			return &IntegrityError{CheckpointID: cp.ID,
				Message: fmt.Sprintf("snapshot task %s invalid: %v", id, err)}
		}
	}
	hash, size, err := CheckpointDigest(cp)
	if err != nil {
		return &IntegrityError{CheckpointID: cp.ID, Message: fmt.Sprintf("compute digest: %v", err)}
	}
	if hash != cp.IntegrityHash {
		return &IntegrityError{CheckpointID: cp.ID, Message: "integrity hash mismatch"}
	}
	if size != cp.Size {
		return &IntegrityError{CheckpointID: cp.ID,
			Message: fmt.Sprintf("size mismatch: recorded %d, canonical %d", cp.Size, size)}
	}
	return nil
}
