package integrity_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskvault/internal/integrity"
	"github.com/basket/taskvault/internal/model"
)

func newValidator(t *testing.T) *integrity.Validator {
	t.Helper()
	v, err := integrity.NewValidator(nil)
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return v
}

func validTask() *model.Task {
	created := time.Now().UTC().Add(-time.Hour)
	return &model.Task{
		ID:        "task-00000001",
		Name:      "compact segment",
		Status:    model.TaskStatusPending,
		CreatedAt: created,
		UpdatedAt: created.Add(time.Minute),
		Tags:      []string{"compaction"},
	}
}

func TestValidateTask_Valid(t *testing.T) {
	v := newValidator(t)
	if err := v.ValidateTask(validTask()); err != nil {
		t.Fatalf("valid task rejected: %v", err)
	}
	if got := v.Counters().ValidationsPassed; got != 1 {
		t.Fatalf("validationsPassed = %d, want 1", got)
	}
}

func TestValidateTask_StageFailures(t *testing.T) {
	v := newValidator(t)
	now := time.Now().UTC()

	tests := []struct {
		name   string
		mutate func(*model.Task)
		stage  string
	}{
		{"empty name", func(task *model.Task) { task.Name = "" }, "structural"},
		{"zero createdAt", func(task *model.Task) { task.CreatedAt = time.Time{} }, "structural"},
		{"short id", func(task *model.Task) { task.ID = "abc" }, "content"},
		{"id with spaces", func(task *model.Task) { task.ID = "task 0000 001" }, "content"},
		{"name too long", func(task *model.Task) { task.Name = strings.Repeat("x", 501) }, "content"},
		{"description too long", func(task *model.Task) { task.Description = strings.Repeat("y", 10001) }, "content"},
		{"bad dependency type", func(task *model.Task) {
			task.Dependencies = []model.Dependency{{TaskID: "task-00000002", Type: "causal"}}
		}, "content"},
		{"tag too long", func(task *model.Task) { task.Tags = []string{strings.Repeat("t", 51)} }, "content"},
		{"unknown status", func(task *model.Task) { task.Status = "paused" }, "content"},
		{"own parent", func(task *model.Task) { task.ParentTaskID = task.ID }, "business"},
		{"own subtask", func(task *model.Task) { task.Subtasks = []string{task.ID} }, "business"},
		{"self dependency", func(task *model.Task) {
			task.Dependencies = []model.Dependency{{TaskID: task.ID, Type: model.DependencyPrerequisite}}
		}, "business"},
		{"createdAt in future", func(task *model.Task) {
			task.CreatedAt = now.Add(time.Hour)
			task.UpdatedAt = now.Add(2 * time.Hour)
		}, "temporal"},
		{"updatedAt before createdAt", func(task *model.Task) { task.UpdatedAt = task.CreatedAt.Add(-time.Minute) }, "temporal"},
		{"updatedAt beyond skew", func(task *model.Task) { task.UpdatedAt = now.Add(10 * time.Minute) }, "temporal"},
		{"scheduledAt before createdAt", func(task *model.Task) {
			at := task.CreatedAt.Add(-time.Hour)
			task.ScheduledAt = &at
		}, "temporal"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			task := validTask()
			tc.mutate(task)
			err := v.ValidateTask(task)
			if err == nil {
				t.Fatal("expected validation error")
			}
			var verr *integrity.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error type = %T, want *ValidationError", err)
			}
			if verr.Stage != tc.stage {
				t.Fatalf("stage = %q, want %q (%v)", verr.Stage, tc.stage, err)
			}
			if !errors.Is(err, integrity.ErrValidation) {
				t.Fatal("error should unwrap to ErrValidation")
			}
		})
	}
}

func TestValidateTask_ClockSkewAllowance(t *testing.T) {
	v := newValidator(t)
	task := validTask()
	// 4 minutes ahead is inside the 5-minute allowance.
	task.UpdatedAt = time.Now().UTC().Add(4 * time.Minute)
	if err := v.ValidateTask(task); err != nil {
		t.Fatalf("updatedAt within skew allowance rejected: %v", err)
	}
}

func TestDetectAndRepair_Table(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*model.Task)
		detector string
	}{
		{"empty name", func(task *model.Task) { task.Name = "" }, "missing-fields"},
		{"invalid status", func(task *model.Task) { task.Status = "zombie" }, "missing-fields"},
		{"future createdAt", func(task *model.Task) {
			task.CreatedAt = time.Now().Add(24 * time.Hour)
		}, "invalid-timestamps"},
		{"regressed updatedAt", func(task *model.Task) {
			task.UpdatedAt = task.CreatedAt.Add(-time.Hour)
		}, "invalid-timestamps"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := newValidator(t)
			task := validTask()
			tc.mutate(task)

			results := v.DetectAndRepair(task, true)
			if len(results) == 0 {
				t.Fatal("expected at least one corruption")
			}
			found := false
			for _, r := range results {
				if r.Detector == tc.detector {
					found = true
					if !r.Repaired {
						t.Fatalf("detector %s did not repair: %v", r.Detector, r.Err)
					}
				}
			}
			if !found {
				t.Fatalf("detector %s did not fire: %+v", tc.detector, results)
			}
			if err := v.ValidateTask(task); err != nil {
				t.Fatalf("task still invalid after repair: %v", err)
			}
			c := v.Counters()
			if c.CorruptionsDetected == 0 || c.CorruptionsFixed == 0 {
				t.Fatalf("counters not maintained: %+v", c)
			}
		})
	}
}

func TestDetectAndRepair_NoAutoRepairLeavesTask(t *testing.T) {
	v := newValidator(t)
	task := validTask()
	task.Name = ""

	results := v.DetectAndRepair(task, false)
	if len(results) != 1 || results[0].Repaired {
		t.Fatalf("expected one unrepaired result, got %+v", results)
	}
	if task.Name != "" {
		t.Fatal("task mutated without autoRepair")
	}
	if v.Counters().CorruptionsFixed != 0 {
		t.Fatal("corruptionsFixed incremented without repair")
	}
}
