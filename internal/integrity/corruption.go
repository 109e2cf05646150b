package integrity

import (
	"fmt"
	"time"

	"github.com/basket/taskvault/internal/model"
)

// Detector inspects a task for one class of corruption and, when asked,
// repairs it in place. Detectors are selected through the validator's
// registry rather than ad hoc dispatch.
type Detector interface {
	Name() string
	Detect(t *model.Task) (detail string, corrupted bool)
	Repair(t *model.Task) error
}

// RepairResult records the outcome of one detector over one task.
type RepairResult struct {
	Detector string
	Detail   string
	Repaired bool
	Err      error
}

// DetectAndRepair runs every registered detector against the task. When
// autoRepair is set, each detected corruption is repaired in place; every
// repair outcome is logged, success or failure, and returned.
func (v *Validator) DetectAndRepair(t *model.Task, autoRepair bool) []RepairResult {
	var results []RepairResult
	for _, d := range v.detectors {
		detail, corrupted := d.Detect(t)
		if !corrupted {
			continue
		}
		v.corruptionsDetected.Add(1)
		res := RepairResult{Detector: d.Name(), Detail: detail}
		if autoRepair {
			if err := d.Repair(t); err != nil {
				res.Err = err
				v.logger.Error("corruption repair failed",
					"detector", d.Name(), "task_id", t.ID, "detail", detail, "error", err)
			} else {
				res.Repaired = true
				v.corruptionsFixed.Add(1)
				v.logger.Info("corruption repaired",
					"detector", d.Name(), "task_id", t.ID, "detail", detail)
			}
		} else {
			v.logger.Warn("corruption detected",
				"detector", d.Name(), "task_id", t.ID, "detail", detail)
		}
		results = append(results, res)
	}
	return results
}

// missingFieldsDetector repairs absent required fields with defaults.
type missingFieldsDetector struct{}

func (*missingFieldsDetector) Name() string { return "missing-fields" }

func (*missingFieldsDetector) Detect(t *model.Task) (string, bool) {
	if t.Name == "" {
		return "name is empty", true
	}
	if !t.Status.Valid() {
		return fmt.Sprintf("status %q is not recognized", t.Status), true
	}
	return "", false
}

func (*missingFieldsDetector) Repair(t *model.Task) error {
	if t.Name == "" {
		t.Name = "recovered-" + t.ID
	}
	if !t.Status.Valid() {
		t.Status = model.TaskStatusPending
	}
	return nil
}

// invalidTimestampsDetector resets impossible timestamps.
type invalidTimestampsDetector struct{}

func (*invalidTimestampsDetector) Name() string { return "invalid-timestamps" }

func (*invalidTimestampsDetector) Detect(t *model.Task) (string, bool) {
	now := time.Now()
	if t.CreatedAt.IsZero() || t.CreatedAt.After(now) {
		return "createdAt is zero or in the future", true
	}
	if t.UpdatedAt.Before(t.CreatedAt) {
		return "updatedAt precedes createdAt", true
	}
	return "", false
}

func (*invalidTimestampsDetector) Repair(t *model.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() || t.CreatedAt.After(now) {
		t.CreatedAt = now
	}
	if t.UpdatedAt.Before(t.CreatedAt) {
		t.UpdatedAt = t.CreatedAt
	}
	return nil
}
