package integrity_test

import (
	"testing"
	"time"

	"github.com/basket/taskvault/internal/integrity"
	"github.com/basket/taskvault/internal/model"
)

func TestStateHash_Deterministic(t *testing.T) {
	state := map[string]any{
		"tasks": []any{"task-00000001", "task-00000002"},
		"count": 2,
	}
	first, err := integrity.StateHash(state)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := integrity.StateHash(state)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		if again != first {
			t.Fatalf("hash not stable across calls: %s vs %s", again, first)
		}
	}
}

func TestStateHash_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"alpha": 1, "beta": "two", "gamma": []any{"x", "y"}}
	b := map[string]any{"gamma": []any{"x", "y"}, "beta": "two", "alpha": 1}

	ha, err := integrity.StateHash(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := integrity.StateHash(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Fatalf("key order changed the hash: %s vs %s", ha, hb)
	}
}

func TestStateHash_ArrayOrderIndependent(t *testing.T) {
	a := map[string]any{"tags": []any{"x", "y", "z"}}
	b := map[string]any{"tags": []any{"z", "x", "y"}}

	ha, err := integrity.StateHash(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := integrity.StateHash(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Fatalf("array order changed the hash: %s vs %s", ha, hb)
	}
}

func TestStateHash_DistinguishesContent(t *testing.T) {
	ha, err := integrity.StateHash(map[string]any{"v": 1})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hb, err := integrity.StateHash(map[string]any{"v": 2})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if ha == hb {
		t.Fatal("different content hashed identically")
	}
}

func TestCheckpointDigest_ExcludesHashAndSize(t *testing.T) {
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cp := &model.Checkpoint{
		ID:        "cp-00000001",
		Timestamp: created,
		SessionID: "session-a",
		TaskSnapshot: map[string]*model.Task{
			"task-00000001": {
				ID:        "task-00000001",
				Name:      "t",
				Status:    model.TaskStatusPending,
				CreatedAt: created,
				UpdatedAt: created,
			},
		},
		QueueSnapshot: map[string]*model.Queue{},
		Type:          model.CheckpointManual,
	}

	hash1, size1, err := integrity.CheckpointDigest(cp)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if hash1 == "" || size1 == 0 {
		t.Fatalf("empty digest: %q / %d", hash1, size1)
	}

	// Filling in the hash and size fields must not change the digest.
	cp.IntegrityHash = hash1
	cp.Size = size1
	hash2, size2, err := integrity.CheckpointDigest(cp)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if hash1 != hash2 || size1 != size2 {
		t.Fatal("digest depends on the hash/size fields themselves")
	}

	// Changing snapshot content must change the digest.
	cp.TaskSnapshot["task-00000001"].Name = "renamed"
	hash3, _, err := integrity.CheckpointDigest(cp)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if hash3 == hash1 {
		t.Fatal("digest unchanged after snapshot mutation")
	}
}
