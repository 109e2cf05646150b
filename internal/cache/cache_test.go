package cache_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/basket/taskvault/internal/cache"
	"github.com/basket/taskvault/internal/model"
)

func TestWriteBuffer_PutReportsFull(t *testing.T) {
	b := cache.NewWriteBuffer(3)
	for i := 0; i < 2; i++ {
		full := b.Put(cache.BufferedWrite{
			ID:   fmt.Sprintf("task-%08d", i),
			Task: &model.Task{ID: fmt.Sprintf("task-%08d", i)},
		})
		if full {
			t.Fatalf("buffer full after %d entries, capacity 3", i+1)
		}
	}
	if full := b.Put(cache.BufferedWrite{ID: "task-00000099", Task: &model.Task{ID: "task-00000099"}}); !full {
		t.Fatal("buffer should report full at capacity")
	}
}

func TestWriteBuffer_RepeatedSaveReplaces(t *testing.T) {
	b := cache.NewWriteBuffer(10)
	b.Put(cache.BufferedWrite{ID: "task-00000001", Task: &model.Task{ID: "task-00000001", Name: "first"}})
	b.Put(cache.BufferedWrite{ID: "task-00000001", Task: &model.Task{ID: "task-00000001", Name: "second"}})

	if b.Len() != 1 {
		t.Fatalf("len = %d, want 1", b.Len())
	}
	staged, ok := b.GetTask("task-00000001")
	if !ok || staged.Name != "second" {
		t.Fatalf("staged = %+v, want the replacing write", staged)
	}
}

func TestWriteBuffer_DrainOrdersAndEmpties(t *testing.T) {
	b := cache.NewWriteBuffer(10)
	now := time.Now()
	b.Put(cache.BufferedWrite{ID: "task-00000002", Task: &model.Task{ID: "task-00000002"}, BufferedAt: now.Add(time.Second)})
	b.Put(cache.BufferedWrite{ID: "task-00000001", Task: &model.Task{ID: "task-00000001"}, BufferedAt: now})
	b.Put(cache.BufferedWrite{ID: "queue-00000001", IsQueue: true, Queue: &model.Queue{ID: "queue-00000001"}, BufferedAt: now.Add(2 * time.Second)})

	drained := b.Drain()
	if len(drained) != 3 {
		t.Fatalf("drained %d, want 3", len(drained))
	}
	if drained[0].ID != "task-00000001" || drained[2].ID != "queue-00000001" {
		t.Fatalf("drain order wrong: %v, %v, %v", drained[0].ID, drained[1].ID, drained[2].ID)
	}
	if b.Len() != 0 {
		t.Fatalf("buffer not empty after drain: %d", b.Len())
	}
}

func TestWriteBuffer_TaskAndQueueKeysDistinct(t *testing.T) {
	b := cache.NewWriteBuffer(10)
	b.Put(cache.BufferedWrite{ID: "shared-00000001", Task: &model.Task{ID: "shared-00000001"}})
	b.Put(cache.BufferedWrite{ID: "shared-00000001", IsQueue: true, Queue: &model.Queue{ID: "shared-00000001"}})
	if b.Len() != 2 {
		t.Fatalf("len = %d, want 2 (task and queue keyspaces are distinct)", b.Len())
	}
	b.Remove("shared-00000001", true)
	if _, ok := b.GetTask("shared-00000001"); !ok {
		t.Fatal("task entry should survive queue removal")
	}
}

func TestPrefetch_BoundAndMinHitEviction(t *testing.T) {
	p := cache.NewPrefetch(1000, time.Minute)
	for i := 0; i < 1000; i++ {
		p.Put(fmt.Sprintf("task-%08d", i), i)
	}
	// Touch everything except one entry so it has the minimum hit count.
	for i := 0; i < 1000; i++ {
		if i == 500 {
			continue
		}
		if _, ok := p.Get(fmt.Sprintf("task-%08d", i)); !ok {
			t.Fatalf("entry %d missing before overflow", i)
		}
	}

	p.Put("task-00001000", 1000)
	if p.Len() != 1000 {
		t.Fatalf("len = %d, want 1000 after overflow", p.Len())
	}
	if _, ok := p.Get("task-00000500"); ok {
		t.Fatal("minimum-hit entry should have been evicted")
	}
	if _, ok := p.Get("task-00001000"); !ok {
		t.Fatal("newly inserted entry missing")
	}
}

func TestPrefetch_TTLExpiry(t *testing.T) {
	p := cache.NewPrefetch(10, 20*time.Millisecond)
	p.Put("task-00000001", "v")
	if _, ok := p.Get("task-00000001"); !ok {
		t.Fatal("fresh entry should hit")
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := p.Get("task-00000001"); ok {
		t.Fatal("expired entry should miss")
	}
}

func TestPrefetch_PurgeExpired(t *testing.T) {
	p := cache.NewPrefetch(10, 20*time.Millisecond)
	p.Put("task-00000001", "a")
	p.Put("task-00000002", "b")
	time.Sleep(30 * time.Millisecond)
	p.Put("task-00000003", "c")

	if purged := p.PurgeExpired(); purged != 2 {
		t.Fatalf("purged = %d, want 2", purged)
	}
	if p.Len() != 1 {
		t.Fatalf("len = %d, want 1", p.Len())
	}
}

func TestPrefetch_HitMissCounters(t *testing.T) {
	p := cache.NewPrefetch(10, time.Minute)
	p.Put("task-00000001", "v")
	p.Get("task-00000001")
	p.Get("task-00000001")
	p.Get("task-00000404")

	if p.Hits() != 2 {
		t.Fatalf("hits = %d, want 2", p.Hits())
	}
	if p.Misses() != 1 {
		t.Fatalf("misses = %d, want 1", p.Misses())
	}
}
