// Package cache holds the engine's two performance structures: the bounded
// write buffer that stages saves for batch flushing, and the bounded,
// frequency-evicted prefetch cache for loads.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/basket/taskvault/internal/model"
)

// Write buffer bounds.
const (
	BufferCapacity = 100
	FlushInterval  = 10 * time.Second
)

// BufferedWrite is one staged save. Exactly one of Task or Queue is set.
type BufferedWrite struct {
	ID         string
	IsQueue    bool
	Task       *model.Task
	Queue      *model.Queue
	BufferedAt time.Time
}

func bufferKey(id string, isQueue bool) string {
	if isQueue {
		return "queue/" + id
	}
	return "task/" + id
}

// WriteBuffer stages saves until the engine flushes them as one batch
// transaction. A repeated save of the same entity replaces the staged entry.
type WriteBuffer struct {
	mu       sync.Mutex
	entries  map[string]BufferedWrite
	capacity int
}

// NewWriteBuffer returns a buffer bounded at capacity entries.
func NewWriteBuffer(capacity int) *WriteBuffer {
	if capacity <= 0 {
		capacity = BufferCapacity
	}
	return &WriteBuffer{
		entries:  make(map[string]BufferedWrite, capacity),
		capacity: capacity,
	}
}

// Put stages a write and reports whether the buffer has reached capacity
// (the caller should flush).
func (b *WriteBuffer) Put(w BufferedWrite) (full bool) {
	if w.BufferedAt.IsZero() {
		w.BufferedAt = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[bufferKey(w.ID, w.IsQueue)] = w
	return len(b.entries) >= b.capacity
}

// GetTask returns a staged task write, so loads observe unflushed saves.
func (b *WriteBuffer) GetTask(id string) (*model.Task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.entries[bufferKey(id, false)]
	if !ok {
		return nil, false
	}
	return w.Task, true
}

// GetQueue returns a staged queue write.
func (b *WriteBuffer) GetQueue(id string) (*model.Queue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.entries[bufferKey(id, true)]
	if !ok {
		return nil, false
	}
	return w.Queue, true
}

// Remove drops a staged write, if present.
func (b *WriteBuffer) Remove(id string, isQueue bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, bufferKey(id, isQueue))
}

// Drain empties the buffer and returns the staged writes ordered by the
// time they were buffered.
func (b *WriteBuffer) Drain() []BufferedWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BufferedWrite, 0, len(b.entries))
	for _, w := range b.entries {
		out = append(out, w)
	}
	b.entries = make(map[string]BufferedWrite, b.capacity)
	sort.Slice(out, func(i, j int) bool { return out[i].BufferedAt.Before(out[j].BufferedAt) })
	return out
}

// Len returns the number of staged writes.
func (b *WriteBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
