package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTaskSaved)
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskSaved, TaskEvent{EntityType: "task", ID: "task-1"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicTaskSaved {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskSaved)
		}
		payload, ok := event.Payload.(TaskEvent)
		if !ok {
			t.Fatalf("payload type = %T, want TaskEvent", event.Payload)
		}
		if payload.ID != "task-1" {
			t.Fatalf("task id = %q, want task-1", payload.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	// Subscribe to the checkpoint family only.
	cpSub := b.Subscribe("checkpoint.")
	defer b.Unsubscribe(cpSub)

	// Subscribe to all events.
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicCheckpointCreated, CheckpointEvent{CheckpointID: "cp-1"})
	b.Publish(TopicConflictResolved, nil)

	// cpSub should receive the checkpoint event but not the conflict one.
	select {
	case event := <-cpSub.Ch():
		if event.Topic != TopicCheckpointCreated {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicCheckpointCreated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for checkpoint event")
	}

	select {
	case event := <-cpSub.Ch():
		t.Fatalf("unexpected event on cpSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	// allSub should receive both.
	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; a slow consumer must never block Publish.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicTaskSaved, TaskEvent{EntityType: "task", ID: "overflow"})
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("recovery.")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	// Channel should be closed.
	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe(TopicShutdown)
	sub2 := b.Subscribe(TopicShutdown)
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(TopicShutdown, ShutdownEvent{SessionID: "session-1"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case event := <-sub.Ch():
			payload, ok := event.Payload.(ShutdownEvent)
			if !ok || payload.SessionID != "session-1" {
				t.Fatalf("payload = %v, want ShutdownEvent for session-1", event.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicTaskSaved, TaskEvent{EntityType: "task", ID: "concurrent"})
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done
		}
	}
done:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}
