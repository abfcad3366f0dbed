package queue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEnqueueOrderPreservedWithinSession(t *testing.T) {
	var mu sync.Mutex
	var gotBatch []string
	done := make(chan struct{})

	m := NewManager(Options{Debounce: 20 * time.Millisecond, Max: 100}, func(ctx context.Context, key string, batch []Item) {
		mu.Lock()
		for _, it := range batch {
			gotBatch = append(gotBatch, it.Text)
		}
		mu.Unlock()
		close(done)
	})

	for i := 0; i < 5; i++ {
		m.Enqueue("k", "msg")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(gotBatch) != 5 {
		t.Fatalf("expected 5 messages in batch, got %d", len(gotBatch))
	}
}

func TestQueueOverflowSummarize(t *testing.T) {
	done := make(chan []Item, 1)
	m := NewManager(Options{Debounce: 20 * time.Millisecond, Max: 20, DropPolicy: DropSummarize}, func(ctx context.Context, key string, batch []Item) {
		done <- batch
	})

	for i := 0; i < 25; i++ {
		m.Enqueue("k", "m")
	}

	var batch []Item
	select {
	case batch = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	if len(batch) != 21 { // 20 kept + 1 synthetic summary
		t.Fatalf("expected 21 items (20 kept + summary), got %d", len(batch))
	}
	last := batch[len(batch)-1].Text
	if !strings.Contains(last, "[Queue overflow] Dropped 5 messages due to cap.") {
		t.Fatalf("expected overflow summary as last item, got %q", last)
	}
}

func TestAtMostOneInFlightPerSession(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	var mu sync.Mutex

	m := NewManager(Options{Debounce: 5 * time.Millisecond, Max: 100}, func(ctx context.Context, key string, batch []Item) {
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		concurrent--
		mu.Unlock()
	})

	m.Enqueue("k", "a")
	time.Sleep(10 * time.Millisecond)
	m.Enqueue("k", "b") // arrives while first batch is in flight

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if maxConcurrent > 1 {
		t.Fatalf("expected at most one in-flight turn per session, saw %d", maxConcurrent)
	}
}

func TestAbortDrainsWithoutInvoking(t *testing.T) {
	invoked := false
	m := NewManager(Options{Debounce: 20 * time.Millisecond}, func(ctx context.Context, key string, batch []Item) {
		invoked = true
	})
	m.Enqueue("k", "a")
	m.Abort("k")
	time.Sleep(50 * time.Millisecond)
	if invoked {
		t.Fatal("handler should not run after Abort")
	}
	if m.QueueLength("k") != 0 {
		t.Fatal("expected queue drained after Abort")
	}
}
