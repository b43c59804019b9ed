package dispatch

import (
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[int](4)

	for i := 0; i < 3; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) returned false", i)
		}
	}
	if q.Len() != 3 {
		t.Errorf("Len() = %d, want 3", q.Len())
	}

	for i := 0; i < 3; i++ {
		v, ok := q.TryPop()
		if !ok || v != i {
			t.Fatalf("TryPop() = %d, %v; want %d, true", v, ok, i)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Error("TryPop() on empty queue returned true")
	}
}

func TestQueue_GrowsPreservingOrder(t *testing.T) {
	q := NewQueue[int](4)

	// Wrap the ring before it grows.
	for i := 0; i < 3; i++ {
		q.Push(i)
	}
	q.TryPop()
	q.TryPop()

	for i := 3; i < 20; i++ {
		q.Push(i)
	}

	stats := q.Stats()
	if stats.Resizes == 0 {
		t.Error("expected the queue to grow")
	}
	if stats.Queued != 18 {
		t.Errorf("Queued = %d, want 18", stats.Queued)
	}

	for want := 2; want < 20; want++ {
		v, ok := q.TryPop()
		if !ok || v != want {
			t.Fatalf("TryPop() = %d, %v; want %d", v, ok, want)
		}
	}
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewQueue[string](1)

	got := make(chan string)
	go func() {
		v, _ := q.Pop()
		got <- v
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before Push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("x")
	select {
	case v := <-got:
		if v != "x" {
			t.Errorf("Pop() = %q, want x", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestQueue_CloseDrainsThenStops(t *testing.T) {
	q := NewQueue[int](2)
	q.Push(1)
	q.Close()

	if q.Push(2) {
		t.Error("Push after Close returned true")
	}
	if v, ok := q.Pop(); !ok || v != 1 {
		t.Errorf("Pop() = %d, %v; want 1, true", v, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop() on closed empty queue returned true")
	}
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := NewQueue[int](1)

	const producers, perProducer = 4, 500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(i)
			}
		}()
	}

	received := 0
	done := make(chan struct{})
	go func() {
		for {
			if _, ok := q.Pop(); !ok {
				close(done)
				return
			}
			received++
		}
	}()

	wg.Wait()
	q.Close()
	<-done

	if received != producers*perProducer {
		t.Errorf("received %d, want %d", received, producers*perProducer)
	}
}
