package connection

import (
	"sync"
	"testing"
	"time"
)

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second)

	for i := 0; i < 20; i++ {
		wait := b.Next()
		if wait <= 0 || wait > time.Second {
			t.Fatalf("attempt %d: wait %v out of range", i, wait)
		}
	}
	if b.cur != time.Second {
		t.Errorf("cur = %v, want capped at 1s", b.cur)
	}

	b.Reset()
	wait := b.Next()
	if wait < 50*time.Millisecond || wait > 150*time.Millisecond {
		t.Errorf("wait after reset = %v, want within jitter of base", wait)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	b := newBackoff(0, 0)
	if b.base != time.Second || b.max != time.Second {
		t.Errorf("base/max = %v/%v, want 1s/1s", b.base, b.max)
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("raid.1")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
	if len(k.locks) != 0 {
		t.Errorf("locks not released: %d entries", len(k.locks))
	}
}

func TestKeyedMutex_DifferentKeys(t *testing.T) {
	k := newKeyedMutex()

	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked by a")
	}
	unlockA()
}
