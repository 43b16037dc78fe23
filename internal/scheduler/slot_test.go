package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSlotTryAcquire(t *testing.T) {
	s := NewSlot()
	if !s.TryAcquire("a") {
		t.Fatal("expected first TryAcquire to succeed")
	}
	if s.TryAcquire("b") {
		t.Fatal("expected second TryAcquire to fail while held")
	}
	if got := s.Holder(); got != "a" {
		t.Fatalf("expected holder a, got %q", got)
	}
	s.Release()
	if !s.TryAcquire("b") {
		t.Fatal("expected TryAcquire after release to succeed")
	}
}

func TestSlotReleaseWhenIdle(t *testing.T) {
	s := NewSlot()
	s.Release()
	if !s.TryAcquire("a") {
		t.Fatal("expected acquire after spurious release")
	}
}

func TestSlotFIFOOrder(t *testing.T) {
	s := NewSlot()
	if !s.TryAcquire("first") {
		t.Fatal("setup acquire failed")
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	started := make(chan struct{}, 2)
	acquire := func(id string) {
		defer wg.Done()
		ctx := context.Background()
		ready := false
		err := s.Acquire(ctx, id, time.Hour, func(int) {
			if !ready {
				ready = true
				started <- struct{}{}
			}
		})
		if err != nil {
			t.Errorf("acquire %s: %v", id, err)
			return
		}
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		s.Release()
	}

	wg.Add(1)
	go acquire("second")
	<-started
	wg.Add(1)
	go acquire("third")
	<-started

	s.Release()
	wg.Wait()

	if len(order) != 2 || order[0] != "second" || order[1] != "third" {
		t.Fatalf("expected FIFO order [second third], got %v", order)
	}
}

func TestSlotPositionReporting(t *testing.T) {
	s := NewSlot()
	if !s.TryAcquire("holder") {
		t.Fatal("setup acquire failed")
	}

	positions := make(chan int, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Acquire(context.Background(), "w", time.Hour, func(pos int) {
			select {
			case positions <- pos:
			default:
			}
		})
	}()

	select {
	case pos := <-positions:
		if pos != 0 {
			t.Fatalf("expected position 0 for sole waiter, got %d", pos)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for position callback")
	}

	s.Release()
	if err := <-done; err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := s.Position("w"); got != -1 {
		t.Fatalf("expected -1 after grant, got %d", got)
	}
}

func TestSlotAcquireContextCancel(t *testing.T) {
	s := NewSlot()
	if !s.TryAcquire("holder") {
		t.Fatal("setup acquire failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	entered := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Acquire(ctx, "w", time.Hour, func(int) { close(entered) })
	}()
	<-entered
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.Waiting() != 0 {
		t.Fatalf("expected empty queue after cancel, got %d", s.Waiting())
	}

	// The held slot is unaffected by the abandoned waiter.
	s.Release()
	if !s.TryAcquire("next") {
		t.Fatal("expected acquire after release")
	}
}

func TestSlotMutualExclusionUnderContention(t *testing.T) {
	s := NewSlot()
	const workers = 16
	var inside int32
	var violations int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			if err := s.Acquire(context.Background(), id, time.Hour, nil); err != nil {
				t.Errorf("acquire %s: %v", id, err)
				return
			}
			if atomic.AddInt32(&inside, 1) > 1 {
				atomic.AddInt32(&violations, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			s.Release()
		}(i)
	}
	wg.Wait()
	if violations != 0 {
		t.Fatalf("observed %d concurrent critical-section entries", violations)
	}
	if s.Holder() != "" || s.Waiting() != 0 {
		t.Fatalf("slot not idle after contention: holder=%q waiting=%d", s.Holder(), s.Waiting())
	}
}
