package scheduler

import (
	"context"
	"sync"
	"time"
)

// Slot is the single system-wide permit for the crawl+compress critical
// section. At most one job holds it at a time, globally, so no two jobs ever
// have compression-phase external calls in flight simultaneously. Waiters are
// served strictly first-in-first-out, and their queue position is observable
// for user-facing "queued" reporting.
type Slot struct {
	mu     sync.Mutex
	held   bool
	holder string
	queue  []*waiter
}

type waiter struct {
	id    string
	ready chan struct{}
}

func NewSlot() *Slot {
	return &Slot{}
}

// TryAcquire is the non-blocking fast path.
func (s *Slot) TryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return false
	}
	s.held = true
	s.holder = id
	return true
}

// Acquire blocks until the slot is granted or ctx is done. While waiting, the
// onWait callback (optional) fires immediately and then once per refresh
// interval with the caller's current zero-based queue position, for periodic
// status refreshes.
func (s *Slot) Acquire(ctx context.Context, id string, refresh time.Duration, onWait func(position int)) error {
	s.mu.Lock()
	if !s.held {
		s.held = true
		s.holder = id
		s.mu.Unlock()
		return nil
	}
	w := &waiter{id: id, ready: make(chan struct{})}
	s.queue = append(s.queue, w)
	s.mu.Unlock()

	if onWait != nil {
		onWait(s.Position(id))
	}

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		select {
		case <-w.ready:
			return nil
		case <-ctx.Done():
			s.abandon(w)
			return ctx.Err()
		case <-ticker.C:
			if onWait != nil {
				onWait(s.Position(id))
			}
		}
	}
}

// Release hands the slot to the head of the queue, or frees it when nobody
// waits. Safe to call when not held.
func (s *Slot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held {
		return
	}
	if len(s.queue) == 0 {
		s.held = false
		s.holder = ""
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.holder = next.id
	close(next.ready)
}

// abandon removes a waiter whose context ended. If the grant raced the
// cancellation, the slot is passed straight on.
func (s *Slot) abandon(w *waiter) {
	s.mu.Lock()
	for i, q := range s.queue {
		if q == w {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.mu.Unlock()
			return
		}
	}
	granted := s.holder == w.id
	s.mu.Unlock()
	if granted {
		s.Release()
	}
}

// Position returns the zero-based queue position of id, or -1 when id is not
// waiting (it may already hold the slot).
func (s *Slot) Position(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.queue {
		if w.id == id {
			return i
		}
	}
	return -1
}

// Holder returns the id currently inside the critical section, or "".
func (s *Slot) Holder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held {
		return ""
	}
	return s.holder
}

// Waiting returns the number of queued jobs.
func (s *Slot) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
