package engine

import "sync"

// leakQueue collects registry slots whose wrapper was finalized by the host
// collector without an explicit dispose. The producer side runs on the
// collector's goroutine and must never block or touch the engine; the
// consumer side runs on whichever goroutine legitimately owns the State.
type leakQueue struct {
	mu    sync.Mutex
	slots []int
}

// TryEnqueueLeaked appends a slot for later release. Safe from finalizer
// context: the lock is only attempted, never waited on. A false return means
// the caller should retry on a later collection cycle.
func (s *State) TryEnqueueLeaked(slot int) bool {
	if slot <= 0 {
		return true
	}
	if !s.leak.mu.TryLock() {
		return false
	}
	s.leak.slots = append(s.leak.slots, slot)
	s.leak.mu.Unlock()
	return true
}

// DrainLeaked returns every queued slot to the registry free list and
// reports how many were released. Must run on the engine-owning side; bridge
// entry points call it opportunistically before other engine work.
func (s *State) DrainLeaked() int {
	s.leak.mu.Lock()
	slots := s.leak.slots
	s.leak.slots = nil
	s.leak.mu.Unlock()
	if s.closed.Load() {
		return 0
	}
	for _, slot := range slots {
		s.Unref(slot)
	}
	return len(slots)
}

// LeakedCount reports how many slots are waiting to be drained.
func (s *State) LeakedCount() int {
	s.leak.mu.Lock()
	n := len(s.leak.slots)
	s.leak.mu.Unlock()
	return n
}
