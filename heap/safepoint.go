package heap

import (
	"sync"
	"sync/atomic"
)

// safepoint keeps mutator operations and collections apart. Every mutator
// operation holds it in shared mode; a collection takes it exclusively, which
// waits for in-flight operations to finish and keeps new ones out until the
// world is resumed.
type safepoint struct {
	mu      sync.RWMutex
	stopped atomic.Bool
}

func (s *safepoint) enter() {
	s.mu.RLock()
}

func (s *safepoint) leave() {
	s.mu.RUnlock()
}

// StopTheWorld blocks until no mutator operation is running and then keeps
// all of them out. It must be paired with ResumeTheWorld.
func (h *Heap) StopTheWorld() {
	h.safepoint.mu.Lock()
	h.safepoint.stopped.Store(true)
}

// ResumeTheWorld lets mutator operations run again.
func (h *Heap) ResumeTheWorld() {
	if !h.safepoint.stopped.Load() {
		panic("heap: resuming a world that was not stopped")
	}
	h.safepoint.stopped.Store(false)
	h.safepoint.mu.Unlock()
}

// AtSafepoint reports whether the world is currently stopped.
func (h *Heap) AtSafepoint() bool {
	return h.safepoint.stopped.Load()
}
