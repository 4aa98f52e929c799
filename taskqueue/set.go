package taskqueue

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// paddedQueue keeps the locks of neighbouring workers on different cache
// lines.
type paddedQueue struct {
	Queue
	_ cpu.CacheLinePad
}

// Set is the group of queues of one parallel marking phase, one per worker.
type Set struct {
	queues []paddedQueue
}

func NewSet(workers int) *Set {
	if workers < 1 {
		panic("taskqueue: a queue set needs at least one worker")
	}
	return &Set{queues: make([]paddedQueue, workers)}
}

// Size returns the number of workers.
func (s *Set) Size() int {
	return len(s.queues)
}

// Queue returns the queue owned by worker.
func (s *Set) Queue(worker int) *Queue {
	return &s.queues[worker].Queue
}

// Steal takes an entry from the queue of some other worker, starting with the
// next one.
func (s *Set) Steal(worker int) (Entry, bool) {
	n := len(s.queues)
	for i := 1; i < n; i++ {
		if e, ok := s.queues[(worker+i)%n].Steal(); ok {
			return e, true
		}
	}
	return 0, false
}

// Empty reports whether all queues are empty.
func (s *Set) Empty() bool {
	for i := range s.queues {
		if !s.queues[i].Empty() {
			return false
		}
	}
	return true
}

// Len returns the total number of queued entries.
func (s *Set) Len() int {
	n := 0
	for i := range s.queues {
		n += s.queues[i].Len()
	}
	return n
}

// Terminator decides when a group of workers that share a Set are all out of
// work. A worker may only offer termination when its own queue is empty and
// stealing failed; since only the owner pushes to a queue, the queues stay
// empty once every worker has offered.
type Terminator struct {
	workers int32
	offered atomic.Int32
	set     *Set
}

func NewTerminator(set *Set) *Terminator {
	return &Terminator{workers: int32(set.Size()), set: set}
}

// OfferTermination blocks until either all workers have offered, in which
// case it returns true and marking is complete, or some queue has work again,
// in which case the offer is withdrawn and it returns false.
func (t *Terminator) OfferTermination() bool {
	t.offered.Add(1)
	for {
		if t.offered.Load() == t.workers {
			return true
		}
		if !t.set.Empty() {
			t.offered.Add(-1)
			return false
		}
		runtime.Gosched()
	}
}

// Reset prepares the terminator for another round over the same set.
func (t *Terminator) Reset() {
	t.offered.Store(0)
}
