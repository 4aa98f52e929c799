package taskqueue

import (
	"sync"

	"github.com/tinygo-org/markcompact/heap"
)

// Queue is a double ended container of entries. The owning worker pushes and
// pops at the tail, so its own work is processed depth first; other workers
// steal from the head, where the oldest and usually largest work is.
// The zero value is an empty queue.
type Queue struct {
	lock sync.Mutex
	buf  []Entry
	head int
}

// Push an entry onto the tail of the queue.
func (q *Queue) Push(e Entry) {
	if heap.Asserts && e.IsNull() {
		panic("taskqueue: pushing a null entry")
	}
	q.lock.Lock()
	q.buf = append(q.buf, e)
	q.lock.Unlock()
}

// Pop an entry off the tail of the queue.
func (q *Queue) Pop() (Entry, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.head == len(q.buf) {
		return 0, false
	}
	e := q.buf[len(q.buf)-1]
	q.buf = q.buf[:len(q.buf)-1]
	q.reset()
	return e, true
}

// Steal an entry from the head of the queue.
func (q *Queue) Steal() (Entry, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.head == len(q.buf) {
		return 0, false
	}
	e := q.buf[q.head]
	q.head++
	q.reset()
	return e, true
}

// reset reclaims the stolen prefix once it dominates the buffer.
func (q *Queue) reset() {
	if q.head == len(q.buf) {
		q.buf = q.buf[:0]
		q.head = 0
	} else if q.head > 64 && q.head > len(q.buf)/2 {
		n := copy(q.buf, q.buf[q.head:])
		q.buf = q.buf[:n]
		q.head = 0
	}
}

// Append pops the contents of another queue and pushes them onto the end of
// this queue.
func (q *Queue) Append(other *Queue) {
	other.lock.Lock()
	entries := other.buf[other.head:]
	other.buf, other.head = nil, 0
	other.lock.Unlock()

	q.lock.Lock()
	q.buf = append(q.buf, entries...)
	q.lock.Unlock()
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.lock.Lock()
	n := len(q.buf) - q.head
	q.lock.Unlock()
	return n
}

// Empty checks if the queue is empty.
func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// Clear drops all entries.
func (q *Queue) Clear() {
	q.lock.Lock()
	q.buf, q.head = nil, 0
	q.lock.Unlock()
}
