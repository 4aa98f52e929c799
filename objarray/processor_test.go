package objarray

import (
	"slices"
	"strings"
	"testing"

	"github.com/tinygo-org/markcompact/heap"
	"github.com/tinygo-org/markcompact/taskqueue"
)

const testArray heap.Addr = 0x1000_0000

type span struct{ from, to int }

// recorder is a Task that records what it was asked to do instead of
// scanning memory.
type recorder struct {
	length  int
	started int
	pushed  []taskqueue.Entry
	queue   []taskqueue.Entry
	scanned []span
}

func (r *recorder) Push(e taskqueue.Entry) {
	r.pushed = append(r.pushed, e)
	r.queue = append(r.queue, e)
}

func (r *recorder) ScanObjArrayStart(heap.Addr) { r.started++ }

func (r *recorder) ScanObjArray(_ heap.Addr, from, to int) int {
	r.scanned = append(r.scanned, span{from, to})
	return to - from
}

func (r *recorder) ArrayLength(heap.Addr) int { return r.length }

// drain processes the array the way the marker does and returns the total
// work reported by all scans.
func drain(t *testing.T, length, stride int) (*recorder, int) {
	t.Helper()
	r := &recorder{length: length}
	p := New(r, stride)
	total := 0
	if p.ShouldBeSliced(length) {
		total += p.ProcessObj(testArray)
	} else if length > 0 {
		total += r.ScanObjArray(testArray, 0, length)
	}
	for len(r.queue) > 0 {
		e := r.queue[len(r.queue)-1]
		r.queue = r.queue[:len(r.queue)-1]
		if e.Chunk() < 1 || e.Chunk() >= taskqueue.ChunkSize {
			t.Fatalf("dequeued %s with invalid chunk", e)
		}
		total += p.Process(e)
	}
	return r, total
}

// checkCoverage verifies that the scanned spans partition [0, length).
func checkCoverage(t *testing.T, length int, scanned []span) {
	t.Helper()
	spans := slices.Clone(scanned)
	slices.SortFunc(spans, func(a, b span) int { return a.from - b.from })
	next := 0
	for _, s := range spans {
		if s.from >= s.to {
			t.Errorf("length %d: empty or inverted span [%d, %d)", length, s.from, s.to)
		}
		if s.from != next {
			t.Errorf("length %d: span [%d, %d) starts at %d, want %d", length, s.from, s.to, s.from, next)
		}
		next = s.to
	}
	if next != length {
		t.Errorf("length %d: spans end at %d", length, next)
	}
}

func TestCoverage(t *testing.T) {
	for _, stride := range []int{1, 2, 16, DefaultStride} {
		for _, length := range []int{0, 1, 2, 3, 4, 1023, 1024, 1025, 1<<20 + 1} {
			r, total := drain(t, length, stride)
			checkCoverage(t, length, r.scanned)
			if total != length {
				t.Errorf("stride %d length %d: scanned %d elements", stride, length, total)
			}
		}
	}
}

func TestProcessObjDirectly(t *testing.T) {
	// ProcessObj also copes with arrays below the slicing threshold.
	for _, length := range []int{0, 1, 5, 17} {
		r := &recorder{length: length}
		p := New(r, 4)
		total := p.ProcessObj(testArray)
		for len(r.queue) > 0 {
			e := r.queue[0]
			r.queue = r.queue[1:]
			total += p.Process(e)
		}
		checkCoverage(t, length, r.scanned)
		if total != length || r.started != 1 {
			t.Errorf("length %d: total %d, started %d", length, total, r.started)
		}
	}
}

func TestScenarioLength1000(t *testing.T) {
	r := &recorder{length: 1000}
	p := New(r, 16)
	if n := p.ProcessObj(testArray); n != 8 {
		t.Errorf("tail work is %d, want 8", n)
	}
	want := [][2]int{{1, 9}, {3, 8}, {7, 7}, {15, 6}, {31, 5}}
	if len(r.pushed) != len(want) {
		t.Fatalf("pushed %v, want %v", r.pushed, want)
	}
	for i, e := range r.pushed {
		if e.Array() != testArray || e.Chunk() != want[i][0] || e.Pow() != want[i][1] {
			t.Errorf("push %d is %s, want <%d, %d>", i, e, want[i][0], want[i][1])
		}
	}
	if len(r.scanned) != 1 || r.scanned[0] != (span{992, 1000}) {
		t.Errorf("scanned %v, want the tail [992, 1000)", r.scanned)
	}

	_, total := drain(t, 1000, 16)
	if total != 1000 {
		t.Errorf("scanned %d elements in total, want 1000", total)
	}
}

func TestProcessSlice(t *testing.T) {
	r := &recorder{length: 1000}
	p := New(r, 16)
	if n := p.ProcessSlice(testArray, 1, 9); n != 16 {
		t.Errorf("ProcessSlice scanned %d elements, want 16", n)
	}
	if len(r.pushed) != 5 {
		t.Errorf("ProcessSlice pushed %d slices, want 5", len(r.pushed))
	}
	if r.scanned[0] != (span{496, 512}) {
		t.Errorf("ProcessSlice scanned %v, want [496, 512)", r.scanned[0])
	}
}

func TestOverflowPreSplit(t *testing.T) {
	const length = 1<<30 + 1
	r := &recorder{length: length}
	p := New(r, DefaultStride)
	p.ProcessObj(testArray)

	if len(r.pushed) != 1 {
		t.Fatalf("pushed %v, want exactly the pre-split half", r.pushed)
	}
	if e := r.pushed[0]; e.Chunk() != 1 || e.Pow() != 30 {
		t.Errorf("pre-split pushed %s, want <1, 30>", e)
	}
	if len(r.scanned) != 1 || r.scanned[0] != (span{1 << 30, length}) {
		t.Errorf("scanned %v, want the one element tail", r.scanned)
	}

	// Continuing the pre-split half never needs a chunk beyond the budget.
	r.scanned = nil
	r.pushed = nil
	r.queue = nil
	total := p.ProcessSlice(testArray, 1, 30)
	for _, e := range r.pushed {
		if e.Chunk() < 1 || e.Chunk() >= taskqueue.ChunkSize {
			t.Errorf("pushed %s with chunk out of range", e)
		}
	}
	for len(r.queue) > 0 {
		e := r.queue[len(r.queue)-1]
		r.queue = r.queue[:len(r.queue)-1]
		total += p.Process(e)
	}
	if total != 1<<30 {
		t.Errorf("pre-split half scanned %d elements, want %d", total, 1<<30)
	}
}

func TestShouldBeSliced(t *testing.T) {
	p := New(&recorder{}, 16)
	if p.ShouldBeSliced(31) || !p.ShouldBeSliced(32) {
		t.Error("the slicing threshold is not twice the stride")
	}
}

func TestSliceOutOfRange(t *testing.T) {
	if !heap.Asserts {
		t.Skip("bounds checks are disabled")
	}
	defer func() {
		msg, _ := recover().(string)
		if !strings.HasPrefix(msg, "objarray: slice") {
			t.Errorf("got panic %q, want a slice range panic", msg)
		}
	}()
	p := New(&recorder{length: 100}, 16)
	p.ProcessSlice(testArray, 8, 4)
}
