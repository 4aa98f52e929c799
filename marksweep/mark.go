package marksweep

import (
	"fmt"
	"log"
	"sync"

	"github.com/tinygo-org/markcompact/heap"
	"github.com/tinygo-org/markcompact/objarray"
	"github.com/tinygo-org/markcompact/taskqueue"
)

const traceMark = false

// marker is one marking worker. It owns one queue of the shared set and one
// preserved mark stack.
type marker struct {
	c         *Collector
	h         *heap.Heap
	id        int
	set       *taskqueue.Set
	queue     *taskqueue.Queue
	term      *taskqueue.Terminator
	arrays    *objarray.Processor
	preserved *preservedMarks

	marked    int
	liveBytes heap.Bytes
	work      int
	stolen    int
}

func (c *Collector) newMarkers() []*marker {
	set := taskqueue.NewSet(c.opts.Workers)
	term := taskqueue.NewTerminator(set)
	markers := make([]*marker, c.opts.Workers)
	for i := range markers {
		m := &marker{
			c:         c,
			h:         c.heap,
			id:        i,
			set:       set,
			queue:     set.Queue(i),
			term:      term,
			preserved: &c.preserved[i],
		}
		m.arrays = objarray.New(m, c.opts.Stride)
		markers[i] = m
	}
	return markers
}

// isAlive is the liveness predicate of the marking phase: an object is alive
// when it is marked.
func (c *Collector) isAlive(obj heap.Addr) bool {
	return c.heap.Header(obj).IsMarked()
}

// markPhase computes the transitive closure of the strong roots, then lets
// the reference processor, weak root processing and unloading act on the
// result.
func (c *Collector) markPhase() {
	h := c.heap
	markers := c.newMarkers()
	m0 := markers[0]

	// Objects that hold a class loader keep its metadata alive.
	c.loaderOf = make(map[heap.Addr]*heap.Loader)
	for _, l := range h.Loaders {
		if !l.Strong && !l.Unloaded && l.Holder != heap.Null {
			c.loaderOf[l.Holder] = l
		}
	}

	c.opts.References.SetupPolicy(c.opts.ClearAllSoftRefs)
	c.opts.References.EnableDiscovery()

	// With class unloading off, every loader is a root.
	var weakLoaders heap.LoaderVisitor
	if !c.opts.ClassUnloading {
		weakLoaders = m0.followLoader
	}
	c.opts.Roots.ProcessRoots(heap.SONone,
		m0.markAndPushRoot,
		m0.followLoader,
		weakLoaders,
		func(b *heap.CodeBlob) { b.OopsDo(m0.markAndPushRoot, false) })
	c.drain(markers)

	// Reference processing marks any soft referent that is kept alive and
	// finishes the closure again.
	refStats := c.opts.References.ProcessDiscoveredReferences(
		c.isAlive,
		func(slot heap.Addr) {
			if ref := h.LoadRef(slot); ref != heap.Null {
				m0.markAndPush(ref)
			}
		},
		func() { c.drain(markers) })
	c.opts.References.DisableDiscovery()

	// This is the point where the entire marking should have completed.
	if !m0.set.Empty() {
		panic(fmt.Sprintf("marksweep: marking should have completed, %d entries left", m0.set.Len()))
	}

	cleared := c.opts.Roots.WeakOopsDo(c.isAlive, func(*heap.Addr) {})

	purged := false
	if c.opts.ClassUnloading {
		purged = c.opts.Unloading.UnloadLoaders(c.isAlive)
	}
	codeUnloaded := c.opts.Unloading.UnloadCode(c.isAlive, purged)

	h.ClearClaimedMarks()

	r := c.result
	r.References = refStats
	r.WeakRootsCleared = cleared
	r.LoadersUnloaded = purged
	r.CodeUnloaded = codeUnloaded
	for _, m := range markers {
		r.Marked += m.marked
		r.LiveBytes += m.liveBytes
		r.ScanWork += m.work
		r.Stolen += m.stolen
	}
	if gcDebug {
		log.Printf("marksweep: marked %d objects, %s, refs %s", r.Marked, r.LiveBytes, refStats)
	}
}

// drain runs all markers until every queue is empty. It returns only when
// all of them stopped, which makes it a barrier between marking steps.
func (c *Collector) drain(markers []*marker) {
	markers[0].term.Reset()
	var wg sync.WaitGroup
	for _, m := range markers {
		wg.Add(1)
		go func(m *marker) {
			defer wg.Done()
			m.run()
		}(m)
	}
	wg.Wait()
	if !markers[0].set.Empty() {
		panic(fmt.Sprintf("marksweep: %d marking entries left after termination", markers[0].set.Len()))
	}
}

func (m *marker) run() {
	for {
		e, ok := m.queue.Pop()
		if !ok {
			e, ok = m.set.Steal(m.id)
			if ok {
				m.stolen++
			}
		}
		if !ok {
			if m.term.OfferTermination() {
				return
			}
			continue
		}
		m.process(e)
	}
}

func (m *marker) process(e taskqueue.Entry) {
	if traceMark {
		log.Printf("marksweep: worker %d processes %s", m.id, e)
	}
	switch {
	case e.IsArraySlice():
		m.work += m.arrays.Process(e)
	case e.IsNarrowOop():
		if ref := m.h.LoadRef(e.NarrowOop()); ref != heap.Null && m.markObject(ref) {
			m.follow(ref)
		}
	default:
		m.follow(e.Oop())
	}
}

// markObject marks obj and returns whether this worker marked it. The
// original header is preserved when it carries information.
func (m *marker) markObject(obj heap.Addr) bool {
	if heap.Asserts && !m.h.IsIn(obj) {
		panic(fmt.Sprintf("marksweep: marking non-heap object %s", obj))
	}
	for {
		mark := m.h.Header(obj)
		if mark.IsMarked() {
			return false
		}
		if m.h.CASHeader(obj, mark, heap.MarkedMark()) {
			if mark.MustBePreserved() {
				m.preserved.push(obj, mark)
			}
			m.marked++
			m.liveBytes += m.h.SizeOf(obj)
			return true
		}
	}
}

func (m *marker) markAndPush(obj heap.Addr) {
	if m.markObject(obj) {
		m.queue.Push(taskqueue.NewOop(obj))
	}
}

func (m *marker) markAndPushRoot(slot *heap.Addr) {
	if *slot != heap.Null {
		m.markAndPush(*slot)
	}
}

// doSlot handles one reference slot of a scanned object. Compressed slots are
// queued unresolved.
func (m *marker) doSlot(slot heap.Addr) {
	if m.h.CompressedRefs() {
		if m.h.LoadNarrow(slot) != 0 {
			m.queue.Push(taskqueue.NewNarrowOop(slot))
		}
		return
	}
	if ref := m.h.LoadRef(slot); ref != heap.Null {
		m.markAndPush(ref)
	}
}

// followLoader marks everything a class loader keeps alive. A loader is only
// followed once per phase.
func (m *marker) followLoader(l *heap.Loader) {
	if l.Claim() {
		l.OopsDo(m.markAndPushRoot)
	}
}

// followKlass keeps the loader of obj's type alive.
func (m *marker) followKlass(t *heap.Type) {
	m.followLoader(m.h.Loader(t.Loader))
}

// follow scans the marked object obj.
func (m *marker) follow(obj heap.Addr) {
	t := m.h.TypeOf(obj)
	if l, ok := m.c.loaderOf[obj]; ok {
		m.followLoader(l)
	}
	switch t.Kind {
	case heap.KindObjArray:
		length := m.h.Length(obj)
		if m.arrays.ShouldBeSliced(length) {
			m.work += m.arrays.ProcessObj(obj)
			return
		}
		m.ScanObjArrayStart(obj)
		m.work += m.ScanObjArray(obj, 0, length)
	case heap.KindTypeArray:
		m.followKlass(t)
	case heap.KindReference:
		m.followKlass(t)
		if m.c.opts.References.Discover(obj) {
			// The referent is left to reference processing.
			m.scanFields(obj, t.RefOffsets()[1:])
			return
		}
		m.scanFields(obj, t.RefOffsets())
	default:
		m.followKlass(t)
		m.scanFields(obj, t.RefOffsets())
	}
}

func (m *marker) scanFields(obj heap.Addr, offsets []heap.Bytes) {
	for _, off := range offsets {
		m.doSlot(obj.Plus(off))
	}
	m.work += len(offsets)
}

// The objarray.Task implementation.

func (m *marker) Push(e taskqueue.Entry) {
	m.queue.Push(e)
}

func (m *marker) ScanObjArrayStart(array heap.Addr) {
	m.followKlass(m.h.TypeOf(array))
}

func (m *marker) ScanObjArray(array heap.Addr, from, to int) int {
	if from >= to {
		return 0
	}
	elemBytes := m.h.TypeOf(array).ElementBytes()
	slot := m.h.ElementSlot(array, from)
	for i := from; i < to; i++ {
		m.doSlot(slot)
		slot = slot.Plus(elemBytes)
	}
	return to - from
}

func (m *marker) ArrayLength(array heap.Addr) int {
	return m.h.Length(array)
}
