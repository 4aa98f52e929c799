package marksweep

import (
	"fmt"

	"github.com/tinygo-org/markcompact/heap"
)

// preservedMark is the original header of an object whose header was replaced
// by the mark.
type preservedMark struct {
	obj  heap.Addr
	mark heap.MarkWord
}

// preservedMarks is the stack of one marking worker. The fast path stores
// records in a slice of scratch memory, two words per record; once that is
// full the records spill to an overflow slice.
type preservedMarks struct {
	scratch  []uint64
	count    int // records in scratch
	overflow []preservedMark
}

// capacity returns the number of records the scratch memory holds.
func (p *preservedMarks) capacity() int {
	return len(p.scratch) / 2
}

func (p *preservedMarks) push(obj heap.Addr, mark heap.MarkWord) {
	if p.count < p.capacity() {
		p.scratch[2*p.count] = uint64(obj)
		p.scratch[2*p.count+1] = uint64(mark)
		p.count++
		return
	}
	p.overflow = append(p.overflow, preservedMark{obj: obj, mark: mark})
}

func (p *preservedMarks) len() int {
	return p.count + len(p.overflow)
}

// each calls fn for every record. fn may update the record.
func (p *preservedMarks) each(fn func(pm *preservedMark)) {
	for i := 0; i < p.count; i++ {
		pm := preservedMark{obj: heap.Addr(p.scratch[2*i]), mark: heap.MarkWord(p.scratch[2*i+1])}
		fn(&pm)
		p.scratch[2*i] = uint64(pm.obj)
		p.scratch[2*i+1] = uint64(pm.mark)
	}
	for i := range p.overflow {
		fn(&p.overflow[i])
	}
}

// adjust moves every record to the new address of its object.
func (p *preservedMarks) adjust(f *forwarding) {
	p.each(func(pm *preservedMark) {
		pm.obj = f.forwardee(pm.obj)
	})
}

// restore writes the preserved headers back.
func (p *preservedMarks) restore(h *heap.Heap) {
	p.each(func(pm *preservedMark) {
		h.SetHeader(pm.obj, pm.mark)
	})
}

func (p *preservedMarks) reset() {
	p.scratch = nil
	p.count = 0
	p.overflow = nil
}

// forwarding maps the address of every surviving object to the address it
// will have after the collection. Objects that stay in place map to
// themselves. It is built by the plan phase and read-only afterwards.
type forwarding struct {
	to map[heap.Addr]heap.Addr
}

func newForwarding() *forwarding {
	return &forwarding{to: make(map[heap.Addr]heap.Addr)}
}

func (f *forwarding) forward(obj, to heap.Addr) {
	if heap.Asserts {
		if _, ok := f.to[obj]; ok {
			panic(fmt.Sprintf("marksweep: object %s forwarded twice", obj))
		}
	}
	f.to[obj] = to
}

func (f *forwarding) forwardee(obj heap.Addr) heap.Addr {
	to, ok := f.to[obj]
	if !ok {
		panic(fmt.Sprintf("marksweep: object %s has no forwardee", obj))
	}
	return to
}

func (f *forwarding) isForwarded(obj heap.Addr) bool {
	_, ok := f.to[obj]
	return ok
}

func (f *forwarding) len() int {
	return len(f.to)
}
