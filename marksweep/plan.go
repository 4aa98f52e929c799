package marksweep

import (
	"fmt"
	"log"

	"github.com/tinygo-org/markcompact/heap"
)

// compactionPoint is where the next live object goes. It is shared by all
// generations: it fills the old space first, then eden, switching to the next
// space when an object does not fit the current one.
type compactionPoint struct {
	spaces []*heap.Space
	i      int
	top    heap.Addr
}

func newCompactionPoint(spaces []*heap.Space) *compactionPoint {
	for _, s := range spaces {
		s.CompactionTop = s.Bottom
	}
	return &compactionPoint{spaces: spaces, top: spaces[0].Bottom}
}

func (cp *compactionPoint) space() *heap.Space {
	return cp.spaces[cp.i]
}

func (cp *compactionPoint) objectWillFit(size heap.Bytes) bool {
	return cp.space().End.Minus(cp.top) >= size
}

func (cp *compactionPoint) switchSpace() {
	cp.space().CompactionTop = cp.top
	cp.i++
	if cp.i == len(cp.spaces) {
		panic("marksweep: live objects do not fit the compaction spaces")
	}
	cp.top = cp.space().Bottom
}

// forward returns the new address of an object of the given size.
func (cp *compactionPoint) forward(size heap.Bytes) heap.Addr {
	for !cp.objectWillFit(size) {
		cp.switchSpace()
	}
	to := cp.top
	cp.top = cp.top.Plus(size)
	return to
}

// finish records the compaction top of the current space.
func (cp *compactionPoint) finish() {
	cp.space().CompactionTop = cp.top
}

// compactionSpaces returns the object spaces of all generations, old first.
func (c *Collector) compactionSpaces() []*heap.Space {
	var spaces []*heap.Space
	c.heap.GenerationIterate(func(g *heap.Generation) {
		spaces = append(spaces, g.Spaces...)
	}, true)
	return spaces
}

// planPhase computes the new address of every marked object, walking each
// generation in address order, old first. Objects are only ever forwarded to
// a lower address in their own space or into an earlier space, so moving them
// in the same order never overwrites an object that has not moved yet.
func (c *Collector) planPhase() {
	h := c.heap
	if h.Young.Scratch != nil && !h.Young.Scratch.IsEmpty() {
		panic("marksweep: scratch space holds objects")
	}
	spaces := c.compactionSpaces()
	cp := newCompactionPoint(spaces)
	c.live = make([][]heap.Addr, len(spaces))
	for i, s := range spaces {
		h.ObjectIterate(s, func(obj heap.Addr) {
			if !h.Header(obj).IsMarked() {
				return
			}
			to := cp.forward(h.SizeOf(obj))
			c.fwd.forward(obj, to)
			c.live[i] = append(c.live[i], obj)
		})
	}
	cp.finish()

	if c.fwd.len() != c.result.Marked {
		panic(fmt.Sprintf("marksweep: forwarded %d objects, marked %d", c.fwd.len(), c.result.Marked))
	}
	if gcDebug {
		for _, s := range spaces {
			log.Printf("marksweep: %s compacts to %s", s, s.CompactionTop)
		}
	}
}
