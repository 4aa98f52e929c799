package marksweep

import (
	"fmt"

	"github.com/tinygo-org/markcompact/heap"
)

// adjustPointer returns the new address of the object ref points to. Null
// references and references to objects that were not marked are returned
// unchanged.
func (c *Collector) adjustPointer(ref heap.Addr) heap.Addr {
	if ref == heap.Null {
		return ref
	}
	if heap.Asserts && !c.heap.IsIn(ref) {
		panic(fmt.Sprintf("marksweep: adjusting non-heap reference %s", ref))
	}
	if !c.heap.Header(ref).IsMarked() {
		return ref
	}
	return c.fwd.forwardee(ref)
}

// adjustRoot rewrites an off-heap reference slot.
func (c *Collector) adjustRoot(slot *heap.Addr) {
	*slot = c.adjustPointer(*slot)
}

// adjustSlot rewrites a reference slot inside the heap.
func (c *Collector) adjustSlot(slot heap.Addr) {
	ref := c.heap.LoadRef(slot)
	if to := c.adjustPointer(ref); to != ref {
		c.heap.StoreRef(slot, to)
	}
}

func (c *Collector) adjustLoader(l *heap.Loader) {
	if l.Claim() {
		l.OopsDo(c.adjustRoot)
	}
}

// adjustPhase rewrites every reference to a live object: the roots, loader
// metadata and all code, the weak roots, the preserved mark records and the
// fields of every live object. Object headers still carry the mark, which is
// what tells adjustPointer that a referenced object was forwarded.
func (c *Collector) adjustPhase() {
	h := c.heap

	c.opts.Roots.ProcessRoots(heap.SOAllCodeCache,
		c.adjustRoot,
		c.adjustLoader,
		c.adjustLoader,
		func(b *heap.CodeBlob) { b.OopsDo(c.adjustRoot, true) })
	h.ClearClaimedMarks()

	c.opts.Roots.ProcessWeakRoots(c.adjustRoot)

	c.adjustMarks()

	// Generation contents. c.live is already in old to young order.
	for _, objs := range c.live {
		for _, obj := range objs {
			h.IterateRefSlots(obj, c.adjustSlot)
		}
	}
}

// adjustMarks moves the preserved mark records to the new addresses of their
// objects, so they can be restored after the move.
func (c *Collector) adjustMarks() {
	for i := range c.preserved {
		c.preserved[i].adjust(c.fwd)
	}
}
