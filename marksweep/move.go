package marksweep

import (
	"log"

	"github.com/tinygo-org/markcompact/heap"
)

// movePhase copies every live object to its new address, old generation
// first, and gives it the prototype header. Preserved headers are put back
// afterwards by restoreMarks. The memory a space vacated is zeroed.
func (c *Collector) movePhase() {
	h := c.heap
	for _, objs := range c.live {
		for _, obj := range objs {
			to := c.fwd.forwardee(obj)
			size := h.SizeOf(obj)
			if to != obj {
				h.Copy(to, obj, size)
				c.result.Moved++
			}
			h.SetHeader(to, heap.PrototypeMark())
		}
	}

	for _, s := range c.compactionSpaces() {
		oldTop := s.Top
		s.Top = s.CompactionTop
		if oldTop > s.Top {
			h.Clear(heap.RegionOf(s.Top, oldTop))
		}
		if gcDebug {
			log.Printf("marksweep: %s", s)
		}
	}
}
