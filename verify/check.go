package verify

import (
	"fmt"
	"strings"

	"github.com/tinygo-org/markcompact/heap"
)

// Error is one problem found in a heap.
type Error struct {
	Gen  string    // generation, empty when the problem is not in the heap
	Addr heap.Addr // object or slot, Null when unknown
	Msg  string
}

func (e *Error) Error() string {
	switch {
	case e.Addr != heap.Null && e.Gen != "":
		return fmt.Sprintf("%s %s: %s", e.Gen, e.Addr, e.Msg)
	case e.Addr != heap.Null:
		return fmt.Sprintf("%s: %s", e.Addr, e.Msg)
	}
	return e.Msg
}

// Errors is a list of problems.
type Errors []*Error

func (errs Errors) Error() string {
	var b strings.Builder
	for i, err := range errs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// maxErrors bounds the number of problems CheckHeap reports.
const maxErrors = 100

type checker struct {
	h      *heap.Heap
	starts map[heap.Addr]bool
	errs   Errors
}

func (c *checker) errorf(gen string, addr heap.Addr, format string, args ...interface{}) {
	if len(c.errs) < maxErrors {
		c.errs = append(c.errs, &Error{Gen: gen, Addr: addr, Msg: fmt.Sprintf(format, args...)})
	}
}

// CheckHeap checks that h is consistent outside a collection: every space
// parses into objects with valid types and unmarked headers, the memory above
// every top is zero, the scratch space is empty, and every reference, in the
// heap or outside it, is null or points to the start of an object. It
// returns nil or an Errors.
func CheckHeap(h *heap.Heap) error {
	c := &checker{h: h, starts: make(map[heap.Addr]bool)}
	var objs []heap.Addr

	h.GenerationIterate(func(g *heap.Generation) {
		for _, s := range g.Spaces {
			objs = c.parseSpace(g, s, objs)
		}
		if s := g.Scratch; s != nil && !s.IsEmpty() {
			c.errorf(g.Name, s.Bottom, "scratch space %s holds %s", s.Name, s.Used())
		}
	}, false)

	for _, obj := range objs {
		gen := h.GenerationOf(obj).Name
		h.IterateRefSlots(obj, func(slot heap.Addr) {
			if ref := h.LoadRef(slot); !c.valid(ref) {
				c.errorf(gen, slot, "slot of %s at %s refers to %s, which is not an object", h.TypeOf(obj), obj, ref)
			}
		})
	}

	for _, r := range h.Roots.Strong {
		c.checkRoot("root "+r.Name, r.Ref)
	}
	for _, r := range h.Roots.Weak {
		c.checkRoot("weak root "+r.Name, r.Ref)
	}
	for _, l := range h.Loaders {
		if l.Unloaded {
			continue
		}
		l.OopsDo(func(slot *heap.Addr) {
			c.checkRoot(l.String(), *slot)
		})
	}
	for _, b := range h.Code {
		if b.Unloaded {
			continue
		}
		for _, ref := range b.Oops {
			c.checkRoot("code "+b.Name, ref)
		}
	}
	for _, ref := range h.Pending {
		c.checkRoot("pending reference", ref)
	}

	if len(c.errs) == 0 {
		return nil
	}
	return c.errs
}

func (c *checker) parseSpace(g *heap.Generation, s *heap.Space, objs []heap.Addr) []heap.Addr {
	h := c.h
	obj := s.Bottom
	for obj < s.Top {
		t, ok := h.CheckedTypeOf(obj)
		if !ok {
			c.errorf(g.Name, obj, "no object header, %s cannot be parsed further", s.Name)
			return objs
		}
		size := h.SizeOf(obj)
		if obj.Plus(size) > s.Top {
			c.errorf(g.Name, obj, "%s of %s extends beyond the top of %s", t, size, s.Name)
			return objs
		}
		if mark := h.Header(obj); mark.IsMarked() {
			c.errorf(g.Name, obj, "%s still carries the mark", t)
		}
		c.starts[obj] = true
		objs = append(objs, obj)
		obj = obj.Plus(size)
	}
	for i, w := range h.Words(heap.RegionOf(s.Top, s.End)) {
		if w != 0 {
			c.errorf(g.Name, s.Top.Plus(heap.Words(i).Bytes()), "memory above the top of %s is not cleared", s.Name)
			break
		}
	}
	return objs
}

func (c *checker) valid(ref heap.Addr) bool {
	return ref == heap.Null || c.starts[ref]
}

func (c *checker) checkRoot(what string, ref heap.Addr) {
	if !c.valid(ref) {
		c.errorf("", ref, "%s refers to %s, which is not an object", what, ref)
	}
}
