package heap

import "fmt"

// Space is a contiguous bump-allocated area of the heap. Objects are laid out
// back to back from Bottom to Top, so the space can be walked object by object
// by adding each object's size.
type Space struct {
	Name   string
	Bottom Addr
	End    Addr
	Top    Addr

	// CompactionTop is where the next forwarded object would land while a
	// collection plans compaction into this space. It becomes Top once the
	// objects have been moved.
	CompactionTop Addr
}

func newSpace(name string, bottom Addr, size Bytes) *Space {
	return &Space{
		Name:          name,
		Bottom:        bottom,
		End:           bottom.Plus(size),
		Top:           bottom,
		CompactionTop: bottom,
	}
}

func (s *Space) Capacity() Bytes {
	return s.End.Minus(s.Bottom)
}

func (s *Space) Used() Bytes {
	return s.Top.Minus(s.Bottom)
}

func (s *Space) Free() Bytes {
	return s.End.Minus(s.Top)
}

func (s *Space) IsEmpty() bool {
	return s.Top == s.Bottom
}

func (s *Space) Contains(a Addr) bool {
	return a >= s.Bottom && a < s.End
}

// UsedRegion returns [Bottom, Top).
func (s *Space) UsedRegion() Region {
	return RegionOf(s.Bottom, s.Top)
}

func (s *Space) Reserved() Region {
	return RegionOf(s.Bottom, s.End)
}

func (s *Space) allocate(size Bytes) (Addr, bool) {
	if s.Free() < size {
		return Null, false
	}
	obj := s.Top
	s.Top = s.Top.Plus(size)
	return obj, true
}

func (s *Space) String() string {
	return fmt.Sprintf("%s%s used %s", s.Name, s.Reserved(), s.Used())
}

// Generation is a group of spaces that are collected together.
type Generation struct {
	Name  string
	Level int

	// Spaces are the spaces objects live in, in allocation and compaction
	// order.
	Spaces []*Space

	// Scratch is a space that is always empty when a full collection starts
	// and is never a compaction target. The young generation contributes its
	// survivor space here.
	Scratch *Space

	prevUsed Region
}

// Used returns the number of bytes occupied by objects.
func (g *Generation) Used() Bytes {
	var used Bytes
	for _, s := range g.Spaces {
		used += s.Used()
	}
	return used
}

func (g *Generation) Capacity() Bytes {
	var capacity Bytes
	for _, s := range g.Spaces {
		capacity += s.Capacity()
	}
	return capacity
}

// Reserved returns the address range of the whole generation.
func (g *Generation) Reserved() Region {
	start := g.Spaces[0].Bottom
	end := g.Spaces[len(g.Spaces)-1].End
	if g.Scratch != nil {
		start = min(start, g.Scratch.Bottom)
		end = max(end, g.Scratch.End)
	}
	return RegionOf(start, end)
}

// UsedRegion returns the smallest region covering all objects in the
// generation, starting at the bottom of the first space.
func (g *Generation) UsedRegion() Region {
	start := g.Spaces[0].Bottom
	end := start
	for _, s := range g.Spaces {
		if !s.IsEmpty() {
			end = max(end, s.Top)
		}
	}
	return RegionOf(start, end)
}

// SaveUsedRegion records the current used region so it can be compared with
// the used region after a collection.
func (g *Generation) SaveUsedRegion() {
	g.prevUsed = g.UsedRegion()
}

// PrevUsedRegion returns the region recorded by SaveUsedRegion.
func (g *Generation) PrevUsedRegion() Region {
	return g.prevUsed
}

// SpaceOf returns the space containing a, or nil.
func (g *Generation) SpaceOf(a Addr) *Space {
	for _, s := range g.Spaces {
		if s.Contains(a) {
			return s
		}
	}
	return nil
}

func (g *Generation) allocate(size Bytes) (Addr, bool) {
	for _, s := range g.Spaces {
		if obj, ok := s.allocate(size); ok {
			return obj, true
		}
	}
	return Null, false
}

func (g *Generation) String() string {
	return fmt.Sprintf("%s gen %s used %s", g.Name, g.Reserved(), g.Used())
}
