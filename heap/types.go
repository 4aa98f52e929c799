package heap

import (
	"fmt"

	"github.com/inhies/go-bytesize"
)

// Addr is a byte address in the simulated address space. The zero Addr is the
// null reference.
type Addr uint64

// Null is the null reference.
const Null Addr = 0

// Bytes is a count of bytes or a byte offset.
type Bytes uint64

// Words is a count of heap words or a word offset.
type Words uint64

// Narrow is a compressed reference: a word offset from the narrow base. The
// zero Narrow is the null reference.
type Narrow uint32

const (
	// WordBytes is the size of a heap word and the object alignment.
	WordBytes Bytes = 8

	// NarrowBytes is the size of a compressed reference slot.
	NarrowBytes Bytes = 4

	// MaxAddr is the first address that cannot be used by the heap. Work
	// queue entries reserve the upper bits of an address for array chunking
	// data, see taskqueue.MaxAddressable.
	MaxAddr Addr = 1 << 49
)

func (a Bytes) Words() Words {
	return Words(a / WordBytes)
}

// AlignUp rounds a up to a multiple of the object alignment.
func (a Bytes) AlignUp() Bytes {
	return (a + WordBytes - 1) &^ (WordBytes - 1)
}

func (a Bytes) String() string {
	if a == 0 {
		return "0B"
	}
	return bytesize.New(float64(a)).String()
}

func (w Words) Bytes() Bytes {
	return Bytes(w) * WordBytes
}

func (a Addr) Plus(b Bytes) Addr {
	c := a + Addr(b)
	if c < a {
		panic(fmt.Sprintf("heap: %s+%d overflowed", a, uint64(b)))
	}
	return c
}

func (a Addr) Minus(b Addr) Bytes {
	c := a - b
	if c > a {
		panic(fmt.Sprintf("heap: %s-%s overflowed", a, b))
	}
	return Bytes(c)
}

// IsAligned reports whether a is aligned to the object alignment.
func (a Addr) IsAligned() bool {
	return Bytes(a)%WordBytes == 0
}

func (a Addr) String() string {
	if a == Null {
		return "null"
	}
	return fmt.Sprintf("0x%09x", uint64(a))
}

// Region is a contiguous range of addresses [Start, Start+Len).
type Region struct {
	Start Addr
	Len   Bytes
}

// RegionOf returns the region [start, end).
func RegionOf(start, end Addr) Region {
	if end < start {
		return Region{Start: start}
	}
	return Region{Start: start, Len: end.Minus(start)}
}

func (r Region) End() Addr {
	return r.Start.Plus(r.Len)
}

func (r Region) IsEmpty() bool {
	return r.Len == 0
}

func (r Region) Contains(a Addr) bool {
	return a >= r.Start && a.Minus(r.Start) < r.Len
}

// Intersect returns the overlap of r and r2, which may be empty.
func (r Region) Intersect(r2 Region) Region {
	start := max(r.Start, r2.Start)
	end := min(r.End(), r2.End())
	return RegionOf(start, end)
}

// Minus returns the part of r that is not covered by r2. Both regions are
// expected to start at the same address, which is how generation used regions
// relate to each other; the part of r past r2 is returned.
func (r Region) Minus(r2 Region) Region {
	if r2.IsEmpty() || r2.End() <= r.Start || r2.Start >= r.End() {
		return r
	}
	if r2.Start > r.Start {
		panic(fmt.Sprintf("heap: region %s minus %s is not contiguous", r, r2))
	}
	return RegionOf(max(r.Start, r2.End()), r.End())
}

func (r Region) String() string {
	return fmt.Sprintf("[%s,%s)", r.Start, r.End())
}
