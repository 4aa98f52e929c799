// Package taskqueue holds the marking work of a parallel collection: the
// Entry work descriptor and the stealable per-worker queues it travels in.
package taskqueue

import (
	"fmt"

	"github.com/tinygo-org/markcompact/heap"
)

// Entry is one unit of marking work packed into a single word. It is either a
// reference (an object to scan, or a compressed reference slot to resolve) or
// a slice of an object array.
//
// The bits of a reference are shared with the slice data:
//
//	|xx-------ref---------|-pow-|--chunk---|
//	0                    49     54        64
//
// The two low bits of the reference are the tag. A slice <chunk, pow> covers
// the array indices [(chunk-1)*2^pow, chunk*2^pow). Chunk 0 means the entry is
// not a slice, so chunk numbers start at 1.
//
// Splitting <C, P> gives <2C-1, P-1> and <2C, P-1>, which together cover the
// same indices. With 10 bits for the chunk an array is split at most into 1024
// slices, 5 bits of power reach arrays of 2^31 elements, and 49 bits of
// reference address 512TB.
type Entry uint64

const (
	OopTag       = 0
	NarrowOopTag = 1
	tagMask      = 1

	chunkBits = 10
	powBits   = 5
	oopBits   = 64 - chunkBits - powBits

	powShift   = oopBits
	chunkShift = oopBits + powBits

	oopExtractMask      = 1<<oopBits - 1 - 3
	chunkPowExtractMask = ^uint64(1<<oopBits - 1)

	chunkRangeMask = 1<<chunkBits - 1
	powRangeMask   = 1<<powBits - 1
)

const (
	// ChunkSize is the number of distinct chunk values; valid chunks are
	// below it.
	ChunkSize = 1 << chunkBits

	// MaxPow is the largest encodable power.
	MaxPow = 1<<powBits - 1

	// MaxAddressable is the first address an entry cannot hold.
	MaxAddressable heap.Addr = 1 << oopBits
)

func encodeRef(a heap.Addr, tag uint64) uint64 {
	if a >= MaxAddressable {
		panic(fmt.Sprintf("taskqueue: address %s beyond the addressable limit %s", a, MaxAddressable))
	}
	if uint64(a)&3 != 0 {
		panic(fmt.Sprintf("taskqueue: address %s overlaps the tag bits", a))
	}
	return uint64(a) + tag
}

// NewOop returns an entry for an object whose fields must be scanned.
func NewOop(obj heap.Addr) Entry {
	return Entry(encodeRef(obj, OopTag))
}

// NewNarrowOop returns an entry for a compressed reference slot that has not
// been resolved yet.
func NewNarrowOop(slot heap.Addr) Entry {
	return Entry(encodeRef(slot, NarrowOopTag))
}

// NewArraySlice returns an entry for the slice <chunk, pow> of array. It
// panics when chunk or pow cannot be encoded; callers must keep them in range
// instead of relying on truncation.
func NewArraySlice(array heap.Addr, chunk, pow int) Entry {
	if chunk < 1 || chunk >= ChunkSize {
		panic(fmt.Sprintf("taskqueue: chunk %d out of range [1,%d)", chunk, ChunkSize))
	}
	if pow < 0 || pow > MaxPow {
		panic(fmt.Sprintf("taskqueue: pow %d out of range [0,%d]", pow, MaxPow))
	}
	e := Entry(encodeRef(array, OopTag) | uint64(chunk)<<chunkShift | uint64(pow)<<powShift)
	if heap.Asserts && (e.Array() != array || e.Chunk() != chunk || e.Pow() != pow) {
		panic(fmt.Sprintf("taskqueue: slice <%s, %d, %d> does not round trip", array, chunk, pow))
	}
	return e
}

func (e Entry) hasTag(tag uint64) bool {
	return uint64(e)&tagMask == tag
}

func (e Entry) decode(tag uint64) heap.Addr {
	if !e.hasTag(tag) {
		panic(fmt.Sprintf("taskqueue: entry %s does not have tag %d", e, tag))
	}
	return heap.Addr(uint64(e) & oopExtractMask)
}

// IsArraySlice reports whether e is an array slice.
func (e Entry) IsArraySlice() bool {
	return uint64(e)&chunkPowExtractMask != 0
}

// IsOop reports whether e holds a reference of either width.
func (e Entry) IsOop() bool {
	return !e.IsArraySlice()
}

// IsOopPtr reports whether e is a full width object reference.
func (e Entry) IsOopPtr() bool {
	return !e.IsArraySlice() && uint64(e)&NarrowOopTag == 0
}

// IsNarrowOop reports whether e is a compressed reference slot.
func (e Entry) IsNarrowOop() bool {
	return !e.IsArraySlice() && uint64(e)&NarrowOopTag != 0
}

func (e Entry) IsNull() bool {
	return e == 0
}

// Oop returns the object of a full width reference entry.
func (e Entry) Oop() heap.Addr {
	if e.IsArraySlice() {
		panic(fmt.Sprintf("taskqueue: entry %s is an array slice", e))
	}
	return e.decode(OopTag)
}

// NarrowOop returns the slot of a compressed reference entry.
func (e Entry) NarrowOop() heap.Addr {
	return e.decode(NarrowOopTag)
}

// Array returns the array of a slice entry.
func (e Entry) Array() heap.Addr {
	return e.decode(OopTag)
}

func (e Entry) Chunk() int {
	return int(uint64(e)>>chunkShift) & chunkRangeMask
}

func (e Entry) Pow() int {
	return int(uint64(e)>>powShift) & powRangeMask
}

func (e Entry) String() string {
	switch {
	case e.IsNull():
		return "null"
	case e.IsArraySlice():
		return fmt.Sprintf("slice(%s, %d, %d)", heap.Addr(uint64(e)&oopExtractMask), e.Chunk(), e.Pow())
	case e.IsNarrowOop():
		return fmt.Sprintf("narrow(%s)", heap.Addr(uint64(e)&oopExtractMask))
	default:
		return fmt.Sprintf("oop(%s)", heap.Addr(uint64(e)&oopExtractMask))
	}
}
