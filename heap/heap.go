// Package heap implements the simulated managed heap a full collection runs
// over: a word-addressed memory split into a young and an old generation, a
// type table describing object layouts, a card table, and the root, class
// loader and code tables the collector consults.
//
// Addresses are plain integers into the heap's own memory, so a collection
// can move objects and rewrite references exactly like a collector for a real
// runtime would, without going through Go pointers.
package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const heapDebug = false

// ErrOutOfMemory is returned when an allocation does not fit its generation.
var ErrOutOfMemory = errors.New("heap: out of memory")

// DefaultBase is the address of the first heap word. It is kept away from
// zero so that no object can ever be at the null address.
const DefaultBase Addr = 0x1000_0000

// Config describes the geometry of a heap.
type Config struct {
	// Base is the lowest heap address. Zero means DefaultBase.
	Base Addr

	// YoungBytes is the size of the young generation, survivor included.
	YoungBytes Bytes

	// SurvivorBytes is carved out of the top of the young generation. It
	// is where a full collection keeps its preserved marks.
	SurvivorBytes Bytes

	OldBytes Bytes

	// CompressedRefs selects 4 byte reference slots.
	CompressedRefs bool

	// CardBytes is the number of heap bytes covered by one card. Zero
	// means DefaultCardBytes.
	CardBytes Bytes
}

// DefaultConfig returns a small heap with compressed references.
func DefaultConfig() Config {
	return Config{
		Base:           DefaultBase,
		YoungBytes:     1 << 20,
		SurvivorBytes:  128 << 10,
		OldBytes:       4 << 20,
		CompressedRefs: true,
		CardBytes:      DefaultCardBytes,
	}
}

// Heap is a generational heap. The young generation sits below the old one:
//
//	| eden | survivor | old |
//	^ start                 ^ end
type Heap struct {
	Young *Generation
	Old   *Generation

	CardTable *CardTable

	Roots   Roots
	Loaders []*Loader
	Code    []*CodeBlob

	// Pending is the list of references cleared by the last collection.
	// It is an off-heap root: the collector adjusts it like any other.
	Pending []Addr

	compressed bool
	start, end Addr
	narrowBase Addr
	mem        []uint64

	types       []*Type
	typesByName map[string]*Type

	safepoint safepoint
	allocLock sync.Mutex

	scratchInUse bool

	capacityAtGC      Bytes
	usedAtGC          Bytes
	wholeHeapExamined time.Time
	now               func() time.Time
}

// New creates an empty heap. It panics when the configuration is not
// consistent, because a heap of the wrong shape is a programming error.
func New(config Config) *Heap {
	if config.Base == Null {
		config.Base = DefaultBase
	}
	if config.CardBytes == 0 {
		config.CardBytes = DefaultCardBytes
	}
	if !config.Base.IsAligned() || config.YoungBytes%WordBytes != 0 || config.OldBytes%WordBytes != 0 || config.SurvivorBytes%WordBytes != 0 {
		panic("heap: generation sizes and base must be word aligned")
	}
	if config.SurvivorBytes >= config.YoungBytes {
		panic("heap: survivor space must be smaller than the young generation")
	}
	if config.OldBytes == 0 {
		panic("heap: old generation must not be empty")
	}
	size := config.YoungBytes + config.OldBytes
	end := config.Base.Plus(size)
	if end > MaxAddr {
		panic(fmt.Sprintf("heap: heap end %s beyond the addressable limit %s", end, MaxAddr))
	}
	if config.CompressedRefs && size.Words() >= 1<<32-1 {
		panic("heap: heap too large for compressed references")
	}

	h := &Heap{
		compressed:  config.CompressedRefs,
		start:       config.Base,
		end:         end,
		narrowBase:  config.Base - Addr(WordBytes),
		mem:         make([]uint64, size.Words()),
		typesByName: make(map[string]*Type),
		now:         time.Now,
	}

	eden := newSpace("eden", config.Base, config.YoungBytes-config.SurvivorBytes)
	h.Young = &Generation{Name: "young", Level: 0, Spaces: []*Space{eden}}
	if config.SurvivorBytes != 0 {
		h.Young.Scratch = newSpace("survivor", eden.End, config.SurvivorBytes)
	}
	oldBottom := config.Base.Plus(config.YoungBytes)
	h.Old = &Generation{Name: "old", Level: 1, Spaces: []*Space{newSpace("old", oldBottom, config.OldBytes)}}
	h.CardTable = newCardTable(RegionOf(h.start, h.end), config.CardBytes)

	// The boot loader is always present and always strong.
	h.Loaders = []*Loader{{ID: BootLoader, Name: "boot", Strong: true}}

	if heapDebug {
		println("heap start:", h.start.String(), "end:", h.end.String(), "compressed:", h.compressed)
	}
	return h
}

// Reserved returns the address range of the whole heap.
func (h *Heap) Reserved() Region {
	return RegionOf(h.start, h.end)
}

// IsIn reports whether a is inside the heap.
func (h *Heap) IsIn(a Addr) bool {
	return a >= h.start && a < h.end
}

// CompressedRefs reports whether reference slots hold Narrow values.
func (h *Heap) CompressedRefs() bool {
	return h.compressed
}

// RefBytes is the size of a reference slot.
func (h *Heap) RefBytes() Bytes {
	if h.compressed {
		return NarrowBytes
	}
	return WordBytes
}

// Generations returns the generations in collection order, old first.
func (h *Heap) Generations() []*Generation {
	return []*Generation{h.Old, h.Young}
}

// GenerationIterate calls fn for every generation, oldest first when
// oldToYoung is set.
func (h *Heap) GenerationIterate(fn func(*Generation), oldToYoung bool) {
	if oldToYoung {
		fn(h.Old)
		fn(h.Young)
	} else {
		fn(h.Young)
		fn(h.Old)
	}
}

// GenerationOf returns the generation containing a, or nil.
func (h *Heap) GenerationOf(a Addr) *Generation {
	for _, g := range h.Generations() {
		if g.Reserved().Contains(a) {
			return g
		}
	}
	return nil
}

// SpaceOf returns the object space containing a, or nil. The scratch space is
// not an object space.
func (h *Heap) SpaceOf(a Addr) *Space {
	for _, g := range h.Generations() {
		if s := g.SpaceOf(a); s != nil {
			return s
		}
	}
	return nil
}

// Used returns the number of bytes occupied by objects in all generations.
func (h *Heap) Used() Bytes {
	return h.Young.Used() + h.Old.Used()
}

func (h *Heap) Capacity() Bytes {
	return h.Young.Capacity() + h.Old.Capacity()
}

// Memory access.

func (h *Heap) index(a Addr) int {
	if a < h.start || a >= h.end {
		panic(fmt.Sprintf("heap: address %s outside the heap %s", a, h.Reserved()))
	}
	return int(a.Minus(h.start) / WordBytes)
}

// LoadWord reads the word at the aligned address a.
func (h *Heap) LoadWord(a Addr) uint64 {
	return h.mem[h.index(a)]
}

// StoreWord writes the word at the aligned address a.
func (h *Heap) StoreWord(a Addr, v uint64) {
	h.mem[h.index(a)] = v
}

// Words returns the memory of r as words. The slice aliases the heap.
func (h *Heap) Words(r Region) []uint64 {
	if r.IsEmpty() {
		return nil
	}
	i := h.index(r.Start)
	return h.mem[i : i+int(r.Len.Words())]
}

// EncodeNarrow compresses a reference.
func (h *Heap) EncodeNarrow(a Addr) Narrow {
	if a == Null {
		return 0
	}
	return Narrow(a.Minus(h.narrowBase) / WordBytes)
}

// DecodeNarrow expands a compressed reference.
func (h *Heap) DecodeNarrow(n Narrow) Addr {
	if n == 0 {
		return Null
	}
	return h.narrowBase.Plus(Bytes(n) * WordBytes)
}

// LoadNarrow reads the compressed reference in slot.
func (h *Heap) LoadNarrow(slot Addr) Narrow {
	word := h.mem[h.index(slot&^Addr(WordBytes-1))]
	return Narrow(word >> (8 * (slot % Addr(WordBytes))))
}

func (h *Heap) storeNarrow(slot Addr, n Narrow) {
	p := &h.mem[h.index(slot&^Addr(WordBytes-1))]
	shift := 8 * (slot % Addr(WordBytes))
	*p = *p&^(0xffff_ffff<<shift) | uint64(n)<<shift
}

// LoadRef reads the reference in a heap slot.
func (h *Heap) LoadRef(slot Addr) Addr {
	if h.compressed {
		return h.DecodeNarrow(h.LoadNarrow(slot))
	}
	return Addr(h.LoadWord(slot))
}

// StoreRef writes a reference into a heap slot without a write barrier. The
// collector uses it to rewrite references it has already accounted for.
func (h *Heap) StoreRef(slot Addr, ref Addr) {
	if h.compressed {
		h.storeNarrow(slot, h.EncodeNarrow(ref))
		return
	}
	h.StoreWord(slot, uint64(ref))
}

// Object access.

func (h *Heap) headerPtr(obj Addr) *uint64 {
	return &h.mem[h.index(obj)]
}

// Header atomically loads the mark word of obj.
func (h *Heap) Header(obj Addr) MarkWord {
	return MarkWord(atomic.LoadUint64(h.headerPtr(obj)))
}

// SetHeader atomically stores the mark word of obj.
func (h *Heap) SetHeader(obj Addr, m MarkWord) {
	atomic.StoreUint64(h.headerPtr(obj), uint64(m))
}

// CASHeader replaces the mark word of obj if it still equals old.
func (h *Heap) CASHeader(obj Addr, old, m MarkWord) bool {
	return atomic.CompareAndSwapUint64(h.headerPtr(obj), uint64(old), uint64(m))
}

func (h *Heap) klassWord(obj Addr) uint64 {
	return h.LoadWord(obj.Plus(klassOffset))
}

// TypeOf returns the type of obj.
func (h *Heap) TypeOf(obj Addr) *Type {
	id := TypeID(uint32(h.klassWord(obj)))
	if int(id) >= len(h.types) {
		panic(fmt.Sprintf("heap: object %s has invalid type id %d", obj, id))
	}
	return h.types[id]
}

// CheckedTypeOf is TypeOf for memory that may not hold an object. It reports
// false instead of panicking.
func (h *Heap) CheckedTypeOf(obj Addr) (*Type, bool) {
	if !h.IsIn(obj) || !obj.IsAligned() || obj.Plus(HeaderBytes) > h.end {
		return nil, false
	}
	id := TypeID(uint32(h.klassWord(obj)))
	if int(id) >= len(h.types) {
		return nil, false
	}
	return h.types[id], true
}

// Length returns the length of the array obj.
func (h *Heap) Length(obj Addr) int {
	return int(h.klassWord(obj) >> lengthShift)
}

// SizeOf returns the size of obj in bytes, header included.
func (h *Heap) SizeOf(obj Addr) Bytes {
	t := h.TypeOf(obj)
	if t.IsArray() {
		return t.SizeFor(h.Length(obj))
	}
	return t.size
}

// ElementSlot returns the address of element i of the array obj.
func (h *Heap) ElementSlot(obj Addr, i int) Addr {
	t := h.TypeOf(obj)
	return obj.Plus(arrayBase + t.elemBytes*Bytes(i))
}

// FieldSlot returns the address of field i of obj.
func (h *Heap) FieldSlot(obj Addr, i int) Addr {
	return obj.Plus(h.TypeOf(obj).offsets[i])
}

// IterateRefSlots calls fn for every reference slot of obj, the referent of a
// Reference object included.
func (h *Heap) IterateRefSlots(obj Addr, fn func(slot Addr)) {
	t := h.TypeOf(obj)
	switch t.Kind {
	case KindObjArray:
		n := h.Length(obj)
		for i := 0; i < n; i++ {
			fn(obj.Plus(arrayBase + t.elemBytes*Bytes(i)))
		}
	case KindTypeArray:
	default:
		for _, off := range t.refOffsets {
			fn(obj.Plus(off))
		}
	}
}

// ReferentSlot returns the slot of the referent of the Reference object obj.
func (h *Heap) ReferentSlot(obj Addr) Addr {
	t := h.TypeOf(obj)
	if t.Kind != KindReference {
		panic(fmt.Sprintf("heap: %s is a %s, not a reference", obj, t.Name))
	}
	return obj.Plus(t.refOffsets[0])
}

// Copy moves size bytes from src to dst. The ranges may overlap.
func (h *Heap) Copy(dst, src Addr, size Bytes) {
	if dst == src || size == 0 {
		return
	}
	d := h.index(dst)
	s := h.index(src)
	n := int(size.Words())
	copy(h.mem[d:d+n], h.mem[s:s+n])
}

// Clear zeroes the memory of r.
func (h *Heap) Clear(r Region) {
	clear(h.Words(r))
}

// Types.

// DefineType adds t to the type table and computes its layout. Reference
// types get an implicit referent field in front of their own fields.
func (h *Heap) DefineType(t *Type) (*Type, error) {
	if t.Name == "" {
		return nil, errors.New("heap: type has no name")
	}
	if _, ok := h.typesByName[t.Name]; ok {
		return nil, fmt.Errorf("heap: type %s already defined", t.Name)
	}
	if int(t.Loader) >= len(h.Loaders) {
		return nil, fmt.Errorf("heap: type %s has unknown loader %d", t.Name, t.Loader)
	}
	if t.Kind == KindReference {
		if t.RefKind == RefNone {
			return nil, fmt.Errorf("heap: reference type %s has no reference kind", t.Name)
		}
		if len(t.Fields) == 0 || t.Fields[0].Name != referentName {
			t.Fields = append([]Field{{Name: referentName, Ref: true}}, t.Fields...)
		}
	}
	if t.Kind == KindTypeArray {
		switch t.ElemBytes {
		case 0, 1, 2, 4, 8:
		default:
			return nil, fmt.Errorf("heap: type %s has unsupported element size %d", t.Name, t.ElemBytes)
		}
	}
	t.ID = TypeID(len(h.types))
	t.computeLayout(h.RefBytes())
	h.types = append(h.types, t)
	h.typesByName[t.Name] = t
	return t, nil
}

// LookupType finds a type by name.
func (h *Heap) LookupType(name string) (*Type, bool) {
	t, ok := h.typesByName[name]
	return t, ok
}

// Types returns the type table, indexed by TypeID.
func (h *Heap) Types() []*Type {
	return h.types
}

// Mutator operations. These hold the safepoint in shared mode so they never
// overlap a collection.

// Allocate creates a zeroed object of type t in gen. The length is only used
// for arrays.
func (h *Heap) Allocate(gen *Generation, t *Type, length int) (Addr, error) {
	if length < 0 || length > MaxArrayLength {
		return Null, fmt.Errorf("heap: invalid array length %d", length)
	}
	h.safepoint.enter()
	defer h.safepoint.leave()
	h.allocLock.Lock()
	defer h.allocLock.Unlock()

	size := t.SizeFor(length)
	obj, ok := gen.allocate(size)
	if !ok {
		return Null, fmt.Errorf("%w: %s bytes for %s in %s generation", ErrOutOfMemory, size, t.Name, gen.Name)
	}
	h.Clear(Region{Start: obj, Len: size})
	h.StoreWord(obj, uint64(PrototypeMark()))
	klass := uint64(t.ID)
	if t.IsArray() {
		klass |= uint64(length) << lengthShift
	}
	h.StoreWord(obj.Plus(klassOffset), klass)
	return obj, nil
}

// WriteRef stores ref into slot, which belongs to obj, and dirties the card
// of the slot.
func (h *Heap) WriteRef(slot Addr, ref Addr) {
	if ref != Null && !h.IsIn(ref) {
		panic(fmt.Sprintf("heap: storing non-heap reference %s", ref))
	}
	h.safepoint.enter()
	defer h.safepoint.leave()
	h.StoreRef(slot, ref)
	h.CardTable.Dirty(slot)
}

// WriteScalar stores a scalar word into the field at slot.
func (h *Heap) WriteScalar(slot Addr, v uint64) {
	h.safepoint.enter()
	defer h.safepoint.leave()
	h.StoreWord(slot, v)
}

// SetHash installs an identity hash in the header of obj.
func (h *Heap) SetHash(obj Addr, hash uint32) {
	h.safepoint.enter()
	defer h.safepoint.leave()
	h.SetHeader(obj, h.Header(obj).WithHash(hash))
}

// ObjectIterate calls fn for every object in s, in address order.
func (h *Heap) ObjectIterate(s *Space, fn func(obj Addr)) {
	for obj := s.Bottom; obj < s.Top; {
		size := h.SizeOf(obj)
		fn(obj)
		obj = obj.Plus(size)
	}
}

// Bookkeeping consumed by collection heuristics.

// UpdateCapacityAndUsedAtGC records the heap occupancy after a collection.
func (h *Heap) UpdateCapacityAndUsedAtGC() {
	h.capacityAtGC = h.Capacity()
	h.usedAtGC = h.Used()
}

// CapacityAtGC and UsedAtGC return the values recorded by the last
// UpdateCapacityAndUsedAtGC.
func (h *Heap) CapacityAtGC() Bytes { return h.capacityAtGC }
func (h *Heap) UsedAtGC() Bytes     { return h.usedAtGC }

// RecordWholeHeapExaminedTimestamp notes that a collection visited every live
// object.
func (h *Heap) RecordWholeHeapExaminedTimestamp() {
	h.wholeHeapExamined = h.now()
}

func (h *Heap) WholeHeapExamined() time.Time {
	return h.wholeHeapExamined
}

// SetClock replaces the clock used for timestamps. Tests use it.
func (h *Heap) SetClock(now func() time.Time) {
	h.now = now
}
