package heap

import (
	"fmt"
	"sync/atomic"
)

// Root is a named reference held outside the heap, such as a stack slot or a
// global.
type Root struct {
	Name string
	Ref  Addr
}

// Roots holds the off-heap references of the program.
type Roots struct {
	// Strong roots keep their referent alive.
	Strong []Root

	// Weak roots only observe their referent. A collection clears them
	// when the referent dies.
	Weak []Root
}

func (r *Roots) AddStrong(name string, ref Addr) {
	r.Strong = append(r.Strong, Root{Name: name, Ref: ref})
}

func (r *Roots) AddWeak(name string, ref Addr) {
	r.Weak = append(r.Weak, Root{Name: name, Ref: ref})
}

// LoaderID identifies a class loader.
type LoaderID uint32

// BootLoader is the loader of the built-in types. It is never unloaded.
const BootLoader LoaderID = 0

// Loader is the metadata of a class loader. Every type belongs to a loader.
// Objects of a type keep their loader alive; a loader that is not strong is
// otherwise only alive while its holder object is.
type Loader struct {
	ID     LoaderID
	Name   string
	Strong bool

	// Holder is the loader object itself.
	Holder Addr

	// Handles are references the loader keeps on behalf of its types, like
	// class mirrors and static fields.
	Handles []Addr

	Unloaded bool

	claimed atomic.Bool
}

// Claim marks the loader as visited for the current phase. It returns false
// when someone else claimed it first.
func (l *Loader) Claim() bool {
	return l.claimed.CompareAndSwap(false, true)
}

func (l *Loader) IsClaimed() bool {
	return l.claimed.Load()
}

// ClearClaim resets the claim so the next phase can visit the loader again.
func (l *Loader) ClearClaim() {
	l.claimed.Store(false)
}

// OopsDo calls fn for the holder and every handle of the loader.
func (l *Loader) OopsDo(fn RefVisitor) {
	fn(&l.Holder)
	for i := range l.Handles {
		fn(&l.Handles[i])
	}
}

func (l *Loader) String() string {
	return fmt.Sprintf("loader %s(%d)", l.Name, l.ID)
}

// DefineLoader adds a class loader whose holder object is holder.
func (h *Heap) DefineLoader(name string, holder Addr) *Loader {
	l := &Loader{ID: LoaderID(len(h.Loaders)), Name: name, Holder: holder}
	h.Loaders = append(h.Loaders, l)
	return l
}

// Loader returns the loader with the given id.
func (h *Heap) Loader(id LoaderID) *Loader {
	return h.Loaders[id]
}

// ClearClaimedMarks resets the claims of all loaders.
func (h *Heap) ClearClaimedMarks() {
	for _, l := range h.Loaders {
		l.ClearClaim()
	}
}

// CodeBlob is a piece of compiled code with object references embedded in its
// instructions.
type CodeBlob struct {
	Name   string
	Loader LoaderID
	Oops   []Addr

	// Active code is on some stack and is a strong root while marking.
	Active bool

	Unloaded bool

	// Relocations counts how often the embedded references were patched.
	Relocations int
}

// OopsDo calls fn for every embedded reference. When fixRelocations is set,
// the blob records that its instructions were patched for every reference fn
// changed.
func (b *CodeBlob) OopsDo(fn RefVisitor, fixRelocations bool) {
	for i := range b.Oops {
		old := b.Oops[i]
		fn(&b.Oops[i])
		if fixRelocations && b.Oops[i] != old {
			b.Relocations++
		}
	}
}

// ScanningOption selects which code blobs ProcessRoots visits.
type ScanningOption int

const (
	// SONone visits only active code.
	SONone ScanningOption = iota

	// SOAllCodeCache visits all code that is still loaded.
	SOAllCodeCache
)

// RefVisitor is called with the address of an off-heap reference slot.
type RefVisitor func(slot *Addr)

// LoaderVisitor is called for class loader metadata.
type LoaderVisitor func(l *Loader)

// CodeVisitor is called for code blobs.
type CodeVisitor func(b *CodeBlob)

// ProcessRoots visits every strong root. Strong loaders go to strongLoaders,
// the others to weakLoaders when it is not nil. Which code blobs are visited
// depends on so.
func (h *Heap) ProcessRoots(so ScanningOption, refs RefVisitor, strongLoaders, weakLoaders LoaderVisitor, code CodeVisitor) {
	for i := range h.Roots.Strong {
		refs(&h.Roots.Strong[i].Ref)
	}
	for i := range h.Pending {
		refs(&h.Pending[i])
	}
	for _, l := range h.Loaders {
		if l.Unloaded {
			continue
		}
		if l.Strong {
			strongLoaders(l)
		} else if weakLoaders != nil {
			weakLoaders(l)
		}
	}
	for _, b := range h.Code {
		if b.Unloaded {
			continue
		}
		if so == SOAllCodeCache || b.Active {
			code(b)
		}
	}
}

// ProcessWeakRoots visits every weak root slot.
func (h *Heap) ProcessWeakRoots(refs RefVisitor) {
	for i := range h.Roots.Weak {
		refs(&h.Roots.Weak[i].Ref)
	}
}

// WeakOopsDo clears the weak roots whose referent is not alive and passes the
// others to keepAlive. It returns the number of cleared roots.
func (h *Heap) WeakOopsDo(isAlive func(Addr) bool, keepAlive RefVisitor) int {
	cleared := 0
	for i := range h.Roots.Weak {
		slot := &h.Roots.Weak[i].Ref
		if *slot == Null {
			continue
		}
		if isAlive(*slot) {
			keepAlive(slot)
		} else {
			*slot = Null
			cleared++
		}
	}
	return cleared
}

// UnloadLoaders unloads every loader that is not strong, was not claimed
// during marking and whose holder is dead. It reports whether any loader was
// unloaded. Claims must not have been cleared yet.
func (h *Heap) UnloadLoaders(isAlive func(Addr) bool) (purged bool) {
	for _, l := range h.Loaders {
		if l.Strong || l.Unloaded || l.IsClaimed() {
			continue
		}
		if l.Holder != Null && isAlive(l.Holder) {
			continue
		}
		l.Unloaded = true
		l.Holder = Null
		l.Handles = nil
		purged = true
	}
	return purged
}

// UnloadCode unloads code that embeds a dead reference, and, when a loader was
// purged, code that belongs to an unloaded loader. It returns the number of
// blobs unloaded.
func (h *Heap) UnloadCode(isAlive func(Addr) bool, purgedClass bool) int {
	n := 0
	for _, b := range h.Code {
		if b.Unloaded {
			continue
		}
		dead := purgedClass && h.Loaders[b.Loader].Unloaded
		for _, oop := range b.Oops {
			if oop != Null && !isAlive(oop) {
				dead = true
				break
			}
		}
		if dead {
			b.Unloaded = true
			b.Active = false
			b.Oops = nil
			n++
		}
	}
	return n
}
