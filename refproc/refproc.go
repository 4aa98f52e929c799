// Package refproc implements discovery and processing of soft, weak and
// phantom Reference objects during a full collection.
//
// The marker does not trace the referent of a Reference object whose referent
// is not yet known to be alive; it hands the object to Discover instead. Once
// the transitive closure is complete, ProcessDiscoveredReferences decides,
// kind by kind, which referents survive and which references are cleared and
// appended to the heap's pending list.
package refproc

import (
	"fmt"
	"log"
	"sync"

	"github.com/tinygo-org/markcompact/heap"
)

const traceRefs = false

// Policy decides whether the referent of a soft reference that is otherwise
// unreachable is cleared.
type Policy interface {
	ShouldClearReference(ref heap.Addr) bool
}

// AlwaysClear clears every softly reachable referent. It is used when the
// collection must free as much memory as possible.
type AlwaysClear struct{}

func (AlwaysClear) ShouldClearReference(heap.Addr) bool { return true }

// NeverClear keeps every softly reachable referent alive.
type NeverClear struct{}

func (NeverClear) ShouldClearReference(heap.Addr) bool { return false }

// Stats reports, per reference kind, how many references were discovered and
// how many of them were cleared.
type Stats struct {
	SoftCount, WeakCount, PhantomCount       int
	SoftCleared, WeakCleared, PhantomCleared int
}

func (s Stats) Discovered() int {
	return s.SoftCount + s.WeakCount + s.PhantomCount
}

func (s Stats) Cleared() int {
	return s.SoftCleared + s.WeakCleared + s.PhantomCleared
}

func (s Stats) String() string {
	return fmt.Sprintf("soft %d/%d weak %d/%d phantom %d/%d (cleared/discovered)",
		s.SoftCleared, s.SoftCount, s.WeakCleared, s.WeakCount, s.PhantomCleared, s.PhantomCount)
}

// Processor keeps the references discovered during one marking phase.
// Discover may be called from many marking workers at once; the other methods
// run single threaded.
type Processor struct {
	heap *heap.Heap

	policy Policy

	lock       sync.Mutex
	discovered [heap.RefPhantom + 1][]heap.Addr
	enabled    bool
}

func New(h *heap.Heap) *Processor {
	return &Processor{heap: h, policy: NeverClear{}}
}

// SetupPolicy selects the soft reference policy for the next collection.
func (p *Processor) SetupPolicy(alwaysClear bool) {
	if alwaysClear {
		p.policy = AlwaysClear{}
	} else {
		p.policy = NeverClear{}
	}
}

// EnableDiscovery starts a marking phase.
func (p *Processor) EnableDiscovery() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.enabled {
		panic("refproc: discovery already enabled")
	}
	p.enabled = true
}

// DisableDiscovery ends discovery and drops any references not processed.
func (p *Processor) DisableDiscovery() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.enabled = false
	for i := range p.discovered {
		p.discovered[i] = nil
	}
}

// Discover records the Reference object ref. It returns false, and the caller
// must trace the referent like any other field, when discovery is disabled or
// ref is not a Reference object.
func (p *Processor) Discover(ref heap.Addr) bool {
	t := p.heap.TypeOf(ref)
	if t.Kind != heap.KindReference {
		return false
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.enabled {
		return false
	}
	p.discovered[t.RefKind] = append(p.discovered[t.RefKind], ref)
	if traceRefs {
		log.Printf("refproc: discovered %s reference %s", t.RefKind, ref)
	}
	return true
}

// Pending returns the number of discovered references not processed yet.
func (p *Processor) Pending() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	n := 0
	for _, list := range p.discovered {
		n += len(list)
	}
	return n
}

// ProcessDiscoveredReferences ends discovery and processes the discovered
// references:
//
//  1. Soft references the policy does not clear get their referent kept
//     alive through keepAlive, followed by complete to finish the closure.
//  2. Soft and weak references to dead referents are cleared and enqueued.
//  3. Phantom references to dead referents are cleared and enqueued.
//
// References whose referent is alive are dropped from discovery untouched.
// keepAlive receives the referent slot and must mark the referent and queue
// it; complete must drain the marking queue.
func (p *Processor) ProcessDiscoveredReferences(isAlive func(heap.Addr) bool, keepAlive func(slot heap.Addr), complete func()) Stats {
	// References reached from here on are traced like ordinary objects.
	p.lock.Lock()
	p.enabled = false
	soft := p.discovered[heap.RefSoft]
	weak := p.discovered[heap.RefWeak]
	phantom := p.discovered[heap.RefPhantom]
	for i := range p.discovered {
		p.discovered[i] = nil
	}
	p.lock.Unlock()

	stats := Stats{SoftCount: len(soft), WeakCount: len(weak), PhantomCount: len(phantom)}

	// Phase 1: soft references the policy wants to keep.
	remaining := soft[:0]
	for _, ref := range soft {
		slot := p.heap.ReferentSlot(ref)
		referent := p.heap.LoadRef(slot)
		if referent != heap.Null && !isAlive(referent) && !p.policy.ShouldClearReference(ref) {
			keepAlive(slot)
			continue
		}
		remaining = append(remaining, ref)
	}
	complete()

	// Phase 2 and 3: everything still pointing to a dead referent is
	// cleared. Marking after phase 1 may have revived some referents.
	stats.SoftCleared = p.clearDead(remaining, isAlive)
	stats.WeakCleared = p.clearDead(weak, isAlive)
	stats.PhantomCleared = p.clearDead(phantom, isAlive)

	if traceRefs {
		log.Printf("refproc: %s", stats)
	}
	return stats
}

func (p *Processor) clearDead(refs []heap.Addr, isAlive func(heap.Addr) bool) int {
	cleared := 0
	for _, ref := range refs {
		slot := p.heap.ReferentSlot(ref)
		referent := p.heap.LoadRef(slot)
		if referent == heap.Null || isAlive(referent) {
			continue
		}
		p.heap.StoreRef(slot, heap.Null)
		p.heap.Pending = append(p.heap.Pending, ref)
		cleared++
	}
	return cleared
}
