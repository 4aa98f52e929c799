package refproc

import (
	"testing"

	"github.com/tinygo-org/markcompact/heap"
)

type fixture struct {
	h                   *heap.Heap
	object              *heap.Type
	soft, weak, phantom *heap.Type
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	config := heap.DefaultConfig()
	config.YoungBytes = 64 << 10
	config.SurvivorBytes = 8 << 10
	config.OldBytes = 64 << 10
	f := &fixture{h: heap.New(config)}
	define := func(typ *heap.Type) *heap.Type {
		typ, err := f.h.DefineType(typ)
		if err != nil {
			t.Fatal(err)
		}
		return typ
	}
	f.object = define(&heap.Type{Name: "Object"})
	f.soft = define(&heap.Type{Name: "SoftReference", Kind: heap.KindReference, RefKind: heap.RefSoft})
	f.weak = define(&heap.Type{Name: "WeakReference", Kind: heap.KindReference, RefKind: heap.RefWeak})
	f.phantom = define(&heap.Type{Name: "PhantomReference", Kind: heap.KindReference, RefKind: heap.RefPhantom})
	return f
}

func (f *fixture) alloc(t *testing.T, typ *heap.Type) heap.Addr {
	t.Helper()
	obj, err := f.h.Allocate(f.h.Old, typ, 0)
	if err != nil {
		t.Fatal(err)
	}
	return obj
}

// reference allocates a Reference object of type typ pointing to a new
// object.
func (f *fixture) reference(t *testing.T, typ *heap.Type) (ref, referent heap.Addr) {
	t.Helper()
	ref = f.alloc(t, typ)
	referent = f.alloc(t, f.object)
	f.h.WriteRef(f.h.ReferentSlot(ref), referent)
	return ref, referent
}

func TestProcessDiscoveredReferences(t *testing.T) {
	for _, clearAll := range []bool{false, true} {
		f := newFixture(t)
		p := New(f.h)
		p.SetupPolicy(clearAll)
		p.EnableDiscovery()

		softRef, softReferent := f.reference(t, f.soft)
		weakRef, _ := f.reference(t, f.weak)
		liveWeakRef, liveReferent := f.reference(t, f.weak)
		phantomRef, _ := f.reference(t, f.phantom)
		for _, ref := range []heap.Addr{softRef, weakRef, liveWeakRef, phantomRef} {
			if !p.Discover(ref) {
				t.Fatalf("reference %s not discovered", ref)
			}
		}
		if p.Discover(softReferent) {
			t.Error("a plain object was discovered")
		}

		alive := map[heap.Addr]bool{liveReferent: true}
		completed := 0
		stats := p.ProcessDiscoveredReferences(
			func(a heap.Addr) bool { return alive[a] },
			func(slot heap.Addr) { alive[f.h.LoadRef(slot)] = true },
			func() { completed++ })

		if completed != 1 {
			t.Errorf("complete called %d times, want 1", completed)
		}
		if stats.Discovered() != 4 || stats.SoftCount != 1 || stats.WeakCount != 2 || stats.PhantomCount != 1 {
			t.Errorf("clearAll=%v: discovered %s", clearAll, stats)
		}
		wantSoftCleared := 0
		if clearAll {
			wantSoftCleared = 1
		}
		if stats.SoftCleared != wantSoftCleared || stats.WeakCleared != 1 || stats.PhantomCleared != 1 {
			t.Errorf("clearAll=%v: cleared %s", clearAll, stats)
		}
		if alive[softReferent] == clearAll {
			t.Errorf("clearAll=%v: soft referent alive=%v", clearAll, alive[softReferent])
		}

		if got := f.h.LoadRef(f.h.ReferentSlot(weakRef)); got != heap.Null {
			t.Errorf("dead weak referent not cleared: %s", got)
		}
		if got := f.h.LoadRef(f.h.ReferentSlot(liveWeakRef)); got != liveReferent {
			t.Errorf("live weak referent changed to %s", got)
		}
		if len(f.h.Pending) != stats.Cleared() {
			t.Errorf("pending list has %d entries, want %d", len(f.h.Pending), stats.Cleared())
		}
		if p.Pending() != 0 {
			t.Errorf("%d references left after processing", p.Pending())
		}
		p.DisableDiscovery()
	}
}

func TestDiscoveryDisabled(t *testing.T) {
	f := newFixture(t)
	p := New(f.h)
	ref, _ := f.reference(t, f.weak)
	if p.Discover(ref) {
		t.Error("discovered a reference while discovery was disabled")
	}
	p.EnableDiscovery()
	defer func() {
		if recover() == nil {
			t.Error("enabling discovery twice did not panic")
		}
	}()
	p.EnableDiscovery()
}
