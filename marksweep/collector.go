// Package marksweep implements a full, stop-the-world mark-compact collection
// of a generational heap. A collection runs four phases, each finished
// completely before the next one starts:
//
//  1. Mark live objects, in parallel, and process references, weak roots and
//     class and code unloading.
//  2. Compute the new address of every live object.
//  3. Adjust every reference to point to the new addresses.
//  4. Move the objects and restore their headers.
//
// Marking replaces the header of every live object with the mark. Headers
// that carry information (a hash or a lock) are saved on the preserved mark
// stacks first, which live in scratch memory lent by the heap when possible.
package marksweep

import (
	"fmt"
	"log"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/tinygo-org/markcompact/heap"
	"github.com/tinygo-org/markcompact/objarray"
	"github.com/tinygo-org/markcompact/refproc"
)

const gcDebug = false

// Phase is the state of a Collector.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseMark
	PhasePlan
	PhaseAdjust
	PhaseMove
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMark:
		return "mark"
	case PhasePlan:
		return "plan"
	case PhaseAdjust:
		return "adjust"
	case PhaseMove:
		return "move"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// RootProcessor enumerates the references held outside the heap.
type RootProcessor interface {
	ProcessRoots(so heap.ScanningOption, refs heap.RefVisitor, strongLoaders, weakLoaders heap.LoaderVisitor, code heap.CodeVisitor)
	ProcessWeakRoots(refs heap.RefVisitor)
	WeakOopsDo(isAlive func(heap.Addr) bool, keepAlive heap.RefVisitor) int
}

// ReferenceProcessor discovers Reference objects during marking and decides
// the fate of their referents afterwards.
type ReferenceProcessor interface {
	SetupPolicy(alwaysClear bool)
	EnableDiscovery()
	DisableDiscovery()
	Discover(ref heap.Addr) bool
	ProcessDiscoveredReferences(isAlive func(heap.Addr) bool, keepAlive func(slot heap.Addr), complete func()) refproc.Stats
}

// Unloader unloads class and code metadata that died.
type Unloader interface {
	UnloadLoaders(isAlive func(heap.Addr) bool) (purged bool)
	UnloadCode(isAlive func(heap.Addr) bool, purgedClass bool) int
}

// CardTable is updated after the collection, depending on whether the young
// generation was evacuated.
type CardTable interface {
	ClearIntoYounger(old *heap.Generation)
	InvalidateOrClear(old *heap.Generation)
}

// Options configure a Collector. The zero value is usable.
type Options struct {
	// Workers is the number of parallel marking workers. Zero means
	// GOMAXPROCS, at most 4.
	Workers int

	// Stride is the array slice size below which arrays are not split.
	// Zero means objarray.DefaultStride.
	Stride int

	// ClassUnloading lets class loaders whose holder died be unloaded.
	// Without it, all loaders are strong roots.
	ClassUnloading bool

	// ClearAllSoftRefs clears all softly reachable referents.
	ClearAllSoftRefs bool

	// Logger receives one line per phase. Nil means silent.
	Logger *log.Logger

	// The collaborators default to the heap itself, a refproc.Processor
	// and the heap's card table.
	Roots      RootProcessor
	References ReferenceProcessor
	Unloading  Unloader
	Cards      CardTable
}

// DefaultWorkers returns the default number of marking workers.
func DefaultWorkers() int {
	return min(runtime.GOMAXPROCS(0), 4)
}

// Collector performs full collections of one heap. Only one collection may
// be in flight at a time.
type Collector struct {
	heap  *heap.Heap
	opts  Options
	phase atomic.Int32

	totalInvocations int

	// Per collection state, reset by allocateStacks and deallocateStacks.
	scratch   *heap.ScratchBlock
	preserved []preservedMarks
	fwd       *forwarding
	live      [][]heap.Addr // live objects per source space, in address order
	loaderOf  map[heap.Addr]*heap.Loader
	result    *Result

	stats gcStats
}

// New returns a Collector for h.
func New(h *heap.Heap, opts Options) *Collector {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers()
	}
	if opts.Stride <= 0 {
		opts.Stride = objarray.DefaultStride
	}
	if opts.Roots == nil {
		opts.Roots = h
	}
	if opts.References == nil {
		opts.References = refproc.New(h)
	}
	if opts.Unloading == nil {
		opts.Unloading = h
	}
	if opts.Cards == nil {
		opts.Cards = h.CardTable
	}
	return &Collector{heap: h, opts: opts}
}

// Phase returns the phase the collector is in.
func (c *Collector) Phase() Phase {
	return Phase(c.phase.Load())
}

// TotalInvocations returns the number of collections started.
func (c *Collector) TotalInvocations() int {
	return c.totalInvocations
}

func (c *Collector) enterPhase(from, to Phase) {
	if !c.phase.CompareAndSwap(int32(from), int32(to)) {
		panic(fmt.Sprintf("marksweep: entering %s phase while in %s phase, want %s", to, c.Phase(), from))
	}
}

// Result describes one collection.
type Result struct {
	Invocation int

	UsedBefore, UsedAfter heap.Bytes
	YoungEvacuated        bool

	Marked     int        // live objects
	LiveBytes  heap.Bytes // size of the live objects
	Moved      int        // live objects whose address changed
	ScanWork   int        // array elements and fields scanned
	Stolen     int        // entries taken from another worker's queue
	References refproc.Stats

	WeakRootsCleared int
	LoadersUnloaded  bool
	CodeUnloaded     int

	PreservedMarks    int
	PreservedOverflow int // records that did not fit the scratch memory
	ScratchCapacity   int // records the scratch memory could hold

	PhaseTimes [4]time.Duration
	Pause      time.Duration
}

func (r *Result) String() string {
	return fmt.Sprintf("gc #%d: %s -> %s, %d live objects (%s), %d moved, pause %s",
		r.Invocation, r.UsedBefore, r.UsedAfter, r.Marked, r.LiveBytes, r.Moved, r.Pause)
}

// Collect performs a full collection. It stops the world for its whole
// duration. Calling it while a collection is running is a programming error
// and panics.
func (c *Collector) Collect() *Result {
	c.enterPhase(PhaseIdle, PhaseMark)

	h := c.heap
	h.StopTheWorld()
	defer h.ResumeTheWorld()

	start := time.Now()
	c.totalInvocations++
	c.result = &Result{Invocation: c.totalInvocations, UsedBefore: h.Used()}
	if gcDebug {
		log.Printf("marksweep: collection %d, used %s", c.totalInvocations, h.Used())
	}

	// Capture the used regions so the card table can be fixed up below.
	h.GenerationIterate(func(g *heap.Generation) { g.SaveUsedRegion() }, true)

	c.allocateStacks()

	c.timed(0, "Phase 1: Mark live objects", c.markPhase)

	c.enterPhase(PhaseMark, PhasePlan)
	c.timed(1, "Phase 2: Compute new object addresses", c.planPhase)

	c.enterPhase(PhasePlan, PhaseAdjust)
	c.timed(2, "Phase 3: Adjust pointers", c.adjustPhase)

	c.enterPhase(PhaseAdjust, PhaseMove)
	c.timed(3, "Phase 4: Move objects", c.movePhase)

	c.restoreMarks()
	c.deallocateStacks()

	// If compaction evacuated the young generation no old object can
	// refer to a young one anymore. Otherwise any old card may.
	if h.Young.Used() == 0 {
		c.result.YoungEvacuated = true
		c.opts.Cards.ClearIntoYounger(h.Old)
	} else {
		c.opts.Cards.InvalidateOrClear(h.Old)
	}

	h.UpdateCapacityAndUsedAtGC()
	h.RecordWholeHeapExaminedTimestamp()

	r := c.result
	c.result = nil
	r.UsedAfter = h.Used()
	r.Pause = time.Since(start)
	c.stats.record(r, time.Now())
	if c.opts.Logger != nil {
		c.opts.Logger.Print(r)
	}

	c.enterPhase(PhaseMove, PhaseIdle)
	return r
}

func (c *Collector) timed(i int, name string, fn func()) {
	start := time.Now()
	fn()
	c.result.PhaseTimes[i] = time.Since(start)
	if c.opts.Logger != nil {
		c.opts.Logger.Printf("%s %.3fms", name, float64(c.result.PhaseTimes[i].Microseconds())/1000)
	}
}

// allocateStacks borrows scratch memory for the preserved mark stacks and
// splits it between the marking workers. Without scratch memory every record
// goes to the overflow slices.
func (c *Collector) allocateStacks() {
	c.preserved = make([]preservedMarks, c.opts.Workers)
	c.scratch = c.heap.GatherScratch()
	if c.scratch != nil {
		words := c.scratch.Words()
		per := len(words) / c.opts.Workers &^ 1
		for i := range c.preserved {
			c.preserved[i].scratch = words[i*per : (i+1)*per]
		}
		c.result.ScratchCapacity = per / 2 * c.opts.Workers
	}
	c.fwd = newForwarding()
	c.live = nil
}

func (c *Collector) deallocateStacks() {
	for i := range c.preserved {
		c.preserved[i].reset()
	}
	c.preserved = nil
	if c.scratch != nil {
		c.heap.ReleaseScratch()
		c.scratch = nil
	}
	c.fwd = nil
	c.live = nil
	c.loaderOf = nil
}

// restoreMarks writes the preserved headers back to the moved objects.
func (c *Collector) restoreMarks() {
	for i := range c.preserved {
		c.result.PreservedMarks += c.preserved[i].len()
		c.result.PreservedOverflow += len(c.preserved[i].overflow)
		c.preserved[i].restore(c.heap)
	}
}

// ReadGCStats returns the statistics of all collections so far.
func (c *Collector) ReadGCStats(stats *GCStats) {
	c.stats.copyTo(stats)
}
