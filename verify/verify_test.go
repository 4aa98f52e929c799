package verify

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/tinygo-org/markcompact/heap"
	"github.com/tinygo-org/markcompact/heapfile"
	"github.com/tinygo-org/markcompact/marksweep"
)

const program = `
types:
- name: Node
  fields:
  - {name: next, ref: true}
  - {name: value}
- name: Node[]
  kind: objarray
- name: chars
  kind: typearray
  elem_bytes: 2
- name: WeakRef
  kind: reference
  ref_kind: weak
objects:
- {id: g1, type: Node, fields: {value: 100}}
- {id: a, type: Node, hash: 7, fields: {next: b, value: 1}}
- {id: g2, type: Node, fields: {next: g1}}
- {id: b, type: Node, gen: old, locked: true, fields: {next: a, value: 2}}
- {id: c, type: Node, fields: {next: a, value: 3}}
- {id: arr, type: "Node[]", elements: [c, "", g3, c]}
- {id: g3, type: Node, fields: {value: 4}}
- {id: s, type: chars, values: [104, 105, 65535]}
- {id: w, type: WeakRef, fields: {referent: g1}}
roots:
  strong:
  - {name: arr, ref: arr}
  - {name: none, ref: ""}
  - {name: s, ref: s}
  - {name: w, ref: w}
`

func load(t *testing.T, compressed bool) (*heap.Heap, map[string]heap.Addr) {
	t.Helper()
	f, err := heapfile.Parse([]byte(program))
	if err != nil {
		t.Fatal(err)
	}
	config := heap.DefaultConfig()
	config.CompressedRefs = compressed
	h := heap.New(config)
	ids, err := f.Load(h)
	if err != nil {
		t.Fatal(err)
	}
	return h, ids
}

func TestSnapshot(t *testing.T) {
	h, ids := load(t, true)
	g := Snapshot(h)

	// arr, s, w, then what arr refers to: c, g3, then a, b.
	want := []heap.Addr{ids["arr"], ids["s"], ids["w"], ids["c"], ids["g3"], ids["a"], ids["b"]}
	if len(g.Nodes) != len(want) {
		t.Fatalf("snapshot has %d nodes, want %d", len(g.Nodes), len(want))
	}
	for i, addr := range want {
		if g.Nodes[i].Addr != addr {
			t.Errorf("node %d is %s, want %s", i, g.Label(i), addr)
		}
	}
	if got := g.Nodes[0].Slots; len(got) != 4 || got[0] != 3 || got[1] != -1 || got[2] != 4 || got[3] != 3 {
		t.Errorf("slots of arr are %v", got)
	}
	if got := g.Out(0); len(got) != 3 {
		t.Errorf("arr has %d out edges, want 3", len(got))
	}
	if len(g.Nodes[2].Slots) != 0 {
		t.Errorf("the referent of a weak reference is an edge")
	}
	if g.Roots[1].Node != -1 {
		t.Errorf("null root refers to node %d", g.Roots[1].Node)
	}
	if g.Nodes[5].Hash != 7 || !g.Nodes[6].Locked || g.Nodes[6].Gen != "old" {
		t.Errorf("headers not recorded: %+v %+v", g.Nodes[5], g.Nodes[6])
	}
	if components, nodes := g.Cycles(); components != 1 || nodes != 2 {
		t.Errorf("Cycles returned %d components with %d nodes, want 1 with 2", components, nodes)
	}
}

// A full collection keeps the reachable graph, whatever the reference width
// and number of workers.
func TestCollectionPreservesGraph(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		for _, workers := range []int{1, 4} {
			h, _ := load(t, compressed)
			if err := CheckHeap(h); err != nil {
				t.Fatalf("heap inconsistent before the collection:\n%v", err)
			}
			before := Snapshot(h)
			r := marksweep.New(h, marksweep.Options{Workers: workers}).Collect()
			after := Snapshot(h)
			if err := Compare(before, after); err != nil {
				t.Errorf("compressed=%v workers=%d: graph changed:\n%v", compressed, workers, err)
			}
			if err := CheckHeap(h); err != nil {
				t.Errorf("compressed=%v workers=%d: heap inconsistent:\n%v", compressed, workers, err)
			}
			if r.Marked != len(after.Nodes) {
				t.Errorf("compressed=%v workers=%d: marked %d objects, snapshot has %d", compressed, workers, r.Marked, len(after.Nodes))
			}
		}
	}
}

func TestCompareFindsDifferences(t *testing.T) {
	h, ids := load(t, false)
	before := Snapshot(h)

	h.WriteScalar(h.FieldSlot(ids["c"], 1), 33)
	h.WriteRef(h.FieldSlot(ids["a"], 0), ids["c"])
	h.SetHash(ids["g3"], 9)

	err := Compare(before, Snapshot(h))
	var errs Errors
	if !errors.As(err, &errs) {
		t.Fatalf("Compare returned %v, want Errors", err)
	}
	for _, want := range []string{"contents changed", "slot 0 refers to node 3, was node 6", "header hash 0x9"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("differences do not mention %q:\n%v", want, err)
		}
	}
}

func TestCheckHeapErrors(t *testing.T) {
	h, ids := load(t, false)
	h.StoreRef(h.FieldSlot(ids["c"], 0), ids["a"].Plus(heap.WordBytes))
	h.SetHeader(ids["g3"], heap.MarkedMark())
	h.Roots.AddStrong("stray", ids["s"].Plus(heap.WordBytes))

	err := CheckHeap(h)
	var errs Errors
	if !errors.As(err, &errs) {
		t.Fatalf("CheckHeap returned %v, want Errors", err)
	}
	if len(errs) != 3 {
		t.Fatalf("CheckHeap found %d problems, want 3:\n%v", len(errs), err)
	}
	for _, want := range []string{"not an object", "still carries the mark", "root stray"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("problems do not mention %q:\n%v", want, err)
		}
	}
}

func TestWriteDot(t *testing.T) {
	h, _ := load(t, true)
	var buf bytes.Buffer
	Snapshot(h).WriteDot(&buf)
	out := buf.String()
	for _, want := range []string{"digraph", "->", "Node@", "box"} {
		if !strings.Contains(out, want) {
			t.Errorf("dot output does not contain %q:\n%s", want, out)
		}
	}
}
