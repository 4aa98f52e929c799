// Package verify checks that a collection preserved the object graph and
// left the heap consistent.
package verify

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aclements/go-moremath/graph"
	"github.com/aclements/go-moremath/graph/graphalg"
	"github.com/aclements/go-moremath/graph/graphout"
	"github.com/sigurn/crc16"

	"github.com/tinygo-org/markcompact/heap"
)

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Graph is the object graph reachable from the strong roots of a heap.
// Nodes are numbered breadth first from the roots, slots in address order,
// so the same graph at other addresses has the same numbering.
//
// The referent of a Reference object is not an edge: collections may clear
// it.
//
// Graph satisfies the graph.Graph interface.
type Graph struct {
	Roots []Root
	Nodes []Node
	To    [][]int // Node ID -> successors, one per non-null slot
}

type Root struct {
	Name string
	Node int // -1 for null
}

// Node is one object.
type Node struct {
	Addr   heap.Addr
	Gen    string
	Type   string
	Length int
	Hash   uint32
	Locked bool

	// Sum is the CRC-16 of the scalar contents of the object.
	Sum uint16

	// Slots holds the target node of every reference slot, -1 for null.
	Slots []int
}

var _ graph.Graph = (*Graph)(nil)

func (g *Graph) NumNodes() int {
	return len(g.Nodes)
}

func (g *Graph) Out(i int) []int {
	return g.To[i]
}

func (g *Graph) Label(i int) string {
	n := &g.Nodes[i]
	return fmt.Sprintf("%s@%s", n.Type, n.Addr)
}

// Snapshot walks the heap from its strong roots.
func Snapshot(h *heap.Heap) *Graph {
	g := &Graph{}
	index := make(map[heap.Addr]int)
	var queue []heap.Addr
	visit := func(ref heap.Addr) int {
		if ref == heap.Null {
			return -1
		}
		if i, ok := index[ref]; ok {
			return i
		}
		i := len(queue)
		index[ref] = i
		queue = append(queue, ref)
		return i
	}

	for _, r := range h.Roots.Strong {
		g.Roots = append(g.Roots, Root{Name: r.Name, Node: visit(r.Ref)})
	}
	for i := 0; i < len(queue); i++ {
		obj := queue[i]
		n := describe(h, obj)
		var referent heap.Addr
		if t := h.TypeOf(obj); t.Kind == heap.KindReference {
			referent = h.ReferentSlot(obj)
		}
		var out []int
		h.IterateRefSlots(obj, func(slot heap.Addr) {
			if slot == referent {
				return
			}
			target := visit(h.LoadRef(slot))
			n.Slots = append(n.Slots, target)
			if target >= 0 {
				out = append(out, target)
			}
		})
		g.Nodes = append(g.Nodes, n)
		g.To = append(g.To, out)
	}
	return g
}

func describe(h *heap.Heap, obj heap.Addr) Node {
	t := h.TypeOf(obj)
	mark := h.Header(obj)
	n := Node{
		Addr:   obj,
		Type:   t.Name,
		Hash:   mark.Hash(),
		Locked: mark.IsLocked(),
	}
	if g := h.GenerationOf(obj); g != nil {
		n.Gen = g.Name
	}

	var payload []byte
	switch t.Kind {
	case heap.KindObjArray:
		n.Length = h.Length(obj)
	case heap.KindTypeArray:
		n.Length = h.Length(obj)
		start := h.ElementSlot(obj, 0)
		for _, w := range h.Words(heap.RegionOf(start, obj.Plus(h.SizeOf(obj)))) {
			payload = binary.LittleEndian.AppendUint64(payload, w)
		}
	default:
		for i, f := range t.Fields {
			if !f.Ref {
				payload = binary.LittleEndian.AppendUint64(payload, h.LoadWord(h.FieldSlot(obj, i)))
			}
		}
	}
	n.Sum = crc16.Checksum(payload, crcTable)
	return n
}

// Cycles returns the number of strongly connected components with more than
// one object, and the number of objects in them.
func (g *Graph) Cycles() (components, nodes int) {
	scc := graphalg.SCC(g, graphalg.SCCSubnodeComponent)
	for cid := 0; cid < scc.NumNodes(); cid++ {
		if n := len(scc.Subnodes(cid)); n > 1 {
			components++
			nodes += n
		}
	}
	return components, nodes
}

// WriteDot writes the graph in Graphviz format. Roots are drawn as boxes.
func (g *Graph) WriteDot(w io.Writer) {
	rooted := make(map[int][]string)
	for _, r := range g.Roots {
		if r.Node >= 0 {
			rooted[r.Node] = append(rooted[r.Node], r.Name)
		}
	}
	nodeAttrs := func(node int) []graphout.DotAttr {
		attrs := []graphout.DotAttr{{Name: "tooltip", Val: g.Nodes[node].Gen}}
		if names, ok := rooted[node]; ok {
			attrs = append(attrs, graphout.DotAttr{Name: "shape", Val: "box"}, graphout.DotAttr{Name: "xlabel", Val: fmt.Sprint(names)})
		}
		return attrs
	}
	graphout.Dot{Label: g.Label, NodeAttrs: nodeAttrs}.Fprint(w, g)
}

// Compare reports every difference between two snapshots of the same
// program, typically taken before and after a collection. Addresses do not
// matter. It returns nil or an Errors.
func Compare(before, after *Graph) error {
	var errs Errors
	add := func(n *Node, format string, args ...interface{}) {
		errs = append(errs, &Error{Gen: n.Gen, Addr: n.Addr, Msg: fmt.Sprintf(format, args...)})
	}
	if len(before.Roots) != len(after.Roots) {
		errs = append(errs, &Error{Msg: fmt.Sprintf("%d roots, was %d", len(after.Roots), len(before.Roots))})
		return errs
	}
	for i, r := range after.Roots {
		if b := before.Roots[i]; b != r {
			errs = append(errs, &Error{Msg: fmt.Sprintf("root %s refers to node %d, was %s to node %d", r.Name, r.Node, b.Name, b.Node)})
		}
	}
	if len(before.Nodes) != len(after.Nodes) {
		errs = append(errs, &Error{Msg: fmt.Sprintf("%d reachable objects, was %d", len(after.Nodes), len(before.Nodes))})
	}
	for i := 0; i < min(len(before.Nodes), len(after.Nodes)); i++ {
		b, a := &before.Nodes[i], &after.Nodes[i]
		switch {
		case a.Type != b.Type:
			add(a, "object of type %s, was %s at %s", a.Type, b.Type, b.Addr)
			continue
		case a.Length != b.Length:
			add(a, "length %d, was %d", a.Length, b.Length)
			continue
		}
		if a.Hash != b.Hash || a.Locked != b.Locked {
			add(a, "header hash %#x locked %v, was hash %#x locked %v", a.Hash, a.Locked, b.Hash, b.Locked)
		}
		if a.Sum != b.Sum {
			add(a, "contents changed (crc %#04x, was %#04x at %s)", a.Sum, b.Sum, b.Addr)
		}
		for j := range a.Slots {
			if a.Slots[j] != b.Slots[j] {
				add(a, "slot %d refers to node %d, was node %d", j, a.Slots[j], b.Slots[j])
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}
