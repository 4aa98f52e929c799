package heapfile

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinygo-org/markcompact/heap"
)

func loadGraph(t *testing.T) (*heap.Heap, map[string]heap.Addr) {
	t.Helper()
	f, err := Read(filepath.Join("testdata", "graph.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	h := heap.New(heap.DefaultConfig())
	ids, err := f.Load(h)
	if err != nil {
		t.Fatal(err)
	}
	return h, ids
}

func TestLoad(t *testing.T) {
	h, ids := loadGraph(t)
	a, b, arr := ids["a"], ids["b"], ids["arr"]

	if h.GenerationOf(a) != h.Old || h.GenerationOf(b) != h.Young {
		t.Errorf("a is in %s and b in %s", h.GenerationOf(a).Name, h.GenerationOf(b).Name)
	}
	if got := h.Header(a).Hash(); got != 42 {
		t.Errorf("hash of a is %d, want 42", got)
	}
	if !h.Header(ids["soft"]).IsLocked() {
		t.Error("soft is not locked")
	}
	if got := h.LoadRef(h.FieldSlot(b, 0)); got != a {
		t.Errorf("b.next is %s, want %s", got, a)
	}
	if got := h.LoadRef(h.FieldSlot(b, 1)); got != arr {
		t.Errorf("b.other is %s, want %s", got, arr)
	}
	if got := h.LoadWord(h.FieldSlot(ids["pluginMirror"], 2)); got != 16 {
		t.Errorf("pluginMirror.value is %d, want 16", got)
	}

	if n := h.Length(arr); n != 4 {
		t.Errorf("array length is %d, want 4", n)
	}
	for i, want := range []heap.Addr{a, heap.Null, b, ids["garbage1"]} {
		if got := h.LoadRef(h.ElementSlot(arr, i)); got != want {
			t.Errorf("arr[%d] is %s, want %s", i, got, want)
		}
	}
	buf := ids["buf"]
	for i, want := range []uint64{1, 2, 3, 255, 7} {
		if got := loadElement(h, buf, i); got != want {
			t.Errorf("buf[%d] is %d, want %d", i, got, want)
		}
	}
	if got := h.LoadRef(h.ReferentSlot(ids["weak"])); got != ids["garbage2"] {
		t.Errorf("weak referent is %s, want %s", got, ids["garbage2"])
	}

	if len(h.Loaders) != 2 {
		t.Fatalf("heap has %d loaders, want 2", len(h.Loaders))
	}
	l := h.Loaders[1]
	if l.Name != "plugins" || l.Strong || l.Holder != ids["pluginLoader"] || len(l.Handles) != 1 || l.Handles[0] != ids["pluginMirror"] {
		t.Errorf("unexpected loader %+v", l)
	}
	if h.TypeOf(ids["plugin"]).Loader != l.ID {
		t.Error("Plugin does not belong to the plugins loader")
	}
	if len(h.Code) != 2 || !h.Code[0].Active || h.Code[1].Active || h.Code[1].Loader != l.ID || h.Code[1].Oops[0] != ids["c"] {
		t.Errorf("unexpected code %+v %+v", h.Code[0], h.Code[1])
	}
	if len(h.Roots.Strong) != 4 || h.Roots.Strong[0].Ref != b {
		t.Errorf("unexpected strong roots %v", h.Roots.Strong)
	}
	if len(h.Roots.Weak) != 1 || h.Roots.Weak[0].Ref != ids["garbage1"] {
		t.Errorf("unexpected weak roots %v", h.Roots.Weak)
	}
}

// A dump loaded into an empty heap dumps identically and has the same
// layout.
func TestDumpRoundTrip(t *testing.T) {
	h, _ := loadGraph(t)
	first := Dump(h)
	data, err := first.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	f, err := Parse(data)
	if err != nil {
		t.Fatalf("cannot parse dump: %v\n%s", err, data)
	}
	h2 := heap.New(heap.DefaultConfig())
	ids, err := f.Load(h2)
	if err != nil {
		t.Fatal(err)
	}
	data2, err := Dump(h2).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, data2) {
		t.Errorf("dump changed after a round trip:\n%s\nbecame\n%s", data, data2)
	}
	if h.Used() != h2.Used() || h.Old.Used() != h2.Old.Used() {
		t.Errorf("heap uses %s (old %s) after a round trip, want %s (old %s)", h2.Used(), h2.Old.Used(), h.Used(), h.Old.Used())
	}
	if len(ids) != len(first.Objects) {
		t.Errorf("loaded %d objects, dumped %d", len(ids), len(first.Objects))
	}
	if first.Objects[0].ID != "o1" || first.Objects[0].Gen != "" {
		t.Errorf("first dumped object is %+v", first.Objects[0])
	}
}

func TestLoadErrors(t *testing.T) {
	const types = "types:\n- name: Node\n  fields: [{name: next, ref: true}, {name: value}]\n- {name: bytes, kind: typearray, elem_bytes: 1}\n"
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown object", "objects: [{id: a, type: Node, fields: {next: zz}}]", `unknown object "zz"`},
		{"unknown type", "objects: [{id: a, type: Tree}]", `unknown type "Tree"`},
		{"duplicate id", "objects: [{id: a, type: Node}, {id: a, type: Node}]", "id defined twice"},
		{"number in ref field", "objects: [{id: a, type: Node, fields: {next: 5}}]", "is not an object id"},
		{"string in scalar field", "objects: [{id: a, type: Node, fields: {value: a}}]", "field value"},
		{"unknown field", "objects: [{id: a, type: Node, fields: {prev: a}}]", "has no field prev"},
		{"elements of instance", "objects: [{id: a, type: Node, elements: [a]}]", "is not an array"},
		{"byte too large", "objects: [{id: a, type: bytes, values: [256]}]", "does not fit 1 bytes"},
		{"unknown generation", "objects: [{id: a, type: Node, gen: eden}]", `unknown generation "eden"`},
		{"unknown root", "roots: {strong: [{name: main, ref: x}]}", "root main"},
		{"unknown loader", "code: [{name: m, loader: app}]", `unknown loader "app"`},
	}
	for _, tc := range tests {
		f, err := Parse([]byte(types + tc.yaml))
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		_, err = f.Load(heap.New(heap.DefaultConfig()))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: Load returned %v, want an error containing %q", tc.name, err, tc.want)
		}
	}

	if _, err := Parse([]byte("objects: []\nbogus: 1\n")); err == nil {
		t.Error("Parse accepted an unknown key")
	}

	f, err := Parse([]byte(types + "objects: [{id: big, type: bytes, length: 100000000}]"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Load(heap.New(heap.DefaultConfig())); !errors.Is(err, heap.ErrOutOfMemory) {
		t.Errorf("Load returned %v, want ErrOutOfMemory", err)
	}
}
