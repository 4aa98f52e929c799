// Package heapfile reads and writes heap snapshots in YAML.
//
// A snapshot lists types, class loaders, objects, roots and code. Objects
// refer to each other by id and are allocated in the order they are listed:
//
//	types:
//	- name: Node
//	  fields:
//	  - {name: next, ref: true}
//	  - {name: value}
//	objects:
//	- {id: a, type: Node, gen: old, fields: {next: b, value: 1}}
//	- {id: b, type: Node, fields: {next: a, value: 2}, hash: 42}
//	roots:
//	  strong:
//	  - {name: main, ref: a}
package heapfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"

	"github.com/tinygo-org/markcompact/heap"
)

type File struct {
	Types   []Type   `yaml:"types"`
	Loaders []Loader `yaml:"loaders,omitempty"`
	Objects []Object `yaml:"objects"`
	Roots   Roots    `yaml:"roots"`
	Code    []Code   `yaml:"code,omitempty"`

	// Pending lists the Reference objects cleared by earlier collections.
	Pending []string `yaml:"pending,omitempty"`
}

type Type struct {
	Name      string  `yaml:"name"`
	Kind      string  `yaml:"kind,omitempty"`
	RefKind   string  `yaml:"ref_kind,omitempty"`
	Fields    []Field `yaml:"fields,omitempty"`
	Loader    string  `yaml:"loader,omitempty"`
	ElemBytes int     `yaml:"elem_bytes,omitempty"`
}

type Field struct {
	Name string `yaml:"name"`
	Ref  bool   `yaml:"ref,omitempty"`
}

type Loader struct {
	Name    string   `yaml:"name"`
	Strong  bool     `yaml:"strong,omitempty"`
	Holder  string   `yaml:"holder,omitempty"`
	Handles []string `yaml:"handles,omitempty"`
}

type Object struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`

	// Gen is "young" (the default) or "old".
	Gen    string `yaml:"gen,omitempty"`
	Hash   uint32 `yaml:"hash,omitempty"`
	Locked bool   `yaml:"locked,omitempty"`

	// Fields maps field names to an object id or null for reference
	// fields and to an integer for the others. Missing fields are zero.
	Fields yaml.MapSlice `yaml:"fields,omitempty"`

	// Arrays. Length defaults to the number of elements or values given.
	Length   int      `yaml:"length,omitempty"`
	Elements []string `yaml:"elements,omitempty"` // ids, empty for null
	Values   []uint64 `yaml:"values,omitempty"`
}

type Roots struct {
	Strong []Root `yaml:"strong,omitempty"`
	Weak   []Root `yaml:"weak,omitempty"`
}

type Root struct {
	Name string `yaml:"name"`
	Ref  string `yaml:"ref"`
}

type Code struct {
	Name   string   `yaml:"name"`
	Loader string   `yaml:"loader,omitempty"`
	Active bool     `yaml:"active,omitempty"`
	Oops   []string `yaml:"oops,omitempty"`
}

// Parse decodes a snapshot. Unknown keys are an error.
func Parse(data []byte) (*File, error) {
	f := &File{}
	if err := yaml.UnmarshalStrict(data, f); err != nil {
		return nil, fmt.Errorf("heapfile: %w", err)
	}
	return f, nil
}

// Read parses the snapshot file at path.
func Read(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("heapfile: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Marshal encodes the snapshot.
func (f *File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}

// Write encodes the snapshot to path.
func (f *File) Write(path string) error {
	data, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("heapfile: %w", err)
	}
	return os.WriteFile(path, data, 0o666)
}

// Load builds the snapshot in h, which is normally empty. It returns the
// address of every object by id.
func (f *File) Load(h *heap.Heap) (map[string]heap.Addr, error) {
	l := &loader{h: h, f: f, ids: make(map[string]heap.Addr), loaders: map[string]*heap.Loader{"": h.Loader(heap.BootLoader), "boot": h.Loader(heap.BootLoader)}}
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("heapfile: %w", err)
	}
	return l.ids, nil
}

type loader struct {
	h       *heap.Heap
	f       *File
	ids     map[string]heap.Addr
	loaders map[string]*heap.Loader
}

func (l *loader) load() error {
	h := l.h
	for _, fl := range l.f.Loaders {
		if _, ok := l.loaders[fl.Name]; ok {
			return fmt.Errorf("loader %q defined twice", fl.Name)
		}
		hl := h.DefineLoader(fl.Name, heap.Null)
		hl.Strong = fl.Strong
		l.loaders[fl.Name] = hl
	}

	for _, ft := range l.f.Types {
		if err := l.defineType(ft); err != nil {
			return fmt.Errorf("type %s: %w", ft.Name, err)
		}
	}

	// Allocate everything first so that fields can refer forward.
	for _, fo := range l.f.Objects {
		if err := l.allocate(fo); err != nil {
			return fmt.Errorf("object %s: %w", fo.ID, err)
		}
	}
	for _, fo := range l.f.Objects {
		if err := l.fill(fo); err != nil {
			return fmt.Errorf("object %s: %w", fo.ID, err)
		}
	}

	for _, fl := range l.f.Loaders {
		hl := l.loaders[fl.Name]
		var err error
		if hl.Holder, err = l.ref(fl.Holder); err != nil {
			return fmt.Errorf("loader %s: %w", fl.Name, err)
		}
		for _, id := range fl.Handles {
			ref, err := l.ref(id)
			if err != nil {
				return fmt.Errorf("loader %s: %w", fl.Name, err)
			}
			hl.Handles = append(hl.Handles, ref)
		}
	}

	for _, r := range l.f.Roots.Strong {
		ref, err := l.ref(r.Ref)
		if err != nil {
			return fmt.Errorf("root %s: %w", r.Name, err)
		}
		h.Roots.AddStrong(r.Name, ref)
	}
	for _, r := range l.f.Roots.Weak {
		ref, err := l.ref(r.Ref)
		if err != nil {
			return fmt.Errorf("weak root %s: %w", r.Name, err)
		}
		h.Roots.AddWeak(r.Name, ref)
	}

	for _, fc := range l.f.Code {
		hl, ok := l.loaders[fc.Loader]
		if !ok {
			return fmt.Errorf("code %s: unknown loader %q", fc.Name, fc.Loader)
		}
		b := &heap.CodeBlob{Name: fc.Name, Loader: hl.ID, Active: fc.Active}
		for _, id := range fc.Oops {
			ref, err := l.ref(id)
			if err != nil {
				return fmt.Errorf("code %s: %w", fc.Name, err)
			}
			b.Oops = append(b.Oops, ref)
		}
		h.Code = append(h.Code, b)
	}

	for _, id := range l.f.Pending {
		ref, err := l.ref(id)
		if err != nil {
			return fmt.Errorf("pending: %w", err)
		}
		h.Pending = append(h.Pending, ref)
	}
	return nil
}

func (l *loader) defineType(ft Type) error {
	kind, err := heap.ParseKind(ft.Kind)
	if err != nil {
		return err
	}
	refKind, err := heap.ParseRefKind(ft.RefKind)
	if err != nil {
		return err
	}
	hl, ok := l.loaders[ft.Loader]
	if !ok {
		return fmt.Errorf("unknown loader %q", ft.Loader)
	}
	t := &heap.Type{
		Name:      ft.Name,
		Kind:      kind,
		RefKind:   refKind,
		Loader:    hl.ID,
		ElemBytes: heap.Bytes(ft.ElemBytes),
	}
	for _, f := range ft.Fields {
		t.Fields = append(t.Fields, heap.Field{Name: f.Name, Ref: f.Ref})
	}
	_, err = l.h.DefineType(t)
	return err
}

// ref resolves an object id. The empty id is null.
func (l *loader) ref(id string) (heap.Addr, error) {
	if id == "" {
		return heap.Null, nil
	}
	a, ok := l.ids[id]
	if !ok {
		return heap.Null, fmt.Errorf("unknown object %q", id)
	}
	return a, nil
}

func (l *loader) generation(name string) (*heap.Generation, error) {
	switch name {
	case "", "young":
		return l.h.Young, nil
	case "old":
		return l.h.Old, nil
	}
	return nil, fmt.Errorf("unknown generation %q", name)
}

func (l *loader) allocate(fo Object) error {
	if fo.ID == "" {
		return fmt.Errorf("object of type %s has no id", fo.Type)
	}
	if _, ok := l.ids[fo.ID]; ok {
		return errors.New("id defined twice")
	}
	t, ok := l.h.LookupType(fo.Type)
	if !ok {
		return fmt.Errorf("unknown type %q", fo.Type)
	}
	gen, err := l.generation(fo.Gen)
	if err != nil {
		return err
	}
	length := 0
	if t.IsArray() {
		length = max(fo.Length, len(fo.Elements), len(fo.Values))
	} else if fo.Length != 0 || fo.Elements != nil || fo.Values != nil {
		return fmt.Errorf("%s is not an array", t)
	}
	obj, err := l.h.Allocate(gen, t, length)
	if err != nil {
		return err
	}
	l.ids[fo.ID] = obj
	return nil
}

func (l *loader) fill(fo Object) error {
	h := l.h
	obj := l.ids[fo.ID]
	t := h.TypeOf(obj)

	switch t.Kind {
	case heap.KindObjArray:
		if fo.Values != nil || fo.Fields != nil {
			return fmt.Errorf("%s takes elements only", t)
		}
		for i, id := range fo.Elements {
			ref, err := l.ref(id)
			if err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
			h.WriteRef(h.ElementSlot(obj, i), ref)
		}
	case heap.KindTypeArray:
		if fo.Elements != nil || fo.Fields != nil {
			return fmt.Errorf("%s takes values only", t)
		}
		for i, v := range fo.Values {
			if err := storeElement(h, obj, i, v); err != nil {
				return fmt.Errorf("value %d: %w", i, err)
			}
		}
	default:
		if fo.Elements != nil || fo.Values != nil {
			return fmt.Errorf("%s takes fields only", t)
		}
		for _, item := range fo.Fields {
			name := fmt.Sprint(item.Key)
			i := t.FieldIndex(name)
			if i < 0 {
				return fmt.Errorf("%s has no field %s", t, name)
			}
			slot := h.FieldSlot(obj, i)
			if t.Fields[i].Ref {
				id, ok := item.Value.(string)
				if item.Value != nil && !ok {
					return fmt.Errorf("field %s: %v is not an object id", name, item.Value)
				}
				ref, err := l.ref(id)
				if err != nil {
					return fmt.Errorf("field %s: %w", name, err)
				}
				h.WriteRef(slot, ref)
				continue
			}
			v, err := scalar(item.Value)
			if err != nil {
				return fmt.Errorf("field %s: %w", name, err)
			}
			h.WriteScalar(slot, v)
		}
	}

	if fo.Hash != 0 {
		h.SetHash(obj, fo.Hash)
	}
	if fo.Locked {
		h.SetHeader(obj, h.Header(obj).Locked())
	}
	return nil
}

// scalar converts a decoded YAML value to a field word.
func scalar(v interface{}) (uint64, error) {
	switch v := v.(type) {
	case nil:
		return 0, nil
	case int:
		return uint64(v), nil
	case int64:
		return uint64(v), nil
	case uint64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseUint(v, 0, 64)
	}
	return 0, fmt.Errorf("%v is not an integer", v)
}

// storeElement writes element i of the type array obj. Elements narrower
// than a word share it, little endian.
func storeElement(h *heap.Heap, obj heap.Addr, i int, v uint64) error {
	size := h.TypeOf(obj).ElementBytes()
	if size < heap.WordBytes && v>>(8*size) != 0 {
		return fmt.Errorf("%d does not fit %d bytes", v, size)
	}
	slot, shift := elementWord(h, obj, i)
	if size == heap.WordBytes {
		h.WriteScalar(slot, v)
		return nil
	}
	mask := uint64(1)<<(8*size) - 1
	w := h.LoadWord(slot)
	h.WriteScalar(slot, w&^(mask<<shift)|v<<shift)
	return nil
}

func loadElement(h *heap.Heap, obj heap.Addr, i int) uint64 {
	size := h.TypeOf(obj).ElementBytes()
	slot, shift := elementWord(h, obj, i)
	w := h.LoadWord(slot)
	if size == heap.WordBytes {
		return w
	}
	return w >> shift & (uint64(1)<<(8*size) - 1)
}

func elementWord(h *heap.Heap, obj heap.Addr, i int) (slot heap.Addr, shift uint) {
	a := h.ElementSlot(obj, i)
	off := heap.Bytes(a) % heap.WordBytes
	return a - heap.Addr(off), uint(8 * off)
}
