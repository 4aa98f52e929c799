package heapfile

import (
	"fmt"

	"gopkg.in/yaml.v2"

	"github.com/tinygo-org/markcompact/heap"
)

// Dump takes a snapshot of h. Objects are named o1, o2, ... in address
// order, young generation first, so loading the snapshot into an empty heap
// of the same geometry reproduces the layout.
func Dump(h *heap.Heap) *File {
	f := &File{}
	ids := make(map[heap.Addr]string)
	var objs []heap.Addr
	h.GenerationIterate(func(g *heap.Generation) {
		for _, s := range g.Spaces {
			h.ObjectIterate(s, func(obj heap.Addr) {
				objs = append(objs, obj)
				ids[obj] = fmt.Sprintf("o%d", len(objs))
			})
		}
	}, false)
	id := func(ref heap.Addr) string {
		if ref == heap.Null {
			return ""
		}
		return ids[ref]
	}

	loaderName := func(lid heap.LoaderID) string {
		if lid == heap.BootLoader {
			return ""
		}
		return h.Loader(lid).Name
	}
	for _, l := range h.Loaders[1:] {
		if l.Unloaded {
			continue
		}
		fl := Loader{Name: l.Name, Strong: l.Strong, Holder: id(l.Holder)}
		for _, ref := range l.Handles {
			fl.Handles = append(fl.Handles, id(ref))
		}
		f.Loaders = append(f.Loaders, fl)
	}

	for _, t := range h.Types() {
		if h.Loader(t.Loader).Unloaded {
			continue
		}
		ft := Type{Name: t.Name, Loader: loaderName(t.Loader)}
		if t.Kind != heap.KindInstance {
			ft.Kind = t.Kind.String()
		}
		if t.RefKind != heap.RefNone {
			ft.RefKind = t.RefKind.String()
		}
		if t.Kind == heap.KindTypeArray {
			ft.ElemBytes = int(t.ElementBytes())
		}
		for _, field := range t.Fields {
			ft.Fields = append(ft.Fields, Field{Name: field.Name, Ref: field.Ref})
		}
		f.Types = append(f.Types, ft)
	}

	for _, obj := range objs {
		f.Objects = append(f.Objects, dumpObject(h, obj, ids[obj], id))
	}

	for _, r := range h.Roots.Strong {
		f.Roots.Strong = append(f.Roots.Strong, Root{Name: r.Name, Ref: id(r.Ref)})
	}
	for _, r := range h.Roots.Weak {
		f.Roots.Weak = append(f.Roots.Weak, Root{Name: r.Name, Ref: id(r.Ref)})
	}
	for _, b := range h.Code {
		if b.Unloaded {
			continue
		}
		fc := Code{Name: b.Name, Loader: loaderName(b.Loader), Active: b.Active}
		for _, ref := range b.Oops {
			fc.Oops = append(fc.Oops, id(ref))
		}
		f.Code = append(f.Code, fc)
	}
	for _, ref := range h.Pending {
		f.Pending = append(f.Pending, id(ref))
	}
	return f
}

func dumpObject(h *heap.Heap, obj heap.Addr, objID string, id func(heap.Addr) string) Object {
	t := h.TypeOf(obj)
	fo := Object{ID: objID, Type: t.Name}
	if h.GenerationOf(obj) == h.Old {
		fo.Gen = "old"
	}
	mark := h.Header(obj)
	fo.Hash = mark.Hash()
	fo.Locked = mark.IsLocked()

	switch t.Kind {
	case heap.KindObjArray:
		n := h.Length(obj)
		fo.Length = n
		for i := 0; i < n; i++ {
			fo.Elements = append(fo.Elements, id(h.LoadRef(h.ElementSlot(obj, i))))
		}
	case heap.KindTypeArray:
		n := h.Length(obj)
		fo.Length = n
		for i := 0; i < n; i++ {
			fo.Values = append(fo.Values, loadElement(h, obj, i))
		}
	default:
		for i, field := range t.Fields {
			slot := h.FieldSlot(obj, i)
			item := yaml.MapItem{Key: field.Name}
			if field.Ref {
				if ref := h.LoadRef(slot); ref != heap.Null {
					item.Value = id(ref)
				}
			} else {
				item.Value = h.LoadWord(slot)
			}
			fo.Fields = append(fo.Fields, item)
		}
	}
	return fo
}
