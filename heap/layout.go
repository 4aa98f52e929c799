package heap

import (
	"fmt"
	"strings"
)

// Objects are laid out as a two word header followed by the payload:
//
//	| mark word | klass word | payload ...
//
// The klass word holds the TypeID in its low 32 bits. For arrays, the upper
// 32 bits hold the array length. The payload of an instance is its fields in
// declaration order, each aligned to its own size. Reference fields take
// NarrowBytes when the heap uses compressed references and WordBytes
// otherwise; scalar fields always take a full word. Array elements are packed
// back to back. Every object is rounded up to WordBytes.
//
// A type keeps the offsets of all reference slots in its payload, the same way
// the precise collector keeps a pointer bitmap per allocation. For Reference
// types the referent is always the first reference slot.

const (
	klassOffset  Bytes = WordBytes
	lengthShift        = 32
	HeaderBytes  Bytes = 2 * WordBytes
	arrayBase          = HeaderBytes
	referentName       = "referent"

	// MaxArrayLength is the largest array the heap will allocate. Array
	// indices must fit a signed 32-bit integer.
	MaxArrayLength = 1<<31 - 1
)

// TypeID identifies a type in the heap's type table.
type TypeID uint32

// Kind is the shape of a type.
type Kind uint8

const (
	KindInstance Kind = iota
	KindObjArray
	KindTypeArray
	KindReference
)

func (k Kind) String() string {
	switch k {
	case KindInstance:
		return "instance"
	case KindObjArray:
		return "objarray"
	case KindTypeArray:
		return "typearray"
	case KindReference:
		return "reference"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "instance":
		return KindInstance, nil
	case "objarray":
		return KindObjArray, nil
	case "typearray":
		return KindTypeArray, nil
	case "reference":
		return KindReference, nil
	}
	return 0, fmt.Errorf("unknown kind %q", s)
}

// RefKind is the strength of a Reference type.
type RefKind uint8

const (
	RefNone RefKind = iota
	RefSoft
	RefWeak
	RefPhantom
)

func (k RefKind) String() string {
	switch k {
	case RefNone:
		return "none"
	case RefSoft:
		return "soft"
	case RefWeak:
		return "weak"
	case RefPhantom:
		return "phantom"
	}
	return fmt.Sprintf("RefKind(%d)", k)
}

// ParseRefKind is the inverse of RefKind.String.
func ParseRefKind(s string) (RefKind, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return RefNone, nil
	case "soft":
		return RefSoft, nil
	case "weak":
		return RefWeak, nil
	case "phantom":
		return RefPhantom, nil
	}
	return 0, fmt.Errorf("unknown reference kind %q", s)
}

// Field describes one instance field.
type Field struct {
	Name string
	Ref  bool
}

// Type describes the shape of objects. Create types with Heap.DefineType; the
// layout depends on the heap's reference width.
type Type struct {
	ID      TypeID
	Name    string
	Kind    Kind
	RefKind RefKind
	Fields  []Field
	Loader  LoaderID

	// ElemBytes is the element size of a type array (1, 2, 4 or 8).
	ElemBytes Bytes

	offsets    []Bytes // payload offset of each field, relative to the object
	refOffsets []Bytes // offsets of the reference fields
	size       Bytes   // instance size, header included
	elemBytes  Bytes   // element size for arrays
}

func (t *Type) IsArray() bool {
	return t.Kind == KindObjArray || t.Kind == KindTypeArray
}

// RefOffsets returns the offsets of the reference slots of an instance or
// Reference type. For Reference types the referent comes first.
func (t *Type) RefOffsets() []Bytes {
	return t.refOffsets
}

// FieldOffset returns the offset of the named field.
func (t *Type) FieldOffset(name string) (Bytes, bool) {
	for i, f := range t.Fields {
		if f.Name == name {
			return t.offsets[i], true
		}
	}
	return 0, false
}

// FieldIndex returns the index of the named field, or -1.
func (t *Type) FieldIndex(name string) int {
	for i, f := range t.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// ElementBytes returns the size of one array element.
func (t *Type) ElementBytes() Bytes {
	return t.elemBytes
}

// SizeFor returns the size of an object of this type with the given array
// length (ignored for non-arrays).
func (t *Type) SizeFor(length int) Bytes {
	if !t.IsArray() {
		return t.size
	}
	return (arrayBase + t.elemBytes*Bytes(length)).AlignUp()
}

func (t *Type) String() string {
	return t.Name
}

// computeLayout fills in the offsets of t for the given reference slot size.
func (t *Type) computeLayout(refBytes Bytes) {
	switch t.Kind {
	case KindObjArray:
		t.elemBytes = refBytes
		return
	case KindTypeArray:
		switch t.ElemBytes {
		case 0:
			t.elemBytes = WordBytes
		case 1, 2, 4, 8:
			t.elemBytes = t.ElemBytes
		default:
			panic(fmt.Sprintf("heap: type %s has unsupported element size %d", t.Name, t.ElemBytes))
		}
		return
	}

	off := HeaderBytes
	t.offsets = make([]Bytes, len(t.Fields))
	t.refOffsets = t.refOffsets[:0]
	for i, f := range t.Fields {
		width := WordBytes
		if f.Ref {
			width = refBytes
		}
		off = (off + width - 1) &^ (width - 1)
		t.offsets[i] = off
		if f.Ref {
			t.refOffsets = append(t.refOffsets, off)
		}
		off += width
	}
	t.size = off.AlignUp()
}
