package safety

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Field is one struct field of a Layout.
type Field struct {
	Name   string `json:"name"`
	Offset uintptr `json:"offset"`
	Layout Layout  `json:"layout"`
}

// Layout describes the memory layout of a device-copyable type.
type Layout struct {
	Name   string  `json:"name"`
	Kind   string  `json:"kind"`
	Size   uintptr `json:"size"`
	Align  uintptr `json:"align"`
	Len    int     `json:"len,omitempty"`
	Elem   *Layout `json:"elem,omitempty"`
	Fields []Field `json:"fields,omitempty"`
}

// LayoutOf describes t recursively.
func LayoutOf(t reflect.Type) Layout {
	l := Layout{
		Name:  t.String(),
		Kind:  t.Kind().String(),
		Size:  t.Size(),
		Align: uintptr(t.Align()),
	}
	switch t.Kind() {
	case reflect.Array:
		elem := LayoutOf(t.Elem())
		l.Len = t.Len()
		l.Elem = &elem
	case reflect.Struct:
		l.Fields = make([]Field, t.NumField())
		for i := range l.Fields {
			f := t.Field(i)
			l.Fields[i] = Field{Name: f.Name, Offset: f.Offset, Layout: LayoutOf(f.Type)}
		}
	}
	return l
}

// LayoutFor is LayoutOf for a type parameter.
func LayoutFor[T any]() Layout {
	return LayoutOf(reflect.TypeFor[T]())
}

// Canonical is the description the hash is computed over. Type names are
// left out so structurally identical types match.
func (l Layout) Canonical() string {
	var b strings.Builder
	l.canonical(&b)
	return b.String()
}

func (l Layout) canonical(b *strings.Builder) {
	fmt.Fprintf(b, "%s:%d:%d", l.Kind, l.Size, l.Align)
	switch {
	case l.Elem != nil:
		fmt.Fprintf(b, "[%d]", l.Len)
		l.Elem.canonical(b)
	case l.Fields != nil:
		b.WriteByte('{')
		for i, f := range l.Fields {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "@%d=", f.Offset)
			f.Layout.canonical(b)
		}
		b.WriteByte('}')
	}
}

// Hash is the xxhash64 of Canonical.
func (l Layout) Hash() uint64 {
	return xxhash.Sum64String(l.Canonical())
}

func (l Layout) String() string {
	return fmt.Sprintf("%s (%d bytes, align %d, %016x)", l.Name, l.Size, l.Align, l.Hash())
}
