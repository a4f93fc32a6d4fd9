// Package payload clones request-independent values captured from a realm
// so that every request gets its own copy.
//
// The clone is asymmetric: plain objects are copied deeply, arrays are
// copied one level deep (their elements are shared), and every other value
// is shared by reference.
package payload

import (
	"strconv"

	"github.com/dop251/goja"
)

// Kind tags a value for cloning.
type Kind int

const (
	Scalar Kind = iota
	Mapping
	Sequence
)

func (k Kind) String() string {
	switch k {
	case Mapping:
		return "mapping"
	case Sequence:
		return "sequence"
	default:
		return "scalar"
	}
}

// KindOf classifies v. Only plain objects, whose prototype is
// Object.prototype or null, are mappings; class instances, functions,
// dates and the like are scalars.
func KindOf(v goja.Value) Kind {
	obj, ok := v.(*goja.Object)
	if !ok {
		return Scalar
	}

	switch obj.ClassName() {
	case "Array":
		return Sequence
	case "Object":
		proto := obj.Prototype()
		if proto == nil || isObjectPrototype(proto) {
			return Mapping
		}
	}
	return Scalar
}

// isObjectPrototype reports whether proto is some realm's Object.prototype,
// the only object whose own prototype is null and which has a constructor
// named Object.
func isObjectPrototype(proto *goja.Object) bool {
	if proto.Prototype() != nil {
		return false
	}
	ctor, ok := proto.Get("constructor").(*goja.Object)
	if !ok {
		return false
	}
	return ctor.Get("name").String() == "Object"
}

// Clone copies v into vm according to its Kind.
func Clone(vm *goja.Runtime, v goja.Value) goja.Value {
	switch KindOf(v) {
	case Mapping:
		return cloneMapping(vm, v.(*goja.Object))
	case Sequence:
		return cloneSequence(vm, v.(*goja.Object))
	default:
		return v
	}
}

func cloneMapping(vm *goja.Runtime, src *goja.Object) goja.Value {
	dst := vm.NewObject()
	for _, key := range src.Keys() {
		_ = dst.Set(key, Clone(vm, src.Get(key)))
	}
	return dst
}

func cloneSequence(vm *goja.Runtime, src *goja.Object) goja.Value {
	n := int(src.Get("length").ToInteger())
	items := make([]any, n)
	for i := 0; i < n; i++ {
		items[i] = src.Get(strconv.Itoa(i))
	}
	return vm.NewArray(items...)
}
