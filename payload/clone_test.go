package payload_test

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/vmrun/payload"
)

func eval(t *testing.T, vm *goja.Runtime, src string) goja.Value {
	t.Helper()
	v, err := vm.RunString(src)
	require.NoError(t, err)
	return v
}

func TestKindOf(t *testing.T) {
	vm := goja.New()

	tests := []struct {
		src  string
		want payload.Kind
	}{
		{`({a: 1})`, payload.Mapping},
		{`Object.create(null)`, payload.Mapping},
		{`[1, 2]`, payload.Sequence},
		{`1`, payload.Scalar},
		{`"s"`, payload.Scalar},
		{`null`, payload.Scalar},
		{`undefined`, payload.Scalar},
		{`(function () {})`, payload.Scalar},
		{`new Date()`, payload.Scalar},
		{`new (class Foo {})()`, payload.Scalar},
		{`new Map()`, payload.Scalar},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, tt.want, payload.KindOf(eval(t, vm, tt.src)))
		})
	}
}

func TestCloneObjectsDeep(t *testing.T) {
	vm := goja.New()
	src := eval(t, vm, `({css: {color: "red"}, n: 1})`)

	a := payload.Clone(vm, src)
	b := payload.Clone(vm, src)
	require.NoError(t, vm.Set("a", a))
	require.NoError(t, vm.Set("b", b))
	require.NoError(t, vm.Set("src", src))

	eval(t, vm, `a.css.color = "blue"; a.n = 2`)

	assert.Equal(t, "red", eval(t, vm, `b.css.color`).String())
	assert.Equal(t, "red", eval(t, vm, `src.css.color`).String())
	assert.Equal(t, int64(1), eval(t, vm, `src.n`).ToInteger())
	assert.True(t, eval(t, vm, `a.css !== src.css`).ToBoolean())
}

func TestCloneArraysShallow(t *testing.T) {
	vm := goja.New()
	src := eval(t, vm, `({list: [{id: 1}, 2]})`)

	a := payload.Clone(vm, src)
	b := payload.Clone(vm, src)
	require.NoError(t, vm.Set("a", a))
	require.NoError(t, vm.Set("b", b))
	require.NoError(t, vm.Set("src", src))

	// The array itself is a copy.
	eval(t, vm, `a.list.push(3)`)
	assert.Equal(t, int64(2), eval(t, vm, `b.list.length`).ToInteger())
	assert.Equal(t, int64(2), eval(t, vm, `src.list.length`).ToInteger())
	assert.True(t, eval(t, vm, `Array.isArray(a.list)`).ToBoolean())

	// Its elements are shared.
	eval(t, vm, `a.list[0].id = 42`)
	assert.Equal(t, int64(42), eval(t, vm, `b.list[0].id`).ToInteger())
	assert.True(t, eval(t, vm, `a.list[0] === src.list[0]`).ToBoolean())
}

func TestCloneTopLevelArray(t *testing.T) {
	vm := goja.New()
	src := eval(t, vm, `[{x: 1}]`)

	c := payload.Clone(vm, src)
	require.NoError(t, vm.Set("c", c))
	require.NoError(t, vm.Set("src", src))

	assert.True(t, eval(t, vm, `c !== src && c[0] === src[0]`).ToBoolean())
}

func TestCloneScalarsByReference(t *testing.T) {
	vm := goja.New()
	src := eval(t, vm, `({fn: function () { return 1 }, when: new Date(0)})`)

	c := payload.Clone(vm, src)
	require.NoError(t, vm.Set("c", c))
	require.NoError(t, vm.Set("src", src))

	assert.True(t, eval(t, vm, `c.fn === src.fn && c.when === src.when`).ToBoolean())

	fn := eval(t, vm, `(function () {})`)
	assert.Same(t, fn.(*goja.Object), payload.Clone(vm, fn).(*goja.Object))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "mapping", payload.Mapping.String())
	assert.Equal(t, "sequence", payload.Sequence.String())
	assert.Equal(t, "scalar", payload.Scalar.String())
}
