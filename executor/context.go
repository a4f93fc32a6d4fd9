package executor

import (
	"context"
	"sort"

	"github.com/dop251/goja"

	"github.com/caffeineduck/vmrun/sandbox"
)

// Computed is a context value evaluated on demand. After a render settles,
// computed properties the caller's map carries (such as styles) are
// Computed: each call evaluates afresh on the realm that rendered, from
// the values the render left behind. It must not be called from a host
// function.
type Computed func(ctx context.Context) (any, error)

// getter computes a property from the context's current values.
type getter func(lookup func(key string) goja.Value) (goja.Value, error)

// requestContext exposes a caller-owned map to JS as a plain-looking
// object. JS writes land in the map; Go values are converted on first read
// and kept, so repeated reads return the same JS object. Loop-only until
// release.
type requestContext struct {
	vm      *goja.Runtime
	env     *sandbox.Environment
	data    map[string]any
	getters map[string]getter
}

// newRequestContext wraps data for a render on env. env may be nil when no
// computed properties will be defined.
func newRequestContext(vm *goja.Runtime, env *sandbox.Environment, data map[string]any) *requestContext {
	return &requestContext{
		vm:      vm,
		env:     env,
		data:    data,
		getters: make(map[string]getter),
	}
}

// define installs a read-only computed property.
func (c *requestContext) define(key string, get getter) {
	delete(c.data, key)
	c.getters[key] = get
}

func (c *requestContext) Get(key string) goja.Value {
	if get, ok := c.getters[key]; ok {
		v, err := get(c.Get)
		if err != nil {
			throw(c.vm, err)
		}
		return v
	}

	v, ok := c.data[key]
	if !ok {
		return nil
	}
	if jv, ok := v.(goja.Value); ok {
		return jv
	}
	jv := c.vm.ToValue(v)
	c.data[key] = jv
	return jv
}

func (c *requestContext) Set(key string, val goja.Value) bool {
	if _, ok := c.getters[key]; ok {
		return false
	}
	c.data[key] = val
	return true
}

func (c *requestContext) Has(key string) bool {
	if _, ok := c.getters[key]; ok {
		return true
	}
	_, ok := c.data[key]
	return ok
}

func (c *requestContext) Delete(key string) bool {
	if _, ok := c.getters[key]; ok {
		return false
	}
	delete(c.data, key)
	return true
}

func (c *requestContext) Keys() []string {
	keys := make([]string, 0, len(c.data)+len(c.getters))
	for k := range c.data {
		keys = append(keys, k)
	}
	for k := range c.getters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// release hands the map back to the caller: every JS value is exported to
// its Go form and computed properties become Computed values, so none runs
// unless someone asks for it.
func (c *requestContext) release() {
	if len(c.getters) > 0 {
		frozen := make(map[string]goja.Value, len(c.data))
		for key, v := range c.data {
			if jv, ok := v.(goja.Value); ok {
				frozen[key] = jv
			} else {
				frozen[key] = c.vm.ToValue(v)
			}
		}
		lookup := func(key string) goja.Value { return frozen[key] }
		for key, get := range c.getters {
			c.data[key] = c.computed(get, lookup)
		}
	}
	c.getters = nil

	for key, v := range c.data {
		if jv, ok := v.(goja.Value); ok {
			c.data[key] = export(jv)
		}
	}
}

func (c *requestContext) computed(get getter, lookup func(string) goja.Value) Computed {
	env := c.env
	return func(ctx context.Context) (any, error) {
		done := make(chan struct{})
		var (
			out any
			err error
		)
		goErr := env.Go(func(vm *goja.Runtime) {
			defer close(done)
			var v goja.Value
			v, err = get(lookup)
			out = export(v)
		})
		if goErr != nil {
			return nil, goErr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
			return out, unwrapEngine(err)
		}
	}
}

func export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
