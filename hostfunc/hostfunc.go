package hostfunc

import (
	"context"
	"sort"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
)

// ModuleName is the id bundles require to reach the registered functions.
const ModuleName = "vmrun:host"

type Func func(ctx context.Context, args map[string]any) (any, error)

type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// List returns the registered names in lexical order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Loader returns a native module loader exposing every function registered
// at require time. Each JS function takes one options object; Go errors are
// thrown as JS errors. ctx is asked for the context of each call and may be
// nil.
func (r *Registry) Loader(ctx func() context.Context) require.ModuleLoader {
	if ctx == nil {
		ctx = context.Background
	}
	return func(vm *goja.Runtime, module *goja.Object) {
		exports := vm.NewObject()
		for _, name := range r.List() {
			fn, _ := r.Get(name)
			_ = exports.Set(name, bind(vm, fn, ctx))
		}
		_ = module.Set("exports", exports)
	}
}

func bind(vm *goja.Runtime, fn Func, ctx func() context.Context) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args, _ := call.Argument(0).Export().(map[string]any)
		if args == nil {
			args = make(map[string]any)
		}

		result, err := fn(ctx(), args)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(result)
	}
}
