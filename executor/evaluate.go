package executor

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dop251/goja"

	"github.com/caffeineduck/vmrun/bundle"
	"github.com/caffeineduck/vmrun/compiler"
	"github.com/caffeineduck/vmrun/resolve"
	"github.com/caffeineduck/vmrun/sandbox"
)

// memo holds the exports produced during one evaluation pass, keyed by
// bundle module id. The caller of evaluate owns it.
type memo map[string]goja.Value

// evaluate returns the exported value of bundle module id, running it in
// vm on first use within m. A module re-entered while it is still running
// sees its partial exports.
func (r *Runner) evaluate(vm *goja.Runtime, env *sandbox.Environment, id string, m memo) (goja.Value, error) {
	if v, ok := m[id]; ok {
		return v, nil
	}

	src, ok := r.bundle.Source(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", bundle.ErrEntryNotFound, id)
	}
	unit, err := r.cfg.compiler.Compile(id, src)
	if err != nil {
		return nil, err
	}

	module, err := r.exec.run(vm, unit, path.Dir(id), r.requireFunc(vm, env, id, m), func(exports goja.Value) {
		m[id] = exports
	})
	if err != nil {
		delete(m, id)
		return nil, err
	}
	r.exec.metrics.ObserveEvaluation("bundle")

	result := module.Get("exports")
	if obj, ok := result.(*goja.Object); ok && slices.Contains(obj.GetOwnPropertyNames(), "default") {
		result = obj.Get("default")
	}
	m[id] = result
	return result, nil
}

// requireFunc builds the require passed to bundle module from. Ids present
// in the bundle, after normalization against the bundle root, are
// evaluated in the same pass; anything else is resolved externally from
// the runner's basedir.
func (r *Runner) requireFunc(vm *goja.Runtime, env *sandbox.Environment, from string, m memo) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		raw := call.Argument(0).String()

		if id := bundle.Normalize(raw); r.bundle.Has(id) {
			v, err := r.evaluate(vm, env, id, m)
			if err != nil {
				throw(vm, err)
			}
			return v
		}

		v, err := r.exec.loadExternal(vm, env, raw, r.cfg.basedir, from)
		if err != nil {
			throw(vm, err)
		}
		return v
	}
}

// run executes a compiled unit as a CommonJS module. seed receives the
// initial exports object before the body runs.
func (e *Executor) run(vm *goja.Runtime, unit *compiler.Unit, dirname string, require func(goja.FunctionCall) goja.Value, seed func(goja.Value)) (*goja.Object, error) {
	fnValue, err := vm.RunProgram(unit.Program)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, fmt.Errorf("module %s did not compile to a function", unit.ID)
	}

	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := module.Set("id", unit.ID); err != nil {
		return nil, err
	}
	seed(exports)

	if _, err := fn(exports, exports, vm.ToValue(require), module, vm.ToValue(unit.ID), vm.ToValue(dirname)); err != nil {
		return nil, err
	}
	return module, nil
}

// loadExternal resolves id from fromDir and loads it into env. Each
// external module is evaluated at most once per realm. from names the
// requesting module for error reports.
func (e *Executor) loadExternal(vm *goja.Runtime, env *sandbox.Environment, id, fromDir, from string) (goja.Value, error) {
	loc, err := e.resolver.Resolve(id, fromDir)
	if err != nil {
		return nil, &resolve.ResolutionError{ID: id, From: from, Err: err}
	}

	modules := env.Modules()

	if loc.Kind == resolve.Native {
		key := "native:" + loc.Name
		if v, ok := modules[key]; ok {
			return v, nil
		}
		v, err := env.Require(vm, loc.Name)
		if err != nil {
			return nil, &resolve.ResolutionError{ID: id, From: from, Err: err}
		}
		modules[key] = v
		e.metrics.ObserveEvaluation("native")
		return v, nil
	}

	if v, ok := modules[loc.Path]; ok {
		return v, nil
	}

	src, err := os.ReadFile(loc.Path)
	if err != nil {
		return nil, &resolve.ResolutionError{ID: id, From: from, Err: err}
	}

	if strings.HasSuffix(loc.Path, ".json") {
		v, err := parseJSON(vm, string(src))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", loc.Path, err)
		}
		modules[loc.Path] = v
		e.metrics.ObserveEvaluation("json")
		return v, nil
	}

	unit, err := e.external.Compile(loc.Path, string(src))
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(loc.Path)
	require := func(call goja.FunctionCall) goja.Value {
		v, err := e.loadExternal(vm, env, call.Argument(0).String(), dir, loc.Path)
		if err != nil {
			throw(vm, err)
		}
		return v
	}

	module, err := e.run(vm, unit, dir, require, func(exports goja.Value) {
		modules[loc.Path] = exports
	})
	if err != nil {
		delete(modules, loc.Path)
		return nil, err
	}
	e.metrics.ObserveEvaluation("file")

	v := module.Get("exports")
	modules[loc.Path] = v
	return v, nil
}

func parseJSON(vm *goja.Runtime, src string) (goja.Value, error) {
	parse, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	if !ok {
		return nil, fmt.Errorf("JSON.parse unavailable")
	}
	return parse(goja.Undefined(), vm.ToValue(src))
}
