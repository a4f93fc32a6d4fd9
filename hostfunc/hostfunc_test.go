package hostfunc

import (
	"context"
	"errors"
	"testing"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
)

func newRuntime(t *testing.T, r *Registry) *goja.Runtime {
	t.Helper()
	vm := goja.New()
	reg := require.NewRegistry()
	reg.RegisterNativeModule(ModuleName, r.Loader(nil))
	reg.Enable(vm)
	return vm
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register("b", func(ctx context.Context, args map[string]any) (any, error) { return nil, nil })
	r.Register("a", func(ctx context.Context, args map[string]any) (any, error) { return nil, nil })

	names := r.List()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("expected [a b], got %v", names)
	}
}

func TestLoaderCallsFunc(t *testing.T) {
	r := NewRegistry()
	r.Register("greet", func(ctx context.Context, args map[string]any) (any, error) {
		name, _ := args["name"].(string)
		return "Hello, " + name + "!", nil
	})

	vm := newRuntime(t, r)
	v, err := vm.RunString(`require("vmrun:host").greet({name: "World"})`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.String() != "Hello, World!" {
		t.Errorf("expected greeting, got %q", v.String())
	}
}

func TestLoaderMissingArgs(t *testing.T) {
	r := NewRegistry()
	r.Register("count", func(ctx context.Context, args map[string]any) (any, error) {
		return len(args), nil
	})

	vm := newRuntime(t, r)
	v, err := vm.RunString(`require("vmrun:host").count()`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.ToInteger() != 0 {
		t.Errorf("expected 0, got %v", v)
	}
}

func TestLoaderErrorsAreCatchable(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry()
	r.Register("fail", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, boom
	})

	vm := newRuntime(t, r)
	v, err := vm.RunString(`
		try { require("vmrun:host").fail({}); "no" } catch (e) { "caught" }
	`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.String() != "caught" {
		t.Errorf("expected error to be catchable, got %q", v.String())
	}

	_, err = vm.RunString(`require("vmrun:host").fail({})`)
	if !errors.Is(err, boom) {
		t.Errorf("expected uncaught error to unwrap to boom, got %v", err)
	}
}

func TestLoaderKVRoundTrip(t *testing.T) {
	r := NewRegistry()
	NewKV(DefaultKVConfig()).Register(r)

	vm := newRuntime(t, r)
	v, err := vm.RunString(`
		const host = require("vmrun:host");
		host.kv_set({key: "n", value: "1"});
		host.kv_get({key: "n"}) + host.kv_keys().length;
	`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.String() != "11" {
		t.Errorf("expected '11', got %q", v.String())
	}
}

func TestLoaderPassesCallContext(t *testing.T) {
	type key struct{}
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "render-1"))

	r := NewRegistry()
	r.Register("call_ctx", func(ctx context.Context, args map[string]any) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return ctx.Value(key{}), nil
	})

	vm := goja.New()
	reg := require.NewRegistry()
	reg.RegisterNativeModule(ModuleName, r.Loader(func() context.Context { return ctx }))
	reg.Enable(vm)

	v, err := vm.RunString(`require("vmrun:host").call_ctx()`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.String() != "render-1" {
		t.Errorf("expected the call context value, got %q", v.String())
	}

	cancel()
	_, err = vm.RunString(`require("vmrun:host").call_ctx()`)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected canceled call context, got %v", err)
	}
}
