package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"go.uber.org/zap"
)

// Environment is one goja realm driven by its own event loop. All access to
// the runtime happens on the loop goroutine through Do or Go, so renders on
// one environment never run in parallel and timers fire between them.
type Environment struct {
	name       string
	loop       *eventloop.EventLoop
	log        *zap.Logger
	contextKey string
	isolated   bool

	vm     *goja.Runtime
	base   context.Context
	cancel context.CancelFunc

	// Loop-only state.
	require goja.Callable
	modules map[string]goja.Value
	callCtx context.Context

	mu     sync.Mutex
	closed bool
	jobs   sync.WaitGroup
}

func (e *Environment) Name() string { return e.name }

// ContextKey is the global slot name this environment was created with.
// It is empty for the host realm.
func (e *Environment) ContextKey() string { return e.contextKey }

// Isolated reports whether the environment was built by Create.
func (e *Environment) Isolated() bool { return e.isolated }

// Modules caches externally loaded modules for this realm, keyed by
// location. Loop-only.
func (e *Environment) Modules() map[string]goja.Value { return e.modules }

// Require loads a native module through the realm's registry, even when
// the global require has been removed. Loop-only.
func (e *Environment) Require(vm *goja.Runtime, name string) (goja.Value, error) {
	return e.require(goja.Undefined(), vm.ToValue(name))
}

// Context is the context host functions called from this realm receive.
// It is the one bound by UseContext, or else the realm's lifetime context,
// which Close cancels. Loop-only.
func (e *Environment) Context() context.Context {
	if e.callCtx != nil {
		return e.callCtx
	}
	return e.base
}

// UseContext makes host calls see ctx, merged with the realm's lifetime,
// until the returned func is called. Loop-only.
func (e *Environment) UseContext(ctx context.Context) (restore func()) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.base, cancel)
	prev := e.callCtx
	e.callCtx = merged
	return func() {
		stop()
		cancel()
		e.callCtx = prev
	}
}

// Interrupt aborts the JS currently running on the loop with an
// *goja.InterruptedError carrying v. It may be called from any goroutine.
// The next job clears it.
func (e *Environment) Interrupt(v any) {
	e.vm.Interrupt(v)
}

// Go schedules fn on the loop and returns immediately. A panic in fn is
// logged and swallowed so it cannot take the loop down.
func (e *Environment) Go(fn func(vm *goja.Runtime)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	e.jobs.Add(1)
	e.loop.RunOnLoop(func(vm *goja.Runtime) {
		defer e.jobs.Done()
		vm.ClearInterrupt()
		if err := safely(vm, func(vm *goja.Runtime) error { fn(vm); return nil }); err != nil {
			e.log.Error("job panicked", zap.Error(err))
		}
	})
	return nil
}

// Do runs fn on the loop and waits for it. Panics are returned as errors.
// Do must not be called from the loop goroutine.
func (e *Environment) Do(fn func(vm *goja.Runtime) error) error {
	done := make(chan error, 1)
	err := e.Go(func(vm *goja.Runtime) {
		done <- safely(vm, fn)
	})
	if err != nil {
		return err
	}
	return <-done
}

// Close cancels the realm's lifetime context, waits for scheduled jobs to
// finish and stops the loop. Pending timers never fire. A job stuck in JS
// holds Close up until it is interrupted. Close must not be called from the
// loop goroutine.
func (e *Environment) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.jobs.Wait()
	e.loop.Stop()
	e.log.Debug("realm stopped")
	return nil
}

func safely(vm *goja.Runtime, fn func(vm *goja.Runtime) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic on event loop: %v", r)
		}
	}()
	return fn(vm)
}

// SetSlot stores value under key on the realm's global object.
func SetSlot(vm *goja.Runtime, key string, value goja.Value) error {
	return vm.GlobalObject().Set(key, value)
}

// TakeSlot reads key from the global object and deletes it, so later code
// in the realm can no longer reach the value.
func TakeSlot(vm *goja.Runtime, key string) goja.Value {
	global := vm.GlobalObject()
	v := global.Get(key)
	_ = global.Delete(key)
	return v
}
