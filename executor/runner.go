package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caffeineduck/vmrun/bundle"
	"github.com/caffeineduck/vmrun/compiler"
	"github.com/caffeineduck/vmrun/payload"
	"github.com/caffeineduck/vmrun/sandbox"
)

// Isolation selects how much state renders of one runner share.
type Isolation int

const (
	// IsolationFresh evaluates the whole bundle in a new realm for every
	// render. Module state never leaks between requests.
	IsolationFresh Isolation = iota
	// IsolationOnce evaluates the bundle once in a realm owned by the
	// runner and calls the exported render function per request.
	IsolationOnce
	// IsolationDirect is like IsolationOnce but runs in the executor's
	// shared host realm, which keeps the global require.
	IsolationDirect
)

func (i Isolation) String() string {
	switch i {
	case IsolationFresh:
		return "fresh"
	case IsolationOnce:
		return "once"
	case IsolationDirect:
		return "direct"
	default:
		return fmt.Sprintf("isolation(%d)", int(i))
	}
}

// ParseIsolation maps "fresh", "once" or "direct" to an Isolation.
func ParseIsolation(s string) (Isolation, error) {
	switch s {
	case "fresh":
		return IsolationFresh, nil
	case "once":
		return IsolationOnce, nil
	case "direct":
		return IsolationDirect, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownIsolation, s)
}

// Context slot names used by common server renderers.
const (
	DefaultContextKey = "__SSR_CONTEXT__"
	VueContextKey     = "__VUE_SSR_CONTEXT__"
	ReactContextKey   = "__REACT_SSR_CONTEXT__"
)

// Runner renders one bundle with a fixed isolation mode. It is safe for
// concurrent use.
type Runner struct {
	id     string
	exec   *Executor
	bundle *bundle.Bundle
	cfg    runnerConfig
	log    *zap.Logger

	mu      sync.Mutex
	closed  bool
	pending map[*Deferred]*sandbox.Environment
	env     *sandbox.Environment

	// Loop-only, once and direct modes.
	state sharedState
}

type sharedState struct {
	ready        bool
	render       goja.Callable
	styles       goja.Value
	renderStyles goja.Callable
}

// NewRunner prepares b for rendering. No JS runs until the first render.
func (e *Executor) NewRunner(b *bundle.Bundle, opts ...RunnerOption) (*Runner, error) {
	if b == nil {
		return nil, ErrNoBundle
	}
	if e.isClosed() {
		return nil, ErrExecutorClosed
	}

	cfg := defaultRunnerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	switch cfg.isolation {
	case IsolationFresh, IsolationOnce, IsolationDirect:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownIsolation, cfg.isolation)
	}
	if cfg.contextKey == "" {
		cfg.contextKey = DefaultContextKey
	}

	if cfg.basedir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		cfg.basedir = wd
	}
	basedir, err := filepath.Abs(cfg.basedir)
	if err != nil {
		return nil, fmt.Errorf("resolve basedir: %w", err)
	}
	cfg.basedir = basedir

	if cfg.compiler == nil {
		cfg.compiler = compiler.New(compiler.WithObserver(e.observeCompile))
	}

	id := uuid.NewString()
	r := &Runner{
		id:      id,
		exec:    e,
		bundle:  b,
		cfg:     cfg,
		pending: make(map[*Deferred]*sandbox.Environment),
		log: e.log.With(
			zap.String("runner", id),
			zap.Stringer("isolation", cfg.isolation),
		),
	}
	r.log.Debug("runner created", zap.String("entry", b.Entry()), zap.Int("modules", b.Len()))
	return r, nil
}

func (r *Runner) ID() string { return r.id }

func (r *Runner) Isolation() Isolation { return r.cfg.isolation }

// Render runs one render and waits for it. ctx bounds the wait only.
func (r *Runner) Render(ctx context.Context, userContext map[string]any) (any, error) {
	return r.Run(userContext).Wait(ctx)
}

// Run starts a render with userContext as the request context and returns
// immediately. JS sees userContext as a plain object; its writes are
// visible in the map once the render settles. A nil map is replaced by an
// empty one.
func (r *Runner) Run(userContext map[string]any) *Deferred {
	if userContext == nil {
		userContext = make(map[string]any)
	}

	start := time.Now()
	d := newDeferred()
	d.notify = func(err error) {
		r.untrack(d)
		took := time.Since(start)
		r.exec.metrics.ObserveRender(r.cfg.isolation.String(), took, err)
		if err != nil {
			r.log.Debug("render failed", zap.Duration("took", took), zap.Error(err))
			return
		}
		r.log.Debug("render settled", zap.Duration("took", took))
	}

	if !r.track(d) {
		d.settle(nil, sandbox.ErrClosed)
		return d
	}

	if r.cfg.isolation == IsolationFresh {
		r.runFresh(d, userContext)
	} else {
		r.runShared(d, userContext)
	}
	return d
}

func (r *Runner) runFresh(d *Deferred, userContext map[string]any) {
	var (
		rc  *requestContext
		obj *goja.Object
	)
	env, err := r.exec.factory.Create(func(vm *goja.Runtime) goja.Value {
		rc = newRequestContext(vm, nil, userContext)
		obj = vm.NewDynamicObject(rc)
		return obj
	}, r.cfg.contextKey)
	if err != nil {
		d.settle(nil, fmt.Errorf("create environment: %w", err))
		return
	}
	if !r.attach(d, env) {
		env.Close()
		return
	}

	finish := func(v goja.Value, err error) {
		rc.release()
		d.settle(export(v), unwrapEngine(err))
		go env.Close()
	}

	err = env.Go(func(vm *goja.Runtime) {
		if err := registerComponents(vm, rc); err != nil {
			finish(nil, err)
			return
		}

		res, err := r.evaluate(vm, env, r.bundle.Entry(), make(memo))
		if err != nil {
			finish(nil, err)
			return
		}
		if fn, ok := goja.AssertFunction(res); ok {
			if res, err = fn(goja.Undefined(), obj); err != nil {
				finish(nil, err)
				return
			}
		}
		adopt(vm, res, finish)
	})
	if err != nil {
		d.settle(nil, err)
		go env.Close()
	}
}

func (r *Runner) runShared(d *Deferred, userContext map[string]any) {
	env, err := r.sharedEnv()
	if err != nil {
		d.settle(nil, err)
		return
	}

	err = env.Go(func(vm *goja.Runtime) {
		var rc *requestContext
		finish := func(v goja.Value, err error) {
			if rc != nil {
				rc.release()
			}
			d.settle(export(v), unwrapEngine(err))
		}

		if !r.state.ready {
			if err := r.initialize(vm, env); err != nil {
				finish(nil, err)
				return
			}
		}

		rc = newRequestContext(vm, env, userContext)
		obj := vm.NewDynamicObject(rc)
		if err := registerComponents(vm, rc); err != nil {
			finish(nil, err)
			return
		}

		if r.state.styles != nil {
			rc.Set("_styles", payload.Clone(vm, r.state.styles))
			if renderStyles := r.state.renderStyles; renderStyles != nil {
				rc.define("styles", func(lookup func(string) goja.Value) (goja.Value, error) {
					return renderStyles(goja.Undefined(), lookup("_styles"))
				})
			}
		}

		res, err := r.state.render(goja.Undefined(), obj)
		if err != nil {
			finish(nil, err)
			return
		}
		adopt(vm, res, finish)
	})
	if err != nil {
		d.settle(nil, err)
	}
}

// initialize runs the single evaluation pass of once and direct modes. The
// context slot holds a throwaway object while the entry evaluates and is
// removed afterwards, whatever the outcome. A failed pass leaves the runner
// uninitialized and the next render tries again.
func (r *Runner) initialize(vm *goja.Runtime, env *sandbox.Environment) error {
	initial := vm.NewObject()
	if err := sandbox.SetSlot(vm, r.cfg.contextKey, initial); err != nil {
		return fmt.Errorf("set context slot: %w", err)
	}
	res, err := r.evaluate(vm, env, r.bundle.Entry(), make(memo))
	sandbox.TakeSlot(vm, r.cfg.contextKey)
	if err != nil {
		return err
	}

	render, ok := goja.AssertFunction(res)
	if !ok {
		return &ConfigurationError{Entry: r.bundle.Entry(), Got: describe(res)}
	}

	st := sharedState{ready: true, render: render}
	if styles := initial.Get("_styles"); styles != nil && styles.ToBoolean() {
		st.styles = styles
		if fn, ok := goja.AssertFunction(initial.Get("_renderStyles")); ok {
			st.renderStyles = fn
		}
	}
	r.state = st

	r.log.Debug("bundle initialized", zap.String("realm", env.Name()))
	return nil
}

func (r *Runner) sharedEnv() (*sandbox.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.env != nil {
		return r.env, nil
	}

	var (
		env *sandbox.Environment
		err error
	)
	if r.cfg.isolation == IsolationDirect {
		env, err = r.exec.factory.Host()
	} else {
		env, err = r.exec.factory.Create(nil, r.cfg.contextKey)
	}
	if err != nil {
		return nil, fmt.Errorf("create environment: %w", err)
	}
	r.env = env
	return env, nil
}

func (r *Runner) track(d *Deferred) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.pending[d] = nil
	return true
}

// attach records the fresh environment of a pending render. It reports
// false when the render was already rejected by Close.
func (r *Runner) attach(d *Deferred, env *sandbox.Environment) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[d]; !ok {
		return false
	}
	r.pending[d] = env
	return true
}

func (r *Runner) untrack(d *Deferred) {
	r.mu.Lock()
	delete(r.pending, d)
	r.mu.Unlock()
}

// Close rejects pending renders with sandbox.ErrClosed and stops the realms
// the runner owns. The shared host realm of direct mode stays up.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pending := r.pending
	r.pending = make(map[*Deferred]*sandbox.Environment)
	env := r.env
	r.mu.Unlock()

	for d, fresh := range pending {
		d.settle(nil, sandbox.ErrClosed)
		if fresh != nil {
			go fresh.Close()
		}
	}

	if env != nil && r.cfg.isolation == IsolationOnce {
		if err := env.Close(); err != nil {
			return fmt.Errorf("close environment: %w", err)
		}
	}
	r.log.Debug("runner closed", zap.Int("rejected", len(pending)))
	return nil
}

// adopt settles through finish once v is known. Thenables are followed
// until they produce a non-thenable value or reject.
func adopt(vm *goja.Runtime, v goja.Value, finish func(goja.Value, error)) {
	obj, ok := v.(*goja.Object)
	if !ok {
		finish(v, nil)
		return
	}
	then, ok := goja.AssertFunction(obj.Get("then"))
	if !ok {
		finish(v, nil)
		return
	}

	onFulfilled := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		adopt(vm, call.Argument(0), finish)
		return goja.Undefined()
	})
	onRejected := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		finish(nil, rejection(call.Argument(0)))
		return goja.Undefined()
	})
	if _, err := then(obj, onFulfilled, onRejected); err != nil {
		finish(nil, err)
	}
}

// registerComponents gives the render a new _registeredComponents set.
func registerComponents(vm *goja.Runtime, rc *requestContext) error {
	ctor, ok := vm.Get("Set").(*goja.Object)
	if !ok {
		return errors.New("Set constructor unavailable")
	}
	set, err := vm.New(ctor)
	if err != nil {
		return err
	}
	rc.Set("_registeredComponents", set)
	return nil
}

func describe(v goja.Value) string {
	switch {
	case v == nil || goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		return obj.ClassName()
	}
	return v.ExportType().String()
}
