package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/buffer"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/process"
	"github.com/dop251/goja_nodejs/require"
	_ "github.com/dop251/goja_nodejs/url"
	_ "github.com/dop251/goja_nodejs/util"
	"go.uber.org/zap"

	"github.com/caffeineduck/vmrun/hostfunc"
)

var ErrClosed = errors.New("environment closed")

// Natives lists the module names every realm can require without touching
// the filesystem, in addition to hostfunc.ModuleName when host functions
// are configured.
var Natives = []string{"buffer", "console", "process", "url", "util"}

// SlotFunc produces the value stored under the context key of a new realm.
type SlotFunc func(vm *goja.Runtime) goja.Value

type Option func(*Factory)

func WithLogger(log *zap.Logger) Option {
	return func(f *Factory) {
		f.log = log
	}
}

// WithHostModules exposes the registry to bundles as require("vmrun:host").
func WithHostModules(r *hostfunc.Registry) Option {
	return func(f *Factory) {
		f.host = r
	}
}

// WithMaxCallStackSize bounds JS recursion depth in every realm.
func WithMaxCallStackSize(n int) Option {
	return func(f *Factory) {
		f.maxCallStackSize = n
	}
}

// WithPrinter sends console output of every realm to p instead of the logger.
func WithPrinter(p console.Printer) Option {
	return func(f *Factory) {
		f.printer = p
	}
}

// CreateOption configures a single environment.
type CreateOption func(*createConfig)

type createConfig struct {
	printer console.Printer
}

// WithConsole overrides the console printer for one environment.
func WithConsole(p console.Printer) CreateOption {
	return func(c *createConfig) {
		c.printer = p
	}
}

// Factory builds execution environments. It is safe for concurrent use.
type Factory struct {
	log              *zap.Logger
	host             *hostfunc.Registry
	maxCallStackSize int
	printer          console.Printer

	seq atomic.Uint64

	hostOnce sync.Once
	hostEnv  *Environment
	hostErr  error
}

func NewFactory(opts ...Option) *Factory {
	f := &Factory{log: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Natives returns the native module names available in this factory's realms.
func (f *Factory) Natives() []string {
	names := append([]string(nil), Natives...)
	if f.host != nil {
		names = append(names, hostfunc.ModuleName)
	}
	return names
}

// Create starts an isolated realm. Its global object carries Buffer, the
// timer functions, console, process, a global self-reference and, when slot
// is non-nil, slot(vm) under contextKey. The bootstrap require is removed.
func (f *Factory) Create(slot SlotFunc, contextKey string, opts ...CreateOption) (*Environment, error) {
	env, err := f.start(fmt.Sprintf("isolated-%d", f.seq.Add(1)), contextKey, true, opts)
	if err != nil {
		return nil, err
	}
	if slot != nil {
		err = env.Do(func(vm *goja.Runtime) error {
			return SetSlot(vm, contextKey, slot(vm))
		})
		if err != nil {
			env.Close()
			return nil, fmt.Errorf("set context slot: %w", err)
		}
	}
	return env, nil
}

// Host returns the factory's shared, non-isolated realm. It keeps the
// global require and is created on first use.
func (f *Factory) Host() (*Environment, error) {
	f.hostOnce.Do(func() {
		f.hostEnv, f.hostErr = f.start("host", "", false, nil)
	})
	return f.hostEnv, f.hostErr
}

// Close shuts down the host realm if it was started. Isolated environments
// are owned by their creators.
func (f *Factory) Close() error {
	f.hostOnce.Do(func() { f.hostErr = ErrClosed })
	if f.hostEnv != nil {
		return f.hostEnv.Close()
	}
	return nil
}

func (f *Factory) start(name, contextKey string, isolated bool, opts []CreateOption) (*Environment, error) {
	cfg := createConfig{printer: f.printer}
	for _, opt := range opts {
		opt(&cfg)
	}

	log := f.log.With(zap.String("realm", name))
	if cfg.printer == nil {
		cfg.printer = NewLogPrinter(log)
	}

	base, cancel := context.WithCancel(context.Background())
	env := &Environment{
		name:       name,
		log:        log,
		contextKey: contextKey,
		isolated:   isolated,
		base:       base,
		cancel:     cancel,
		modules:    make(map[string]goja.Value),
	}

	registry := require.NewRegistry()
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(cfg.printer))
	if f.host != nil {
		registry.RegisterNativeModule(hostfunc.ModuleName, f.host.Loader(env.Context))
	}

	env.loop = eventloop.NewEventLoop(
		eventloop.WithRegistry(registry),
		eventloop.EnableConsole(true),
	)
	env.loop.Start()

	err := env.Do(func(vm *goja.Runtime) error {
		env.vm = vm
		if f.maxCallStackSize > 0 {
			vm.SetMaxCallStackSize(f.maxCallStackSize)
		}
		buffer.Enable(vm)
		process.Enable(vm)

		req, ok := goja.AssertFunction(vm.Get("require"))
		if !ok {
			return errors.New("event loop did not install require")
		}
		env.require = req

		global := vm.GlobalObject()
		if err := global.Set("global", global); err != nil {
			return err
		}
		if isolated {
			return global.Delete("require")
		}
		return nil
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("bootstrap realm: %w", err)
	}

	log.Debug("realm started", zap.Bool("isolated", isolated))
	return env, nil
}
