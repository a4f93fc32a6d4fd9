package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/vmrun/compiler"
	"github.com/caffeineduck/vmrun/hostfunc"
	"github.com/caffeineduck/vmrun/internal/metrics"
	"github.com/caffeineduck/vmrun/resolve"
	"github.com/caffeineduck/vmrun/sandbox"
)

// Result holds the output and metadata from a session evaluation.
type Result struct {
	Output   string
	Value    any
	Duration time.Duration
	Error    error
}

// Executor owns the pieces shared by every runner and session: the sandbox
// factory, the compiler for external modules, the external resolution
// cache and the host function registry.
type Executor struct {
	log      *zap.Logger
	metrics  *metrics.Metrics
	registry *hostfunc.Registry
	factory  *sandbox.Factory
	external *compiler.Compiler
	resolver resolve.Resolver

	mu     sync.RWMutex
	closed bool
}

// New creates an Executor. Functions in registry, plus the built-ins
// enabled by opts, are exposed to bundles as require("vmrun:host").
// registry may be nil.
func New(registry *hostfunc.Registry, opts ...ExecutorOption) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	host := hostfunc.NewRegistry()
	if registry != nil {
		for _, name := range registry.List() {
			fn, _ := registry.Get(name)
			host.Register(name, fn)
		}
	}

	host.Register("time_now", func(ctx context.Context, args map[string]any) (any, error) {
		return float64(time.Now().UnixNano()) / 1e9, nil
	})

	if cfg.kv != nil {
		cfg.kv.Register(host)
	}
	if len(cfg.httpConfig.AllowedHosts) > 0 {
		hostfunc.NewHTTP(cfg.httpConfig).Register(host)
	}
	if len(cfg.mounts) > 0 {
		hostfunc.NewFS(cfg.mounts, cfg.fsOptions...).Register(host)
	}

	factoryOpts := []sandbox.Option{
		sandbox.WithLogger(cfg.log),
		sandbox.WithHostModules(host),
	}
	if cfg.maxCallStackSize > 0 {
		factoryOpts = append(factoryOpts, sandbox.WithMaxCallStackSize(cfg.maxCallStackSize))
	}
	if cfg.printer != nil {
		factoryOpts = append(factoryOpts, sandbox.WithPrinter(cfg.printer))
	}
	factory := sandbox.NewFactory(factoryOpts...)

	e := &Executor{
		log:      cfg.log,
		metrics:  cfg.metrics,
		registry: host,
		factory:  factory,
	}

	base := cfg.resolver
	if base == nil {
		base = resolve.NewNodeResolver(factory.Natives()...)
	}
	e.resolver = resolve.NewCache(base, resolve.WithObserver(cfg.metrics.ObserveResolution))
	e.external = compiler.New(compiler.WithObserver(e.observeCompile))

	e.log.Debug("executor ready", zap.Strings("host_functions", host.List()))
	return e, nil
}

// Registry returns the host functions exposed to bundles.
func (e *Executor) Registry() *hostfunc.Registry {
	return e.registry
}

func (e *Executor) observeCompile(id string, d time.Duration, err error) {
	e.metrics.ObserveCompile(id, d, err)
	if err != nil {
		e.log.Warn("compile failed", zap.String("module", id), zap.Error(err))
		return
	}
	e.log.Debug("compiled module", zap.String("module", id), zap.Duration("took", d))
}

func (e *Executor) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Close stops the shared host realm. Runners and sessions own their
// isolated realms and should be closed first.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	return e.factory.Close()
}
