package executor

import (
	"github.com/dop251/goja_nodejs/console"
	"go.uber.org/zap"

	"github.com/caffeineduck/vmrun/compiler"
	"github.com/caffeineduck/vmrun/hostfunc"
	"github.com/caffeineduck/vmrun/internal/metrics"
	"github.com/caffeineduck/vmrun/resolve"
)

// ExecutorOption configures the Executor at creation time.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	log              *zap.Logger
	metrics          *metrics.Metrics
	resolver         resolve.Resolver
	printer          console.Printer
	maxCallStackSize int

	// Built-in host functions.
	kv         *hostfunc.KV
	httpConfig hostfunc.HTTPConfig
	mounts     []hostfunc.Mount
	fsOptions  []hostfunc.FSOption
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		log: zap.NewNop(),
	}
}

func WithLogger(log *zap.Logger) ExecutorOption {
	return func(c *executorConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics records compilations, renders, resolutions and module
// evaluations in m.
func WithMetrics(m *metrics.Metrics) ExecutorOption {
	return func(c *executorConfig) {
		c.metrics = m
	}
}

// WithResolver replaces node-style resolution of ids that are not part of
// a bundle. Results are still cached per base directory and id.
func WithResolver(r resolve.Resolver) ExecutorOption {
	return func(c *executorConfig) {
		c.resolver = r
	}
}

// WithPrinter sends console output from every realm to p instead of the
// logger.
func WithPrinter(p console.Printer) ExecutorOption {
	return func(c *executorConfig) {
		c.printer = p
	}
}

// WithMaxCallStackSize bounds JS recursion depth.
func WithMaxCallStackSize(n int) ExecutorOption {
	return func(c *executorConfig) {
		c.maxCallStackSize = n
	}
}

// WithKV exposes kv to bundles. The same store is seen by every render, so
// state survives across requests.
func WithKV(kv *hostfunc.KV) ExecutorOption {
	return func(c *executorConfig) {
		c.kv = kv
	}
}

// WithKVConfig exposes a new store bounded by cfg.
func WithKVConfig(cfg hostfunc.KVConfig) ExecutorOption {
	return func(c *executorConfig) {
		c.kv = hostfunc.NewKV(cfg)
	}
}

// WithAllowedHosts enables http_request and http_get for the given hosts.
func WithAllowedHosts(hosts ...string) ExecutorOption {
	return func(c *executorConfig) {
		c.httpConfig.AllowedHosts = append(c.httpConfig.AllowedHosts, hosts...)
	}
}

// WithHTTPConfig sets request limits. AllowedHosts in cfg is merged with
// hosts added by WithAllowedHosts.
func WithHTTPConfig(cfg hostfunc.HTTPConfig) ExecutorOption {
	return func(c *executorConfig) {
		hosts := append(c.httpConfig.AllowedHosts, cfg.AllowedHosts...)
		c.httpConfig = cfg
		c.httpConfig.AllowedHosts = hosts
	}
}

// WithMount exposes hostPath read-only to bundles under virtualPath.
//
//	executor.WithMount("/data", "./fixtures")
func WithMount(virtualPath, hostPath string) ExecutorOption {
	return func(c *executorConfig) {
		c.mounts = append(c.mounts, hostfunc.Mount{
			VirtualPath: virtualPath,
			HostPath:    hostPath,
		})
	}
}

// WithFSMaxFileSize sets the maximum file size for fs_read.
func WithFSMaxFileSize(size int64) ExecutorOption {
	return func(c *executorConfig) {
		c.fsOptions = append(c.fsOptions, hostfunc.WithMaxFileSize(size))
	}
}

// RunnerOption configures a Runner.
type RunnerOption func(*runnerConfig)

type runnerConfig struct {
	isolation  Isolation
	contextKey string
	basedir    string
	compiler   *compiler.Compiler
}

func defaultRunnerConfig() runnerConfig {
	return runnerConfig{
		isolation:  IsolationFresh,
		contextKey: DefaultContextKey,
	}
}

func WithIsolation(i Isolation) RunnerOption {
	return func(c *runnerConfig) {
		c.isolation = i
	}
}

// WithContextKey names the global slot the bundle reads its context from.
func WithContextKey(key string) RunnerOption {
	return func(c *runnerConfig) {
		c.contextKey = key
	}
}

// WithBasedir sets the directory external modules are resolved from.
// Defaults to the working directory.
func WithBasedir(dir string) RunnerOption {
	return func(c *runnerConfig) {
		c.basedir = dir
	}
}

// WithCompiler shares a compiler between runners of the same bundle. Units
// are keyed by module id only, so runners of different bundles need
// separate compilers.
func WithCompiler(c *compiler.Compiler) RunnerOption {
	return func(rc *runnerConfig) {
		rc.compiler = c
	}
}
