package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/vmrun/bundle"
	"github.com/caffeineduck/vmrun/executor"
	"github.com/caffeineduck/vmrun/hostfunc"
	"github.com/caffeineduck/vmrun/internal/config"
	"github.com/caffeineduck/vmrun/internal/logging"
	"github.com/caffeineduck/vmrun/internal/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "vmrun",
	Short: "Run server-side JavaScript bundles",
	Long: `vmrun - Execute pre-built JavaScript bundles in isolated goja realms.

A bundle is either a JSON manifest {"entry": "...", "files": {...}}
(optionally gzipped) or a directory of .js and .json files. The entry
module usually exports a render function called once per request with
a context object.

Isolation modes:
  fresh   evaluate the whole bundle per render (no shared state)
  once    evaluate once in a dedicated realm, call the export per render
  direct  like once, in the shared host realm with a global require`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-dev", false, "Human-readable development logs")
}

// addEngineFlags registers the flags shared by every command that loads a
// bundle.
func addEngineFlags(cmd *cobra.Command) {
	cmd.Flags().String("entry", "", "Entry module id for directory bundles (default: main.js)")
	cmd.Flags().StringSlice("include", nil, "Glob of files to include from a directory bundle (repeatable)")
	cmd.Flags().String("isolation", "", "Isolation mode: fresh, once, direct")
	cmd.Flags().String("context-key", "", "Global slot the bundle reads its context from")
	cmd.Flags().String("basedir", "", "Directory external modules are resolved from")
	cmd.Flags().Int("max-stack", 0, "Max JS call stack depth (0 = unlimited)")

	cmd.Flags().Bool("kv", false, "Enable key-value store")
	cmd.Flags().StringSlice("allow-host", nil, "Allow HTTP to host (repeatable)")
	cmd.Flags().StringSlice("mount", nil, "Mount directory read-only as virtual:host (repeatable)")
}

// loadConfig reads the config file and environment, then applies any flag
// the user set explicitly.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if len(args) > 0 {
		cfg.Bundle.Path = args[0]
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-dev") {
		cfg.Log.Development, _ = flags.GetBool("log-dev")
	}
	if flags.Changed("entry") {
		cfg.Bundle.Entry, _ = flags.GetString("entry")
	}
	if flags.Changed("include") {
		cfg.Bundle.Patterns, _ = flags.GetStringSlice("include")
	}
	if flags.Changed("isolation") {
		cfg.Runner.Isolation, _ = flags.GetString("isolation")
	}
	if flags.Changed("context-key") {
		cfg.Runner.ContextKey, _ = flags.GetString("context-key")
	}
	if flags.Changed("basedir") {
		cfg.Runner.Basedir, _ = flags.GetString("basedir")
	}
	if flags.Changed("max-stack") {
		cfg.Runner.MaxCallStackSize, _ = flags.GetInt("max-stack")
	}
	if flags.Changed("kv") {
		cfg.Host.KV, _ = flags.GetBool("kv")
	}
	if flags.Changed("allow-host") {
		cfg.Host.AllowedHosts, _ = flags.GetStringSlice("allow-host")
	}
	if flags.Changed("mount") {
		specs, _ := flags.GetStringSlice("mount")
		mounts := make([]config.MountConfig, 0, len(specs))
		for _, spec := range specs {
			m, err := parseMount(spec)
			if err != nil {
				return nil, err
			}
			mounts = append(mounts, m)
		}
		cfg.Host.Mounts = mounts
	}

	if cfg.Bundle.Path == "" {
		return nil, fmt.Errorf("bundle path required")
	}
	return cfg, cfg.Validate()
}

func parseMount(spec string) (config.MountConfig, error) {
	virtual, host, ok := strings.Cut(spec, ":")
	if !ok || virtual == "" || host == "" {
		return config.MountConfig{}, fmt.Errorf("invalid mount spec %q (expected virtual:host)", spec)
	}
	return config.MountConfig{Virtual: virtual, Host: host}, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Development = cfg.Log.Development
	log, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return log, nil
}

// engine bundles what a command needs to render.
type engine struct {
	log      *zap.Logger
	registry *prometheus.Registry
	exec     *executor.Executor
	bundle   *bundle.Bundle
	runner   *executor.Runner

	// Options sessions share with the runner.
	runnerOpts []executor.RunnerOption
}

func newEngine(cfg *config.Config, log *zap.Logger) (*engine, error) {
	b, err := bundle.Load(cfg.Bundle.Path, cfg.Bundle.Entry, cfg.Bundle.Patterns...)
	if err != nil {
		return nil, fmt.Errorf("load bundle: %w", err)
	}

	reg := prometheus.NewRegistry()
	opts := []executor.ExecutorOption{
		executor.WithLogger(log),
		executor.WithMetrics(metrics.New(reg)),
		executor.WithMaxCallStackSize(cfg.Runner.MaxCallStackSize),
	}
	if cfg.Host.KV {
		opts = append(opts, executor.WithKVConfig(hostfunc.DefaultKVConfig()))
	}
	if len(cfg.Host.AllowedHosts) > 0 {
		opts = append(opts, executor.WithAllowedHosts(cfg.Host.AllowedHosts...))
	}
	for _, m := range cfg.Host.Mounts {
		opts = append(opts, executor.WithMount(m.Virtual, m.Host))
	}

	exec, err := executor.New(hostfunc.NewRegistry(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}

	isolation, err := executor.ParseIsolation(cfg.Runner.Isolation)
	if err != nil {
		exec.Close()
		return nil, err
	}
	runnerOpts := runnerOptions(cfg, isolation)
	runner, err := exec.NewRunner(b, runnerOpts...)
	if err != nil {
		exec.Close()
		return nil, fmt.Errorf("create runner: %w", err)
	}

	log.Info("bundle loaded",
		zap.String("path", cfg.Bundle.Path),
		zap.String("entry", b.Entry()),
		zap.Int("modules", b.Len()),
		zap.Stringer("isolation", isolation),
	)

	return &engine{
		log:        log,
		registry:   reg,
		exec:       exec,
		bundle:     b,
		runner:     runner,
		runnerOpts: runnerOpts,
	}, nil
}

// runnerOptions resolves externals from the bundle's own directory unless
// a basedir is configured.
func runnerOptions(cfg *config.Config, isolation executor.Isolation) []executor.RunnerOption {
	basedir := cfg.Runner.Basedir
	if basedir == "" {
		basedir = cfg.Bundle.Path
		if info, err := os.Stat(basedir); err != nil || !info.IsDir() {
			basedir = filepath.Dir(basedir)
		}
	}
	return []executor.RunnerOption{
		executor.WithIsolation(isolation),
		executor.WithContextKey(cfg.Runner.ContextKey),
		executor.WithBasedir(basedir),
	}
}

func (e *engine) Close() error {
	e.runner.Close()
	return e.exec.Close()
}

// setup loads config, logger and engine for a command.
func setup(cmd *cobra.Command, args []string) (*config.Config, *engine, error) {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	eng, err := newEngine(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, eng, nil
}
