// Package config loads vmrun settings from a YAML or TOML file and applies
// VMRUN_* environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"github.com/caffeineduck/vmrun/executor"
)

// EnvPrefix prefixes every environment override, e.g.
// VMRUN_RUNNER_ISOLATION=once or VMRUN_SERVER_ADDR=:9000.
const EnvPrefix = "VMRUN"

var ErrUnknownFormat = errors.New("unknown config format")

type Config struct {
	Bundle BundleConfig `yaml:"bundle" toml:"bundle"`
	Runner RunnerConfig `yaml:"runner" toml:"runner"`
	Server ServerConfig `yaml:"server" toml:"server"`
	Log    LogConfig    `yaml:"log" toml:"log"`
	Host   HostConfig   `yaml:"host" toml:"host"`
}

type BundleConfig struct {
	Path     string   `yaml:"path" toml:"path" split_words:"true"`
	Entry    string   `yaml:"entry" toml:"entry" split_words:"true"`
	Patterns []string `yaml:"patterns" toml:"patterns" split_words:"true"`
}

type RunnerConfig struct {
	Isolation        string `yaml:"isolation" toml:"isolation" split_words:"true"`
	ContextKey       string `yaml:"context_key" toml:"context_key" split_words:"true"`
	Basedir          string `yaml:"basedir" toml:"basedir" split_words:"true"`
	MaxCallStackSize int    `yaml:"max_call_stack_size" toml:"max_call_stack_size" split_words:"true"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" toml:"addr" split_words:"true"`
	Gzip bool   `yaml:"gzip" toml:"gzip" split_words:"true"`
}

type LogConfig struct {
	Level       string `yaml:"level" toml:"level" split_words:"true"`
	Development bool   `yaml:"development" toml:"development" split_words:"true"`
}

// HostConfig enables host functions for bundle code.
type HostConfig struct {
	KV           bool          `yaml:"kv" toml:"kv" split_words:"true"`
	AllowedHosts []string      `yaml:"allowed_hosts" toml:"allowed_hosts" split_words:"true"`
	Mounts       []MountConfig `yaml:"mounts" toml:"mounts" ignored:"true"`
}

type MountConfig struct {
	Virtual string `yaml:"virtual" toml:"virtual"`
	Host    string `yaml:"host" toml:"host"`
}

func Default() *Config {
	return &Config{
		Bundle: BundleConfig{Entry: "main.js"},
		Runner: RunnerConfig{
			Isolation:  executor.IsolationOnce.String(),
			ContextKey: executor.DefaultContextKey,
		},
		Server: ServerConfig{Addr: ":8080", Gzip: true},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides. The format is picked by extension.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode toml config: %w", err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	return nil
}

func (c *Config) Validate() error {
	if _, err := executor.ParseIsolation(c.Runner.Isolation); err != nil {
		return fmt.Errorf("runner.isolation: %w", err)
	}
	if c.Runner.ContextKey == "" {
		return errors.New("runner.context_key must not be empty")
	}
	if c.Runner.MaxCallStackSize < 0 {
		return errors.New("runner.max_call_stack_size must not be negative")
	}
	if c.Server.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
			return fmt.Errorf("server.addr: %w", err)
		}
	}
	for _, m := range c.Host.Mounts {
		if m.Virtual == "" || m.Host == "" {
			return errors.New("host.mounts: virtual and host paths are required")
		}
	}
	return nil
}
