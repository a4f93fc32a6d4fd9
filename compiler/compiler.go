// Package compiler turns CommonJS module source into cached goja programs.
package compiler

import (
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

const (
	wrapperHead = "(function (exports, require, module, __filename, __dirname) {"
	wrapperTail = "\n})"
)

// Unit is a compiled module. Running Program yields the module function
// (exports, require, module, __filename, __dirname).
type Unit struct {
	ID      string
	Program *goja.Program
}

// CompileError reports module source that goja rejected.
type CompileError struct {
	ModuleID string
	Err      error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %v", e.ModuleID, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// Observer is told about every real compilation, successful or not.
// Cache hits are not reported.
type Observer func(id string, d time.Duration, err error)

type Option func(*Compiler)

// WithObserver registers fn to run after each compilation.
func WithObserver(fn Observer) Option {
	return func(c *Compiler) {
		c.observers = append(c.observers, fn)
	}
}

// Compiler caches one Unit per module id for its whole lifetime.
// Compiled units are never invalidated; failed compilations are not cached.
type Compiler struct {
	mu        sync.RWMutex
	units     map[string]*Unit
	observers []Observer
}

func New(opts ...Option) *Compiler {
	c := &Compiler{units: make(map[string]*Unit)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Wrap encloses source in the CommonJS module function.
func Wrap(source string) string {
	return wrapperHead + source + wrapperTail
}

// Compile returns the cached unit for id, compiling source on first use.
// Concurrent callers for the same id share a single compilation.
func (c *Compiler) Compile(id, source string) (*Unit, error) {
	c.mu.RLock()
	if u, ok := c.units[id]; ok {
		c.mu.RUnlock()
		return u, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if u, ok := c.units[id]; ok {
		return u, nil
	}

	start := time.Now()
	prg, err := goja.Compile(id, Wrap(source), false)
	for _, fn := range c.observers {
		fn(id, time.Since(start), err)
	}
	if err != nil {
		return nil, &CompileError{ModuleID: id, Err: err}
	}

	u := &Unit{ID: id, Program: prg}
	c.units[id] = u
	return u, nil
}

// Has reports whether id has a cached unit.
func (c *Compiler) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.units[id]
	return ok
}

// Len returns the number of cached units.
func (c *Compiler) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.units)
}
