package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/caffeineduck/vmrun/bundle"
	"github.com/caffeineduck/vmrun/sandbox"
)

// Session is a persistent isolated realm for interactive use. Code run in
// it can require bundle modules, and module state survives between runs.
type Session struct {
	runner *Runner
	env    *sandbox.Environment
	output *sandbox.BufferPrinter

	// Loop-only.
	memo memo

	execMu sync.Mutex
	closed atomic.Bool
}

// NewSession starts a realm whose global require resolves ids of b first
// and externals from the runner basedir second. Isolation options are
// ignored.
func (e *Executor) NewSession(b *bundle.Bundle, opts ...RunnerOption) (*Session, error) {
	r, err := e.NewRunner(b, opts...)
	if err != nil {
		return nil, err
	}

	output := &sandbox.BufferPrinter{}
	env, err := e.factory.Create(nil, r.cfg.contextKey, sandbox.WithConsole(output))
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}

	s := &Session{
		runner: r,
		env:    env,
		output: output,
		memo:   make(memo),
	}

	err = env.Do(func(vm *goja.Runtime) error {
		return vm.Set("require", r.requireFunc(vm, env, "<session>", s.memo))
	})
	if err != nil {
		env.Close()
		r.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}

	return s, nil
}

// Run evaluates code as a script and returns its completion value along
// with the console output it produced. When ctx is done first, the script
// is interrupted and Run returns ctx.Err(). Host functions called by the
// script see ctx.
func (s *Session) Run(ctx context.Context, code string) Result {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	start := time.Now()
	if s.closed.Load() {
		return Result{Error: ErrSessionClosed, Duration: time.Since(start)}
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	err := s.env.Go(func(vm *goja.Runtime) {
		if err := ctx.Err(); err != nil {
			done <- outcome{err: err}
			return
		}
		if s.closed.Load() {
			done <- outcome{err: ErrSessionClosed}
			return
		}
		restore := s.env.UseContext(ctx)
		defer restore()

		v, err := vm.RunString(code)
		if err != nil {
			done <- outcome{err: unwrapEngine(err)}
			return
		}
		done <- outcome{value: export(v)}
	})
	if err != nil {
		return Result{Error: err, Duration: time.Since(start)}
	}

	select {
	case <-ctx.Done():
		s.env.Interrupt(ctx.Err())
		return Result{
			Output:   s.output.Take(),
			Error:    ctx.Err(),
			Duration: time.Since(start),
		}
	case o := <-done:
		return Result{
			Output:   s.output.Take(),
			Value:    o.value,
			Error:    o.err,
			Duration: time.Since(start),
		}
	}
}

// Close interrupts any script still running and stops the realm.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.env.Interrupt(ErrSessionClosed)
	err := s.env.Close()
	s.runner.Close()
	return err
}
