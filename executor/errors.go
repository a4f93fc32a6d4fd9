package executor

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/caffeineduck/vmrun/compiler"
	"github.com/caffeineduck/vmrun/resolve"
)

var (
	ErrUnknownIsolation = errors.New("unknown isolation mode")
	ErrSessionClosed    = errors.New("session closed")
	ErrExecutorClosed   = errors.New("executor closed")
	ErrNoBundle         = errors.New("bundle required")
)

// ConfigurationError reports an entry module whose export cannot serve as
// a render function in once or direct mode.
type ConfigurationError struct {
	Entry string
	Got   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("entry %s must export a function in this isolation mode, got %s", e.Entry, e.Got)
}

// RejectionError wraps the reason of a rejected render promise.
type RejectionError struct {
	Reason  any
	Message string
}

func (e *RejectionError) Error() string {
	return "render rejected: " + e.Message
}

// throw raises err inside JS. Exceptions from module code are rethrown as
// they are; engine errors become catchable GoErrors.
func throw(vm *goja.Runtime, err error) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		panic(ex)
	}
	panic(vm.NewGoError(err))
}

// goErrorOf returns the Go error carried by a GoError value, if any.
func goErrorOf(v goja.Value) (error, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	inner := obj.Get("value")
	if inner == nil {
		return nil, false
	}
	err, ok := inner.Export().(error)
	return err, ok
}

// unwrapEngine returns the engine error behind a JS exception, so callers
// see *compiler.CompileError, *resolve.ResolutionError and
// *ConfigurationError instead of the exception that carried them.
// Exceptions thrown by module code are returned unchanged.
func unwrapEngine(err error) error {
	if err == nil {
		return nil
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		if inner, ok := goErrorOf(ex.Value()); ok {
			return unwrapEngine(inner)
		}
		return err
	}

	var ce *compiler.CompileError
	if errors.As(err, &ce) {
		return ce
	}
	var re *resolve.ResolutionError
	if errors.As(err, &re) {
		return re
	}
	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		return cfg
	}
	return err
}

// rejection converts a promise rejection reason into an error.
func rejection(reason goja.Value) error {
	if inner, ok := goErrorOf(reason); ok {
		return unwrapEngine(inner)
	}
	if reason == nil {
		return &RejectionError{Message: "undefined"}
	}
	return &RejectionError{Reason: reason.Export(), Message: reason.String()}
}
