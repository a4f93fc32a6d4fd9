package executor

import (
	"context"
	"sync"
)

// Deferred is the eventual outcome of one render. Every failure, including
// ones that happen before any JS runs, is delivered through it.
type Deferred struct {
	done   chan struct{}
	once   sync.Once
	value  any
	err    error
	notify func(err error)
}

func newDeferred() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

// settle records the outcome and runs notify before waiters are released.
// Only the first call has an effect.
func (d *Deferred) settle(v any, err error) {
	d.once.Do(func() {
		d.value, d.err = v, err
		if d.notify != nil {
			d.notify(err)
		}
		close(d.done)
	})
}

// Done is closed once the render settles.
func (d *Deferred) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the render settles or ctx is done. Giving up on the
// wait does not stop the render.
func (d *Deferred) Wait(ctx context.Context) (any, error) {
	select {
	case <-d.done:
		return d.value, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. Before settlement it
// returns nil, nil.
func (d *Deferred) Result() (any, error) {
	select {
	case <-d.done:
		return d.value, d.err
	default:
		return nil, nil
	}
}
