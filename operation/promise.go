package operation

import (
	"context"
	"sync"
)

// Promise is a single-resolution container for the outcome of an
// asynchronous operation. It is resolved exactly once; later Resolve or
// Reject calls are no-ops.
type Promise[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewPromise returns an unresolved promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolve settles the promise with a value. The first settlement wins.
func (p *Promise[T]) Resolve(v T) {
	p.once.Do(func() {
		p.val = v
		close(p.done)
	})
}

// Reject settles the promise with an error. The first settlement wins.
func (p *Promise[T]) Reject(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Await blocks until the promise settles or the context ends.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done exposes the settlement signal for callers racing their own timers.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Settled reports whether the promise has already been resolved or rejected.
func (p *Promise[T]) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
