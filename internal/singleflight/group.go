// Package singleflight coordinates duplicate computations that share a cache
// key: while a computation for a key is in flight, later callers attach to it
// and receive the identical settled result instead of recomputing. Once the
// computation settles and its owner returns, the in-flight entry is removed so
// a future request (after a cache TTL expiry, say) triggers fresh work.
package singleflight

import (
	"context"
	"sync"
)

// call is one in-flight computation. Waiters block on done; the owner fills
// val/err before closing it.
type call[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Group deduplicates concurrent computations by key. The zero value is not
// usable; construct with NewGroup.
type Group[T any] struct {
	mu    sync.Mutex
	calls map[string]*call[T]
}

// NewGroup returns an empty coordinator.
func NewGroup[T any]() *Group[T] {
	return &Group[T]{calls: make(map[string]*call[T])}
}

// Do executes fn for key, unless a computation for the same key is already in
// flight, in which case it waits for that computation and returns its result.
// shared reports whether the result came from another caller's computation.
//
// The owning caller runs fn to completion regardless of ctx; only waiters
// abandon early when their context is cancelled. This keeps the result
// available to the remaining waiters and lets the owner publish it to the
// cache before the entry is removed.
func (g *Group[T]) Do(ctx context.Context, key string, fn func() (T, error)) (val T, shared bool, err error) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, true, c.err
		case <-ctx.Done():
			var zero T
			return zero, true, ctx.Err()
		}
	}
	c := &call[T]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
	close(c.done)

	return c.val, false, c.err
}

// InFlight reports whether a computation for key is currently registered.
func (g *Group[T]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.calls[key]
	return ok
}

// Forget drops the in-flight entry for key, if any. Waiters already attached
// still receive the owner's result; new callers start a fresh computation.
func (g *Group[T]) Forget(key string) {
	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
}
