// Package ref holds the borrow primitives shared by storage and tasks:
// expiring shared handles (Ref) and lock-guarded slots (Locked, LockedRef).
package ref

import (
	"errors"
	"sync"
)

// ErrExpired is returned when a Ref is read after Expire.
var ErrExpired = errors.New("expired reference access")

type cell[T any] struct {
	mu      sync.RWMutex
	value   T
	expired bool
}

// Ref is a shared read handle with an explicit lifecycle. Every copy of a Ref
// observes the same value and the same expiry; expiry is one-directional.
type Ref[T any] struct {
	c *cell[T]
}

func New[T any](v T) Ref[T] {
	return Ref[T]{c: &cell[T]{value: v}}
}

// Clone returns another handle to the same value.
func (r Ref[T]) Clone() Ref[T] { return r }

func (r Ref[T]) Valid() bool { return r.c != nil }

// Same reports whether both handles share the same value.
func (r Ref[T]) Same(o Ref[T]) bool { return r.c == o.c }

// Get takes a read guard. Expire blocks until every outstanding guard is released.
func (r Ref[T]) Get() *RefGuard[T] {
	r.c.mu.RLock()
	return &RefGuard[T]{c: r.c}
}

// Load copies the value, or returns ErrExpired.
func (r Ref[T]) Load() (T, error) {
	g := r.Get()
	defer g.Release()
	v, err := g.Value()
	if err != nil {
		var zero T
		return zero, err
	}
	return *v, nil
}

// Expire drops the value for every clone. Calling it twice is a no-op.
func (r Ref[T]) Expire() {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	var zero T
	r.c.value = zero
	r.c.expired = true
}

func (r Ref[T]) Expired() bool {
	r.c.mu.RLock()
	defer r.c.mu.RUnlock()
	return r.c.expired
}

// RefGuard is a scoped read of a Ref.
type RefGuard[T any] struct {
	c        *cell[T]
	released bool
}

// Value returns the guarded value, or ErrExpired once the Ref has expired.
func (g *RefGuard[T]) Value() (*T, error) {
	if g.c.expired {
		return nil, ErrExpired
	}
	return &g.c.value, nil
}

func (g *RefGuard[T]) Expired() bool { return g.c.expired }

func (g *RefGuard[T]) Release() {
	if g.released {
		return
	}
	g.released = true
	g.c.mu.RUnlock()
}
