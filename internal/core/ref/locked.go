package ref

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// ErrLockAcquisitionViolation marks a slot access outside the borrow discipline:
// re-acquiring a slot the goroutine already holds exclusively, or touching a
// slot the running task never declared.
var ErrLockAcquisitionViolation = errors.New("lock acquisition violation")

// Violation is the panic value raised for ErrLockAcquisitionViolation.
type Violation struct {
	Slot   string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrLockAcquisitionViolation, v.Slot, v.Reason)
}

func (v *Violation) Unwrap() error { return ErrLockAcquisitionViolation }

// Lockable is the type-erased lock surface of a storage slot. The scheduler
// uses it to take every borrow of a task in one step before the body runs.
type Lockable interface {
	LockShared()
	UnlockShared()
	LockExclusive()
	UnlockExclusive()
}

// Locked owns a value behind a read-write lock. Every storage slot (resource,
// state, archetype table) is one Locked.
type Locked[T any] struct {
	mu    sync.RWMutex
	owner atomic.Int64 // goroutine id holding the exclusive lock, 0 if none
	value T
}

func NewLocked[T any](v T) *Locked[T] {
	return &Locked[T]{value: v}
}

func (l *Locked[T]) slotName() string {
	return fmt.Sprintf("%T", l.value)
}

func (l *Locked[T]) checkReentry() {
	if l.owner.Load() == goid.Get() {
		panic(&Violation{Slot: l.slotName(), Reason: "re-acquired by the goroutine holding it exclusively"})
	}
}

func (l *Locked[T]) LockShared() {
	l.checkReentry()
	l.mu.RLock()
}

func (l *Locked[T]) UnlockShared() {
	l.mu.RUnlock()
}

func (l *Locked[T]) LockExclusive() {
	l.checkReentry()
	l.mu.Lock()
	l.owner.Store(goid.Get())
}

func (l *Locked[T]) UnlockExclusive() {
	l.owner.Store(0)
	l.mu.Unlock()
}

// Held returns the guarded value without locking. The caller must already hold
// the lock through Lockable; the scheduler hands this pointer to task bodies.
func (l *Locked[T]) Held() *T {
	return &l.value
}

// Read takes a shared borrow. Release the guard on every exit path, usually
// with defer.
func (l *Locked[T]) Read() *ReadGuard[T] {
	l.LockShared()
	return &ReadGuard[T]{l: l}
}

// Write takes an exclusive borrow.
func (l *Locked[T]) Write() *WriteGuard[T] {
	l.LockExclusive()
	return &WriteGuard[T]{l: l}
}

// Load returns a copy of the value under a shared borrow.
func (l *Locked[T]) Load() T {
	g := l.Read()
	defer g.Release()
	return *g.Get()
}

// Store replaces the value under an exclusive borrow.
func (l *Locked[T]) Store(v T) {
	g := l.Write()
	defer g.Release()
	g.Set(v)
}

// Update runs fn with exclusive access. The lock is released even if fn panics.
func (l *Locked[T]) Update(fn func(*T)) {
	g := l.Write()
	defer g.Release()
	fn(g.Get())
}

// Ref returns a non-owning handle to the same slot.
func (l *Locked[T]) Ref() LockedRef[T] {
	return LockedRef[T]{l: l}
}

// ReadGuard is a scoped shared borrow. Release is idempotent.
type ReadGuard[T any] struct {
	l        *Locked[T]
	released bool
}

// Get returns the borrowed value. It must not be mutated through a read guard.
func (g *ReadGuard[T]) Get() *T {
	return &g.l.value
}

func (g *ReadGuard[T]) Release() {
	if g.released {
		return
	}
	g.released = true
	g.l.UnlockShared()
}

// WriteGuard is a scoped exclusive borrow. Release is idempotent.
type WriteGuard[T any] struct {
	l        *Locked[T]
	released bool
}

func (g *WriteGuard[T]) Get() *T {
	return &g.l.value
}

func (g *WriteGuard[T]) Set(v T) {
	g.l.value = v
}

func (g *WriteGuard[T]) Release() {
	if g.released {
		return
	}
	g.released = true
	g.l.UnlockExclusive()
}

// LockedRef is a cloneable handle to a Locked slot owned elsewhere. Copies
// share the slot; the zero value is not usable.
type LockedRef[T any] struct {
	l *Locked[T]
}

func (r LockedRef[T]) Valid() bool { return r.l != nil }

func (r LockedRef[T]) Read() *ReadGuard[T] { return r.l.Read() }

func (r LockedRef[T]) Write() *WriteGuard[T] { return r.l.Write() }

func (r LockedRef[T]) Load() T { return r.l.Load() }
