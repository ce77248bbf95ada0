package ecs

import (
	"fmt"
	"reflect"

	"github.com/l1jgo/tickengine/internal/core/ref"
)

// SlotID indexes a storage slot. IDs are dense and assigned in registration order.
type SlotID uint32

// Kind is what a slot stores.
type Kind uint8

const (
	KindComponent Kind = iota // archetype table
	KindResource
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindComponent:
		return "component"
	case KindResource:
		return "resource"
	case KindState:
		return "state"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Slot is the type-erased registry entry for one declared type. Every
// distinct type gets exactly one slot and one lock.
type Slot struct {
	ID   SlotID
	Name string
	Kind Kind
	Type reflect.Type

	lock     ref.Lockable
	live     func() any // *T or *Table[T]; the lock must be held
	snapshot func() any // detached copy, same shape as live
	compact  func() Remap
	variant  func() string
	view     func(any) string // variant of a *T view
}

// Lock returns the slot's lock.
func (s *Slot) Lock() ref.Lockable { return s.lock }

// Live returns a pointer to the stored value (*T for resources and states,
// *Table[T] for components). The caller must hold the slot lock.
func (s *Slot) Live() any { return s.live() }

// Snapshot returns a detached copy of the stored value, taken under a shared
// borrow. The copy is shallow unless the type implements Cloner: a map, slice
// or pointer inside a plain value stays shared with the live slot.
func (s *Slot) Snapshot() any { return s.snapshot() }

// Variant returns the current variant name of a state slot.
func (s *Slot) Variant() (string, bool) {
	if s.variant == nil {
		return "", false
	}
	return s.variant(), true
}

// VariantOf returns the variant held by view, a value returned by Live or
// Snapshot of this state slot.
func (s *Slot) VariantOf(view any) (string, bool) {
	if s.view == nil || view == nil {
		return "", false
	}
	return s.view(view), true
}

func (s *Slot) String() string {
	return fmt.Sprintf("%s %s", s.Kind, s.Name)
}

func typeName(t reflect.Type) string {
	if n := t.Name(); n != "" {
		return n
	}
	return t.String()
}

func resourceSlot[T any](l *ref.Locked[T]) func(*Slot) {
	return func(s *Slot) {
		s.lock = l
		s.live = func() any { return l.Held() }
		s.snapshot = func() any {
			v := cloneValue(l.Load())
			return &v
		}
	}
}

func tableSlot[T any](l *ref.Locked[*Table[T]]) func(*Slot) {
	return func(s *Slot) {
		s.lock = l
		s.live = func() any { return *l.Held() }
		s.snapshot = func() any {
			g := l.Read()
			defer g.Release()
			return (*g.Get()).Snapshot()
		}
		s.compact = func() Remap {
			return (*l.Held()).Compact()
		}
	}
}
