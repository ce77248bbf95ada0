package ecs

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/l1jgo/tickengine/internal/core/ref"
	"github.com/l1jgo/tickengine/internal/core/signal"
)

// World is the explicitly constructed engine context: it owns every storage
// slot, the signal set and the reset flag. One World is handed to the
// scheduler at startup; nothing here is global.
type World struct {
	mu     sync.RWMutex // protects registration only
	slots  []*Slot
	byType map[reflect.Type]*Slot
	byName map[string]*Slot

	signals *signal.Signals
	reset   *signal.Reset
}

func NewWorld() *World {
	return &World{
		slots:   make([]*Slot, 0, 16),
		byType:  make(map[reflect.Type]*Slot),
		byName:  make(map[string]*Slot),
		signals: signal.NewSignals(),
		reset:   &signal.Reset{},
	}
}

func (w *World) Signals() *signal.Signals { return w.signals }
func (w *World) Reset() *signal.Reset     { return w.reset }

// HasSignal implements cond.Env.
func (w *World) HasSignal(name string) bool { return w.signals.Active(name) }

// StateIs implements cond.Env.
func (w *World) StateIs(state, variant string) bool {
	v, ok := w.StateVariant(state)
	return ok && v == variant
}

// StateVariant returns the current variant name of the named state.
func (w *World) StateVariant(state string) (string, bool) {
	s, ok := w.SlotNamed(state)
	if !ok || s.Kind != KindState {
		return "", false
	}
	return s.Variant()
}

// Slot returns the slot with the given id.
func (w *World) Slot(id SlotID) *Slot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.slots[id]
}

func (w *World) SlotOf(t reflect.Type) (*Slot, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.byType[t]
	return s, ok
}

func (w *World) SlotNamed(name string) (*Slot, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.byName[name]
	return s, ok
}

// Slots returns every slot in id order.
func (w *World) Slots() []*Slot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]*Slot(nil), w.slots...)
}

func (w *World) register(t reflect.Type, kind Kind, bind func(*Slot)) (*Slot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.byType[t]; ok {
		return s, fmt.Errorf("ecs: %s already registered as %s", typeName(t), s.Kind)
	}
	name := typeName(t)
	if _, taken := w.byName[name]; taken {
		name = t.String()
	}
	s := &Slot{
		ID:   SlotID(len(w.slots)),
		Name: name,
		Kind: kind,
		Type: t,
	}
	bind(s)
	w.slots = append(w.slots, s)
	w.byType[t] = s
	w.byName[name] = s
	return s, nil
}

// Compact compacts every archetype table and returns the number of rows
// dropped. It must not run while any task holds a borrow.
func (w *World) Compact() int {
	dropped := 0
	for _, s := range w.Slots() {
		if s.compact == nil {
			continue
		}
		s.lock.LockExclusive()
		dropped += s.compact().Dropped()
		s.lock.UnlockExclusive()
	}
	return dropped
}

// AddResource registers a resource slot holding v.
func AddResource[T any](w *World, v T) (*ref.Locked[T], error) {
	l := ref.NewLocked(v)
	if _, err := w.register(reflect.TypeFor[T](), KindResource, resourceSlot(l)); err != nil {
		return nil, err
	}
	return l, nil
}

// Resource returns the resource slot for T.
func Resource[T any](w *World) (*ref.Locked[T], bool) {
	s, ok := w.SlotOf(reflect.TypeFor[T]())
	if !ok || s.Kind == KindComponent {
		return nil, false
	}
	l, ok := s.lock.(*ref.Locked[T])
	return l, ok
}

// Archetype returns the table for row shape T, creating it on first use.
// It panics if T is already registered as a resource or state.
func Archetype[T any](w *World) *Table[T] {
	l, err := archetype[T](w)
	if err != nil {
		panic(err)
	}
	return l.Load()
}

// ArchetypeSlot returns the locked slot holding the table for T, creating it
// on first use.
func ArchetypeSlot[T any](w *World) (*ref.Locked[*Table[T]], error) {
	return archetype[T](w)
}

func archetype[T any](w *World) (*ref.Locked[*Table[T]], error) {
	t := reflect.TypeFor[T]()
	if s, ok := w.SlotOf(t); ok {
		if s.Kind != KindComponent {
			return nil, fmt.Errorf("ecs: %s is a %s, not a component table", s.Name, s.Kind)
		}
		return s.lock.(*ref.Locked[*Table[T]]), nil
	}
	l := ref.NewLocked(NewTable[T]())
	s, err := w.register(t, KindComponent, tableSlot(l))
	if err != nil {
		// Lost a registration race; use the winner.
		if s != nil && s.Kind == KindComponent {
			return s.lock.(*ref.Locked[*Table[T]]), nil
		}
		return nil, err
	}
	return l, nil
}
