package ecs

import (
	"fmt"
	"reflect"

	"github.com/l1jgo/tickengine/internal/core/ref"
)

// Variant is the constraint for state enums: comparable values that name
// themselves, typically an iota type with a String method.
type Variant interface {
	comparable
	fmt.Stringer
}

// AddState registers a state slot for E holding initial. The state is named
// after its Go type, so a GameState enum is tested in conditions as
// GameState::Running. Tasks transition it through a write borrow on E.
func AddState[E Variant](w *World, initial E) (*ref.Locked[E], error) {
	l := ref.NewLocked(initial)
	bind := func(s *Slot) {
		resourceSlot(l)(s)
		s.variant = func() string { return l.Load().String() }
		s.view = func(v any) string { return v.(*E).String() }
	}
	if _, err := w.register(reflect.TypeFor[E](), KindState, bind); err != nil {
		return nil, err
	}
	return l, nil
}

// State returns the state slot for E.
func State[E Variant](w *World) (*ref.Locked[E], bool) {
	s, ok := w.SlotOf(reflect.TypeFor[E]())
	if !ok || s.Kind != KindState {
		return nil, false
	}
	l, ok := s.lock.(*ref.Locked[E])
	return l, ok
}
