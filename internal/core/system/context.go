package system

import (
	"context"
	"reflect"
	"time"

	"github.com/l1jgo/tickengine/internal/core/ecs"
	"github.com/l1jgo/tickengine/internal/core/ref"
	"go.uber.org/zap"
)

// Context is handed to a task body. It exposes exactly the slots the task
// declared; every borrow is already held when the body starts and is released
// when it returns.
type Context struct {
	ctx   context.Context
	world *ecs.World
	node  *node
	phase Phase
	frame uint64
	delta time.Duration
	log   *zap.Logger
	views map[ecs.SlotID]any
}

func (c *Context) Context() context.Context { return c.ctx }
func (c *Context) Task() string              { return c.node.task.Name }
func (c *Context) Phase() Phase              { return c.phase }
func (c *Context) Frame() uint64             { return c.frame }

// Delta is the fixed step in FixedUpdate and the measured frame time elsewhere.
func (c *Context) Delta() time.Duration { return c.delta }

func (c *Context) Log() *zap.Logger { return c.log }

// Signal raises a signal for the next iteration. Any task may raise one;
// reading signals is left to conditions.
func (c *Context) Signal(name string) { c.world.Signals().Trigger(name) }

// Reset requests a return to Setup after the current iteration.
func (c *Context) Reset() { c.world.Reset().Trigger() }

// StateVariant returns the variant of the named state as the task sees it:
// live under the held borrow, or from the dispatch snapshot in LongUpdate.
// The task must borrow the state; false means no such state exists.
func (c *Context) StateVariant(state string) (string, bool) {
	slot, ok := c.world.SlotNamed(state)
	if !ok || slot.Kind != ecs.KindState {
		return "", false
	}
	return slot.VariantOf(c.view(slot, Read))
}

// Snapshot reports whether views are detached copies (LongUpdate).
func (c *Context) Snapshot() bool { return c.phase == PhaseLongUpdate }

func (c *Context) borrowed(t reflect.Type, want Access) (*ecs.Slot, any) {
	slot, ok := c.world.SlotOf(t)
	if !ok {
		panic(&ref.Violation{Slot: t.String(), Reason: "no storage registered for type"})
	}
	return slot, c.view(slot, want)
}

func (c *Context) view(slot *ecs.Slot, want Access) any {
	v, ok := c.views[slot.ID]
	if !ok {
		panic(&ref.Violation{Slot: slot.Name, Reason: "task " + c.node.task.Name + " did not declare a borrow"})
	}
	if want == Write && !c.node.writes.Contains(uint32(slot.ID)) {
		panic(&ref.Violation{Slot: slot.Name, Reason: "task " + c.node.task.Name + " declared a read borrow only"})
	}
	return v
}

func value[T any](c *Context, want Access) *T {
	slot, v := c.borrowed(reflect.TypeFor[T](), want)
	p, ok := v.(*T)
	if !ok {
		panic(&ref.Violation{Slot: slot.Name, Reason: "slot is a " + slot.Kind.String() + ", not a resource"})
	}
	return p
}

func table[T any](c *Context, want Access) *ecs.Table[T] {
	slot, v := c.borrowed(reflect.TypeFor[T](), want)
	t, ok := v.(*ecs.Table[T])
	if !ok {
		panic(&ref.Violation{Slot: slot.Name, Reason: "slot is a " + slot.Kind.String() + ", not a component table"})
	}
	return t
}

// Res returns a copy of a resource or state the task borrows.
func Res[T any](c *Context) T { return *value[T](c, Read) }

// ResMut returns the resource or state for in-place modification. The task
// must declare Writes[T].
func ResMut[T any](c *Context) *T { return value[T](c, Write) }

// Query returns a read view of the archetype table for T.
func Query[T any](c *Context) ecs.View[T] { return table[T](c, Read) }

// QueryMut returns the archetype table for T. The task must declare Writes[T].
func QueryMut[T any](c *Context) *ecs.Table[T] { return table[T](c, Write) }
