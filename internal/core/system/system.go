package system

import (
	"fmt"
	"reflect"
	"strings"
)

// Phase defines when a task runs within the loop.
type Phase int

const (
	PhaseSetup       Phase = iota // once at start, again after Reset
	PhaseFixedUpdate              // 0..n times per iteration, fixed delta
	PhaseUpdate                   // once per iteration, real delta
	PhaseLongUpdate               // dispatched detached, reads snapshots
	PhaseSyncUpdate               // last, sees the settled frame

	phaseCount
)

// Phases lists every phase in execution order.
var Phases = [...]Phase{PhaseSetup, PhaseFixedUpdate, PhaseUpdate, PhaseLongUpdate, PhaseSyncUpdate}

func (p Phase) String() string {
	switch p {
	case PhaseSetup:
		return "Setup"
	case PhaseFixedUpdate:
		return "FixedUpdate"
	case PhaseUpdate:
		return "Update"
	case PhaseLongUpdate:
		return "LongUpdate"
	case PhaseSyncUpdate:
		return "SyncUpdate"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

func (p Phase) valid() bool { return p >= PhaseSetup && p < phaseCount }

// ParsePhase accepts "Update", "update", "fixed_update", "fixed-update" and so on.
func ParsePhase(s string) (Phase, error) {
	key := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	for _, p := range Phases {
		if strings.ToLower(p.String()) == key {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// Access is the kind of borrow a task declares on a slot.
type Access uint8

const (
	Read Access = iota
	Write
)

func (a Access) String() string {
	if a == Write {
		return "write"
	}
	return "read"
}

// Borrow declares access to one storage slot, by Go type or by slot name.
type Borrow struct {
	Type   reflect.Type
	Name   string
	Access Access
}

func (b Borrow) String() string {
	name := b.Name
	if b.Type != nil {
		name = b.Type.String()
	}
	return b.Access.String() + " " + name
}

// Reads declares a shared borrow of the resource, state or table for T.
func Reads[T any]() Borrow { return Borrow{Type: reflect.TypeFor[T](), Access: Read} }

// Writes declares an exclusive borrow of the resource, state or table for T.
func Writes[T any]() Borrow { return Borrow{Type: reflect.TypeFor[T](), Access: Write} }

// ReadsNamed declares a shared borrow by slot name (see ecs.Slot.Name).
func ReadsNamed(name string) Borrow { return Borrow{Name: name, Access: Read} }

// WritesNamed declares an exclusive borrow by slot name.
func WritesNamed(name string) Borrow { return Borrow{Name: name, Access: Write} }

// Order is the direction of a Constraint.
type Order uint8

const (
	OrderBefore Order = iota
	OrderAfter
)

// Constraint orders the owning task (or every member of the owning group)
// relative to a task or to every member of a group.
type Constraint struct {
	Order  Order
	Target string
	Group  bool
}

func (c Constraint) String() string {
	dir := "before"
	if c.Order == OrderAfter {
		dir = "after"
	}
	if c.Group {
		return dir + " group " + c.Target
	}
	return dir + " " + c.Target
}

func Before(task string) Constraint { return Constraint{Order: OrderBefore, Target: task} }
func After(task string) Constraint  { return Constraint{Order: OrderAfter, Target: task} }

func BeforeGroup(group string) Constraint {
	return Constraint{Order: OrderBefore, Target: group, Group: true}
}

func AfterGroup(group string) Constraint {
	return Constraint{Order: OrderAfter, Target: group, Group: true}
}

// TaskFunc is a task body. Returning an error or panicking counts as a task
// failure for that iteration only.
type TaskFunc func(ctx *Context) error

// Task is the immutable descriptor of a scheduled unit of work.
type Task struct {
	Name      string
	Phase     Phase
	Group     string
	Order     []Constraint
	Condition string
	Borrows   []Borrow
	Run       TaskFunc
}

// Group carries constraints shared by every member.
type Group struct {
	Name  string
	Order []Constraint
}
