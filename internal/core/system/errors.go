package system

import (
	"errors"
	"fmt"
	"strings"

	"github.com/l1jgo/tickengine/internal/core/ref"
)

var (
	// ErrCyclicDependency: the constraint graph of a phase has no topological order.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrUnorderedConflict: two tasks of a phase conflict on a borrow and no
	// constraint orders them.
	ErrUnorderedConflict = errors.New("unordered conflict")
	// ErrLockAcquisitionViolation: a task touched a slot outside its declared
	// borrows. Fatal.
	ErrLockAcquisitionViolation = ref.ErrLockAcquisitionViolation
	// ErrTaskExecutionFailure: a task body returned an error or panicked.
	ErrTaskExecutionFailure = errors.New("task execution failure")

	ErrDuplicateTask    = errors.New("duplicate task")
	ErrDuplicateGroup   = errors.New("duplicate group")
	ErrUnknownTarget    = errors.New("unknown constraint target")
	ErrUnknownSlot      = errors.New("unknown storage slot")
	ErrInvalidCondition = errors.New("invalid condition")
	ErrLongUpdateWrite  = errors.New("long update task declares a write borrow")
	ErrInvalidTask      = errors.New("invalid task")

	// ErrStopped is returned by Step once the scheduler has stopped.
	ErrStopped = errors.New("scheduler stopped")
)

// SchedulingError is a registration-time failure. Kind is one of the sentinel
// errors above and is what errors.Is matches.
type SchedulingError struct {
	Kind   error
	Phase  Phase
	Tasks  []string
	Slot   string
	Detail string
}

func (e *SchedulingError) Error() string {
	var b strings.Builder
	b.WriteString("schedule: ")
	b.WriteString(e.Kind.Error())
	if e.Phase.valid() {
		fmt.Fprintf(&b, " in %s", e.Phase)
	}
	if len(e.Tasks) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Tasks, ", "))
	}
	if e.Slot != "" {
		fmt.Fprintf(&b, " (slot %s)", e.Slot)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *SchedulingError) Unwrap() error { return e.Kind }

// noPhase marks registration errors that are not tied to a phase.
const noPhase Phase = -1

func schedErr(kind error, phase Phase, detail string, tasks ...string) *SchedulingError {
	return &SchedulingError{Kind: kind, Phase: phase, Tasks: tasks, Detail: detail}
}

// TaskFailure is one failed task invocation. It matches both
// ErrTaskExecutionFailure and the underlying error with errors.Is.
type TaskFailure struct {
	Task        string
	Phase       Phase
	Frame       uint64
	Err         error
	Panicked    bool
	Consecutive int
}

func (f *TaskFailure) Error() string {
	verb := "failed"
	if f.Panicked {
		verb = "panicked"
	}
	return fmt.Sprintf("task %s (%s, frame %d) %s: %v", f.Task, f.Phase, f.Frame, verb, f.Err)
}

func (f *TaskFailure) Unwrap() []error { return []error{ErrTaskExecutionFailure, f.Err} }

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }
