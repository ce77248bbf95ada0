package system

import (
	"sync"

	"github.com/l1jgo/tickengine/internal/core/ecs"
)

// Registry collects task and group declarations before they are resolved
// into a Plan.
type Registry struct {
	world *ecs.World

	mu     sync.Mutex
	tasks  []Task
	groups []Group
}

func NewRegistry(w *ecs.World) *Registry {
	return &Registry{world: w}
}

func (r *Registry) World() *ecs.World { return r.world }

// Add registers a task. Validation happens in Build.
func (r *Registry) Add(t Task) *Registry {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	return r
}

func (r *Registry) AddGroup(g Group) *Registry {
	r.mu.Lock()
	r.groups = append(r.groups, g)
	r.mu.Unlock()
	return r
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Build resolves the current declarations into a Plan.
func (r *Registry) Build() (*Plan, error) {
	tasks, groups := r.declarations()
	return Resolve(r.world, tasks, groups)
}

// Fingerprint of the current declarations.
func (r *Registry) Fingerprint() Fingerprint {
	tasks, groups := r.declarations()
	return FingerprintOf(tasks, groups)
}

func (r *Registry) declarations() ([]Task, []Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Task(nil), r.tasks...), append([]Group(nil), r.groups...)
}
