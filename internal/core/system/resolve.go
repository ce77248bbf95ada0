package system

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kelindar/bitmap"
	"github.com/l1jgo/tickengine/internal/core/cond"
	"github.com/l1jgo/tickengine/internal/core/ecs"
	"golang.org/x/text/unicode/norm"
)

func normalizeName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

type groupInfo struct {
	name     string
	declared bool
	order    []Constraint
	members  [phaseCount][]*node
}

type resolver struct {
	world  *ecs.World
	byName map[string]*node
	phases [phaseCount][]*node
	groups map[string]*groupInfo
}

// Resolve validates tasks and groups against the storage registered in w and
// builds the execution plan. It fails with ErrCyclicDependency when a phase
// has no topological order and with ErrUnorderedConflict when two tasks of a
// phase conflict on a borrow without a constraint ordering them, directly or
// transitively.
func Resolve(w *ecs.World, tasks []Task, groups []Group) (*Plan, error) {
	r := &resolver{
		world:  w,
		byName: make(map[string]*node, len(tasks)),
		groups: make(map[string]*groupInfo),
	}
	for i := range tasks {
		if err := r.addTask(i, tasks[i]); err != nil {
			return nil, err
		}
	}
	for _, g := range groups {
		if err := r.addGroup(g); err != nil {
			return nil, err
		}
	}
	if err := r.checkTargets(); err != nil {
		return nil, err
	}

	p := &Plan{
		byName:      r.byName,
		fingerprint: FingerprintOf(tasks, groups),
	}
	for _, ph := range Phases {
		waves, err := r.resolvePhase(ph)
		if err != nil {
			return nil, err
		}
		p.phases[ph] = waves
	}
	return p, nil
}

func (r *resolver) group(name string) *groupInfo {
	g, ok := r.groups[name]
	if !ok {
		g = &groupInfo{name: name}
		r.groups[name] = g
	}
	return g
}

func normalizeOrder(in []Constraint) []Constraint {
	out := make([]Constraint, len(in))
	for i, c := range in {
		c.Target = normalizeName(c.Target)
		out[i] = c
	}
	return out
}

func (r *resolver) addTask(i int, in Task) error {
	name := normalizeName(in.Name)
	if name == "" {
		return schedErr(ErrInvalidTask, noPhase, fmt.Sprintf("task at index %d has an empty name", i))
	}
	if !in.Phase.valid() {
		return schedErr(ErrInvalidTask, noPhase, fmt.Sprintf("unknown phase %d", int(in.Phase)), name)
	}
	if in.Run == nil {
		return schedErr(ErrInvalidTask, in.Phase, "nil body", name)
	}
	if _, dup := r.byName[name]; dup {
		return schedErr(ErrDuplicateTask, in.Phase, "", name)
	}

	n := &node{
		task: Task{
			Name:      name,
			Phase:     in.Phase,
			Group:     normalizeName(in.Group),
			Order:     normalizeOrder(in.Order),
			Condition: strings.TrimSpace(in.Condition),
			Borrows:   append([]Borrow(nil), in.Borrows...),
			Run:       in.Run,
		},
	}

	access := make(map[ecs.SlotID]Access, len(in.Borrows))
	slots := make(map[ecs.SlotID]*ecs.Slot, len(in.Borrows))
	for _, b := range in.Borrows {
		var (
			slot *ecs.Slot
			ok   bool
		)
		if b.Type != nil {
			slot, ok = r.world.SlotOf(b.Type)
		} else {
			slot, ok = r.world.SlotNamed(normalizeName(b.Name))
		}
		if !ok {
			e := schedErr(ErrUnknownSlot, in.Phase, "", name)
			e.Slot = b.String()
			return e
		}
		if b.Access == Write && in.Phase == PhaseLongUpdate {
			e := schedErr(ErrLongUpdateWrite, in.Phase, "", name)
			e.Slot = slot.Name
			return e
		}
		if prev, seen := access[slot.ID]; !seen || prev == Read {
			access[slot.ID] = b.Access
		}
		slots[slot.ID] = slot
	}
	for id, a := range access {
		if a == Write {
			n.writes.Set(uint32(id))
		} else {
			n.reads.Set(uint32(id))
		}
		n.borrows = append(n.borrows, slotBorrow{slot: slots[id], access: a})
	}
	sort.Slice(n.borrows, func(i, j int) bool { return n.borrows[i].slot.ID < n.borrows[j].slot.ID })

	expr, err := cond.Parse(n.task.Condition)
	if err != nil {
		return schedErr(ErrInvalidCondition, in.Phase, err.Error(), name)
	}
	_, states := cond.References(expr)
	for _, st := range states {
		slot, ok := r.world.SlotNamed(st.State)
		if !ok || slot.Kind != ecs.KindState {
			return schedErr(ErrInvalidCondition, in.Phase, fmt.Sprintf("unknown state %s", st.State), name)
		}
	}
	n.cond = expr

	r.byName[name] = n
	n.index = len(r.phases[in.Phase])
	r.phases[in.Phase] = append(r.phases[in.Phase], n)
	if n.task.Group != "" {
		g := r.group(n.task.Group)
		g.members[in.Phase] = append(g.members[in.Phase], n)
	}
	return nil
}

func (r *resolver) addGroup(in Group) error {
	name := normalizeName(in.Name)
	if name == "" {
		return schedErr(ErrInvalidTask, noPhase, "group with an empty name")
	}
	g := r.group(name)
	if g.declared {
		return schedErr(ErrDuplicateGroup, noPhase, name)
	}
	g.declared = true
	g.order = normalizeOrder(in.Order)
	return nil
}

func (r *resolver) targetExists(c Constraint) bool {
	if c.Group {
		_, ok := r.groups[c.Target]
		return ok
	}
	_, ok := r.byName[c.Target]
	return ok
}

func (r *resolver) checkTargets() error {
	for _, ph := range Phases {
		for _, n := range r.phases[ph] {
			for _, c := range n.task.Order {
				if !r.targetExists(c) {
					return schedErr(ErrUnknownTarget, ph, c.String(), n.task.Name)
				}
			}
		}
	}
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, c := range r.groups[name].order {
			if !r.targetExists(c) {
				return schedErr(ErrUnknownTarget, noPhase, c.String(), "group "+name)
			}
		}
	}
	return nil
}

// expand returns the tasks of phase ph a constraint points at. Targets in
// another phase are already ordered by the phase sequence and yield nothing.
func (r *resolver) expand(c Constraint, ph Phase) []*node {
	if c.Group {
		return r.groups[c.Target].members[ph]
	}
	n := r.byName[c.Target]
	if n.task.Phase != ph {
		return nil
	}
	return []*node{n}
}

func (r *resolver) resolvePhase(ph Phase) ([]Wave, error) {
	nodes := r.phases[ph]
	if len(nodes) == 0 {
		return nil, nil
	}

	succ := make([]bitmap.Bitmap, len(nodes))
	indeg := make([]int, len(nodes))
	addEdge := func(from, to int) {
		if from == to || succ[from].Contains(uint32(to)) {
			return
		}
		succ[from].Set(uint32(to))
		indeg[to]++
	}
	link := func(owner *node, c Constraint) {
		for _, m := range r.expand(c, ph) {
			if c.Order == OrderBefore {
				addEdge(owner.index, m.index)
			} else {
				addEdge(m.index, owner.index)
			}
		}
	}

	for _, n := range nodes {
		for _, c := range n.task.Order {
			link(n, c)
		}
	}
	for _, g := range r.groups {
		for _, m := range g.members[ph] {
			for _, c := range g.order {
				link(m, c)
			}
		}
	}

	byName := func(ids []int) {
		sort.Slice(ids, func(i, j int) bool { return nodes[ids[i]].task.Name < nodes[ids[j]].task.Name })
	}

	// Kahn's algorithm, one wave per round of ready nodes.
	var ready []int
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	byName(ready)

	var layers [][]int
	order := make([]int, 0, len(nodes))
	done := make([]bool, len(nodes))
	for len(order) < len(nodes) {
		if len(ready) == 0 {
			var stuck []string
			for i, n := range nodes {
				if !done[i] {
					stuck = append(stuck, n.task.Name)
				}
			}
			sort.Strings(stuck)
			return nil, schedErr(ErrCyclicDependency, ph, "", stuck...)
		}
		layers = append(layers, ready)
		var next []int
		for _, u := range ready {
			done[u] = true
			order = append(order, u)
			succ[u].Range(func(v uint32) {
				indeg[v]--
				if indeg[v] == 0 {
					next = append(next, int(v))
				}
			})
		}
		byName(next)
		ready = next
	}

	// reach[u] holds every node that must run after u.
	reach := make([]bitmap.Bitmap, len(nodes))
	for i := len(order) - 1; i >= 0; i-- {
		u := order[i]
		succ[u].Range(func(v uint32) {
			reach[u].Set(v)
			reach[v].Range(func(x uint32) { reach[u].Set(x) })
		})
	}

	sorted := append([]*node(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].task.Name < sorted[j].task.Name })
	for i, a := range sorted {
		for _, b := range sorted[i+1:] {
			id, clash := a.conflictsWith(b)
			if !clash {
				continue
			}
			if reach[a.index].Contains(uint32(b.index)) || reach[b.index].Contains(uint32(a.index)) {
				continue
			}
			e := schedErr(ErrUnorderedConflict, ph, "", a.task.Name, b.task.Name)
			e.Slot = r.world.Slot(id).Name
			return nil, e
		}
	}

	waves := make([]Wave, len(layers))
	for wi, layer := range layers {
		tasks := make([]*node, len(layer))
		for i, u := range layer {
			tasks[i] = nodes[u]
			nodes[u].wave = wi
		}
		for i, a := range tasks {
			for _, b := range tasks[i+1:] {
				if id, clash := a.conflictsWith(b); clash {
					e := schedErr(ErrUnorderedConflict, ph, "same wave", a.task.Name, b.task.Name)
					e.Slot = r.world.Slot(id).Name
					return nil, e
				}
			}
		}
		waves[wi] = Wave{tasks: tasks}
	}
	return waves, nil
}
