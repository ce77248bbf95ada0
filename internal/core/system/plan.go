package system

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/kelindar/bitmap"
	"github.com/l1jgo/tickengine/internal/core/cond"
	"github.com/l1jgo/tickengine/internal/core/ecs"
	"golang.org/x/crypto/blake2b"
)

// Plan is the resolved, immutable execution order: per phase, a sequence of
// waves. Tasks inside a wave share no conflicting borrow and no ordering
// constraint, so they may run concurrently.
//
// A Plan is safe for concurrent read-only use.
type Plan struct {
	phases      [phaseCount][]Wave
	byName      map[string]*node
	fingerprint Fingerprint
}

// Wave is a set of tasks that run concurrently, sorted by name.
type Wave struct {
	tasks []*node
}

func (w Wave) Len() int { return len(w.tasks) }

func (w Wave) Names() []string {
	out := make([]string, len(w.tasks))
	for i, n := range w.tasks {
		out[i] = n.task.Name
	}
	return out
}

type slotBorrow struct {
	slot   *ecs.Slot
	access Access
}

// node is a compiled task.
type node struct {
	task    Task
	index   int // position among the tasks of its phase
	cond    cond.Expr
	reads   bitmap.Bitmap // slot ids borrowed read-only
	writes  bitmap.Bitmap // slot ids borrowed for writing
	borrows []slotBorrow  // sorted by slot id, acquisition order
	wave    int
}

// conflictsWith reports the first slot both tasks touch with at least one
// of them writing.
func (n *node) conflictsWith(o *node) (ecs.SlotID, bool) {
	var hit uint32
	found := false
	check := func(w, other *node) {
		w.writes.Range(func(x uint32) {
			if found {
				return
			}
			if other.writes.Contains(x) || other.reads.Contains(x) {
				hit, found = x, true
			}
		})
	}
	check(n, o)
	if !found {
		check(o, n)
	}
	return ecs.SlotID(hit), found
}

// Waves returns the task names of every wave in phase p.
func (p *Plan) Waves(ph Phase) [][]string {
	if !ph.valid() {
		return nil
	}
	out := make([][]string, len(p.phases[ph]))
	for i, w := range p.phases[ph] {
		out[i] = w.Names()
	}
	return out
}

// Locate returns the phase and wave index of a task.
func (p *Plan) Locate(name string) (Phase, int, bool) {
	n, ok := p.byName[name]
	if !ok {
		return 0, 0, false
	}
	return n.task.Phase, n.wave, true
}

// Len is the number of tasks in the plan.
func (p *Plan) Len() int { return len(p.byName) }

func (p *Plan) Fingerprint() Fingerprint { return p.fingerprint }

// Describe renders the plan one phase per line, e.g.
//
//	Update: [input] -> [move physics.step] -> [stats]
func (p *Plan) Describe() string {
	var b strings.Builder
	for _, ph := range Phases {
		waves := p.phases[ph]
		if len(waves) == 0 {
			continue
		}
		parts := make([]string, len(waves))
		for i, w := range waves {
			parts[i] = "[" + strings.Join(w.Names(), " ") + "]"
		}
		fmt.Fprintf(&b, "%s: %s\n", ph, strings.Join(parts, " -> "))
	}
	return b.String()
}

// Fingerprint identifies a task/group registration. Task bodies are not part
// of it; everything the resolver looks at is.
type Fingerprint [32]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:8]) }

// FingerprintOf hashes a registration in a canonical order, so the same
// declarations in any order produce the same fingerprint.
func FingerprintOf(tasks []Task, groups []Group) Fingerprint {
	lines := make([]string, 0, len(tasks)+len(groups))
	for _, t := range tasks {
		order := constraintKeys(t.Order)
		borrows := make([]string, len(t.Borrows))
		for i, b := range t.Borrows {
			borrows[i] = b.String()
		}
		sort.Strings(borrows)
		lines = append(lines, fmt.Sprintf("task|%s|%d|%s|%s|%s|%s",
			normalizeName(t.Name), t.Phase, normalizeName(t.Group),
			strings.Join(order, ","), strings.TrimSpace(t.Condition), strings.Join(borrows, ",")))
	}
	for _, g := range groups {
		lines = append(lines, fmt.Sprintf("group|%s|%s", normalizeName(g.Name), strings.Join(constraintKeys(g.Order), ",")))
	}
	sort.Strings(lines)
	return blake2b.Sum256([]byte(strings.Join(lines, "\n")))
}

func constraintKeys(cs []Constraint) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		c.Target = normalizeName(c.Target)
		out[i] = c.String()
	}
	sort.Strings(out)
	return out
}
