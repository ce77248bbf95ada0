package system

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/l1jgo/tickengine/internal/core/ecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gravity float64

type counter int

type body struct{ X, V float64 }

type mode int

const (
	modeIdle mode = iota
	modeBusy
)

func (m mode) String() string {
	if m == modeBusy {
		return "Busy"
	}
	return "Idle"
}

func nop(*Context) error { return nil }

func testWorld(t *testing.T) *ecs.World {
	t.Helper()
	w := ecs.NewWorld()
	_, err := ecs.AddResource(w, gravity(9.8))
	require.NoError(t, err)
	_, err = ecs.AddResource(w, counter(0))
	require.NoError(t, err)
	_, err = ecs.AddState(w, modeIdle)
	require.NoError(t, err)
	ecs.Archetype[body](w)
	return w
}

func task(name string, ph Phase, borrows ...Borrow) Task {
	return Task{Name: name, Phase: ph, Borrows: borrows, Run: nop}
}

func waveIndex(t *testing.T, p *Plan, name string) int {
	t.Helper()
	_, wi, ok := p.Locate(name)
	require.True(t, ok, name)
	return wi
}

func TestResolveOrdersByConstraints(t *testing.T) {
	w := testWorld(t)
	a := task("a", PhaseUpdate, Writes[counter]())
	b := task("b", PhaseUpdate, Writes[counter]())
	b.Order = []Constraint{After("a")}
	c := task("c", PhaseUpdate, Reads[counter]())
	c.Order = []Constraint{After("b")}
	d := task("d", PhaseUpdate, Reads[gravity]())

	p, err := Resolve(w, []Task{c, d, b, a}, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "d"}, {"b"}, {"c"}}, p.Waves(PhaseUpdate))
	assert.Equal(t, 4, p.Len())
	assert.Contains(t, p.Describe(), "Update: [a d] -> [b] -> [c]")
}

func TestResolveReadersShareAWave(t *testing.T) {
	w := testWorld(t)
	p, err := Resolve(w, []Task{
		task("r1", PhaseUpdate, Reads[counter](), Reads[body]()),
		task("r2", PhaseUpdate, Reads[counter]()),
		task("r3", PhaseUpdate, Reads[body]()),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"r1", "r2", "r3"}}, p.Waves(PhaseUpdate))
}

func TestResolveCycle(t *testing.T) {
	w := testWorld(t)
	a := task("a", PhaseFixedUpdate)
	a.Order = []Constraint{Before("b")}
	b := task("b", PhaseFixedUpdate)
	b.Order = []Constraint{Before("a")}
	c := task("c", PhaseFixedUpdate)

	_, err := Resolve(w, []Task{a, b, c}, nil)
	require.ErrorIs(t, err, ErrCyclicDependency)
	var se *SchedulingError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, PhaseFixedUpdate, se.Phase)
	assert.Equal(t, []string{"a", "b"}, se.Tasks)
}

func TestResolveUnorderedWriters(t *testing.T) {
	w := testWorld(t)
	_, err := Resolve(w, []Task{
		task("x", PhaseUpdate, Writes[counter]()),
		task("y", PhaseUpdate, Writes[counter]()),
	}, nil)
	require.ErrorIs(t, err, ErrUnorderedConflict)
	var se *SchedulingError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "counter", se.Slot)
	assert.Equal(t, []string{"x", "y"}, se.Tasks)
}

func TestResolveReaderWriterConflict(t *testing.T) {
	w := testWorld(t)
	_, err := Resolve(w, []Task{
		task("reader", PhaseSyncUpdate, Reads[body]()),
		task("writer", PhaseSyncUpdate, Writes[body]()),
	}, nil)
	assert.ErrorIs(t, err, ErrUnorderedConflict)
}

func TestResolveTransitiveOrderSatisfiesConflict(t *testing.T) {
	w := testWorld(t)
	// a and c both write counter; a -> b -> c orders them without a direct edge.
	a := task("a", PhaseUpdate, Writes[counter]())
	a.Order = []Constraint{Before("b")}
	b := task("b", PhaseUpdate)
	c := task("c", PhaseUpdate, Writes[counter]())
	c.Order = []Constraint{After("b")}
	p, err := Resolve(w, []Task{a, b, c}, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}}, p.Waves(PhaseUpdate))
}

func TestResolveConflictAcrossWavesStillNeedsOrder(t *testing.T) {
	w := testWorld(t)
	// y lands in a later wave than x only because of z; that is not an order
	// between x and y.
	x := task("x", PhaseUpdate, Writes[counter]())
	z := task("z", PhaseUpdate)
	y := task("y", PhaseUpdate, Writes[counter]())
	y.Order = []Constraint{After("z")}
	_, err := Resolve(w, []Task{x, y, z}, nil)
	assert.ErrorIs(t, err, ErrUnorderedConflict)
}

func TestResolveGroups(t *testing.T) {
	w := testWorld(t)
	m1 := task("physics.move", PhaseFixedUpdate, Writes[body]())
	m1.Group = "physics"
	m2 := task("physics.gravity", PhaseFixedUpdate, Reads[gravity]())
	m2.Group = "physics"
	in := task("input", PhaseFixedUpdate)
	in.Order = []Constraint{BeforeGroup("physics")}
	out := task("render", PhaseFixedUpdate, Reads[body]())

	p, err := Resolve(w, []Task{m1, m2, in, out}, []Group{
		{Name: "physics", Order: []Constraint{Before("render")}},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"input"}, {"physics.gravity", "physics.move"}, {"render"}}, p.Waves(PhaseFixedUpdate))
}

func TestResolveCrossPhaseConstraintIsSatisfied(t *testing.T) {
	w := testWorld(t)
	late := task("late", PhaseSyncUpdate)
	late.Order = []Constraint{After("early")}
	p, err := Resolve(w, []Task{late, task("early", PhaseUpdate)}, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"late"}}, p.Waves(PhaseSyncUpdate))
}

func TestResolveRegistrationErrors(t *testing.T) {
	w := testWorld(t)
	dangling := task("a", PhaseUpdate)
	dangling.Order = []Constraint{After("ghost")}
	badGroup := task("b", PhaseUpdate)
	badGroup.Order = []Constraint{AfterGroup("ghosts")}
	badCond := task("c", PhaseUpdate)
	badCond.Condition = `"sig" &&`
	unknownState := task("d", PhaseUpdate)
	unknownState.Condition = "Weather::Rain"

	cases := []struct {
		name  string
		tasks []Task
		want  error
	}{
		{"duplicate", []Task{task("a", PhaseUpdate), task("a", PhaseSetup)}, ErrDuplicateTask},
		{"nfc duplicate", []Task{task("caf\u00e9", PhaseUpdate), task("cafe\u0301", PhaseUpdate)}, ErrDuplicateTask},
		{"empty name", []Task{task("  ", PhaseUpdate)}, ErrInvalidTask},
		{"nil body", []Task{{Name: "a", Phase: PhaseUpdate}}, ErrInvalidTask},
		{"bad phase", []Task{task("a", Phase(42))}, ErrInvalidTask},
		{"unknown task", []Task{dangling}, ErrUnknownTarget},
		{"unknown group", []Task{badGroup}, ErrUnknownTarget},
		{"unknown slot", []Task{task("a", PhaseUpdate, Reads[string]())}, ErrUnknownSlot},
		{"unknown slot name", []Task{task("a", PhaseUpdate, ReadsNamed("nope"))}, ErrUnknownSlot},
		{"condition syntax", []Task{badCond}, ErrInvalidCondition},
		{"condition state", []Task{unknownState}, ErrInvalidCondition},
		{"long update write", []Task{task("a", PhaseLongUpdate, Writes[counter]())}, ErrLongUpdateWrite},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Resolve(w, tc.tasks, nil)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := Resolve(w, nil, []Group{{Name: "g"}, {Name: "g"}})
	assert.ErrorIs(t, err, ErrDuplicateGroup)
}

func TestResolveMergesDuplicateBorrows(t *testing.T) {
	w := testWorld(t)
	a := task("a", PhaseUpdate, Reads[counter](), WritesNamed("counter"))
	b := task("b", PhaseUpdate, Reads[counter]())
	_, err := Resolve(w, []Task{a, b}, nil)
	assert.ErrorIs(t, err, ErrUnorderedConflict, "write wins over read")
}

func TestFingerprintIgnoresDeclarationOrder(t *testing.T) {
	a := task("a", PhaseUpdate, Reads[counter](), Writes[body]())
	b := task("b", PhaseUpdate)
	b.Order = []Constraint{After("a"), Before("c")}
	c := task("c", PhaseUpdate)

	f1 := FingerprintOf([]Task{a, b, c}, []Group{{Name: "g"}})
	b.Order = []Constraint{Before("c"), After("a")}
	f2 := FingerprintOf([]Task{c, b, a}, []Group{{Name: "g"}})
	assert.Equal(t, f1, f2)

	c.Condition = "go"
	assert.NotEqual(t, f1, FingerprintOf([]Task{a, b, c}, []Group{{Name: "g"}}))
}

// Random DAGs: every constraint is respected by wave index and no wave holds
// a conflicting pair.
func TestResolveRandomPlansRespectConstraints(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		w := testWorld(t)
		n := 3 + rng.Intn(10)
		tasks := make([]Task, n)
		for i := range tasks {
			tasks[i] = task(fmt.Sprintf("t%02d", i), PhaseUpdate)
			if rng.Intn(3) == 0 {
				tasks[i].Borrows = append(tasks[i].Borrows, Reads[gravity]())
			}
		}
		// Edges only from lower to higher index keep the graph acyclic. Every
		// writer is chained after the previous writer.
		lastWriter := -1
		for i := range tasks {
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					tasks[i].Order = append(tasks[i].Order, After(tasks[j].Name))
				}
			}
			if rng.Intn(3) == 0 {
				tasks[i].Borrows = append(tasks[i].Borrows, Writes[counter]())
				if lastWriter >= 0 {
					tasks[lastWriter].Order = append(tasks[lastWriter].Order, Before(tasks[i].Name))
				}
				lastWriter = i
			}
		}
		rng.Shuffle(len(tasks), func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] })

		p, err := Resolve(w, tasks, nil)
		require.NoError(t, err, "round %d", round)

		for _, tk := range tasks {
			wi := waveIndex(t, p, tk.Name)
			for _, c := range tk.Order {
				other := waveIndex(t, p, c.Target)
				if c.Order == OrderAfter {
					assert.Less(t, other, wi, "%s after %s", tk.Name, c.Target)
				} else {
					assert.Less(t, wi, other, "%s before %s", tk.Name, c.Target)
				}
			}
		}
		for _, wave := range p.phases[PhaseUpdate] {
			for i, a := range wave.tasks {
				for _, b := range wave.tasks[i+1:] {
					_, clash := a.conflictsWith(b)
					assert.False(t, clash, "%s and %s share a wave", a.task.Name, b.task.Name)
				}
			}
		}
	}
}

func TestSchedulingErrorMessage(t *testing.T) {
	e := schedErr(ErrUnorderedConflict, PhaseUpdate, "", "x", "y")
	e.Slot = "counter"
	assert.Equal(t, "schedule: unordered conflict in Update: x, y (slot counter)", e.Error())
	assert.False(t, strings.Contains(schedErr(ErrDuplicateGroup, noPhase, "g").Error(), " in "))
}
