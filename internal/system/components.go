// Package system holds the simulation tasks shipped with the engine: a small
// particle world that spawns bodies, integrates them on the fixed step,
// expires them and resets once the population dies out.
package system

import (
	"fmt"
	"time"

	"github.com/l1jgo/tickengine/internal/core/ecs"
)

// Body is the only archetype: one moving particle.
type Body struct {
	ID     uint64
	X, Y   float64
	VX, VY float64
	TTL    time.Duration
}

// Clock tracks loop time as seen by SyncUpdate.
type Clock struct {
	Frames  uint64
	Elapsed time.Duration
}

// Spawner emits Batch bodies every Every of Update time while the world is
// running, until Limit bodies have been spawned in the current round.
type Spawner struct {
	Every time.Duration
	Batch int
	Limit int
	TTL   time.Duration

	NextID  uint64
	Spawned int
	acc     time.Duration
}

// Bounds is the box bodies bounce inside.
type Bounds struct {
	W, H float64
}

// Stats is refreshed every Update and read by the LongUpdate reporter.
type Stats struct {
	Live    int
	Spawned uint64
	Expired uint64
	Rounds  int
}

// Mode is the world state.
type Mode int

const (
	ModeLoading Mode = iota
	ModeRunning
	ModePaused
)

func (m Mode) String() string {
	switch m {
	case ModeLoading:
		return "Loading"
	case ModeRunning:
		return "Running"
	case ModePaused:
		return "Paused"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// SignalPopulationEmpty is raised by stats.collect when no body is alive.
const SignalPopulationEmpty = "population.empty"

// Settings seeds the world resources.
type Settings struct {
	Bounds  Bounds
	Every   time.Duration
	Batch   int
	Limit   int
	TTL     time.Duration
	Initial int // bodies spawned by Setup
}

func DefaultSettings() Settings {
	return Settings{
		Bounds:  Bounds{W: 100, H: 100},
		Every:   100 * time.Millisecond,
		Batch:   4,
		Limit:   64,
		TTL:     3 * time.Second,
		Initial: 8,
	}
}

// Install registers every storage slot the tasks borrow.
func Install(w *ecs.World, s Settings) error {
	ecs.Archetype[Body](w)
	if _, err := ecs.AddResource(w, s.Bounds); err != nil {
		return fmt.Errorf("install bounds: %w", err)
	}
	if _, err := ecs.AddResource(w, Spawner{Every: s.Every, Batch: s.Batch, Limit: s.Limit, TTL: s.TTL}); err != nil {
		return fmt.Errorf("install spawner: %w", err)
	}
	if _, err := ecs.AddResource(w, Stats{}); err != nil {
		return fmt.Errorf("install stats: %w", err)
	}
	if _, err := ecs.AddResource(w, Clock{}); err != nil {
		return fmt.Errorf("install clock: %w", err)
	}
	if _, err := ecs.AddResource(w, initial(s.Initial)); err != nil {
		return fmt.Errorf("install seed: %w", err)
	}
	if _, err := ecs.AddState(w, ModeLoading); err != nil {
		return fmt.Errorf("install mode: %w", err)
	}
	return nil
}

// initial is the number of bodies world.seed spawns.
type initial int

// spawn appends one body with a velocity derived from its id, so runs are
// reproducible.
func (sp *Spawner) spawn(t *ecs.Table[Body], b Bounds) {
	id := sp.NextID
	sp.NextID++
	sp.Spawned++
	t.Append(Body{
		ID:  id,
		X:   float64(id*7%uint64(max(int(b.W), 1))) + 0.5,
		Y:   float64(id*13%uint64(max(int(b.H), 1))) + 0.5,
		VX:  float64(int(id*37%11) - 5),
		VY:  float64(int(id*53%11) - 5),
		TTL: sp.TTL,
	})
}
