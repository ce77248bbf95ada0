package system

import (
	"time"

	coresys "github.com/l1jgo/tickengine/internal/core/system"
	"go.uber.org/zap"
)

// Task names, shared with config/schedule.yaml.
const (
	TaskSeed      = "world.seed"
	TaskIntegrate = "motion.integrate"
	TaskLifetime  = "lifetime.tick"
	TaskSpawn     = "spawn.tick"
	TaskCollect   = "stats.collect"
	TaskReport    = "stats.report"
	TaskClock     = "clock.advance"
	TaskReset     = "world.reset"

	GroupPhysics = "physics"
)

// Tasks returns the simulation wired with the builder API. The schedule
// manifest declares the same tasks and binds them through Bodies.
func Tasks() []coresys.Task {
	return []coresys.Task{
		{
			Name:  TaskSeed,
			Phase: coresys.PhaseSetup,
			Borrows: []coresys.Borrow{
				coresys.Writes[Body](), coresys.Writes[Spawner](), coresys.Writes[Stats](),
				coresys.Writes[Clock](), coresys.Writes[Mode](),
				coresys.Reads[Bounds](), coresys.Reads[initial](),
			},
			Run: seed,
		},
		{
			Name:    TaskIntegrate,
			Phase:   coresys.PhaseFixedUpdate,
			Group:   GroupPhysics,
			Borrows: []coresys.Borrow{coresys.Writes[Body](), coresys.Reads[Bounds]()},
			Run:     integrate,
		},
		{
			Name:    TaskLifetime,
			Phase:   coresys.PhaseFixedUpdate,
			Group:   GroupPhysics,
			Order:   []coresys.Constraint{coresys.After(TaskIntegrate)},
			Borrows: []coresys.Borrow{coresys.Writes[Body](), coresys.Writes[Stats]()},
			Run:     lifetime,
		},
		{
			Name:      TaskSpawn,
			Phase:     coresys.PhaseUpdate,
			Condition: "Mode::Running",
			Borrows:   []coresys.Borrow{coresys.Writes[Body](), coresys.Writes[Spawner](), coresys.Writes[Stats](), coresys.Reads[Bounds]()},
			Run:       spawnTick,
		},
		{
			Name:    TaskCollect,
			Phase:   coresys.PhaseUpdate,
			Order:   []coresys.Constraint{coresys.After(TaskSpawn)},
			Borrows: []coresys.Borrow{coresys.Reads[Body](), coresys.Reads[Spawner](), coresys.Writes[Stats]()},
			Run:     collect,
		},
		{
			Name:    TaskReport,
			Phase:   coresys.PhaseLongUpdate,
			Borrows: []coresys.Borrow{coresys.Reads[Stats](), coresys.Reads[Clock]()},
			Run:     report,
		},
		{
			Name:    TaskClock,
			Phase:   coresys.PhaseSyncUpdate,
			Borrows: []coresys.Borrow{coresys.Writes[Clock]()},
			Run:     advance,
		},
		{
			Name:      TaskReset,
			Phase:     coresys.PhaseSyncUpdate,
			Condition: `"` + SignalPopulationEmpty + `" && Mode::Running`,
			Borrows:   []coresys.Borrow{coresys.Writes[Mode]()},
			Run:       resetWorld,
		},
	}
}

// Groups returns the group declarations used by Tasks.
func Groups() []coresys.Group {
	return []coresys.Group{
		{Name: GroupPhysics, Order: nil},
	}
}

// Bodies maps task names to bodies for manifest registration.
func Bodies() map[string]coresys.TaskFunc {
	tasks := Tasks()
	out := make(map[string]coresys.TaskFunc, len(tasks))
	for _, t := range tasks {
		out[t.Name] = t.Run
	}
	return out
}

// Register adds Tasks and Groups to reg.
func Register(reg *coresys.Registry) {
	for _, g := range Groups() {
		reg.AddGroup(g)
	}
	for _, t := range Tasks() {
		reg.Add(t)
	}
}

func seed(c *coresys.Context) error {
	bodies := coresys.QueryMut[Body](c)
	bodies.Each(func(i int, _ *Body) { bodies.Remove(i) })

	sp := coresys.ResMut[Spawner](c)
	sp.Spawned = 0
	sp.acc = 0
	bounds := coresys.Res[Bounds](c)
	for i := 0; i < int(coresys.Res[initial](c)); i++ {
		sp.spawn(bodies, bounds)
	}

	st := coresys.ResMut[Stats](c)
	st.Rounds++
	st.Spawned += uint64(sp.Spawned)
	st.Live = sp.Spawned

	*coresys.ResMut[Clock](c) = Clock{}
	*coresys.ResMut[Mode](c) = ModeRunning
	c.Log().Info("world seeded", zap.Int("round", st.Rounds), zap.Int("bodies", sp.Spawned))
	return nil
}

func integrate(c *coresys.Context) error {
	dt := c.Delta().Seconds()
	b := coresys.Res[Bounds](c)
	coresys.QueryMut[Body](c).Each(func(_ int, p *Body) {
		p.X += p.VX * dt
		p.Y += p.VY * dt
		if p.X < 0 || p.X > b.W {
			p.VX = -p.VX
			p.X = clamp(p.X, 0, b.W)
		}
		if p.Y < 0 || p.Y > b.H {
			p.VY = -p.VY
			p.Y = clamp(p.Y, 0, b.H)
		}
	})
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}

func lifetime(c *coresys.Context) error {
	bodies := coresys.QueryMut[Body](c)
	st := coresys.ResMut[Stats](c)
	bodies.Each(func(i int, p *Body) {
		p.TTL -= c.Delta()
		if p.TTL <= 0 {
			bodies.Remove(i)
			st.Expired++
		}
	})
	return nil
}

func spawnTick(c *coresys.Context) error {
	sp := coresys.ResMut[Spawner](c)
	if sp.Spawned >= sp.Limit || sp.Every <= 0 {
		return nil
	}
	sp.acc += c.Delta()
	if sp.acc < sp.Every {
		return nil
	}
	sp.acc -= sp.Every

	bodies := coresys.QueryMut[Body](c)
	bounds := coresys.Res[Bounds](c)
	n := min(sp.Batch, sp.Limit-sp.Spawned)
	for i := 0; i < n; i++ {
		sp.spawn(bodies, bounds)
	}
	coresys.ResMut[Stats](c).Spawned += uint64(n)
	return nil
}

func collect(c *coresys.Context) error {
	live := coresys.Query[Body](c).Live()
	st := coresys.ResMut[Stats](c)
	st.Live = live
	sp := coresys.Res[Spawner](c)
	if live == 0 && sp.Spawned >= sp.Limit {
		c.Signal(SignalPopulationEmpty)
	}
	return nil
}

func report(c *coresys.Context) error {
	clock := coresys.Res[Clock](c)
	if clock.Frames == 0 || clock.Frames%reportEvery != 0 {
		return nil
	}
	st := coresys.Res[Stats](c)
	c.Log().Info("population",
		zap.Uint64("frame", c.Frame()),
		zap.Int("round", st.Rounds),
		zap.Int("live", st.Live),
		zap.Uint64("spawned", st.Spawned),
		zap.Uint64("expired", st.Expired),
		zap.Duration("elapsed", clock.Elapsed.Round(time.Millisecond)))
	return nil
}

// reportEvery is how many frames pass between population reports.
const reportEvery = 60

func advance(c *coresys.Context) error {
	clk := coresys.ResMut[Clock](c)
	clk.Frames++
	clk.Elapsed += c.Delta()
	return nil
}

func resetWorld(c *coresys.Context) error {
	*coresys.ResMut[Mode](c) = ModeLoading
	c.Log().Info("population empty, resetting", zap.Uint64("frame", c.Frame()))
	c.Reset()
	return nil
}
