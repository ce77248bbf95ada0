package system

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l1jgo/tickengine/internal/core/cond"
	"github.com/l1jgo/tickengine/internal/core/ecs"
	"github.com/l1jgo/tickengine/internal/core/ref"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunState is the scheduler lifecycle.
type RunState int32

const (
	Uninitialized RunState = iota
	RunningSetup
	SteadyLoop
	Stopped
)

func (s RunState) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case RunningSetup:
		return "RunningSetup"
	case SteadyLoop:
		return "SteadyLoop"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("RunState(%d)", int32(s))
	}
}

// Config tunes the steady loop.
type Config struct {
	FixedDelta            time.Duration // FixedUpdate step
	FrameRate             time.Duration // Run's ticker interval
	Workers               int           // max tasks of one wave running at once
	MaxFixedSteps         int           // FixedUpdate passes per iteration before the accumulator is dropped
	FailureThreshold      int           // consecutive failures before the repeated-failure hook
	StopOnRepeatedFailure bool
}

func DefaultConfig() Config {
	return Config{
		FixedDelta:       20 * time.Millisecond,
		FrameRate:        16 * time.Millisecond,
		Workers:          runtime.GOMAXPROCS(0),
		MaxFixedSteps:    8,
		FailureThreshold: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FixedDelta <= 0 {
		c.FixedDelta = d.FixedDelta
	}
	if c.FrameRate <= 0 {
		c.FrameRate = d.FrameRate
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxFixedSteps <= 0 {
		c.MaxFixedSteps = d.MaxFixedSteps
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	return c
}

// FailureSink receives every task failure.
type FailureSink interface {
	RecordFailure(f TaskFailure)
}

type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

func WithConfig(c Config) Option { return func(s *Scheduler) { s.cfg = c } }

func WithFailureSink(sink FailureSink) Option { return func(s *Scheduler) { s.sink = sink } }

// WithRepeatedFailureHook is called once when a task reaches the failure
// threshold. It re-arms after the task succeeds again.
func WithRepeatedFailureHook(fn func(TaskFailure)) Option {
	return func(s *Scheduler) { s.onRepeated = fn }
}

// WithClock replaces time.Now in Run.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// Scheduler drives a Plan over its world: Setup once, then the steady loop
// FixedUpdate → Update → LongUpdate dispatch → SyncUpdate, re-entering Setup
// whenever a Reset is requested.
type Scheduler struct {
	reg        *Registry
	world      *ecs.World
	cfg        Config
	log        *zap.Logger
	sink       FailureSink
	onRepeated func(TaskFailure)
	now        func() time.Time

	mu        sync.Mutex // serialises Setup and Step
	plan      *Plan
	acc       time.Duration
	setupRuns int

	state   atomic.Int32
	frame   atomic.Uint64
	stopReq atomic.Bool

	fatalMu sync.Mutex
	fatal   error

	failMu   sync.Mutex
	failures map[string]int

	longMu     sync.Mutex
	inflight   map[string]bool
	longWG     sync.WaitGroup
	longCtx    context.Context
	cancelLong context.CancelFunc
}

// New resolves the registry and returns a scheduler in Uninitialized state.
func New(reg *Registry, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		reg:      reg,
		world:    reg.World(),
		cfg:      DefaultConfig(),
		log:      zap.NewNop(),
		now:      time.Now,
		failures: make(map[string]int),
		inflight: make(map[string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	s.cfg = s.cfg.withDefaults()
	s.longCtx, s.cancelLong = context.WithCancel(context.Background())

	plan, err := reg.Build()
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	s.plan = plan
	return s, nil
}

func (s *Scheduler) State() RunState { return RunState(s.state.Load()) }

// Frame is the number of steady-loop iterations started so far.
func (s *Scheduler) Frame() uint64 { return s.frame.Load() }

func (s *Scheduler) Plan() *Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// SetupRuns counts completed Setup phases, including those caused by Reset.
func (s *Scheduler) SetupRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setupRuns
}

// transition moves to next unless the scheduler already stopped.
func (s *Scheduler) transition(next RunState) bool {
	for {
		cur := s.state.Load()
		if RunState(cur) == Stopped {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Setup runs the Setup phase once and enters the steady loop.
func (s *Scheduler) Setup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State() {
	case Uninitialized:
	case Stopped:
		return ErrStopped
	default:
		return errors.New("scheduler: setup already ran")
	}
	return s.runSetup(ctx)
}

func (s *Scheduler) runSetup(ctx context.Context) error {
	if !s.transition(RunningSetup) {
		return ErrStopped
	}
	if fp := s.reg.Fingerprint(); fp != s.plan.Fingerprint() {
		plan, err := s.reg.Build()
		if err != nil {
			s.halt()
			return fmt.Errorf("scheduler: re-resolve: %w", err)
		}
		s.log.Info("registry changed, plan re-resolved",
			zap.Stringer("fingerprint", fp), zap.Int("tasks", plan.Len()))
		s.plan = plan
	}
	if err := s.runPhase(ctx, PhaseSetup, 0); err != nil {
		return err
	}
	// A reset raised before or during Setup is satisfied by this run.
	s.world.Reset().Take()
	s.setupRuns++
	s.log.Debug("setup complete", zap.Int("run", s.setupRuns))
	if !s.transition(SteadyLoop) {
		return ErrStopped
	}
	return nil
}

// Step runs one steady-loop iteration with elapsed real time since the
// previous one. It runs Setup first when it has not run yet.
func (s *Scheduler) Step(ctx context.Context, elapsed time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fatalErr(); err != nil {
		return err
	}
	switch s.State() {
	case Stopped:
		return ErrStopped
	case Uninitialized:
		if err := s.runSetup(ctx); err != nil {
			return err
		}
	}

	frame := s.frame.Add(1)
	s.world.Signals().Swap()

	s.acc += elapsed
	steps := 0
	for s.acc >= s.cfg.FixedDelta {
		if steps == s.cfg.MaxFixedSteps {
			dropped := s.acc - s.acc%s.cfg.FixedDelta
			s.acc %= s.cfg.FixedDelta
			s.log.Warn("fixed update falling behind, dropping time",
				zap.Uint64("frame", frame), zap.Int("steps", steps), zap.Duration("dropped", dropped))
			break
		}
		if err := s.runPhase(ctx, PhaseFixedUpdate, s.cfg.FixedDelta); err != nil {
			return err
		}
		s.acc -= s.cfg.FixedDelta
		steps++
	}

	if err := s.runPhase(ctx, PhaseUpdate, elapsed); err != nil {
		return err
	}
	s.dispatchLong(frame, elapsed)
	if err := s.runPhase(ctx, PhaseSyncUpdate, elapsed); err != nil {
		return err
	}

	if n := s.world.Compact(); n > 0 {
		s.log.Debug("tables compacted", zap.Uint64("frame", frame), zap.Int("dropped", n))
	}

	if s.stopReq.Load() {
		s.halt()
		return ErrStopped
	}

	if s.world.Reset().Triggered() {
		s.log.Info("reset requested, re-entering setup", zap.Uint64("frame", frame))
		s.world.Signals().Clear()
		if err := s.runSetup(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run calls Step on every tick of the configured frame rate until ctx is
// cancelled or the scheduler stops.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.State() == Uninitialized {
		if err := s.Setup(ctx); err != nil {
			return err
		}
	}
	ticker := time.NewTicker(s.cfg.FrameRate)
	defer ticker.Stop()

	last := s.now()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			s.Wait()
			return nil
		case <-ticker.C:
			now := s.now()
			err := s.Step(ctx, now.Sub(last))
			last = now
			if err != nil {
				s.Stop()
				s.Wait()
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Stop moves to Stopped and cancels detached LongUpdate work. Safe to call
// from any goroutine, including a task body.
func (s *Scheduler) Stop() {
	s.stopReq.Store(true)
	s.halt()
}

func (s *Scheduler) halt() {
	s.state.Store(int32(Stopped))
	s.cancelLong()
}

// Wait blocks until every detached LongUpdate task has returned.
func (s *Scheduler) Wait() { s.longWG.Wait() }

func (s *Scheduler) setFatal(err error) {
	s.fatalMu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.fatalMu.Unlock()
	s.halt()
}

func (s *Scheduler) fatalErr() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatal
}

func (s *Scheduler) runPhase(ctx context.Context, ph Phase, delta time.Duration) error {
	frame := s.frame.Load()
	for i := range s.plan.phases[ph] {
		if err := s.runWave(ctx, ph, s.plan.phases[ph][i].tasks, frame, delta); err != nil {
			if errors.Is(err, ErrLockAcquisitionViolation) {
				s.log.Error("lock acquisition violation, stopping",
					zap.Stringer("phase", ph), zap.Uint64("frame", frame), zap.Error(err))
				s.setFatal(err)
			}
			return err
		}
	}
	return nil
}

// active filters a wave by its conditions. All conditions of a wave are
// evaluated before any of its tasks starts.
func (s *Scheduler) active(tasks []*node) []*node {
	out := make([]*node, 0, len(tasks))
	for _, n := range tasks {
		if cond.Eval(n.cond, s.world) {
			out = append(out, n)
		}
	}
	return out
}

func (s *Scheduler) runWave(ctx context.Context, ph Phase, tasks []*node, frame uint64, delta time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, n := range s.active(tasks) {
		g.Go(func() error {
			return s.runTask(gctx, ph, n, frame, delta, nil)
		})
	}
	return g.Wait()
}

// acquire takes every borrow of n in slot order and returns the live views.
func acquire(n *node) (map[ecs.SlotID]any, func()) {
	views := make(map[ecs.SlotID]any, len(n.borrows))
	held := 0
	release := func() {
		for i := held - 1; i >= 0; i-- {
			b := n.borrows[i]
			if b.access == Write {
				b.slot.Lock().UnlockExclusive()
			} else {
				b.slot.Lock().UnlockShared()
			}
		}
	}
	for _, b := range n.borrows {
		if b.access == Write {
			b.slot.Lock().LockExclusive()
		} else {
			b.slot.Lock().LockShared()
		}
		held++
		views[b.slot.ID] = b.slot.Live()
	}
	return views, release
}

func snapshot(n *node) map[ecs.SlotID]any {
	views := make(map[ecs.SlotID]any, len(n.borrows))
	for _, b := range n.borrows {
		views[b.slot.ID] = b.slot.Snapshot()
	}
	return views
}

// runTask invokes one task body. Task failures are recorded and swallowed;
// only a lock acquisition violation is returned.
func (s *Scheduler) runTask(ctx context.Context, ph Phase, n *node, frame uint64, delta time.Duration, views map[ecs.SlotID]any) error {
	c := &Context{
		ctx:   ctx,
		world: s.world,
		node:  n,
		phase: ph,
		frame: frame,
		delta: delta,
		log:   s.log.With(zap.String("task", n.task.Name)),
		views: views,
	}
	panicked, err := s.invoke(c, views == nil)
	if err == nil {
		s.succeeded(n.task.Name)
		return nil
	}
	var v *ref.Violation
	if errors.As(err, &v) {
		return fmt.Errorf("task %s: %w", n.task.Name, err)
	}
	s.failed(TaskFailure{Task: n.task.Name, Phase: ph, Frame: frame, Err: err, Panicked: panicked})
	return nil
}

func (s *Scheduler) invoke(c *Context, lock bool) (panicked bool, err error) {
	var release func()
	defer func() {
		if release != nil {
			release()
		}
		if r := recover(); r != nil {
			panicked = true
			if v, ok := r.(*ref.Violation); ok {
				err = v
				return
			}
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	if lock {
		c.views, release = acquire(c.node)
	}
	return false, c.node.task.Run(c)
}

func (s *Scheduler) succeeded(name string) {
	s.failMu.Lock()
	delete(s.failures, name)
	s.failMu.Unlock()
}

func (s *Scheduler) failed(f TaskFailure) {
	s.failMu.Lock()
	s.failures[f.Task]++
	f.Consecutive = s.failures[f.Task]
	s.failMu.Unlock()

	fields := []zap.Field{
		zap.String("task", f.Task),
		zap.Stringer("phase", f.Phase),
		zap.Uint64("frame", f.Frame),
		zap.Int("consecutive", f.Consecutive),
		zap.Error(f.Err),
	}
	if pe, ok := f.Err.(*panicError); ok {
		fields = append(fields, zap.ByteString("stack", pe.stack))
	}
	s.log.Warn("task failed", fields...)

	if s.sink != nil {
		s.sink.RecordFailure(f)
	}
	if f.Consecutive != s.cfg.FailureThreshold {
		return
	}
	s.log.Error("task failing repeatedly", zap.String("task", f.Task), zap.Int("threshold", s.cfg.FailureThreshold))
	if s.onRepeated != nil {
		s.onRepeated(f)
	}
	if s.cfg.StopOnRepeatedFailure {
		s.stopReq.Store(true)
	}
}

// dispatchLong starts the LongUpdate phase detached. Conditions and read
// snapshots are taken now; tasks still running from an earlier dispatch are
// skipped.
func (s *Scheduler) dispatchLong(frame uint64, delta time.Duration) {
	waves := s.plan.phases[PhaseLongUpdate]
	if len(waves) == 0 {
		return
	}
	type job struct {
		n     *node
		views map[ecs.SlotID]any
	}
	var batches [][]job

	s.longMu.Lock()
	for _, w := range waves {
		var batch []job
		for _, n := range s.active(w.tasks) {
			if s.inflight[n.task.Name] {
				s.log.Debug("long task still running, skipped",
					zap.String("task", n.task.Name), zap.Uint64("frame", frame))
				continue
			}
			s.inflight[n.task.Name] = true
			batch = append(batch, job{n: n, views: snapshot(n)})
		}
		if len(batch) > 0 {
			batches = append(batches, batch)
		}
	}
	s.longMu.Unlock()
	if len(batches) == 0 {
		return
	}

	s.longWG.Add(1)
	go func() {
		defer s.longWG.Done()
		for bi, batch := range batches {
			g, gctx := errgroup.WithContext(s.longCtx)
			g.SetLimit(s.cfg.Workers)
			for _, j := range batch {
				g.Go(func() error {
					defer s.finishLong(j.n.task.Name)
					if gctx.Err() != nil {
						return nil
					}
					return s.runTask(gctx, PhaseLongUpdate, j.n, frame, delta, j.views)
				})
			}
			if err := g.Wait(); err != nil {
				s.log.Error("lock acquisition violation in long update, stopping",
					zap.Uint64("frame", frame), zap.Error(err))
				s.setFatal(err)
				for _, rest := range batches[bi+1:] {
					for _, j := range rest {
						s.finishLong(j.n.task.Name)
					}
				}
				return
			}
		}
	}()
}

func (s *Scheduler) finishLong(name string) {
	s.longMu.Lock()
	delete(s.inflight, name)
	s.longMu.Unlock()
}
