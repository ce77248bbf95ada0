package main

import (
	"context"
	"sync/atomic"

	coresys "github.com/l1jgo/tickengine/internal/core/system"
	"github.com/l1jgo/tickengine/internal/core/trigger"
	"github.com/l1jgo/tickengine/internal/system"
	"go.uber.org/zap"
)

// presentEvery is how many presented frames pass between debug lines.
const presentEvery = 600

// presenter consumes settled frames on its own goroutine. The scheduler
// publishes a copy of Stats at the end of every SyncUpdate and fires frames;
// the presenter announces itself on ready before the loop starts.
type presenter struct {
	log    *zap.Logger
	frames *trigger.Trigger
	latest atomic.Pointer[system.Stats]
	frame  atomic.Uint64
	shown  atomic.Uint64
}

func newPresenter(log *zap.Logger) *presenter {
	return &presenter{log: log, frames: trigger.New()}
}

func (p *presenter) task() coresys.Task {
	return coresys.Task{
		Name:    "frame.present",
		Phase:   coresys.PhaseSyncUpdate,
		Borrows: []coresys.Borrow{coresys.Reads[system.Stats]()},
		Run: func(c *coresys.Context) error {
			st := coresys.Res[system.Stats](c)
			p.latest.Store(&st)
			p.frame.Store(c.Frame())
			p.frames.Trigger()
			return nil
		},
	}
}

func (p *presenter) run(ctx context.Context, ready *trigger.Trigger) {
	r := p.frames.AddReader()
	ready.Trigger()
	for {
		if err := r.ReadContext(ctx); err != nil {
			return
		}
		n := p.shown.Add(1)
		if n%presentEvery != 0 {
			continue
		}
		if st := p.latest.Load(); st != nil {
			p.log.Debug("frame presented",
				zap.Uint64("frame", p.frame.Load()),
				zap.Uint64("presented", n),
				zap.Int("live", st.Live))
		}
	}
}

func (p *presenter) close() { p.frames.Close() }
