package signal

import "sync/atomic"

// Reset is a one-shot edge flag. Any task may raise it; the scheduler takes it
// once per iteration and re-enters Setup when it was set.
type Reset struct {
	flag atomic.Bool
}

func (r *Reset) Trigger() { r.flag.Store(true) }

func (r *Reset) Triggered() bool { return r.flag.Load() }

// Take clears the flag and reports whether it was set.
func (r *Reset) Take() bool { return r.flag.CompareAndSwap(true, false) }
