// Package signal holds the per-frame condition carriers: named signals and
// the one-shot reset flag.
package signal

import (
	"sort"
	"sync"
)

// Signals is a double-buffered set of active signal names. A name triggered
// during iteration N stays active for the rest of N and all of N+1, so tasks
// that run earlier in the next iteration still see it. Swap is called once at
// the start of every loop iteration by the scheduler.
type Signals struct {
	mu    sync.RWMutex
	front map[string]struct{} // triggered during the previous iteration
	back  map[string]struct{} // triggered during the current iteration
}

func NewSignals() *Signals {
	return &Signals{
		front: make(map[string]struct{}),
		back:  make(map[string]struct{}),
	}
}

// Trigger activates name. Triggering an active name again is a no-op apart
// from extending its lifetime to the next iteration.
func (s *Signals) Trigger(name string) {
	s.mu.Lock()
	s.back[name] = struct{}{}
	s.mu.Unlock()
}

// Active reports whether name was triggered in this or the previous iteration.
func (s *Signals) Active(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.back[name]; ok {
		return true
	}
	_, ok := s.front[name]
	return ok
}

// Names returns the active names, sorted.
func (s *Signals) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.front)+len(s.back))
	for n := range s.back {
		names = append(names, n)
	}
	for n := range s.front {
		if _, dup := s.back[n]; !dup {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// Swap rotates current→previous and clears the new current buffer.
func (s *Signals) Swap() {
	s.mu.Lock()
	s.front, s.back = s.back, s.front
	clear(s.back)
	s.mu.Unlock()
}

// Clear drops every active signal.
func (s *Signals) Clear() {
	s.mu.Lock()
	clear(s.front)
	clear(s.back)
	s.mu.Unlock()
}
