// Package trigger provides a one-shot broadcast used for cross-goroutine
// checkpoints, e.g. a presenter goroutine announcing that its window exists
// before the scheduler starts its loop.
package trigger

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by readers once the Trigger is closed and no
// broadcast is left to observe.
var ErrClosed = errors.New("trigger closed")

// Trigger wakes every reader created from it. One writer, many readers.
type Trigger struct {
	mu     sync.Mutex
	cond   *sync.Cond
	gen    uint64 // broadcasts so far
	closed bool
}

func New() *Trigger {
	t := &Trigger{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// AddReader returns a reader that observes broadcasts made after this call.
func (t *Trigger) AddReader() *Reader {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Reader{t: t, seen: t.gen}
}

// Trigger wakes all current readers. Readers that have not consumed the
// previous broadcast yet consume both at once.
func (t *Trigger) Trigger() {
	t.mu.Lock()
	t.gen++
	t.cond.Broadcast()
	t.mu.Unlock()
}

// Close releases every blocked reader with ErrClosed.
func (t *Trigger) Close() {
	t.mu.Lock()
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()
}

// Reader is owned by a single goroutine.
type Reader struct {
	t    *Trigger
	seen uint64
}

// Read blocks until the next broadcast after the reader's creation or its
// previous Read.
func (r *Reader) Read() error {
	return r.ReadContext(context.Background())
}

// ReadContext is Read with cancellation.
func (r *Reader) ReadContext(ctx context.Context) error {
	t := r.t
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.gen == r.seen && !t.closed && ctx.Err() == nil {
		t.cond.Wait()
	}
	if t.gen != r.seen {
		r.seen = t.gen
		return nil
	}
	if t.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// TryRead consumes a pending broadcast without blocking.
func (r *Reader) TryRead() bool {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	if r.t.gen == r.seen {
		return false
	}
	r.seen = r.t.gen
	return true
}
