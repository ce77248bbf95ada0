package ref

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefExpireVisibleToEveryClone(t *testing.T) {
	r := New("window")
	early := r.Clone()

	v, err := early.Load()
	require.NoError(t, err)
	assert.Equal(t, "window", v)

	r.Expire()
	late := r.Clone()

	for _, h := range []Ref[string]{r, early, late} {
		_, err := h.Load()
		assert.ErrorIs(t, err, ErrExpired)
		assert.True(t, h.Expired())

		g := h.Get()
		assert.True(t, g.Expired())
		p, err := g.Value()
		assert.Nil(t, p)
		assert.True(t, errors.Is(err, ErrExpired))
		g.Release()
	}

	// Expiry is one-directional.
	r.Expire()
	assert.True(t, early.Expired())
}

func TestRefExpireWaitsForOutstandingGuards(t *testing.T) {
	r := New(7)
	g := r.Get()

	done := make(chan struct{})
	go func() {
		r.Expire()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Expire returned while a guard was held")
	case <-time.After(20 * time.Millisecond):
	}

	v, err := g.Value()
	require.NoError(t, err)
	assert.Equal(t, 7, *v)
	g.Release()
	g.Release()

	<-done
	assert.True(t, r.Expired())
}

func TestLockedWriteExcludesReaders(t *testing.T) {
	l := NewLocked(0)
	w := l.Write()

	read := make(chan int)
	go func() {
		read <- l.Load()
	}()

	w.Set(42)
	select {
	case <-read:
		t.Fatal("reader got through an exclusive borrow")
	case <-time.After(20 * time.Millisecond):
	}
	w.Release()
	assert.Equal(t, 42, <-read)
}

func TestLockedSharedReaders(t *testing.T) {
	l := NewLocked([]int{1, 2, 3})
	a := l.Read()
	b := l.Read()
	assert.Len(t, *a.Get(), 3)
	assert.Len(t, *b.Get(), 3)
	a.Release()
	b.Release()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Update(func(s *[]int) { *s = append(*s, 0) })
		}()
	}
	wg.Wait()
	assert.Len(t, l.Load(), 11)
}

func TestLockedReentryIsViolation(t *testing.T) {
	l := NewLocked(1)
	g := l.Write()
	defer g.Release()

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, ErrLockAcquisitionViolation)
		var v *Violation
		require.ErrorAs(t, err, &v)
		assert.Equal(t, "int", v.Slot)
	}()
	l.Read()
}

func TestLockedGuardReleasedOnPanic(t *testing.T) {
	l := NewLocked(1)
	func() {
		defer func() { _ = recover() }()
		l.Update(func(v *int) {
			*v = 2
			panic("boom")
		})
	}()
	assert.Equal(t, 2, l.Load())
}

func TestLockedRefSharesSlot(t *testing.T) {
	l := NewLocked("a")
	r := l.Ref()
	c := r
	require.True(t, c.Valid())
	assert.False(t, LockedRef[string]{}.Valid())

	g := c.Write()
	g.Set("b")
	g.Release()
	assert.Equal(t, "b", r.Load())
	assert.Equal(t, "b", l.Load())
}
