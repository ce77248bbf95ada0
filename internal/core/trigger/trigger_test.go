package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerWakesAllReaders(t *testing.T) {
	tr := New()
	readers := []*Reader{tr.AddReader(), tr.AddReader(), tr.AddReader()}

	var wg sync.WaitGroup
	errs := make(chan error, len(readers))
	for _, r := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.Read()
		}()
	}

	time.Sleep(10 * time.Millisecond)
	tr.Trigger()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	// Each reader woke exactly once.
	for _, r := range readers {
		assert.False(t, r.TryRead())
	}
}

func TestReaderIgnoresEarlierBroadcasts(t *testing.T) {
	tr := New()
	tr.Trigger()
	r := tr.AddReader()
	assert.False(t, r.TryRead())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.ReadContext(ctx), context.DeadlineExceeded)

	tr.Trigger()
	assert.True(t, r.TryRead())
}

func TestReaderBlocksUntilTrigger(t *testing.T) {
	tr := New()
	r := tr.AddReader()

	done := make(chan error, 1)
	go func() { done <- r.Read() }()

	select {
	case <-done:
		t.Fatal("Read returned before Trigger")
	case <-time.After(20 * time.Millisecond):
	}

	tr.Trigger()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for reader")
	}
}

func TestCloseReleasesReaders(t *testing.T) {
	tr := New()
	r := tr.AddReader()
	done := make(chan error, 1)
	go func() { done <- r.Read() }()
	time.Sleep(10 * time.Millisecond)
	tr.Close()
	assert.ErrorIs(t, <-done, ErrClosed)
}
