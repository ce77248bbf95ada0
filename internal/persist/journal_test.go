package persist

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/l1jgo/tickengine/internal/core/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failure(task string, frame uint64) system.TaskFailure {
	return system.TaskFailure{
		Task:        task,
		Phase:       system.PhaseUpdate,
		Frame:       frame,
		Err:         errors.New("boom"),
		Consecutive: 1,
	}
}

func TestJournalQueuesFailures(t *testing.T) {
	j := NewJournal(nil, nil)
	assert.NotEqual(t, uuid.Nil, j.RunID())

	j.RecordFailure(failure("a", 1))
	j.RecordFailure(failure("b", 2))
	assert.Equal(t, 2, j.Pending())

	recs := j.drain()
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Task)
	assert.Equal(t, "Update", recs[0].Phase)
	assert.Equal(t, "boom", recs[0].Message)
	assert.Equal(t, 0, j.Pending())

	j.RecordFailure(failure("c", 3))
	j.requeue(recs)
	got := j.drain()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].Task, got[1].Task, got[2].Task},
		"requeued records stay ahead of newer ones")
}

func TestJournalBoundsQueue(t *testing.T) {
	j := NewJournal(nil, nil)
	for i := 0; i < maxPending+5; i++ {
		j.RecordFailure(failure(fmt.Sprintf("t%d", i), uint64(i)))
	}
	assert.Equal(t, maxPending, j.Pending())
	assert.Equal(t, 5, j.Dropped())

	recs := j.drain()
	assert.Equal(t, "t5", recs[0].Task)

	j.RecordFailure(failure("new", 0))
	j.requeue(recs)
	assert.Equal(t, maxPending, j.Pending())
	assert.Equal(t, 6, j.Dropped())
}

func TestJournalFlushInterval(t *testing.T) {
	j := NewJournal(nil, nil)
	now := time.Unix(1000, 0)
	j.now = func() time.Time { return now }

	assert.True(t, j.due(time.Second))
	assert.False(t, j.due(time.Second))
	now = now.Add(2 * time.Second)
	assert.True(t, j.due(time.Second))
}
