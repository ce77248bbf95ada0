package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/l1jgo/tickengine/internal/core/system"
	"go.uber.org/zap"
)

// maxPending bounds the in-memory failure queue while the database is slow
// or unreachable. The oldest records are dropped first.
const maxPending = 10000

// FailureRecord is one journaled task failure.
type FailureRecord struct {
	Task        string
	Phase       string
	Frame       uint64
	Message     string
	Panicked    bool
	Consecutive int
	At          time.Time
}

// Journal records engine runs and their task failures. RecordFailure only
// queues; Flush writes the queue in one transaction. The journal is a
// system.FailureSink.
type Journal struct {
	db    *DB
	runID uuid.UUID
	log   *zap.Logger
	now   func() time.Time

	mu        sync.Mutex
	pending   []FailureRecord
	dropped   int
	total     int64
	lastFlush time.Time
}

func NewJournal(db *DB, log *zap.Logger) *Journal {
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{
		db:    db,
		runID: uuid.New(),
		log:   log,
		now:   time.Now,
	}
}

func (j *Journal) RunID() uuid.UUID { return j.runID }

// RecordFailure implements system.FailureSink.
func (j *Journal) RecordFailure(f system.TaskFailure) {
	rec := FailureRecord{
		Task:        f.Task,
		Phase:       f.Phase.String(),
		Frame:       f.Frame,
		Message:     f.Err.Error(),
		Panicked:    f.Panicked,
		Consecutive: f.Consecutive,
		At:          j.now(),
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.total++
	if len(j.pending) >= maxPending {
		j.pending = j.pending[1:]
		j.dropped++
	}
	j.pending = append(j.pending, rec)
}

// Pending returns the number of queued records.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// Dropped returns how many records were discarded because the queue was full.
func (j *Journal) Dropped() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

func (j *Journal) drain() []FailureRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.pending
	j.pending = nil
	return out
}

// requeue puts recs back in front of anything queued since the drain.
func (j *Journal) requeue(recs []FailureRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	merged := append(recs, j.pending...)
	if over := len(merged) - maxPending; over > 0 {
		merged = merged[over:]
		j.dropped += over
	}
	j.pending = merged
}

// Start inserts the run row.
func (j *Journal) Start(ctx context.Context, fingerprint string, tasks int) error {
	if _, err := j.db.Pool.Exec(ctx,
		`INSERT INTO engine_runs (run_id, fingerprint, tasks) VALUES ($1, $2, $3)`,
		j.runID, fingerprint, tasks,
	); err != nil {
		return fmt.Errorf("journal start: %w", err)
	}
	return nil
}

// Flush writes every queued failure in a single transaction. On error the
// records are queued again.
func (j *Journal) Flush(ctx context.Context) (int, error) {
	recs := j.drain()
	if len(recs) == 0 {
		return 0, nil
	}
	if err := j.write(ctx, recs); err != nil {
		j.requeue(recs)
		return 0, err
	}
	return len(recs), nil
}

func (j *Journal) write(ctx context.Context, recs []FailureRecord) error {
	tx, err := j.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("journal begin: %w", err)
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, r := range recs {
		b.Queue(
			`INSERT INTO task_failures (run_id, task, phase, frame, message, panicked, consecutive, failed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			j.runID, r.Task, r.Phase, int64(r.Frame), r.Message, r.Panicked, r.Consecutive, r.At,
		)
	}
	b.Queue(`UPDATE engine_runs SET failures = failures + $2 WHERE run_id = $1`, j.runID, len(recs))
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	return tx.Commit(ctx)
}

// Finish flushes what is left and closes the run row.
func (j *Journal) Finish(ctx context.Context, frames uint64) error {
	if _, err := j.Flush(ctx); err != nil {
		return err
	}
	if _, err := j.db.Pool.Exec(ctx,
		`UPDATE engine_runs SET finished_at = now(), frames = $2 WHERE run_id = $1`,
		j.runID, int64(frames),
	); err != nil {
		return fmt.Errorf("journal finish: %w", err)
	}
	return nil
}

// due reports whether interval has passed since the last flush and, if so,
// marks now as the last flush.
func (j *Journal) due(interval time.Duration) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	if now.Sub(j.lastFlush) < interval {
		return false
	}
	j.lastFlush = now
	return true
}

// FlushTask returns a LongUpdate task body that flushes the journal at most
// once per interval.
func (j *Journal) FlushTask(interval time.Duration) system.TaskFunc {
	return func(c *system.Context) error {
		if j.Pending() == 0 || !j.due(interval) {
			return nil
		}
		n, err := j.Flush(c.Context())
		if err != nil {
			return err
		}
		c.Log().Debug("journal flushed", zap.Int("records", n))
		return nil
	}
}
