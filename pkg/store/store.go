// Package store defines the durable, transactional repository of tasks and
// their outcomes. It is the sole coordinator between producers and workers:
// independent processes sharing the same database file act as one logical
// queue.
package store

import (
	"context"
	"time"

	"github.com/cuemby/taskqueue/pkg/tqtypes"
)

// Store is the sole source of truth for task state. Every method below is a
// single ACID transaction from the caller's point of view.
type Store interface {
	// Enqueue inserts a new row with status pending. It fails with
	// errkind.ErrDuplicateTaskID if taskID already exists.
	Enqueue(ctx context.Context, taskID string, payload []byte, availableAt time.Time) error

	// Reserve atomically selects up to maxItems pending rows whose
	// available_at is at or before now, transitions each to in_progress,
	// and returns the pre-update reservation tuples for exactly the rows
	// it updated. Candidates are ordered enqueued_at ASC, task_id ASC.
	Reserve(ctx context.Context, maxItems int, now time.Time) ([]tqtypes.Reservation, error)

	// MarkSuccess transitions taskID from in_progress to success. If the
	// row is not currently in_progress, it is a no-op that reports
	// errkind.ErrStaleTransition.
	MarkSuccess(ctx context.Context, taskID string, resultValue []byte, finishedAt time.Time) error

	// MarkFailure transitions taskID from in_progress to failed. Same
	// stale-transition behavior as MarkSuccess.
	MarkFailure(ctx context.Context, taskID string, errMsg, traceback string, finishedAt time.Time) error

	// GetResult returns the row projected as a Result, or nil if no such
	// row exists. It never mutates state.
	GetResult(ctx context.Context, taskID string) (*tqtypes.Result, error)

	// CountByStatus returns the number of rows currently in each status,
	// used by qmetrics' Collector.
	CountByStatus(ctx context.Context) (map[tqtypes.Status]int64, error)

	// StuckInProgress returns in_progress rows whose started_at is older
	// than olderThan, for diagnostics reporting. It never mutates state.
	StuckInProgress(ctx context.Context, olderThan time.Time) ([]tqtypes.Task, error)

	// Close flushes and releases the underlying file handle. Idempotent.
	Close() error
}
