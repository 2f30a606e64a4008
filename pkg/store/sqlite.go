package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/cuemby/taskqueue/pkg/errkind"
	"github.com/cuemby/taskqueue/pkg/qlog"
	"github.com/cuemby/taskqueue/pkg/tqtypes"
)

// schemaVersion is the version this store knows how to read. NewSQLiteStore
// refuses to operate against a database stamped with a newer version.
const schemaVersion = 1

// SQLiteStore implements Store on top of a single local SQLite file in
// write-ahead-logging mode.
type SQLiteStore struct {
	db *sql.DB

	// writeMu serializes every statement that mutates tasks. SQLite
	// already rejects concurrent writers at the file level, but
	// serializing in-process avoids the retry/backoff dance that
	// SQLITE_BUSY would otherwise force on every caller and gives the
	// reservation algorithm the same single-writer guarantee the
	// teacher's bbolt-backed store gets for free from bbolt's own
	// exclusive write transactions.
	writeMu sync.Mutex

	// log is the base logger this store reports through. It defaults to
	// a no-op logger (discarding everything) so a caller that never
	// wires one up pays nothing; WithLogger attaches a real one.
	log zerolog.Logger
}

// NewSQLiteStore opens (creating if absent) the database file at path,
// provisions its schema, and verifies the schema version.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errkind.ErrStoreUnavailable, path, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, log: zerolog.Nop()}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// WithLogger attaches logger as this store's reporting sink, scoped to
// the "store" component, and returns s for chaining at construction time.
func (s *SQLiteStore) WithLogger(logger zerolog.Logger) *SQLiteStore {
	s.log = qlog.WithComponent(logger, "store")
	return s
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("%w: %s: %v", errkind.ErrStoreUnavailable, p, err)
		}
	}

	const createMeta = `
CREATE TABLE IF NOT EXISTS meta (
	id      INTEGER PRIMARY KEY CHECK (id = 0),
	version INTEGER NOT NULL
)`
	const createTasks = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id      TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	payload      BLOB NOT NULL,
	enqueued_at  INTEGER NOT NULL,
	available_at INTEGER NOT NULL,
	started_at   INTEGER,
	finished_at  INTEGER,
	result_value BLOB,
	error        TEXT,
	traceback    TEXT
)`
	const createIndex = `
CREATE INDEX IF NOT EXISTS idx_tasks_status_available
	ON tasks (status, available_at)`

	for _, stmt := range []string{createMeta, createTasks, createIndex} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: provision schema: %v", errkind.ErrStoreUnavailable, err)
		}
	}

	row := s.db.QueryRow(`SELECT version FROM meta WHERE id = 0`)
	var version int
	switch err := row.Scan(&version); {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec(`INSERT INTO meta (id, version) VALUES (0, ?)`, schemaVersion); err != nil {
			return fmt.Errorf("%w: stamp schema version: %v", errkind.ErrStoreUnavailable, err)
		}
	case err != nil:
		return fmt.Errorf("%w: read schema version: %v", errkind.ErrStoreUnavailable, err)
	case version > schemaVersion:
		return fmt.Errorf("%w: %w: database has version %d, store supports %d", errkind.ErrStoreUnavailable, errkind.ErrSchemaVersion, version, schemaVersion)
	}

	return nil
}

// Close releases the underlying file handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromUnixMilli(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func (s *SQLiteStore) Enqueue(ctx context.Context, taskID string, payload []byte, availableAt time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (task_id, status, payload, enqueued_at, available_at)
VALUES (?, ?, ?, ?, ?)`,
		taskID, string(tqtypes.StatusPending), payload, unixMilli(now), unixMilli(availableAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", errkind.ErrDuplicateTaskID, taskID)
		}
		return fmt.Errorf("%w: enqueue %s: %v", errkind.ErrStoreUnavailable, taskID, err)
	}
	return nil
}

// Reserve implements the reservation algorithm: select candidates, cap to
// maxItems, flip them to in_progress, and hand back the pre-update tuples
// of exactly the rows that were updated. The select-then-update runs inside
// one transaction so two concurrent reservers can never claim the same row.
func (s *SQLiteStore) Reserve(ctx context.Context, maxItems int, now time.Time) ([]tqtypes.Reservation, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin reserve: %v", errkind.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT task_id, payload, enqueued_at
FROM tasks
WHERE status = ? AND available_at <= ?
ORDER BY enqueued_at ASC, task_id ASC
LIMIT ?`,
		string(tqtypes.StatusPending), unixMilli(now), maxItems)
	if err != nil {
		return nil, fmt.Errorf("%w: select candidates: %v", errkind.ErrStoreUnavailable, err)
	}

	var reservations []tqtypes.Reservation
	for rows.Next() {
		var r tqtypes.Reservation
		var enqueuedAt int64
		if err := rows.Scan(&r.TaskID, &r.Payload, &enqueuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan candidate: %v", errkind.ErrStoreUnavailable, err)
		}
		r.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
		reservations = append(reservations, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("%w: iterate candidates: %v", errkind.ErrStoreUnavailable, err)
	}
	rows.Close()

	startedAt := unixMilli(now)
	for _, r := range reservations {
		res, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, started_at = ?
WHERE task_id = ? AND status = ?`,
			string(tqtypes.StatusInProgress), startedAt, r.TaskID, string(tqtypes.StatusPending))
		if err != nil {
			return nil, fmt.Errorf("%w: reserve %s: %v", errkind.ErrStoreUnavailable, r.TaskID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil, fmt.Errorf("%w: reserve %s: row changed out from under the reservation", errkind.ErrStoreUnavailable, r.TaskID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit reserve: %v", errkind.ErrStoreUnavailable, err)
	}
	return reservations, nil
}

func (s *SQLiteStore) MarkSuccess(ctx context.Context, taskID string, resultValue []byte, finishedAt time.Time) error {
	return s.markTerminal(ctx, taskID, tqtypes.StatusSuccess, resultValue, "", "", finishedAt)
}

func (s *SQLiteStore) MarkFailure(ctx context.Context, taskID string, errMsg, traceback string, finishedAt time.Time) error {
	return s.markTerminal(ctx, taskID, tqtypes.StatusFailed, nil, errMsg, traceback, finishedAt)
}

func (s *SQLiteStore) markTerminal(ctx context.Context, taskID string, status tqtypes.Status, resultValue []byte, errMsg, traceback string, finishedAt time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
UPDATE tasks
SET status = ?, result_value = ?, error = ?, traceback = ?, finished_at = ?
WHERE task_id = ? AND status = ?`,
		string(status), resultValue, nullableString(errMsg), nullableString(traceback), unixMilli(finishedAt),
		taskID, string(tqtypes.StatusInProgress))
	if err != nil {
		return fmt.Errorf("%w: mark %s %s: %v", errkind.ErrStoreUnavailable, taskID, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: mark %s %s: %v", errkind.ErrStoreUnavailable, taskID, status, err)
	}
	if n == 0 {
		s.log.Debug().Str("task_id", taskID).Str("status", string(status)).Msg("stale transition absorbed")
		return fmt.Errorf("%w: %s is no longer in_progress", errkind.ErrStaleTransition, taskID)
	}
	return nil
}

func (s *SQLiteStore) GetResult(ctx context.Context, taskID string) (*tqtypes.Result, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT task_id, status, result_value, error, traceback, enqueued_at, started_at, finished_at
FROM tasks WHERE task_id = ?`, taskID)

	var (
		r                      tqtypes.Result
		status                 string
		resultValue            []byte
		errMsg, traceback      sql.NullString
		enqueuedAt             int64
		startedAt, finishedAt  sql.NullInt64
	)
	switch err := row.Scan(&r.TaskID, &status, &resultValue, &errMsg, &traceback, &enqueuedAt, &startedAt, &finishedAt); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%w: get_result %s: %v", errkind.ErrStoreUnavailable, taskID, err)
	}

	r.Status = tqtypes.Status(status)
	r.ResultValue = resultValue
	r.Error = errMsg.String
	r.Traceback = traceback.String
	r.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
	r.StartedAt = fromUnixMilli(startedAt)
	r.FinishedAt = fromUnixMilli(finishedAt)
	return &r, nil
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[tqtypes.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("%w: count_by_status: %v", errkind.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	counts := make(map[tqtypes.Status]int64, 4)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("%w: scan status count: %v", errkind.ErrStoreUnavailable, err)
		}
		counts[tqtypes.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) StuckInProgress(ctx context.Context, olderThan time.Time) ([]tqtypes.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, status, enqueued_at, available_at, started_at
FROM tasks
WHERE status = ? AND started_at <= ?
ORDER BY started_at ASC`, string(tqtypes.StatusInProgress), unixMilli(olderThan))
	if err != nil {
		return nil, fmt.Errorf("%w: stuck_in_progress: %v", errkind.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var tasks []tqtypes.Task
	for rows.Next() {
		var t tqtypes.Task
		var status string
		var enqueuedAt, availableAt int64
		var startedAt sql.NullInt64
		if err := rows.Scan(&t.TaskID, &status, &enqueuedAt, &availableAt, &startedAt); err != nil {
			return nil, fmt.Errorf("%w: scan stuck row: %v", errkind.ErrStoreUnavailable, err)
		}
		t.Status = tqtypes.Status(status)
		t.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
		t.AvailableAt = time.UnixMilli(availableAt).UTC()
		t.StartedAt = fromUnixMilli(startedAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite wraps the underlying SQLite error code in its
	// message; there is no exported sentinel, so match the text the
	// driver produces for a UNIQUE constraint failure.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
