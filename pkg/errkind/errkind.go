// Package errkind defines the sentinel error values that flow out of the
// store, client, and worker. Callers match them with errors.Is; wrapping
// follows the fmt.Errorf("...: %w", err) convention throughout this module.
package errkind

import "errors"

var (
	// ErrDuplicateTaskID is returned when enqueue is given a task_id that
	// already exists.
	ErrDuplicateTaskID = errors.New("duplicate task_id")

	// ErrCodec is returned when a codec fails to encode or decode a value.
	ErrCodec = errors.New("codec error")

	// ErrStaleTransition is returned when a terminal write is attempted on
	// a row that is no longer in_progress. Terminal states are sticky.
	ErrStaleTransition = errors.New("stale transition")

	// ErrStoreUnavailable is returned when the backing store cannot serve
	// a request: I/O failure, corruption, or schema version skew.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidArgument is returned when an input violates a documented
	// constraint, such as a naive (non-UTC) eta.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSchemaVersion is returned by store.NewSQLiteStore, alongside
	// ErrStoreUnavailable, when the database file carries a schema version
	// newer than this store knows how to read.
	ErrSchemaVersion = errors.New("unsupported schema version")
)
