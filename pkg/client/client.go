package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/taskqueue/pkg/codec"
	"github.com/cuemby/taskqueue/pkg/errkind"
	"github.com/cuemby/taskqueue/pkg/qevents"
	"github.com/cuemby/taskqueue/pkg/qlog"
	"github.com/cuemby/taskqueue/pkg/qmetrics"
	"github.com/cuemby/taskqueue/pkg/store"
	"github.com/cuemby/taskqueue/pkg/tqtypes"
)

// minPollInterval and maxPollInterval bound GetResult's polling cadence:
// max(50ms, timeout/20), capped at 1s.
const (
	minPollInterval = 50 * time.Millisecond
	maxPollInterval = time.Second
)

// Client is the producer-side façade: it creates task rows and polls the
// store for their outcome. It is safe to share between concurrent
// producers — every operation delegates to the store's own concurrency
// discipline.
type Client struct {
	store  store.Store
	codec  codec.Codec
	events *qevents.Broker
	log    zerolog.Logger
}

// New wraps s (and c for payload encoding) in a Client. Logging defaults
// to a no-op sink; attach a real one with WithLogger.
func New(s store.Store, c codec.Codec) *Client {
	return &Client{store: s, codec: c, log: zerolog.Nop()}
}

// WithEvents attaches a lifecycle event broker; Enqueue publishes
// EventTaskEnqueued through it. Passing nil disables publication.
func (cl *Client) WithEvents(b *qevents.Broker) *Client {
	cl.events = b
	return cl
}

// WithLogger attaches logger as this client's reporting sink, scoped to
// the "client" component, and returns cl for chaining at construction.
func (cl *Client) WithLogger(logger zerolog.Logger) *Client {
	cl.log = qlog.WithComponent(logger, "client")
	return cl
}

// Enqueue creates a new task that invokes the named handler with argument
// when a worker reserves it. If eta is the zero time, the task is
// available immediately; otherwise eta must be UTC and not in the local
// (naive) sense — construct it with time.Now().UTC().Add(d) or call .UTC()
// on it. Any eta whose location is not time.UTC, including a plain
// time.Now().Add(d) (which carries time.Local), is rejected with
// errkind.ErrInvalidArgument.
func (cl *Client) Enqueue(ctx context.Context, handlerName string, argument any, eta time.Time) (string, error) {
	if !eta.IsZero() && eta.Location() != time.UTC {
		return "", fmt.Errorf("%w: eta must be UTC, got location %s", errkind.ErrInvalidArgument, eta.Location())
	}

	payload, err := cl.codec.EncodeTask(codec.Call{Handler: handlerName, Argument: argument})
	if err != nil {
		return "", err
	}

	taskID := uuid.NewString()
	availableAt := eta
	if availableAt.IsZero() {
		availableAt = time.Now().UTC()
	}

	if err := cl.store.Enqueue(ctx, taskID, payload, availableAt); err != nil {
		return "", err
	}

	qmetrics.TasksEnqueuedTotal.Inc()
	qlog.WithTaskID(cl.log, taskID).Debug().Str("handler", handlerName).Msg("task enqueued")
	if cl.events != nil {
		if err := cl.events.Publish(ctx, &qevents.Event{Type: qevents.EventTaskEnqueued, TaskID: taskID}); err != nil {
			qlog.WithTaskID(cl.log, taskID).Debug().Err(err).Msg("event publish skipped")
		}
	}

	return taskID, nil
}

// GetResult returns the current Result projection for taskID.
//
// If timeout is zero, it returns immediately with whatever the store has
// right now (nil if the task does not exist). Otherwise it polls the
// store at a bounded interval — max(50ms, timeout/20), capped at 1s —
// until the task reaches a terminal status or the timeout elapses.
//
// A nil return deliberately does not distinguish "not found" from "not
// yet terminal": the caller cannot act differently on the two without
// polling again anyway.
func (cl *Client) GetResult(ctx context.Context, taskID string, timeout time.Duration) (*tqtypes.Result, error) {
	if timeout <= 0 {
		return cl.store.GetResult(ctx, taskID)
	}

	interval := timeout / 20
	if interval < minPollInterval {
		interval = minPollInterval
	}
	if interval > maxPollInterval {
		interval = maxPollInterval
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := cl.store.GetResult(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Status.Terminal() {
			return result, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close releases the underlying store handle.
func (cl *Client) Close() error {
	return cl.store.Close()
}
