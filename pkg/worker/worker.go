package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/taskqueue/pkg/codec"
	"github.com/cuemby/taskqueue/pkg/errkind"
	"github.com/cuemby/taskqueue/pkg/qevents"
	"github.com/cuemby/taskqueue/pkg/qlog"
	"github.com/cuemby/taskqueue/pkg/qmetrics"
	"github.com/cuemby/taskqueue/pkg/store"
	"github.com/cuemby/taskqueue/pkg/tqtypes"
)

// Config holds worker configuration. Zero values are replaced by their
// documented defaults in New.
type Config struct {
	// MaxConcurrency is the upper bound on simultaneously executing
	// tasks. Must be >= 1. Default 10.
	MaxConcurrency int

	// PollInterval is how long the dispatcher sleeps when the last
	// reservation returned no rows. Must be > 0. Default 1s.
	PollInterval time.Duration

	// BatchSize is the maximum maxItems passed to a single Reserve call.
	// It is also capped dynamically by remaining concurrency slots.
	// Must be >= 1. Default 10.
	BatchSize int

	// StuckTaskThreshold, if non-zero, enables a diagnostics reporter
	// that logs (but never mutates) in_progress tasks whose started_at
	// is older than this duration. Zero disables the reporter.
	StuckTaskThreshold time.Duration

	// Events, if set, receives lifecycle notifications. Publish is
	// best-effort, so a nil Events is simply "nobody is listening".
	Events *qevents.Broker

	// Logger is the base logger the dispatcher, executors, and
	// diagnostics reporter derive their component/task loggers from. A
	// nil Logger is replaced by a no-op logger, so a caller that does
	// not care about worker logs need not construct one.
	Logger *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	return c
}

// maxConsecutiveStoreFailures is how many Reserve calls in a row may fail
// with StoreUnavailable before the worker treats the store as fatally gone
// and begins draining. A failed MarkSuccess/MarkFailure write is logged and
// counted in qmetrics.StoreUnavailableTotal, but it is not retried and does
// not count toward this budget.
const maxConsecutiveStoreFailures = 5

// maxBackoff caps the exponential backoff applied between retries of a
// failing store operation.
const maxBackoff = 30 * time.Second

// Worker is the consumer-side runtime: it reserves tasks from a Store,
// executes them via a codec.HandlerRegistry, and records outcomes.
type Worker struct {
	store    store.Store
	codec    codec.Codec
	registry *codec.HandlerRegistry
	cfg      Config
	log      zerolog.Logger

	sem chan struct{}

	runningMu sync.Mutex
	running   map[string]struct{}
	drained   *sync.Cond

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Worker over store s, using codec c to decode task
// payloads and encode results, dispatching to handlers registered in reg.
func New(s store.Store, c codec.Codec, reg *codec.HandlerRegistry, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	w := &Worker{
		store:    s,
		codec:    c,
		registry: reg,
		cfg:      cfg,
		log:      log,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		running:  make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
	w.drained = sync.NewCond(&w.runningMu)
	return w
}

// Start begins the dispatcher loop (and the stuck-task reporter, if
// configured) on their own goroutines. It returns immediately.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.dispatchLoop()

	if w.cfg.StuckTaskThreshold > 0 {
		w.wg.Add(1)
		go w.stuckTaskLoop()
	}
}

// Stop is idempotent graceful shutdown: it stops the dispatcher from
// reserving new work and blocks until every in-flight executor has
// finished, including its final mark_success/mark_failure write.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}

func (w *Worker) dispatchLoop() {
	defer w.wg.Done()

	var consecutiveFailures int
	logger := qlog.WithComponent(w.log, "worker.dispatcher")

	for {
		select {
		case <-w.stopCh:
			w.drainRunning()
			return
		default:
		}

		free := w.freeSlots()
		if free == 0 {
			if !w.waitForSlotOrStop() {
				w.drainRunning()
				return
			}
			continue
		}

		batch := w.cfg.BatchSize
		if free < batch {
			batch = free
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		reserved, err := w.store.Reserve(ctx, batch, time.Now().UTC())
		cancel()

		if err != nil {
			qmetrics.StoreUnavailableTotal.Inc()
			consecutiveFailures++
			logger.Error().Err(err).Int("consecutive_failures", consecutiveFailures).Msg("reserve failed")
			if consecutiveFailures >= maxConsecutiveStoreFailures {
				logger.Error().Msg("store unavailable past retry budget, draining and stopping")
				w.stopOnce.Do(func() { close(w.stopCh) })
				w.drainRunning()
				return
			}
			if !w.sleepOrStop(backoff(consecutiveFailures)) {
				w.drainRunning()
				return
			}
			continue
		}
		consecutiveFailures = 0

		qmetrics.ReservationBatchSize.Observe(float64(len(reserved)))
		if len(reserved) == 0 {
			if !w.sleepOrStop(w.cfg.PollInterval) {
				w.drainRunning()
				return
			}
			continue
		}
		qmetrics.TasksReservedTotal.Add(float64(len(reserved)))

		for _, r := range reserved {
			w.publish(qevents.EventTaskReserved, r.TaskID, "")
			w.launchExecutor(r)
		}
	}
}

func (w *Worker) freeSlots() int {
	return cap(w.sem) - len(w.sem)
}

// waitForSlotOrStop blocks until an executor completes (freeing a
// semaphore slot) or stopping is signalled. Returns false if stopping.
func (w *Worker) waitForSlotOrStop() bool {
	select {
	case w.sem <- struct{}{}:
		<-w.sem
		return true
	case <-w.stopCh:
		return false
	}
}

func (w *Worker) sleepOrStop(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.stopCh:
		return false
	}
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (w *Worker) launchExecutor(r tqtypes.Reservation) {
	w.sem <- struct{}{}

	w.runningMu.Lock()
	w.running[r.TaskID] = struct{}{}
	w.runningMu.Unlock()
	qmetrics.ActiveExecutors.Inc()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			<-w.sem
			w.runningMu.Lock()
			delete(w.running, r.TaskID)
			w.drained.Broadcast()
			w.runningMu.Unlock()
			qmetrics.ActiveExecutors.Dec()
		}()
		w.execute(r)
	}()
}

// drainRunning blocks until the running registry is empty. Called once the
// dispatcher has stopped reserving; it does not cancel in-flight executors.
func (w *Worker) drainRunning() {
	w.runningMu.Lock()
	defer w.runningMu.Unlock()
	for len(w.running) > 0 {
		w.drained.Wait()
	}
}

// execute runs one reserved task end to end: decode, invoke, encode, mark.
// It must never let a handler's panic or error escape to the dispatcher —
// a failing task is a recorded outcome, not a worker fault.
func (w *Worker) execute(r tqtypes.Reservation) {
	start := time.Now()
	logger := qlog.WithTaskID(w.log, r.TaskID)

	outcome := "success"
	defer func() {
		qmetrics.TaskExecutionDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	call, err := w.codec.DecodeTask(r.Payload)
	if err != nil {
		outcome = "failed"
		w.fail(r.TaskID, "payload decode failed", err.Error(), logger)
		return
	}

	handler, ok := w.registry.Lookup(call.Handler)
	if !ok {
		outcome = "failed"
		uerr := &codec.ErrUnknownHandler{Name: call.Handler}
		w.fail(r.TaskID, uerr.Error(), uerr.Error(), logger)
		return
	}

	value, err := w.invoke(handler, call.Argument)
	if err != nil {
		outcome = "failed"
		msg, traceback := describeFailure(err)
		w.fail(r.TaskID, msg, traceback, logger)
		return
	}

	encoded, err := w.codec.EncodeValue(value)
	if err != nil {
		outcome = "failed"
		w.fail(r.TaskID, "result encode failed", err.Error(), logger)
		return
	}

	if err := w.store.MarkSuccess(context.Background(), r.TaskID, encoded, time.Now().UTC()); err != nil {
		if isStale(err) {
			logger.Debug().Msg("mark_success was a stale transition, discarding")
			return
		}
		qmetrics.StoreUnavailableTotal.Inc()
		logger.Error().Err(err).Msg("mark_success failed")
		return
	}
	qmetrics.TasksSucceededTotal.Inc()
	w.publish(qevents.EventTaskSucceeded, r.TaskID, "")
}

// invoke runs handler on a separate goroutine-bound recover boundary so a
// panicking synchronous callable becomes a TaskFailure instead of crashing
// the worker process.
func (w *Worker) invoke(handler codec.Handler, argument any) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", rec, debug.Stack())
		}
	}()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return handler(ctx, argument)
}

func (w *Worker) fail(taskID, errMsg, traceback string, logger zerolog.Logger) {
	if err := w.store.MarkFailure(context.Background(), taskID, errMsg, traceback, time.Now().UTC()); err != nil {
		if isStale(err) {
			logger.Debug().Msg("mark_failure was a stale transition, discarding")
			return
		}
		qmetrics.StoreUnavailableTotal.Inc()
		logger.Error().Err(err).Msg("mark_failure failed")
		return
	}
	qmetrics.TasksFailedTotal.Inc()
	w.publish(qevents.EventTaskFailed, taskID, errMsg)
}

func (w *Worker) publish(t qevents.EventType, taskID, message string) {
	if w.cfg.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.cfg.Events.Publish(ctx, &qevents.Event{Type: t, TaskID: taskID, Message: message}); err != nil {
		w.log.Debug().Err(err).Str("task_id", taskID).Msg("event publish skipped")
	}
}

func isStale(err error) bool {
	return errors.Is(err, errkind.ErrStaleTransition)
}

// describeFailure extracts a short message and a multi-line diagnostic
// from a handler's returned error. Handlers that want a richer traceback
// can return an error implementing interface{ Traceback() string }.
func describeFailure(err error) (message, traceback string) {
	message = err.Error()
	if t, ok := err.(interface{ Traceback() string }); ok {
		if tb := t.Traceback(); tb != "" {
			return message, tb
		}
	}
	return message, fmt.Sprintf("%s\n%s", message, debug.Stack())
}
