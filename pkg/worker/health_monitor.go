package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/taskqueue/pkg/qlog"
)

// stuckTaskTick is how often the diagnostics reporter samples the store
// for in_progress rows that have overstayed StuckTaskThreshold.
const stuckTaskTick = 30 * time.Second

// stuckTaskLoop periodically logs in_progress tasks whose started_at is
// older than cfg.StuckTaskThreshold. It never transitions a row back to
// pending — per the store's documented v1 behavior, recovery of orphaned
// in_progress rows is left to the operator.
func (w *Worker) stuckTaskLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(stuckTaskTick)
	defer ticker.Stop()

	logger := qlog.WithComponent(w.log, "worker.diagnostics")

	for {
		select {
		case <-ticker.C:
			w.reportStuckTasks(logger)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) reportStuckTasks(logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-w.cfg.StuckTaskThreshold)
	stuck, err := w.store.StuckInProgress(ctx, cutoff)
	if err != nil {
		logger.Warn().Err(err).Msg("stuck-task scan failed")
		return
	}
	for _, t := range stuck {
		logger.Warn().
			Str("task_id", t.TaskID).
			Time("started_at", t.StartedAt).
			Dur("age", time.Since(t.StartedAt)).
			Msg("task has been in_progress past the stuck-task threshold")
	}
}
