package engine

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/cost"
	"github.com/sells-group/orchestrator/internal/events"
	"github.com/sells-group/orchestrator/internal/model"
	"github.com/sells-group/orchestrator/internal/pipeline"
	"github.com/sells-group/orchestrator/internal/router"
	"github.com/sells-group/orchestrator/internal/store"
)

// outcome maps the error that ended a run to its terminal status and the
// component the failure is attributed to.
func outcome(err error) (model.RunStatus, string) {
	switch {
	case err == nil:
		return model.RunCompleted, "engine"
	case errors.Is(err, ErrCancelled):
		return model.RunCancelled, "engine"
	case errors.Is(err, router.ErrNoViableProvider):
		return model.RunFailed, "router"
	case errors.Is(err, ErrFailoverExhausted):
		return model.RunFailed, "gateway"
	case errors.Is(err, cost.ErrBudgetExceeded):
		return model.RunFailed, "cost"
	case errors.Is(err, ErrQualityRejected):
		return model.RunFailed, "quality"
	case errors.Is(err, pipeline.ErrStepFatal):
		return model.RunFailed, "pipeline"
	default:
		return model.RunFailed, "engine"
	}
}

// finalize moves the run to its terminal state and performs the terminal
// bookkeeping: save, history, and statistics. It runs once per run, under
// the workflow's lock.
func (e *Engine) finalize(ctx context.Context, x *execution, cause error) {
	h := x.h
	status, component := outcome(cause)
	if x.infra != nil {
		status, component = model.RunFailed, "store"
	}

	e.settleBudget(ctx, x)
	now := e.now()

	h.mu.Lock()
	h.closing = true
	run := h.run
	switch {
	case status == model.RunCompleted && run.Status == model.RunPaused:
		// A pause that arrived after the last checkpoint has nothing left
		// to hold.
		run.Status = model.RunRunning
	case !model.CanTransition(run.Status, status):
		x.log.Warn("engine: unexpected terminal transition",
			zap.String("from", string(run.Status)),
			zap.String("to", string(status)),
		)
	}
	run.Status = status
	run.EndedAt = &now
	started := run.CreatedAt
	if run.StartedAt != nil {
		started = *run.StartedAt
	}
	run.DurationMs = now.Sub(started).Milliseconds()
	run.Cost = x.tracker.Summary()
	run.CurrentStep = ""
	if status == model.RunCompleted {
		run.Progress = 100
	}
	if cause != nil {
		level, msg := model.IssueError, cause.Error()
		if status == model.RunCancelled {
			level, msg = model.IssueInfo, "run cancelled"
		}
		run.Issues = append(run.Issues, model.Issue{
			Level:     level,
			Component: component,
			Message:   msg,
			Timestamp: now,
		})
	}
	h.mu.Unlock()

	lock := e.workflowLock(x.wf.ID)
	lock.Lock()
	err := e.record(ctx, h)
	lock.Unlock()
	if err != nil {
		x.log.Error("engine: terminal bookkeeping failed", zap.Error(err))
		if x.infra == nil {
			x.infra = err
		}
	}
	h.err = x.infra

	snap, _ := h.snapshot()
	if snap != nil {
		if e.recorder != nil {
			var q *float64
			if snap.Quality != nil {
				v := snap.Quality.Overall
				q = &v
			}
			e.recorder.RunFinished(x.wf.ID, snap.Status, now.Sub(started), snap.Cost.Total, q)
		}
		e.publish(ctx, h, events.Terminal(snap.Status), map[string]any{
			"records_out": snap.RecordsOut,
			"cost":        snap.Cost.Total,
			"duration_ms": snap.DurationMs,
		})
	}

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int64("duration_ms", run.DurationMs),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	switch status {
	case model.RunCompleted:
		x.log.Info("engine: run completed", fields...)
	case model.RunCancelled:
		x.log.Info("engine: run cancelled", fields...)
	default:
		x.log.Warn("engine: run failed", fields...)
	}
}

// record persists the terminal run and folds it into history and
// statistics. A run that is already terminal in the store was recorded by
// an earlier attempt and is left alone.
func (e *Engine) record(ctx context.Context, h *handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	run := h.run
	if err := e.repo.SaveRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrRunImmutable) {
			return nil
		}
		return eris.Wrapf(err, "engine: save terminal run %s", run.ID)
	}
	if err := e.repo.AppendHistory(ctx, run.WorkflowID, run); err != nil {
		return eris.Wrapf(err, "engine: append history for run %s", run.ID)
	}
	if err := e.repo.UpdateStatistics(ctx, run.WorkflowID, model.DeltaFor(run)); err != nil {
		return eris.Wrapf(err, "engine: update statistics for workflow %s", run.WorkflowID)
	}
	return nil
}

// settleBudget raises budget alerts and, when optimisation is enabled and
// the budget is under pressure, records cheaper-provider recommendations.
func (e *Engine) settleBudget(ctx context.Context, x *execution) {
	status := x.tracker.CheckBudget()
	e.raise(ctx, x.h, x.tracker.Alerts(x.wf.ID, x.h.run.ID, e.now()))
	if status.State == cost.BudgetOK || !x.wf.Budget.Optimization.Enabled {
		return
	}

	x.mu.Lock()
	used := append([]usage(nil), x.used...)
	x.mu.Unlock()

	// u.provider already carries the health it was ranked with.
	alternatives := e.router.Live(x.providers)
	var recs []model.Recommendation
	for _, u := range used {
		if rec := cost.Recommend(e.calc, u.source, u.provider, alternatives, u.records); rec != nil {
			recs = append(recs, *rec)
		}
	}
	if len(recs) == 0 {
		return
	}
	x.h.update(func(r *model.Run) { r.Recommendations = append(r.Recommendations, recs...) })
	x.log.Info("engine: cost recommendations", zap.Int("count", len(recs)))
}
