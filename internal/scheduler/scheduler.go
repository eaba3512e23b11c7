// Package scheduler emits due workflow runs on a fixed polling cadence.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/engine"
	"github.com/sells-group/orchestrator/internal/model"
)

// DefaultPollInterval is used when Options.PollInterval is unset.
const DefaultPollInterval = 15 * time.Second

// Trigger starts runs. engine.Engine satisfies it.
type Trigger interface {
	TriggerRun(ctx context.Context, workflowID string, req engine.TriggerRequest) (string, error)
	ActiveRuns(workflowID string) int
}

// Repository is the persistence the scheduler reads.
type Repository interface {
	ListWorkflows(ctx context.Context) ([]model.Workflow, error)
	CountActiveRuns(ctx context.Context, workflowID string) (int, error)
}

// Observer is notified of every emission.
type Observer interface {
	ScheduledRun(workflowID string)
}

// Emission is one run started by a tick.
type Emission struct {
	WorkflowID string    `json:"workflow_id"`
	RunID      string    `json:"run_id"`
	DueAt      time.Time `json:"due_at"`
}

// Options configures a Scheduler.
type Options struct {
	PollInterval time.Duration
	Observer     Observer
	Now          func() time.Time
}

// Scheduler polls workflows and triggers the ones that are due.
type Scheduler struct {
	repo     Repository
	trigger  Trigger
	interval time.Duration
	observer Observer
	nowFunc  func() time.Time

	mu sync.Mutex
	// anchors holds when a never-run cron workflow was first seen, so its
	// first match is searched from a fixed point instead of every tick's now.
	anchors map[string]time.Time
}

// New creates a Scheduler.
func New(repo Repository, trigger Trigger, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		repo:     repo,
		trigger:  trigger,
		interval: opts.PollInterval,
		observer: opts.Observer,
		nowFunc:  opts.Now,
		anchors:  make(map[string]time.Time),
	}
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRun returns when wf should next run, or nil for manual schedules.
// Interval schedules are due LastRunAt + IntervalMs, or now when the
// workflow has never run. Cron schedules return the first match after
// LastRunAt (or now) in the schedule's timezone.
func NextRun(wf *model.Workflow, now time.Time) (*time.Time, error) {
	from := now
	if wf.Stats.LastRunAt != nil {
		from = *wf.Stats.LastRunAt
	}
	return nextFrom(wf, from, wf.Stats.LastRunAt == nil)
}

func nextFrom(wf *model.Workflow, from time.Time, neverRun bool) (*time.Time, error) {
	s := wf.Schedule
	switch s.Type {
	case "", model.ScheduleManual:
		return nil, nil

	case model.ScheduleInterval:
		if s.IntervalMs <= 0 {
			return nil, eris.Errorf("scheduler: workflow %s has no interval", wf.ID)
		}
		if neverRun {
			return &from, nil
		}
		next := from.Add(time.Duration(s.IntervalMs) * time.Millisecond)
		return &next, nil

	case model.ScheduleCron:
		loc := time.UTC
		if s.Timezone != "" {
			l, err := time.LoadLocation(s.Timezone)
			if err != nil {
				return nil, eris.Wrapf(err, "scheduler: workflow %s timezone %q", wf.ID, s.Timezone)
			}
			loc = l
		}
		sched, err := parser.Parse(s.Cron)
		if err != nil {
			return nil, eris.Wrapf(err, "scheduler: workflow %s cron %q", wf.ID, s.Cron)
		}
		next := sched.Next(from.In(loc))
		if next.IsZero() {
			return nil, nil
		}
		return &next, nil

	default:
		return nil, eris.Errorf("scheduler: workflow %s has unknown schedule type %q", wf.ID, s.Type)
	}
}

// due resolves the next run of wf as seen by this scheduler.
func (s *Scheduler) due(wf *model.Workflow, now time.Time) (*time.Time, error) {
	if wf.Stats.LastRunAt != nil || wf.Schedule.Type != model.ScheduleCron {
		return NextRun(wf, now)
	}
	s.mu.Lock()
	anchor, ok := s.anchors[wf.ID]
	if !ok {
		anchor = now
		if !wf.CreatedAt.IsZero() && wf.CreatedAt.Before(now) {
			anchor = wf.CreatedAt
		}
		s.anchors[wf.ID] = anchor
	}
	s.mu.Unlock()
	return nextFrom(wf, anchor, true)
}

// active reports whether wf already has a scheduled, running, or paused run.
func (s *Scheduler) active(ctx context.Context, wfID string) (bool, error) {
	if s.trigger.ActiveRuns(wfID) > 0 {
		return true, nil
	}
	n, err := s.repo.CountActiveRuns(ctx, wfID)
	if err != nil {
		return false, eris.Wrapf(err, "scheduler: count active runs of %s", wfID)
	}
	return n > 0, nil
}

// Tick triggers every enabled workflow due at now that has no active run.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) ([]Emission, error) {
	wfs, err := s.repo.ListWorkflows(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: list workflows")
	}

	var out []Emission
	for i := range wfs {
		wf := &wfs[i]
		if !wf.Schedule.Enabled || wf.Schedule.Type == model.ScheduleManual || wf.Schedule.Type == "" {
			continue
		}
		log := zap.L().With(zap.String("workflow_id", wf.ID))

		next, err := s.due(wf, now)
		if err != nil {
			log.Warn("scheduler: cannot compute next run", zap.Error(err))
			continue
		}
		if next == nil || next.After(now) {
			continue
		}

		busy, err := s.active(ctx, wf.ID)
		if err != nil {
			return out, err
		}
		if busy {
			log.Debug("scheduler: workflow already active, not emitted")
			continue
		}

		runID, err := s.trigger.TriggerRun(ctx, wf.ID, engine.TriggerRequest{Trigger: model.TriggerScheduled})
		switch {
		case errors.Is(err, engine.ErrConcurrencyLimit):
			log.Debug("scheduler: concurrency limit reached, not emitted")
			continue
		case err != nil:
			log.Warn("scheduler: trigger failed", zap.Error(err))
			continue
		}

		s.mu.Lock()
		delete(s.anchors, wf.ID)
		s.mu.Unlock()
		if s.observer != nil {
			s.observer.ScheduledRun(wf.ID)
		}
		log.Info("scheduler: run emitted",
			zap.String("run_id", runID),
			zap.Time("due_at", *next),
		)
		out = append(out, Emission{WorkflowID: wf.ID, RunID: runID, DueAt: *next})
	}
	return out, nil
}

// Run ticks immediately and then every poll interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "scheduler"))
	log.Info("scheduler: starting", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx, s.nowFunc().UTC()); err != nil {
			log.Error("scheduler: tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("scheduler: stopped")
			return nil
		case <-ticker.C:
		}
	}
}
