// Package engine drives workflow runs through their lifecycle: input
// resolution, parallel provider fetches with failover, the step pipeline,
// the quality gate, budget enforcement, and output dispatch.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/cost"
	"github.com/sells-group/orchestrator/internal/events"
	"github.com/sells-group/orchestrator/internal/gateway"
	"github.com/sells-group/orchestrator/internal/model"
	"github.com/sells-group/orchestrator/internal/pipeline"
	"github.com/sells-group/orchestrator/internal/quality"
	"github.com/sells-group/orchestrator/internal/router"
	"github.com/sells-group/orchestrator/internal/store"
)

var (
	// ErrConcurrencyLimit rejects a trigger when the workflow already has
	// its maximum number of active runs.
	ErrConcurrencyLimit = eris.New("engine: workflow concurrency limit reached")
	// ErrInvalidTransition rejects a control action the run's state forbids.
	ErrInvalidTransition = eris.New("engine: invalid run transition")
	// ErrRunNotFound is returned for unknown run IDs.
	ErrRunNotFound = eris.New("engine: run not found")
	// ErrCancelled is observed at a checkpoint after a cancel request.
	ErrCancelled = eris.New("engine: run cancelled")
	// ErrFailoverExhausted means every provider candidate for a required
	// input failed.
	ErrFailoverExhausted = eris.New("engine: provider failover exhausted")
	// ErrQualityRejected means a critical quality rule with a reject action
	// fired.
	ErrQualityRejected = eris.New("engine: batch rejected by quality gate")
)

// Action is an external run control request.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
)

// AlertSink receives alerts raised during a run. Delivery is the sink's
// responsibility.
type AlertSink interface {
	Raise(ctx context.Context, a model.Alert)
}

// OutputDispatcher delivers a batch to one output binding.
type OutputDispatcher interface {
	Dispatch(ctx context.Context, run *model.Run, binding model.OutputBinding, batch model.Batch) (model.OutputResult, error)
}

// Recorder receives run telemetry.
type Recorder interface {
	RunStarted(workflowID string)
	RunFinished(workflowID string, status model.RunStatus, duration time.Duration, cost float64, quality *float64)
	StepFinished(workflowID string, res model.StepResult)
	Failover(sourceID, fromProvider string)
}

// TriggerRequest carries the caller's run inputs.
type TriggerRequest struct {
	Trigger    model.TriggerType
	Parameters map[string]any
	// Inputs supplies records inline, keyed by binding alias or source ID.
	// Bound inputs bypass routing and fetching.
	Inputs map[string]model.Batch
}

// RunMetrics is the metrics part of the run status projection.
type RunMetrics struct {
	RecordsIn     int      `json:"records_in"`
	RecordsOut    int      `json:"records_out"`
	Quarantined   int      `json:"quarantined"`
	Cost          float64  `json:"cost"`
	ProviderCalls int      `json:"provider_calls"`
	Failovers     int      `json:"failovers"`
	QualityScore  *float64 `json:"quality_score,omitempty"`
	DurationMs    int64    `json:"duration_ms"`
}

// RunStatusView is the status projection served to the API and CLI.
type RunStatusView struct {
	RunID       string          `json:"run_id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      model.RunStatus `json:"status"`
	Progress    float64         `json:"progress"`
	CurrentStep string          `json:"current_step,omitempty"`
	Metrics     RunMetrics      `json:"metrics"`
}

// Options wires the engine's collaborators. Repo is required; the rest
// default to working in-process implementations or no-ops.
type Options struct {
	Repo       store.Repository
	Router     *router.Router
	Gateway    *gateway.Gateway
	Executor   *pipeline.Executor
	Gate       *quality.Gate
	Calculator *cost.Calculator
	Alerts     AlertSink
	Events     events.Publisher
	Outputs    OutputDispatcher
	Recorder   Recorder
	Now        func() time.Time
}

// Engine executes runs. It is safe for concurrent use.
type Engine struct {
	repo     store.Repository
	router   *router.Router
	gateway  *gateway.Gateway
	executor *pipeline.Executor
	gate     *quality.Gate
	calc     *cost.Calculator
	alerts   AlertSink
	events   events.Publisher
	outputs  OutputDispatcher
	recorder Recorder
	nowFunc  func() time.Time

	mu      sync.Mutex
	runs    map[string]*handle
	wfLocks map[string]*sync.Mutex
	wg      sync.WaitGroup
}

// New creates an Engine.
func New(opts Options) *Engine {
	e := &Engine{
		repo:     opts.Repo,
		router:   opts.Router,
		gateway:  opts.Gateway,
		executor: opts.Executor,
		gate:     opts.Gate,
		calc:     opts.Calculator,
		alerts:   opts.Alerts,
		events:   opts.Events,
		outputs:  opts.Outputs,
		recorder: opts.Recorder,
		nowFunc:  opts.Now,
		runs:     make(map[string]*handle),
		wfLocks:  make(map[string]*sync.Mutex),
	}
	if e.router == nil {
		var hs router.HealthSource
		if e.gateway != nil {
			hs = e.gateway.Health()
		}
		e.router = router.New(router.DefaultWeights(), hs)
	}
	if e.executor == nil {
		e.executor = pipeline.NewExecutor(nil)
	}
	if e.gate == nil {
		e.gate = quality.NewGate()
	}
	if e.calc == nil {
		e.calc = cost.NewCalculator(cost.Rates{})
	}
	if e.events == nil {
		e.events = events.NopPublisher{}
	}
	if e.nowFunc == nil {
		e.nowFunc = time.Now
	}
	return e
}

func (e *Engine) now() time.Time { return e.nowFunc().UTC() }

// workflowLock serialises admission and terminal bookkeeping per workflow.
func (e *Engine) workflowLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.wfLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.wfLocks[id] = l
	}
	return l
}

func (e *Engine) lookup(runID string) (*handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.runs[runID]
	return h, ok
}

// ActiveRuns returns the number of non-terminal runs of a workflow held by
// this engine.
func (e *Engine) ActiveRuns(workflowID string) int {
	e.mu.Lock()
	hs := make([]*handle, 0, len(e.runs))
	for _, h := range e.runs {
		hs = append(hs, h)
	}
	e.mu.Unlock()

	n := 0
	for _, h := range hs {
		h.mu.Lock()
		if h.run.WorkflowID == workflowID && h.run.Status.Active() {
			n++
		}
		h.mu.Unlock()
	}
	return n
}

// admit validates the workflow, enforces the concurrency limit, and saves
// the new run in the scheduled state.
func (e *Engine) admit(ctx context.Context, workflowID string, req TriggerRequest) (*handle, *model.Workflow, error) {
	wf, err := e.repo.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "engine: load workflow %s", workflowID)
	}
	if err := wf.Runnable(); err != nil {
		return nil, nil, err
	}

	lock := e.workflowLock(wf.ID)
	lock.Lock()
	defer lock.Unlock()

	active, err := e.repo.CountActiveRuns(ctx, wf.ID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "engine: count active runs of %s", wf.ID)
	}
	if limit := wf.Schedule.MaxConcurrentRuns(); active >= limit {
		return nil, nil, eris.Wrapf(ErrConcurrencyLimit, "workflow %s has %d active runs (limit %d)", wf.ID, active, limit)
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = model.TriggerManual
	}
	run := &model.Run{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Trigger:    trigger,
		Status:     model.RunDraft,
		Parameters: req.Parameters,
		CreatedAt:  e.now(),
	}
	run.Status = model.RunScheduled
	if err := e.repo.SaveRun(ctx, run); err != nil {
		return nil, nil, eris.Wrapf(err, "engine: save run %s", run.ID)
	}

	h := newHandle(run, len(wf.Inputs)+len(wf.Steps)+len(wf.Outputs)+1)
	e.mu.Lock()
	e.runs[run.ID] = h
	e.mu.Unlock()

	zap.L().Info("engine: run scheduled",
		zap.String("run_id", run.ID),
		zap.String("workflow_id", wf.ID),
		zap.String("trigger", string(trigger)),
	)
	e.publish(ctx, h, events.RunScheduled, nil)
	return h, wf, nil
}

// TriggerRun admits a run and executes it in the background.
func (e *Engine) TriggerRun(ctx context.Context, workflowID string, req TriggerRequest) (string, error) {
	h, wf, err := e.admit(ctx, workflowID, req)
	if err != nil {
		return "", err
	}
	runCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(runCtx, h, wf, req)
	}()
	return h.run.ID, nil
}

// Execute admits and runs a workflow synchronously, returning the terminal
// run. The error is non-nil only when the run could not be admitted or its
// state could not be persisted.
func (e *Engine) Execute(ctx context.Context, workflowID string, req TriggerRequest) (*model.Run, error) {
	h, wf, err := e.admit(ctx, workflowID, req)
	if err != nil {
		return nil, err
	}
	e.execute(ctx, h, wf, req)
	run, serr := h.snapshot()
	if serr != nil {
		return nil, serr
	}
	return run, h.err
}

// Wait blocks until the run is terminal and returns it.
func (e *Engine) Wait(ctx context.Context, runID string) (*model.Run, error) {
	h, ok := e.lookup(runID)
	if !ok {
		run, err := e.repo.GetRun(ctx, runID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrRunNotFound, "run %s", runID)
		}
		return run, err
	}
	select {
	case <-h.finished:
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "engine: wait for run")
	}
	run, err := h.snapshot()
	if err != nil {
		return nil, err
	}
	return run, h.err
}

// Drain waits for every background run to finish.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "engine: drain")
	}
}

// ControlRun applies pause, resume, or cancel to a live run. Pause and
// cancel take effect at the run's next checkpoint.
func (e *Engine) ControlRun(ctx context.Context, runID string, action Action) error {
	h, ok := e.lookup(runID)
	if !ok {
		run, err := e.repo.GetRun(ctx, runID)
		if errors.Is(err, store.ErrNotFound) {
			return eris.Wrapf(ErrRunNotFound, "run %s", runID)
		}
		if err != nil {
			return eris.Wrapf(err, "engine: load run %s", runID)
		}
		return eris.Wrapf(ErrInvalidTransition, "%s run %s in state %s", action, runID, run.Status)
	}

	var (
		err error
		typ events.Type
	)
	switch action {
	case ActionPause:
		err, typ = h.requestPause(), events.RunPaused
	case ActionResume:
		err, typ = h.requestResume(), events.RunResumed
	case ActionCancel:
		err = h.requestCancel()
	default:
		return eris.Errorf("engine: unknown action %q", action)
	}
	if err != nil {
		return err
	}

	zap.L().Info("engine: run control",
		zap.String("run_id", runID),
		zap.String("action", string(action)),
	)
	if typ != "" {
		if err := e.persist(ctx, h); err != nil {
			return err
		}
		e.publish(ctx, h, typ, nil)
	}
	return nil
}

// GetRun returns the status projection of a run.
func (e *Engine) GetRun(ctx context.Context, runID string) (*RunStatusView, error) {
	run, err := e.Snapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	return view(run), nil
}

// Snapshot returns a copy of the full run record.
func (e *Engine) Snapshot(ctx context.Context, runID string) (*model.Run, error) {
	if h, ok := e.lookup(runID); ok {
		return h.snapshot()
	}
	run, err := e.repo.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrRunNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "engine: load run %s", runID)
	}
	return run, nil
}

func view(run *model.Run) *RunStatusView {
	v := &RunStatusView{
		RunID:       run.ID,
		WorkflowID:  run.WorkflowID,
		Status:      run.Status,
		Progress:    run.Progress,
		CurrentStep: run.CurrentStep,
		Metrics: RunMetrics{
			RecordsIn:   run.RecordsIn,
			RecordsOut:  run.RecordsOut,
			Quarantined: run.Quarantined,
			Cost:        run.Cost.Total,
			Failovers:   len(run.Failovers),
			DurationMs:  run.DurationMs,
		},
	}
	for _, m := range run.ProviderMetrics {
		v.Metrics.ProviderCalls += m.Calls
	}
	if run.Quality != nil {
		q := run.Quality.Overall
		v.Metrics.QualityScore = &q
	}
	return v
}

// persist saves the run's current state.
func (e *Engine) persist(ctx context.Context, h *handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := e.repo.SaveRun(ctx, h.run); err != nil {
		return eris.Wrapf(err, "engine: save run %s", h.run.ID)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, h *handle, typ events.Type, data map[string]any) {
	h.mu.Lock()
	ev := events.New(typ, h.run, data)
	h.mu.Unlock()
	if err := e.events.Publish(ctx, ev); err != nil {
		zap.L().Warn("engine: publish event",
			zap.String("run_id", ev.RunID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
	}
}

func (e *Engine) raise(ctx context.Context, h *handle, alerts []model.Alert) {
	if len(alerts) == 0 {
		return
	}
	h.update(func(r *model.Run) {
		for _, a := range alerts {
			r.Issues = append(r.Issues, model.Issue{
				Level:     issueLevel(a.Severity),
				Component: a.Component,
				Message:   a.Message,
				Timestamp: a.CreatedAt,
			})
		}
	})
	if e.alerts == nil {
		return
	}
	for _, a := range alerts {
		e.alerts.Raise(ctx, a)
	}
}

func issueLevel(s model.Severity) model.IssueLevel {
	switch s {
	case model.SeverityCritical, model.SeverityHigh:
		return model.IssueError
	case model.SeverityMedium:
		return model.IssueWarning
	default:
		return model.IssueInfo
	}
}
