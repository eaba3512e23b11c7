package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/orchestrator/internal/cost"
	"github.com/sells-group/orchestrator/internal/events"
	"github.com/sells-group/orchestrator/internal/fetcher"
	"github.com/sells-group/orchestrator/internal/gateway"
	"github.com/sells-group/orchestrator/internal/model"
	"github.com/sells-group/orchestrator/internal/pipeline"
	"github.com/sells-group/orchestrator/internal/quality"
	"github.com/sells-group/orchestrator/internal/resilience"
	"github.com/sells-group/orchestrator/internal/router"
	"github.com/sells-group/orchestrator/internal/store"
)

// input is one resolved binding.
type input struct {
	binding    model.InputBinding
	source     model.Source
	candidates []router.Candidate
	inline     model.Batch
	hasInline  bool
	skip       bool
}

// usage is a provider that served a source, kept for recommendations.
type usage struct {
	source   model.Source
	provider model.Provider
	records  int
}

// execution is the per-run working state owned by the executing goroutine.
type execution struct {
	h       *handle
	wf      *model.Workflow
	tracker *cost.Tracker
	log     *zap.Logger

	providers map[string]model.Provider

	mu   sync.Mutex
	used []usage

	// infra is set when a repository call fails; the run fails and the
	// error is surfaced to the caller.
	infra error
}

func (x *execution) issue(level model.IssueLevel, component, msg string, now func() time.Time) {
	x.h.update(func(r *model.Run) {
		r.Issues = append(r.Issues, model.Issue{
			Level:     level,
			Component: component,
			Message:   msg,
			Timestamp: now(),
		})
	})
}

func (e *Engine) execute(ctx context.Context, h *handle, wf *model.Workflow, req TriggerRequest) {
	x := &execution{
		h:       h,
		wf:      wf,
		tracker: cost.NewTracker(wf.Budget),
		log: zap.L().With(
			zap.String("run_id", h.run.ID),
			zap.String("workflow_id", wf.ID),
		),
	}
	defer func() {
		e.mu.Lock()
		delete(e.runs, h.run.ID)
		e.mu.Unlock()
	}()
	defer close(h.finished)

	err := e.drive(ctx, x, req)
	e.finalize(context.WithoutCancel(ctx), x, err)
}

// drive runs every phase and returns the error that ended the run early.
func (e *Engine) drive(ctx context.Context, x *execution, req TriggerRequest) error {
	inputs, err := e.resolve(ctx, x, req)
	if err != nil {
		return err
	}

	now := e.now()
	x.h.update(func(r *model.Run) {
		r.Status = model.RunRunning
		r.StartedAt = &now
	})
	if err := e.persist(ctx, x.h); err != nil {
		x.infra = err
		return err
	}
	if e.recorder != nil {
		e.recorder.RunStarted(x.wf.ID)
	}
	e.publish(ctx, x.h, events.RunStarted, map[string]any{"inputs": len(inputs)})
	x.log.Info("engine: run started", zap.Int("inputs", len(inputs)))

	batch, err := e.fetchAll(ctx, x, inputs)
	if err != nil {
		return err
	}

	batch, err = e.runPipeline(ctx, x, batch)
	if err != nil {
		return err
	}

	if err := x.h.checkpoint(ctx); err != nil {
		return err
	}
	batch, quarantined, err := e.assess(ctx, x, batch, inputs)
	x.h.advance(1)
	if err != nil {
		return err
	}

	// Delivered outputs are final; a cancel that lands during dispatch does
	// not undo the run.
	return e.dispatch(ctx, x, batch, quarantined)
}

// resolve loads each binding's source and ranks its providers. A required
// binding with no viable provider fails the run before it starts.
func (e *Engine) resolve(ctx context.Context, x *execution, req TriggerRequest) ([]input, error) {
	provs, err := e.repo.ListProviders(ctx)
	if err != nil {
		x.infra = eris.Wrap(err, "engine: list providers")
		return nil, x.infra
	}
	x.providers = make(map[string]model.Provider, len(provs))
	for _, p := range provs {
		x.providers[p.ID] = p
	}

	inputs := make([]input, 0, len(x.wf.Inputs))
	for _, b := range x.wf.Inputs {
		in := input{binding: b}
		if batch, ok := inlineFor(req.Inputs, b); ok {
			in.inline, in.hasInline = batch, true
			in.source = model.Source{ID: b.SourceID}
			inputs = append(inputs, in)
			continue
		}

		src, err := e.repo.GetSource(ctx, b.SourceID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			in.candidates = nil
		case err != nil:
			x.infra = eris.Wrapf(err, "engine: load source %s", b.SourceID)
			return nil, x.infra
		default:
			in.source = *src
			in.candidates = e.router.Rank(*src, x.providers, b)
		}

		if len(in.candidates) == 0 {
			if b.Optional {
				in.skip = true
				x.issue(model.IssueWarning, "router",
					fmt.Sprintf("optional input %s has no viable provider, skipped", b.Name()), e.now)
				inputs = append(inputs, in)
				continue
			}
			return nil, eris.Wrapf(router.ErrNoViableProvider, "input %s (source %s)", b.Name(), b.SourceID)
		}
		x.log.Debug("engine: input resolved",
			zap.String("source", b.SourceID),
			zap.Strings("candidates", router.IDs(in.candidates)),
		)
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func inlineFor(inline map[string]model.Batch, b model.InputBinding) (model.Batch, bool) {
	if batch, ok := inline[b.Name()]; ok {
		return batch.Clone(), true
	}
	if batch, ok := inline[b.SourceID]; ok {
		return batch.Clone(), true
	}
	return nil, false
}

// fetchAll fetches every input concurrently and joins the tagged batches in
// binding order.
func (e *Engine) fetchAll(ctx context.Context, x *execution, inputs []input) (model.Batch, error) {
	batches := make([]model.Batch, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, in := range inputs {
		g.Go(func() error {
			defer x.h.advance(1)
			switch {
			case in.skip:
				return nil
			case in.hasInline:
				batches[i] = in.inline
			default:
				batch, err := e.fetchInput(gctx, x, in)
				if err != nil {
					if in.binding.Optional && !stopsRun(err) {
						x.issue(model.IssueWarning, "gateway",
							fmt.Sprintf("optional input %s failed: %v", in.binding.Name(), err), e.now)
						return nil
					}
					return err
				}
				batches[i] = batch
			}
			if len(in.binding.ValidationRules) > 0 {
				res, err := pipeline.ValidateRecords(batches[i], in.binding.ValidationRules, model.ValidationSkip)
				if err != nil {
					return err
				}
				if res.Rejected > 0 {
					x.issue(model.IssueWarning, "validate",
						fmt.Sprintf("input %s: %d records rejected", in.binding.Name(), res.Rejected), e.now)
				}
				batches[i] = res.Valid
			}
			batches[i] = batches[i].Tag(in.binding.Name())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out model.Batch
	for _, b := range batches {
		out = append(out, b...)
	}
	x.tracker.RecordRecords(len(out))
	x.h.update(func(r *model.Run) { r.RecordsIn = len(out) })
	return out, nil
}

// stopsRun reports whether err ends the run regardless of the input being
// optional.
func stopsRun(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, cost.ErrBudgetExceeded)
}

// fetchInput walks the ranked candidates until one succeeds.
func (e *Engine) fetchInput(ctx context.Context, x *execution, in input) (model.Batch, error) {
	if e.gateway == nil {
		return nil, eris.Errorf("engine: no gateway configured for source %s", in.source.ID)
	}
	var params map[string]any
	x.h.update(func(r *model.Run) { params = mergeParams(r.Parameters, in.binding.Params) })
	// The budget is checked before every provider request, retries included.
	checkpoint := func() error {
		if err := x.h.checkpoint(ctx); err != nil {
			return err
		}
		return x.tracker.Allow()
	}

	var tried []string
	for i, c := range in.candidates {
		if err := checkpoint(); err != nil {
			return nil, err
		}

		tried = append(tried, c.Provider.ID)
		res, err := e.gateway.Fetch(ctx, fetcher.Request{
			Source:   in.source,
			Provider: c.Provider,
			Access:   c.Mapping.Access,
			Params:   params,
		}, gateway.FetchOptions{
			Checkpoint: checkpoint,
			OnCall:     func(n int, err error) { x.charge(e.calc, c.Provider, n, err) },
		})
		x.recordCall(c.Provider.ID, res)

		if err == nil {
			x.mu.Lock()
			x.used = append(x.used, usage{source: in.source, provider: c.Provider, records: len(res.Records)})
			x.mu.Unlock()
			x.log.Info("engine: input fetched",
				zap.String("source", in.source.ID),
				zap.String("provider", c.Provider.ID),
				zap.Int("records", len(res.Records)),
				zap.Int("calls", res.Calls),
			)
			if err := x.tracker.Allow(); err != nil {
				return nil, err
			}
			return res.Records, nil
		}

		if errors.Is(err, ErrCancelled) || errors.Is(err, cost.ErrBudgetExceeded) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, eris.Wrap(ErrCancelled, ctx.Err().Error())
		}

		ev := model.FailoverEvent{
			SourceID:     in.source.ID,
			FromProvider: c.Provider.ID,
			Reason:       failoverReason(err),
			At:           e.now(),
		}
		if next, ok := router.Next(in.candidates, i); ok {
			ev.ToProvider = next.Provider.ID
		}
		x.h.update(func(r *model.Run) { r.Failovers = append(r.Failovers, ev) })
		if e.recorder != nil {
			e.recorder.Failover(in.source.ID, c.Provider.ID)
		}
		e.publish(ctx, x.h, events.RunFailover, map[string]any{
			"source": ev.SourceID,
			"from":   ev.FromProvider,
			"to":     ev.ToProvider,
			"reason": ev.Reason,
		})
		x.log.Warn("engine: provider failover",
			zap.String("source", ev.SourceID),
			zap.String("from", ev.FromProvider),
			zap.String("to", ev.ToProvider),
			zap.String("reason", ev.Reason),
		)
	}
	return nil, eris.Wrapf(ErrFailoverExhausted, "source %s: tried %s", in.source.ID, strings.Join(tried, ", "))
}

// charge bills one provider request. A failed request costs the per-request
// price; a successful one adds the per-record price for what it returned.
func (x *execution) charge(calc *cost.Calculator, p model.Provider, records int, err error) {
	amount := calc.Estimate(p)
	if err == nil {
		amount = calc.Call(p, records)
	}
	if amount == 0 {
		return
	}
	x.tracker.Record(p.ID, amount)
	x.h.update(func(r *model.Run) { r.Metrics(p.ID).Cost += amount })
}

func (x *execution) recordCall(providerID string, res *gateway.Result) {
	if res == nil {
		return
	}
	x.h.update(func(r *model.Run) {
		m := r.Metrics(providerID)
		if res.ShortCircuited {
			m.ShortCircuited++
		}
		m.Calls += res.Calls
		m.Failures += res.Failures
		m.Records += len(res.Records)
		if res.Calls > 0 {
			m.TotalLatencyMs += res.Latency.Milliseconds()
		}
	})
}

func failoverReason(err error) string {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "circuit_open"
	}
	return resilience.Classify(err)
}

func mergeParams(run, binding map[string]any) map[string]any {
	if len(run) == 0 && len(binding) == 0 {
		return nil
	}
	out := make(map[string]any, len(run)+len(binding))
	for k, v := range binding {
		out[k] = v
	}
	for k, v := range run {
		out[k] = v
	}
	return out
}

// pricedSink charges enrichment through the calculator's rate overrides.
type pricedSink struct {
	calc    *cost.Calculator
	tracker *cost.Tracker
}

func (s pricedSink) Charge(component string, amount float64) error {
	if capability, ok := strings.CutPrefix(component, "enrich:"); ok {
		amount = s.calc.Enrichment(capability, amount)
	}
	return s.tracker.Charge(component, amount)
}

func (e *Engine) runPipeline(ctx context.Context, x *execution, batch model.Batch) (model.Batch, error) {
	out, _, err := e.executor.Run(ctx, x.wf.Steps, batch, pipeline.Options{
		Alternates: x.wf.AlternateSteps,
		BeforeStep: func(ctx context.Context, step model.Step) error {
			x.h.update(func(r *model.Run) { r.CurrentStep = step.Name })
			return x.h.checkpoint(ctx)
		},
		AfterStep: func(step model.Step, res model.StepResult) {
			x.h.update(func(r *model.Run) { r.StepResults = append(r.StepResults, res) })
			x.h.advance(1)
			if e.recorder != nil {
				e.recorder.StepFinished(x.wf.ID, res)
			}
			e.publish(ctx, x.h, events.RunStep, map[string]any{
				"step":        res.Name,
				"status":      string(res.Status),
				"records_out": res.RecordsOut,
			})
		},
		Cost: pricedSink{calc: e.calc, tracker: x.tracker},
	})
	x.h.update(func(r *model.Run) {
		r.CurrentStep = ""
		r.RecordsOut = len(out)
	})
	return out, err
}

// assess runs the quality gate with the rules of every scope the run
// touches. It returns the main batch and the quarantined records.
func (e *Engine) assess(ctx context.Context, x *execution, batch model.Batch, inputs []input) (model.Batch, model.Batch, error) {
	scopes := []model.Scope{
		{Type: model.ScopeGlobal},
		{Type: model.ScopeWorkflow, TargetID: x.wf.ID},
	}
	seen := make(map[string]bool)
	for _, in := range inputs {
		if !seen[in.binding.SourceID] {
			seen[in.binding.SourceID] = true
			scopes = append(scopes, model.Scope{Type: model.ScopeSource, TargetID: in.binding.SourceID})
		}
	}
	x.mu.Lock()
	for _, u := range x.used {
		if !seen["provider:"+u.provider.ID] {
			seen["provider:"+u.provider.ID] = true
			scopes = append(scopes, model.Scope{Type: model.ScopeProvider, TargetID: u.provider.ID})
		}
	}
	x.mu.Unlock()

	var rules []model.QualityRule
	ids := make(map[string]bool)
	for _, sc := range scopes {
		rs, err := e.repo.LoadQualityRules(ctx, sc)
		if err != nil {
			x.infra = eris.Wrapf(err, "engine: load quality rules for %s %s", sc.Type, sc.TargetID)
			return nil, nil, x.infra
		}
		for _, r := range rs {
			if !ids[r.ID] {
				ids[r.ID] = true
				rules = append(rules, r)
			}
		}
	}
	if len(rules) == 0 {
		return batch, nil, nil
	}

	report := e.gate.Assess(batch, rules)
	outcome := e.gate.Apply(batch, report, rules, quality.Target{WorkflowID: x.wf.ID, RunID: x.h.run.ID})
	x.h.update(func(r *model.Run) {
		r.Quality = report
		r.RecordsOut = len(outcome.Batch)
		r.Quarantined = len(outcome.Quarantined)
	})
	e.raise(ctx, x.h, outcome.Alerts)
	x.log.Info("engine: quality assessed",
		zap.Float64("overall", report.Overall),
		zap.String("grade", report.Grade),
		zap.Int("violations", len(report.Violations)),
		zap.Int("quarantined", len(outcome.Quarantined)),
	)

	if outcome.Rejected {
		return outcome.Batch, outcome.Quarantined,
			eris.Wrapf(ErrQualityRejected, "rules %s", strings.Join(outcome.RejectedBy, ", "))
	}
	if len(outcome.Unresolved) > 0 {
		ids := make([]string, len(outcome.Unresolved))
		for i, v := range outcome.Unresolved {
			ids[i] = v.RuleID
		}
		return outcome.Batch, outcome.Quarantined,
			eris.Errorf("engine: unresolved critical quality violations: %s", strings.Join(ids, ", "))
	}
	return outcome.Batch, outcome.Quarantined, nil
}

// dispatch delivers the batch to every output. Quarantine outputs receive
// the quarantined records. A failed required output fails the run after
// every output has been attempted.
func (e *Engine) dispatch(ctx context.Context, x *execution, batch, quarantined model.Batch) error {
	var failed []string
	for _, ob := range x.wf.Outputs {
		if err := x.h.checkpoint(ctx); err != nil {
			return err
		}
		records := batch
		if ob.Quarantine {
			records = quarantined
		}

		var (
			res model.OutputResult
			err error
		)
		if e.outputs == nil {
			err = eris.Errorf("engine: no output dispatcher configured")
		} else {
			run, serr := x.h.snapshot()
			if serr != nil {
				return serr
			}
			res, err = e.outputs.Dispatch(ctx, run, ob, records)
		}
		res.Name, res.Type = ob.Name, string(ob.Type)
		if err != nil {
			res.Error = err.Error()
			if ob.Optional || ob.Quarantine {
				x.issue(model.IssueWarning, "output", fmt.Sprintf("output %s failed: %v", ob.Name, err), e.now)
			} else {
				failed = append(failed, ob.Name)
				x.issue(model.IssueError, "output", fmt.Sprintf("output %s failed: %v", ob.Name, err), e.now)
			}
		}
		x.h.update(func(r *model.Run) { r.Outputs = append(r.Outputs, res) })
		x.h.advance(1)
	}
	if len(failed) > 0 {
		return eris.Errorf("engine: required outputs failed: %s", strings.Join(failed, ", "))
	}
	return nil
}
