// Package pipeline runs a workflow's ordered processing steps over a batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/model"
)

// ErrStepFatal marks a step failure that aborts the run.
var ErrStepFatal = eris.New("pipeline: fatal step error")

// StepError is returned when a step fails under a policy that aborts the
// run. It matches ErrStepFatal with errors.Is and unwraps to the cause.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline: step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Is reports whether target is ErrStepFatal.
func (e *StepError) Is(target error) bool { return target == ErrStepFatal }

// fatalError marks an error that bypasses the step's error policy.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error { return &fatalError{err: err} }

func isFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// CostSink is charged for billable step work. A non-nil error (budget
// exceeded) is fatal to the run.
type CostSink interface {
	Charge(component string, amount float64) error
}

// Options carries per-run context for the executor.
type Options struct {
	// Alternates holds the steps that fallback policies may name.
	Alternates []model.Step
	// BeforeStep is the run's checkpoint. A non-nil error stops the
	// pipeline before the step starts and is returned unchanged.
	BeforeStep func(ctx context.Context, step model.Step) error
	// AfterStep observes each step result.
	AfterStep func(step model.Step, res model.StepResult)
	Cost      CostSink
}

// Executor runs steps. It is stateless across runs and safe for concurrent use.
type Executor struct {
	enrichers map[string]Enricher
}

// NewExecutor creates an executor with the given enrichment capabilities.
func NewExecutor(enrichers map[string]Enricher) *Executor {
	if enrichers == nil {
		enrichers = make(map[string]Enricher)
	}
	return &Executor{enrichers: enrichers}
}

// RegisterEnricher adds or replaces an enrichment capability.
func (e *Executor) RegisterEnricher(capability string, en Enricher) {
	e.enrichers[capability] = en
}

// stepOutput is the product of one step application.
type stepOutput struct {
	batch    model.Batch
	rejected int
	warnings int
	// failed counts records the step could not process. They are already
	// excluded from batch.
	failed    int
	failedErr error
}

// Run executes steps in ascending order. It returns the last good batch, the
// results of every step started, and the error that stopped the pipeline.
// Partial results are always returned.
func (e *Executor) Run(ctx context.Context, steps []model.Step, in model.Batch, opts Options) (model.Batch, []model.StepResult, error) {
	ordered := model.SortSteps(steps)
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Order == ordered[i-1].Order {
			return in, nil, eris.Errorf("pipeline: steps %q and %q share order %d",
				ordered[i-1].Name, ordered[i].Name, ordered[i].Order)
		}
	}

	alternates := make(map[string]model.Step, len(opts.Alternates)+len(ordered))
	for _, s := range ordered {
		alternates[s.Name] = s
	}
	for _, s := range opts.Alternates {
		alternates[s.Name] = s
	}

	batch := in
	results := make([]model.StepResult, 0, len(ordered))
	for _, step := range ordered {
		if opts.BeforeStep != nil {
			if err := opts.BeforeStep(ctx, step); err != nil {
				return batch, results, err
			}
		}
		if err := ctx.Err(); err != nil {
			return batch, results, eris.Wrap(err, "pipeline: context done")
		}

		res, out, err := e.runStep(ctx, step, batch, alternates, opts)
		results = append(results, res)
		if opts.AfterStep != nil {
			opts.AfterStep(step, res)
		}
		if err != nil {
			return batch, results, err
		}
		batch = out
	}
	return batch, results, nil
}

func (e *Executor) runStep(ctx context.Context, step model.Step, in model.Batch, alternates map[string]model.Step, opts Options) (model.StepResult, model.Batch, error) {
	log := zap.L().With(zap.String("step", step.Name), zap.String("type", string(step.Type)))
	start := time.Now()
	res := model.StepResult{
		Name:      step.Name,
		Type:      step.Type,
		Order:     step.Order,
		RecordsIn: len(in),
	}
	finish := func(status model.StepStatus, out *stepOutput, err error) model.StepResult {
		res.Status = status
		res.DurationMs = time.Since(start).Milliseconds()
		if out != nil {
			res.RecordsOut = len(out.batch)
			res.RecordsRejected = out.rejected + out.failed
			res.Warnings = out.warnings
		}
		if err != nil {
			res.Error = err.Error()
		}
		return res
	}

	policy := step.Policy()
	attempts := 1
	if policy == model.OnErrorRetry {
		attempts += max(step.OnError.MaxRetries, 1)
	}

	var out stepOutput
	var err error
	for a := 1; a <= attempts; a++ {
		res.Attempts = a
		out, err = e.apply(ctx, step, in.Clone(), opts)
		if err == nil && out.failed > 0 && policy != model.OnErrorSkip {
			err = eris.Wrapf(out.failedErr, "%d records failed", out.failed)
		}
		if err == nil || isFatal(err) || ctx.Err() != nil {
			break
		}
		if a < attempts {
			log.Warn("pipeline: retrying step", zap.Int("attempt", a+1), zap.Error(err))
		}
	}

	switch {
	case err == nil:
		log.Debug("pipeline: step complete",
			zap.Int("records_in", len(in)),
			zap.Int("records_out", len(out.batch)),
		)
		return finish(model.StepCompleted, &out, nil), out.batch, nil

	case isFatal(err) || ctx.Err() != nil:
		log.Error("pipeline: step failed", zap.Error(err))
		return finish(model.StepFailed, &out, err), nil, &StepError{Step: step.Name, Err: err}

	case policy == model.OnErrorSkip:
		log.Warn("pipeline: step skipped", zap.Error(err))
		return finish(model.StepSkipped, &stepOutput{batch: in}, err), in, nil

	case policy == model.OnErrorFallback:
		alt, ok := alternates[step.OnError.Fallback]
		if !ok {
			ferr := eris.Errorf("fallback step %q not found", step.OnError.Fallback)
			return finish(model.StepFailed, &out, ferr), nil, &StepError{Step: step.Name, Err: ferr}
		}
		log.Warn("pipeline: running fallback step", zap.String("fallback", alt.Name), zap.Error(err))
		res.Fallback = alt.Name
		altOut, altErr := e.apply(ctx, alt, in.Clone(), opts)
		if altErr == nil && altOut.failed > 0 {
			altErr = eris.Wrapf(altOut.failedErr, "%d records failed", altOut.failed)
		}
		if altErr != nil {
			altErr = eris.Wrapf(altErr, "fallback %q after %v", alt.Name, err)
			return finish(model.StepFailed, &altOut, altErr), nil, &StepError{Step: step.Name, Err: altErr}
		}
		return finish(model.StepCompleted, &altOut, nil), altOut.batch, nil

	default:
		log.Error("pipeline: step failed", zap.Int("attempts", res.Attempts), zap.Error(err))
		return finish(model.StepFailed, &out, err), nil, &StepError{Step: step.Name, Err: err}
	}
}

// apply dispatches on the step's config variant.
func (e *Executor) apply(ctx context.Context, step model.Step, batch model.Batch, opts Options) (stepOutput, error) {
	c := step.Config
	switch step.Type {
	case model.StepMerge:
		if c.Merge == nil {
			break
		}
		return Merge(batch, *c.Merge)
	case model.StepDeduplicate:
		var keys []string
		if c.Deduplicate != nil {
			keys = c.Deduplicate.Keys
		}
		out := Deduplicate(batch, keys)
		return stepOutput{batch: out, rejected: len(batch) - len(out)}, nil
	case model.StepValidate:
		if c.Validate == nil {
			break
		}
		return validate(batch, *c.Validate)
	case model.StepEnrich:
		if c.Enrich == nil {
			break
		}
		return e.enrich(ctx, batch, *c.Enrich, opts.Cost)
	case model.StepTransform:
		if c.Transform == nil {
			break
		}
		return transform(batch, *c.Transform)
	case model.StepFilter:
		if c.Filter == nil {
			break
		}
		return filter(batch, *c.Filter)
	case model.StepAggregate:
		if c.Aggregate == nil {
			break
		}
		return aggregate(batch, *c.Aggregate)
	case model.StepNormalize:
		if c.Normalize == nil {
			break
		}
		return normalize(batch, *c.Normalize), nil
	default:
		return stepOutput{}, eris.Errorf("unknown step type %q", step.Type)
	}
	return stepOutput{}, eris.Errorf("step %q has no %s config", step.Name, step.Type)
}
