package model

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
)

// Workflow is a configured, repeatable orchestration of input sources, a
// processing pipeline, and outputs.
type Workflow struct {
	ID             string          `json:"id" yaml:"id"`
	Name           string          `json:"name" yaml:"name"`
	Description    string          `json:"description,omitempty" yaml:"description"`
	Inputs         []InputBinding  `json:"inputs" yaml:"inputs"`
	Steps          []Step          `json:"steps" yaml:"steps"`
	AlternateSteps []Step          `json:"alternate_steps,omitempty" yaml:"alternate_steps"`
	Outputs        []OutputBinding `json:"outputs" yaml:"outputs"`
	Schedule       Schedule        `json:"schedule" yaml:"schedule"`
	Budget         Budget          `json:"budget" yaml:"budget"`
	Stats          WorkflowStats   `json:"stats" yaml:"-"`
	CreatedAt      time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time       `json:"updated_at" yaml:"-"`
}

// InputBinding binds a source into a workflow.
type InputBinding struct {
	SourceID string `json:"source_id" yaml:"source_id"`
	// Alias names the binding's records in merges; defaults to SourceID.
	Alias            string         `json:"alias,omitempty" yaml:"alias"`
	Optional         bool           `json:"optional,omitempty" yaml:"optional"`
	ProviderPriority []string       `json:"provider_priority,omitempty" yaml:"provider_priority"`
	FallbackChain    []string       `json:"fallback_chain,omitempty" yaml:"fallback_chain"`
	ValidationRules  []FieldRule    `json:"validation_rules,omitempty" yaml:"validation_rules"`
	Params           map[string]any `json:"params,omitempty" yaml:"params"`
}

// Name returns the binding's alias.
func (b InputBinding) Name() string {
	if b.Alias != "" {
		return b.Alias
	}
	return b.SourceID
}

// OutputType selects an output dispatcher.
type OutputType string

const (
	OutputFile    OutputType = "file"
	OutputS3      OutputType = "s3"
	OutputLog     OutputType = "log"
	OutputWebhook OutputType = "webhook"
)

// OutputBinding describes one destination for a run's records.
type OutputBinding struct {
	Name     string     `json:"name" yaml:"name"`
	Type     OutputType `json:"type" yaml:"type"`
	Optional bool       `json:"optional,omitempty" yaml:"optional"`
	// Quarantine routes quarantined records here instead of the main output.
	Quarantine bool              `json:"quarantine,omitempty" yaml:"quarantine"`
	Config     map[string]string `json:"config,omitempty" yaml:"config"`
}

// ScheduleType is the trigger mode of a workflow.
type ScheduleType string

const (
	ScheduleManual   ScheduleType = "manual"
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
)

// Schedule configures when a workflow runs.
type Schedule struct {
	Type       ScheduleType   `json:"type" yaml:"type"`
	Enabled    bool           `json:"enabled" yaml:"enabled"`
	IntervalMs int64          `json:"interval_ms,omitempty" yaml:"interval_ms"`
	Cron       string         `json:"cron,omitempty" yaml:"cron"`
	Timezone   string         `json:"timezone,omitempty" yaml:"timezone"`
	Limits     ScheduleLimits `json:"limits" yaml:"limits"`
}

// ScheduleLimits bounds concurrent runs of one workflow.
type ScheduleLimits struct {
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
}

// MaxConcurrentRuns returns the configured limit, defaulting to 1.
func (s Schedule) MaxConcurrentRuns() int {
	if s.Limits.MaxConcurrent <= 0 {
		return 1
	}
	return s.Limits.MaxConcurrent
}

// Budget caps the spend of a single run.
type Budget struct {
	MaxCostPerExecution float64 `json:"max_cost_per_execution,omitempty" yaml:"max_cost_per_execution"`
	MaxCostPerRecord    float64 `json:"max_cost_per_record,omitempty" yaml:"max_cost_per_record"`
	// AlertThreshold is the fraction of MaxCostPerExecution that raises a
	// warning alert. Zero disables the warning.
	AlertThreshold float64      `json:"alert_threshold,omitempty" yaml:"alert_threshold"`
	Optimization   Optimization `json:"optimization" yaml:"optimization"`
}

// Optimization toggles cost recommendations.
type Optimization struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// WorkflowStats aggregates execution outcomes. Stored as additive counters;
// averages are derived on read.
type WorkflowStats struct {
	TotalExecutions      int64      `json:"total_executions"`
	SuccessfulExecutions int64      `json:"successful_executions"`
	FailedExecutions     int64      `json:"failed_executions"`
	CancelledExecutions  int64      `json:"cancelled_executions"`
	TotalDurationMs      int64      `json:"total_duration_ms"`
	QualitySum           float64    `json:"quality_sum"`
	QualityCount         int64      `json:"quality_count"`
	LastRunAt            *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
}

// AvgExecutionMs returns the mean run duration.
func (s WorkflowStats) AvgExecutionMs() float64 {
	if s.TotalExecutions == 0 {
		return 0
	}
	return float64(s.TotalDurationMs) / float64(s.TotalExecutions)
}

// AvgQuality returns the mean overall quality score of scored runs.
func (s WorkflowStats) AvgQuality() float64 {
	if s.QualityCount == 0 {
		return 0
	}
	return s.QualitySum / float64(s.QualityCount)
}

// StatsDelta is the contribution of one terminal run to workflow statistics.
type StatsDelta struct {
	Status     RunStatus `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	Quality    *float64  `json:"quality,omitempty"`
	// RunAt is when the run was triggered.
	RunAt time.Time `json:"run_at"`
	// EndedAt is when the run reached its terminal state.
	EndedAt time.Time `json:"ended_at"`
}

// DeltaFor builds the statistics delta for a terminal run.
func DeltaFor(run *Run) StatsDelta {
	d := StatsDelta{
		Status:     run.Status,
		DurationMs: run.DurationMs,
		RunAt:      run.CreatedAt,
	}
	if run.EndedAt != nil {
		d.EndedAt = *run.EndedAt
	}
	if run.Quality != nil {
		q := run.Quality.Overall
		d.Quality = &q
	}
	return d
}

// Apply folds delta into the statistics.
func (s *WorkflowStats) Apply(d StatsDelta) {
	s.TotalExecutions++
	s.TotalDurationMs += d.DurationMs
	switch d.Status {
	case RunCompleted:
		s.SuccessfulExecutions++
		at := d.EndedAt
		s.LastSuccessAt = &at
	case RunFailed:
		s.FailedExecutions++
		at := d.EndedAt
		s.LastFailureAt = &at
	case RunCancelled:
		s.CancelledExecutions++
	}
	if d.Quality != nil {
		s.QualitySum += *d.Quality
		s.QualityCount++
	}
	if s.LastRunAt == nil || d.RunAt.After(*s.LastRunAt) {
		at := d.RunAt
		s.LastRunAt = &at
	}
}

// ErrNotRunnable is returned when a workflow lacks required bindings.
var ErrNotRunnable = eris.New("workflow is not runnable")

// Runnable reports whether the workflow has the bindings required to run.
func (w *Workflow) Runnable() error {
	if len(w.Inputs) == 0 {
		return eris.Wrapf(ErrNotRunnable, "workflow %s: at least one input binding is required", w.ID)
	}
	for _, o := range w.Outputs {
		if !o.Quarantine {
			return nil
		}
	}
	return eris.Wrapf(ErrNotRunnable, "workflow %s: at least one output binding is required", w.ID)
}

// Validate checks structural invariants of the workflow definition.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return eris.New("workflow: id is required")
	}
	orders := make(map[int]string, len(w.Steps))
	names := make(map[string]bool, len(w.Steps)+len(w.AlternateSteps))
	for _, s := range w.Steps {
		if prev, ok := orders[s.Order]; ok {
			return eris.Errorf("workflow %s: steps %q and %q share order %d", w.ID, prev, s.Name, s.Order)
		}
		orders[s.Order] = s.Name
		names[s.Name] = true
		if err := s.Validate(); err != nil {
			return eris.Wrapf(err, "workflow %s", w.ID)
		}
	}
	for _, s := range w.AlternateSteps {
		names[s.Name] = true
		if err := s.Validate(); err != nil {
			return eris.Wrapf(err, "workflow %s: alternate", w.ID)
		}
	}
	for _, s := range w.Steps {
		if s.OnError.Action == OnErrorFallback && !names[s.OnError.Fallback] {
			return eris.Errorf("workflow %s: step %q falls back to unknown step %q", w.ID, s.Name, s.OnError.Fallback)
		}
	}
	aliases := make(map[string]bool, len(w.Inputs))
	for _, in := range w.Inputs {
		if in.SourceID == "" {
			return eris.Errorf("workflow %s: input binding without source_id", w.ID)
		}
		if aliases[in.Name()] {
			return eris.Errorf("workflow %s: duplicate input alias %q", w.ID, in.Name())
		}
		aliases[in.Name()] = true
	}
	switch w.Schedule.Type {
	case "", ScheduleManual, ScheduleCron:
	case ScheduleInterval:
		if w.Schedule.IntervalMs <= 0 {
			return eris.Errorf("workflow %s: interval schedule requires interval_ms", w.ID)
		}
	default:
		return eris.Errorf("workflow %s: unknown schedule type %q", w.ID, w.Schedule.Type)
	}
	return nil
}

// OrderedSteps returns the steps sorted by ascending order.
func (w *Workflow) OrderedSteps() []Step {
	return SortSteps(w.Steps)
}

// SortSteps returns a copy of steps sorted by ascending order.
func SortSteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
