package model

import (
	"time"
)

// RunStatus is the state of a run in its lifecycle.
type RunStatus string

const (
	RunDraft     RunStatus = "draft"
	RunScheduled RunStatus = "scheduled"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

var transitions = map[RunStatus][]RunStatus{
	RunDraft:     {RunScheduled, RunCancelled},
	RunScheduled: {RunRunning, RunFailed, RunCancelled},
	RunRunning:   {RunPaused, RunCompleted, RunFailed, RunCancelled},
	RunPaused:    {RunRunning, RunCancelled, RunFailed},
}

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Active reports whether a run in this state counts against the workflow's
// concurrency limit.
func (s RunStatus) Active() bool {
	return s == RunScheduled || s == RunRunning || s == RunPaused
}

// CanTransition reports whether from -> to is a legal run transition.
func CanTransition(from, to RunStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TriggerType records who started a run.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerAPI       TriggerType = "api"
)

// Run is one execution of a workflow.
type Run struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Trigger     TriggerType    `json:"trigger"`
	Status      RunStatus      `json:"status"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
	CurrentStep string         `json:"current_step,omitempty"`
	// Progress is the completed fraction of fetch, step, and output phases,
	// as a percentage.
	Progress        float64                     `json:"progress"`
	StepResults     []StepResult                `json:"step_results,omitempty"`
	ProviderMetrics map[string]*ProviderMetrics `json:"provider_metrics,omitempty"`
	Failovers       []FailoverEvent             `json:"failovers,omitempty"`
	Cost            CostSummary                 `json:"cost"`
	Quality         *QualityReport              `json:"quality,omitempty"`
	Recommendations []Recommendation            `json:"recommendations,omitempty"`
	Outputs         []OutputResult              `json:"outputs,omitempty"`
	RecordsIn       int                         `json:"records_in"`
	RecordsOut      int                         `json:"records_out"`
	Quarantined     int                         `json:"quarantined"`
	Issues          []Issue                     `json:"issues,omitempty"`
}

// StepStatus is the outcome of one pipeline step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records the observable outcome of one step.
type StepResult struct {
	Name            string     `json:"name"`
	Type            StepType   `json:"type"`
	Order           int        `json:"order"`
	Status          StepStatus `json:"status"`
	RecordsIn       int        `json:"records_in"`
	RecordsOut      int        `json:"records_out"`
	RecordsRejected int        `json:"records_rejected"`
	Attempts        int        `json:"attempts"`
	Fallback        string     `json:"fallback,omitempty"`
	DurationMs      int64      `json:"duration_ms"`
	Warnings        int        `json:"warnings,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// ProviderMetrics aggregates a run's calls to one provider.
type ProviderMetrics struct {
	ProviderID     string  `json:"provider_id"`
	Calls          int     `json:"calls"`
	Failures       int     `json:"failures"`
	ShortCircuited int     `json:"short_circuited"`
	Records        int     `json:"records"`
	TotalLatencyMs int64   `json:"total_latency_ms"`
	Cost           float64 `json:"cost"`
}

// FailoverEvent records a switch from one provider candidate to the next.
type FailoverEvent struct {
	SourceID     string    `json:"source_id"`
	FromProvider string    `json:"from_provider"`
	ToProvider   string    `json:"to_provider,omitempty"`
	Reason       string    `json:"reason"`
	At           time.Time `json:"at"`
}

// CostSummary is the run's accumulated spend.
type CostSummary struct {
	Total      float64            `json:"total"`
	ByProvider map[string]float64 `json:"by_provider,omitempty"`
	PerRecord  float64            `json:"per_record,omitempty"`
}

// OutputResult records one output dispatch.
type OutputResult struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Records  int    `json:"records"`
	Location string `json:"location,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Recommendation is an advisory cost optimisation.
type Recommendation struct {
	Type            string  `json:"type"`
	SourceID        string  `json:"source_id"`
	CurrentProvider string  `json:"current_provider"`
	Suggested       string  `json:"suggested_provider"`
	CurrentCost     float64 `json:"current_cost"`
	SuggestedCost   float64 `json:"suggested_cost"`
	Reason          string  `json:"reason"`
}

// IssueLevel grades run issues.
type IssueLevel string

const (
	IssueInfo    IssueLevel = "info"
	IssueWarning IssueLevel = "warning"
	IssueError   IssueLevel = "error"
)

// Issue is a structured log entry on a run.
type Issue struct {
	Level     IssueLevel `json:"level"`
	Component string     `json:"component"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// Metrics returns the provider metrics entry for id, creating it if needed.
func (r *Run) Metrics(id string) *ProviderMetrics {
	if r.ProviderMetrics == nil {
		r.ProviderMetrics = make(map[string]*ProviderMetrics)
	}
	m, ok := r.ProviderMetrics[id]
	if !ok {
		m = &ProviderMetrics{ProviderID: id}
		r.ProviderMetrics[id] = m
	}
	return m
}
