// Package store persists the catalog, workflow runs, statistics, and alerts.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orchestrator/internal/model"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrRunImmutable is returned when saving over a run that already
	// reached a terminal state.
	ErrRunImmutable = eris.New("store: run is terminal")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID string          `json:"workflow_id,omitempty"`
	Status     model.RunStatus `json:"status,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Offset     int             `json:"offset,omitempty"`
}

// AlertFilter specifies criteria for listing alerts.
type AlertFilter struct {
	Status     model.AlertStatus `json:"status,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// Repository defines the persistence interface for the orchestrator.
type Repository interface {
	// Catalog
	SaveProvider(ctx context.Context, p model.Provider) error
	GetProvider(ctx context.Context, id string) (*model.Provider, error)
	ListProviders(ctx context.Context) ([]model.Provider, error)
	UpdateProviderHealth(ctx context.Context, id string, h model.Health) error
	SaveSource(ctx context.Context, s model.Source) error
	GetSource(ctx context.Context, id string) (*model.Source, error)
	ListSources(ctx context.Context) ([]model.Source, error)
	SaveWorkflow(ctx context.Context, wf *model.Workflow) error
	LoadWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	ListWorkflows(ctx context.Context) ([]model.Workflow, error)
	SaveMonitor(ctx context.Context, m model.QualityMonitor) error
	LoadQualityRules(ctx context.Context, scope model.Scope) ([]model.QualityRule, error)

	// Runs
	SaveRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	CountActiveRuns(ctx context.Context, workflowID string) (int, error)
	AppendHistory(ctx context.Context, workflowID string, run *model.Run) error
	History(ctx context.Context, workflowID string, limit int) ([]model.Run, error)
	UpdateStatistics(ctx context.Context, workflowID string, delta model.StatsDelta) error

	// Alerts
	SaveAlert(ctx context.Context, a model.Alert) error
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func limitOr(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// terminalStatuses lists run states that may no longer change.
var terminalStatuses = []string{
	string(model.RunCompleted), string(model.RunFailed), string(model.RunCancelled),
}

// activeStatuses lists run states counted against concurrency limits.
var activeStatuses = []string{
	string(model.RunScheduled), string(model.RunRunning), string(model.RunPaused),
}

// statsIncrement returns the counters one delta adds to a workflow's
// statistics.
func statsIncrement(d model.StatsDelta) model.WorkflowStats {
	var s model.WorkflowStats
	s.Apply(d)
	return s
}

// monitorRules returns the enabled rules of monitors watching scope.
func monitorRules(monitors []model.QualityMonitor, scope model.Scope) []model.QualityRule {
	sort.SliceStable(monitors, func(i, j int) bool { return monitors[i].ID < monitors[j].ID })
	var rules []model.QualityRule
	for _, m := range monitors {
		if !m.Enabled || m.Scope.Type != scope.Type {
			continue
		}
		if scope.Type != model.ScopeGlobal && m.Scope.TargetID != scope.TargetID {
			continue
		}
		for _, r := range m.Rules {
			if r.Enabled {
				rules = append(rules, r)
			}
		}
	}
	return rules
}

func marshal(v any, what string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal %s", what)
	}
	return b, nil
}

func unmarshal[T any](data []byte, what string) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal %s", what)
	}
	return &v, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
