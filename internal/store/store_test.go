package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orchestrator/internal/model"
)

func newTestSQLite(t *testing.T) Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestMemory(t *testing.T) Repository {
	t.Helper()
	return NewMemory()
}

func TestMemoryStore(t *testing.T) {
	repositoryTestSuite(t, newTestMemory)
}

func TestSQLiteStore(t *testing.T) {
	repositoryTestSuite(t, newTestSQLite)
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testWorkflow(id string) *model.Workflow {
	return &model.Workflow{
		ID:     id,
		Name:   "Daily " + id,
		Inputs: []model.InputBinding{{SourceID: "adv"}},
		Outputs: []model.OutputBinding{
			{Name: "out", Type: model.OutputLog},
		},
		Schedule: model.Schedule{Type: model.ScheduleInterval, Enabled: true, IntervalMs: 60000},
		Budget:   model.Budget{MaxCostPerExecution: 100},
	}
}

func testRun(id, workflowID string, status model.RunStatus, created time.Time) *model.Run {
	return &model.Run{
		ID:         id,
		WorkflowID: workflowID,
		Trigger:    model.TriggerManual,
		Status:     status,
		CreatedAt:  created,
		Parameters: map[string]any{"state": "TX"},
	}
}

func repositoryTestSuite(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("ProviderRoundTripAndHealth", func(t *testing.T) {
		s := newRepo(t)
		ctx := context.Background()

		p := model.Provider{
			ID: "sec", Name: "SEC EDGAR", Kind: model.ProviderKindHTTPJSON, Status: model.StatusActive,
			CostPerRequest: 0.5, Resilience: model.ResilienceSettings{TimeoutMs: 3000, MaxRetries: 2},
		}
		require.NoError(t, s.SaveProvider(ctx, p))
		require.NoError(t, s.SaveProvider(ctx, model.Provider{ID: "fdic", Name: "FDIC"}))

		got, err := s.GetProvider(ctx, "sec")
		require.NoError(t, err)
		assert.Equal(t, "SEC EDGAR", got.Name)
		assert.Equal(t, 3000, got.Resilience.TimeoutMs)

		checked := t0
		h := model.Health{SuccessRate: 0.9, AvgResponseMs: 120, ConsecutiveFailures: 1, TotalRequests: 10, TotalFailures: 1, LastCheckedAt: &checked}
		require.NoError(t, s.UpdateProviderHealth(ctx, "sec", h))

		got, err = s.GetProvider(ctx, "sec")
		require.NoError(t, err)
		assert.Equal(t, 0.9, got.Health.SuccessRate)
		assert.Equal(t, int64(10), got.Health.TotalRequests)
		assert.Equal(t, "SEC EDGAR", got.Name)

		all, err := s.ListProviders(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "fdic", all[0].ID)

		err = s.UpdateProviderHealth(ctx, "missing", h)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("NotFound", func(t *testing.T) {
		s := newRepo(t)
		ctx := context.Background()

		_, err := s.GetProvider(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetSource(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.LoadWorkflow(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetRun(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetAlert(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("SourcesAndWorkflows", func(t *testing.T) {
		s := newRepo(t)
		ctx := context.Background()

		src := model.Source{ID: "adv", Name: "Form ADV", Providers: []model.ProviderMapping{
			{ProviderID: "sec", Priority: 1, Recommended: true},
			{ProviderID: "mirror", Priority: 2, Access: map[string]any{"path": "/adv"}},
		}}
		require.NoError(t, s.SaveSource(ctx, src))
		got, err := s.GetSource(ctx, "adv")
		require.NoError(t, err)
		require.Len(t, got.Providers, 2)
		assert.Equal(t, "/adv", got.Providers[1].Access["path"])

		sources, err := s.ListSources(ctx)
		require.NoError(t, err)
		assert.Len(t, sources, 1)

		require.NoError(t, s.SaveWorkflow(ctx, testWorkflow("wf-b")))
		require.NoError(t, s.SaveWorkflow(ctx, testWorkflow("wf-a")))
		wf, err := s.LoadWorkflow(ctx, "wf-a")
		require.NoError(t, err)
		assert.Equal(t, "Daily wf-a", wf.Name)
		assert.Equal(t, int64(60000), wf.Schedule.IntervalMs)
		assert.Zero(t, wf.Stats.TotalExecutions)

		wfs, err := s.ListWorkflows(ctx)
		require.NoError(t, err)
		require.Len(t, wfs, 2)
		assert.Equal(t, "wf-a", wfs[0].ID)
	})

	t.Run("StatisticsAccumulate", func(t *testing.T) {
		s := newRepo(t)
		ctx := context.Background()
		require.NoError(t, s.SaveWorkflow(ctx, testWorkflow("wf")))

		q := 80.0
		for i := 0; i < 3; i++ {
			require.NoError(t, s.UpdateStatistics(ctx, "wf", model.StatsDelta{
				Status: model.RunCompleted, DurationMs: 100, Quality: &q,
				RunAt: t0.Add(time.Duration(i) * time.Minute), EndedAt: t0.Add(time.Duration(i)*time.Minute + time.Second),
			}))
		}
		for i := 0; i < 2; i++ {
			require.NoError(t, s.UpdateStatistics(ctx, "wf", model.StatsDelta{
				Status: model.RunFailed, DurationMs: 50, RunAt: t0, EndedAt: t0.Add(time.Second),
			}))
		}

		wf, err := s.LoadWorkflow(ctx, "wf")
		require.NoError(t, err)
		st := wf.Stats
		assert.Equal(t, int64(5), st.TotalExecutions)
		assert.Equal(t, int64(3), st.SuccessfulExecutions)
		assert.Equal(t, int64(2), st.FailedExecutions)
		assert.Equal(t, int64(400), st.TotalDurationMs)
		assert.InDelta(t, 80.0, st.AvgQuality(), 1e-9)
		assert.InDelta(t, 80.0, st.AvgExecutionMs(), 1e-9)
		require.NotNil(t, st.LastRunAt)
		assert.True(t, st.LastRunAt.Equal(t0.Add(2*time.Minute)))
		require.NotNil(t, st.LastSuccessAt)
		require.NotNil(t, st.LastFailureAt)

		err = s.UpdateStatistics(ctx, "missing", model.StatsDelta{Status: model.RunCompleted, RunAt: t0})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RunsImmutableOnceTerminal", func(t *testing.T) {
		s := newRepo(t)
		ctx := context.Background()

		run := testRun("run-1", "wf", model.RunScheduled, t0)
		require.NoError(t, s.SaveRun(ctx, run))
		run.Status = model.RunRunning
		run.CurrentStep = "dedupe"
		require.NoError(t, s.SaveRun(ctx, run))

		got, err := s.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, model.RunRunning, got.Status)
		assert.Equal(t, "dedupe", got.CurrentStep)
		assert.Equal(t, "TX", got.Parameters["state"])

		run.Status = model.RunCompleted
		require.NoError(t, s.SaveRun(ctx, run))

		run.Status = model.RunFailed
		err = s.SaveRun(ctx, run)
		assert.ErrorIs(t, err, ErrRunImmutable)

		got, err = s.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, model.RunCompleted, got.Status)
	})

	t.Run("ListAndCountRuns", func(t *testing.T) {
		s := newRepo(t)
		ctx := context.Background()

		require.NoError(t, s.SaveRun(ctx, testRun("r1", "wf", model.RunCompleted, t0)))
		require.NoError(t, s.SaveRun(ctx, testRun("r2", "wf", model.RunRunning, t0.Add(time.Minute))))
		require.NoError(t, s.SaveRun(ctx, testRun("r3", "wf", model.RunPaused, t0.Add(2*time.Minute))))
		require.NoError(t, s.SaveRun(ctx, testRun("r4", "other", model.RunScheduled, t0.Add(3*time.Minute))))

		n, err := s.CountActiveRuns(ctx, "wf")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		runs, err := s.ListRuns(ctx, RunFilter{WorkflowID: "wf"})
		require.NoError(t, err)
		require.Len(t, runs, 3)
		assert.Equal(t, "r3", runs[0].ID)
		assert.Equal(t, "r1", runs[2].ID)

		runs, err = s.ListRuns(ctx, RunFilter{Status: model.RunScheduled})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "r4", runs[0].ID)

		runs, err = s.ListRuns(ctx, RunFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "r3", runs[0].ID)
	})

	t.Run("History", func(t *testing.T) {
		s := newRepo(t)
		ctx := context.Background()

		for i, id := range []string{"h1", "h2", "h3"} {
			r := testRun(id, "wf", model.RunCompleted, t0)
			ended := t0.Add(time.Duration(i) * time.Minute)
			r.EndedAt = &ended
			require.NoError(t, s.AppendHistory(ctx, "wf", r))
		}
		require.NoError(t, s.AppendHistory(ctx, "wf", testRun("h3", "wf", model.RunCompleted, t0)))

		hist, err := s.History(ctx, "wf", 0)
		require.NoError(t, err)
		require.Len(t, hist, 3)
		assert.Equal(t, "h3", hist[0].ID)

		hist, err = s.History(ctx, "wf", 1)
		require.NoError(t, err)
		assert.Len(t, hist, 1)
	})

	t.Run("QualityRulesByScope", func(t *testing.T) {
		s := newRepo(t)
		ctx := context.Background()

		rule := func(id string, enabled bool) model.QualityRule {
			return model.QualityRule{ID: id, Dimension: model.DimCompleteness, Weight: 1, Enabled: enabled}
		}
		require.NoError(t, s.SaveMonitor(ctx, model.QualityMonitor{
			ID: "m-global", Enabled: true, Scope: model.Scope{Type: model.ScopeGlobal},
			Rules: []model.QualityRule{rule("g1", true)},
		}))
		require.NoError(t, s.SaveMonitor(ctx, model.QualityMonitor{
			ID: "m-src", Enabled: true, Scope: model.Scope{Type: model.ScopeSource, TargetID: "adv"},
			Rules: []model.QualityRule{rule("s1", true), rule("s2", false)},
		}))
		require.NoError(t, s.SaveMonitor(ctx, model.QualityMonitor{
			ID: "m-off", Enabled: false, Scope: model.Scope{Type: model.ScopeSource, TargetID: "adv"},
			Rules: []model.QualityRule{rule("x1", true)},
		}))

		rules, err := s.LoadQualityRules(ctx, model.Scope{Type: model.ScopeSource, TargetID: "adv"})
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, "s1", rules[0].ID)

		rules, err = s.LoadQualityRules(ctx, model.Scope{Type: model.ScopeGlobal})
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, "g1", rules[0].ID)

		rules, err = s.LoadQualityRules(ctx, model.Scope{Type: model.ScopeSource, TargetID: "other"})
		require.NoError(t, err)
		assert.Empty(t, rules)
	})

	t.Run("Alerts", func(t *testing.T) {
		s := newRepo(t)
		ctx := context.Background()

		a := model.Alert{
			ID: "a1", Type: model.AlertQuality, Severity: model.SeverityHigh, Status: model.AlertActive,
			WorkflowID: "wf", RunID: "r1", Message: "completeness below warning", CreatedAt: t0,
		}
		require.NoError(t, s.SaveAlert(ctx, a))
		b := a
		b.ID, b.RunID, b.CreatedAt = "a2", "r2", t0.Add(time.Minute)
		require.NoError(t, s.SaveAlert(ctx, b))

		require.NoError(t, a.Acknowledge(t0.Add(time.Hour)))
		require.NoError(t, s.SaveAlert(ctx, a))

		got, err := s.GetAlert(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, model.AlertAcknowledged, got.Status)
		require.NotNil(t, got.AcknowledgedAt)

		active, err := s.ListAlerts(ctx, AlertFilter{Status: model.AlertActive})
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "a2", active[0].ID)

		byRun, err := s.ListAlerts(ctx, AlertFilter{RunID: "r1"})
		require.NoError(t, err)
		require.Len(t, byRun, 1)

		all, err := s.ListAlerts(ctx, AlertFilter{WorkflowID: "wf"})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "a2", all[0].ID)
	})
}

func TestMonitorRules_GlobalIgnoresTarget(t *testing.T) {
	monitors := []model.QualityMonitor{
		{ID: "b", Enabled: true, Scope: model.Scope{Type: model.ScopeGlobal, TargetID: "ignored"},
			Rules: []model.QualityRule{{ID: "r2", Enabled: true}}},
		{ID: "a", Enabled: true, Scope: model.Scope{Type: model.ScopeGlobal},
			Rules: []model.QualityRule{{ID: "r1", Enabled: true}}},
	}
	rules := monitorRules(monitors, model.Scope{Type: model.ScopeGlobal})
	require.Len(t, rules, 2)
	assert.Equal(t, "r1", rules[0].ID)
}

func TestStatsIncrement(t *testing.T) {
	inc := statsIncrement(model.StatsDelta{Status: model.RunCancelled, DurationMs: 7, RunAt: t0})
	assert.Equal(t, int64(1), inc.TotalExecutions)
	assert.Equal(t, int64(1), inc.CancelledExecutions)
	assert.Equal(t, int64(7), inc.TotalDurationMs)
	assert.Nil(t, inc.LastSuccessAt)
	require.NotNil(t, inc.LastRunAt)
}
