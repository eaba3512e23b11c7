package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orchestrator/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, nowFunc: func() time.Time { return t0 }}
	return s, mock
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	data, err := json.Marshal(testRun("run-1", "wf", model.RunRunning, t0))
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT data FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, run.Status)
	assert.Equal(t, "wf", run.WorkflowID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRun_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	run := testRun("run-1", "wf", model.RunScheduled, t0)

	mock.ExpectExec(`INSERT INTO runs .* ON CONFLICT \(id\) DO UPDATE .* WHERE runs.status NOT IN`).
		WithArgs("run-1", "wf", "scheduled", pgxmock.AnyArg(), t0, t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveRun(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRun_Terminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	run := testRun("run-1", "wf", model.RunFailed, t0)

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs("run-1", "wf", "failed", pgxmock.AnyArg(), t0, t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.SaveRun(context.Background(), run)
	assert.ErrorIs(t, err, ErrRunImmutable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateStatistics(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	q := 91.5
	ended := t0.Add(time.Minute)

	mock.ExpectExec(`INSERT INTO workflow_stats .* WHERE EXISTS .* ON CONFLICT \(workflow_id\) DO UPDATE SET`).
		WithArgs("wf", int64(1), int64(1), int64(0), int64(0), int64(60000), 91.5, int64(1),
			t0, ended, nil).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpdateStatistics(context.Background(), "wf", model.StatsDelta{
		Status: model.RunCompleted, DurationMs: 60000, Quality: &q, RunAt: t0, EndedAt: ended,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateStatistics_UnknownWorkflow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO workflow_stats`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.UpdateStatistics(context.Background(), "ghost", model.StatsDelta{Status: model.RunFailed, RunAt: t0})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadWorkflowWithStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	data, err := json.Marshal(testWorkflow("wf"))
	require.NoError(t, err)
	last := t0

	mock.ExpectQuery(`SELECT data FROM workflows WHERE id = \$1`).
		WithArgs("wf").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))
	mock.ExpectQuery(`FROM workflow_stats WHERE workflow_id = \$1`).
		WithArgs("wf").
		WillReturnRows(pgxmock.NewRows([]string{
			"total_executions", "successful_executions", "failed_executions", "cancelled_executions",
			"total_duration_ms", "quality_sum", "quality_count", "last_run_at", "last_success_at", "last_failure_at",
		}).AddRow(int64(4), int64(3), int64(1), int64(0), int64(400), 240.0, int64(3), &last, &last, &last))

	wf, err := s.LoadWorkflow(context.Background(), "wf")
	require.NoError(t, err)
	assert.Equal(t, int64(4), wf.Stats.TotalExecutions)
	assert.InDelta(t, 80.0, wf.Stats.AvgQuality(), 1e-9)
	assert.InDelta(t, 100.0, wf.Stats.AvgExecutionMs(), 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateProviderHealth(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE providers SET data = jsonb_set\(data, '\{health\}', \$1::jsonb\)`).
		WithArgs(pgxmock.AnyArg(), t0, "sec").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE providers SET data = jsonb_set`).
		WithArgs(pgxmock.AnyArg(), t0, "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ctx := context.Background()
	require.NoError(t, s.UpdateProviderHealth(ctx, "sec", model.Health{SuccessRate: 1}))
	assert.ErrorIs(t, s.UpdateProviderHealth(ctx, "missing", model.Health{}), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountActiveRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM runs WHERE workflow_id = \$1 AND status = ANY\(\$2\)`).
		WithArgs("wf", activeStatuses).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	n, err := s.CountActiveRuns(context.Background(), "wf")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRunsPlaceholders(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	data, err := json.Marshal(testRun("r1", "wf", model.RunCompleted, t0))
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT data FROM runs WHERE 1=1 AND workflow_id = \$1 AND status = \$2 ORDER BY created_at DESC, id LIMIT \$3 OFFSET \$4`).
		WithArgs("wf", "completed", 10, 5).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))

	runs, err := s.ListRuns(context.Background(), RunFilter{WorkflowID: "wf", Status: model.RunCompleted, Limit: 10, Offset: 5})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadQualityRules(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	data, err := json.Marshal(model.QualityMonitor{
		ID: "m1", Enabled: true, Scope: model.Scope{Type: model.ScopeWorkflow, TargetID: "wf"},
		Rules: []model.QualityRule{{ID: "r1", Enabled: true}, {ID: "r2"}},
	})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT data FROM quality_monitors`).
		WithArgs("workflow", "wf").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))

	rules, err := s.LoadQualityRules(context.Background(), model.Scope{Type: model.ScopeWorkflow, TargetID: "wf"})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "r1", rules[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS providers`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
