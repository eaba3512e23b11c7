package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/orchestrator/internal/model"
)

// SQLiteStore implements Repository using modernc.org/sqlite. Entities are
// stored as JSON documents next to the columns used for filtering.
type SQLiteStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, nowFunc: time.Now}, nil
}

// sqliteTime is a fixed-width layout so stored timestamps sort as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

func sqliteTS(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func sqliteNullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqliteTS(*t)
}

func parseSQLiteTS(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(sqliteTime, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS providers (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sources (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workflows (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_stats (
	workflow_id           TEXT PRIMARY KEY REFERENCES workflows(id),
	total_executions      INTEGER NOT NULL DEFAULT 0,
	successful_executions INTEGER NOT NULL DEFAULT 0,
	failed_executions     INTEGER NOT NULL DEFAULT 0,
	cancelled_executions  INTEGER NOT NULL DEFAULT 0,
	total_duration_ms     INTEGER NOT NULL DEFAULT 0,
	quality_sum           REAL NOT NULL DEFAULT 0,
	quality_count         INTEGER NOT NULL DEFAULT 0,
	last_run_at           TEXT,
	last_success_at       TEXT,
	last_failure_at       TEXT
);

CREATE TABLE IF NOT EXISTS quality_monitors (
	id         TEXT PRIMARY KEY,
	scope_type TEXT NOT NULL,
	target_id  TEXT NOT NULL DEFAULT '',
	enabled    INTEGER NOT NULL DEFAULT 1,
	data       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	data        TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_history (
	run_id      TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	data        TEXT NOT NULL,
	ended_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	workflow_id TEXT NOT NULL DEFAULT '',
	run_id      TEXT NOT NULL DEFAULT '',
	data        TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_monitors_scope ON quality_monitors(scope_type, target_id);
CREATE INDEX IF NOT EXISTS idx_runs_workflow_status ON runs(workflow_id, status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_run_history_workflow ON run_history(workflow_id, ended_at);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// putDoc upserts a JSON document into one of the id/data/updated_at tables.
func (s *SQLiteStore) putDoc(ctx context.Context, table, id string, v any) error {
	data, err := marshal(v, table)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (id, data, updated_at) VALUES (?1, ?2, ?3)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		id, string(data), sqliteTS(s.nowFunc()),
	)
	return eris.Wrapf(err, "sqlite: save %s %s", table, id)
}

func sqliteGet[T any](ctx context.Context, db *sql.DB, query, what, id string) (*T, error) {
	var data string
	err := db.QueryRowContext(ctx, query, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "%s %s", what, id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get %s %s", what, id)
	}
	return unmarshal[T]([]byte(data), what)
}

func sqliteList[T any](ctx context.Context, db *sql.DB, what, query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list %s", what)
	}
	defer rows.Close() //nolint:errcheck

	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", what)
		}
		v, err := unmarshal[T]([]byte(data), what)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: list %s iterate", what)
}

func (s *SQLiteStore) SaveProvider(ctx context.Context, p model.Provider) error {
	return s.putDoc(ctx, "providers", p.ID, p)
}

func (s *SQLiteStore) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	return sqliteGet[model.Provider](ctx, s.db, `SELECT data FROM providers WHERE id = ?`, "provider", id)
}

func (s *SQLiteStore) ListProviders(ctx context.Context) ([]model.Provider, error) {
	return sqliteList[model.Provider](ctx, s.db, "providers", `SELECT data FROM providers ORDER BY id`)
}

func (s *SQLiteStore) UpdateProviderHealth(ctx context.Context, id string, h model.Health) error {
	data, err := marshal(h, "health")
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE providers SET data = json_set(data, '$.health', json(?1)), updated_at = ?2 WHERE id = ?3`,
		string(data), sqliteTS(s.nowFunc()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update provider health %s", id)
	}
	return checkRowsAffected(res, "provider", id)
}

func (s *SQLiteStore) SaveSource(ctx context.Context, src model.Source) error {
	return s.putDoc(ctx, "sources", src.ID, src)
}

func (s *SQLiteStore) GetSource(ctx context.Context, id string) (*model.Source, error) {
	return sqliteGet[model.Source](ctx, s.db, `SELECT data FROM sources WHERE id = ?`, "source", id)
}

func (s *SQLiteStore) ListSources(ctx context.Context) ([]model.Source, error) {
	return sqliteList[model.Source](ctx, s.db, "sources", `SELECT data FROM sources ORDER BY id`)
}

func (s *SQLiteStore) SaveWorkflow(ctx context.Context, wf *model.Workflow) error {
	return s.putDoc(ctx, "workflows", wf.ID, wf)
}

func (s *SQLiteStore) LoadWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	wf, err := sqliteGet[model.Workflow](ctx, s.db, `SELECT data FROM workflows WHERE id = ?`, "workflow", id)
	if err != nil {
		return nil, err
	}
	stats, err := s.loadStats(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Stats = stats
	return wf, nil
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]model.Workflow, error) {
	wfs, err := sqliteList[model.Workflow](ctx, s.db, "workflows", `SELECT data FROM workflows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for i := range wfs {
		if wfs[i].Stats, err = s.loadStats(ctx, wfs[i].ID); err != nil {
			return nil, err
		}
	}
	return wfs, nil
}

func (s *SQLiteStore) loadStats(ctx context.Context, workflowID string) (model.WorkflowStats, error) {
	var st model.WorkflowStats
	var lastRun, lastSuccess, lastFailure sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT total_executions, successful_executions, failed_executions, cancelled_executions,
		        total_duration_ms, quality_sum, quality_count, last_run_at, last_success_at, last_failure_at
		 FROM workflow_stats WHERE workflow_id = ?`,
		workflowID,
	).Scan(&st.TotalExecutions, &st.SuccessfulExecutions, &st.FailedExecutions, &st.CancelledExecutions,
		&st.TotalDurationMs, &st.QualitySum, &st.QualityCount, &lastRun, &lastSuccess, &lastFailure)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, eris.Wrapf(err, "sqlite: load stats %s", workflowID)
	}
	st.LastRunAt = parseSQLiteTS(lastRun)
	st.LastSuccessAt = parseSQLiteTS(lastSuccess)
	st.LastFailureAt = parseSQLiteTS(lastFailure)
	return st, nil
}

func (s *SQLiteStore) SaveMonitor(ctx context.Context, m model.QualityMonitor) error {
	data, err := marshal(m, "monitor")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO quality_monitors (id, scope_type, target_id, enabled, data) VALUES (?1, ?2, ?3, ?4, ?5)
		 ON CONFLICT(id) DO UPDATE SET scope_type = excluded.scope_type, target_id = excluded.target_id,
		   enabled = excluded.enabled, data = excluded.data`,
		m.ID, string(m.Scope.Type), m.Scope.TargetID, m.Enabled, string(data),
	)
	return eris.Wrapf(err, "sqlite: save monitor %s", m.ID)
}

func (s *SQLiteStore) LoadQualityRules(ctx context.Context, scope model.Scope) ([]model.QualityRule, error) {
	monitors, err := sqliteList[model.QualityMonitor](ctx, s.db, "monitors",
		`SELECT data FROM quality_monitors
		 WHERE enabled = 1 AND scope_type = ?1 AND (scope_type = 'global' OR target_id = ?2)
		 ORDER BY id`,
		string(scope.Type), scope.TargetID,
	)
	if err != nil {
		return nil, err
	}
	return monitorRules(monitors, scope), nil
}

// SaveRun upserts the run unless the stored copy is already terminal.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *model.Run) error {
	data, err := marshal(run, "run")
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, status, data, created_at, updated_at) VALUES (?1, ?2, ?3, ?4, ?5, ?6)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data, updated_at = excluded.updated_at
		 WHERE runs.status NOT IN ('completed', 'failed', 'cancelled')`,
		run.ID, run.WorkflowID, string(run.Status), string(data), sqliteTS(run.CreatedAt), sqliteTS(s.nowFunc()),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save run %s", run.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrRunImmutable, "run %s", run.ID)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	return sqliteGet[model.Run](ctx, s.db, `SELECT data FROM runs WHERE id = ?`, "run", id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT data FROM runs WHERE 1=1`
	var args []any

	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limitOr(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}
	return sqliteList[model.Run](ctx, s.db, "runs", query, args...)
}

func (s *SQLiteStore) CountActiveRuns(ctx context.Context, workflowID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE workflow_id = ? AND status IN ('scheduled', 'running', 'paused')`,
		workflowID,
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count active runs %s", workflowID)
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, workflowID string, run *model.Run) error {
	data, err := marshal(run, "run")
	if err != nil {
		return err
	}
	ended := s.nowFunc()
	if run.EndedAt != nil {
		ended = *run.EndedAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_history (run_id, workflow_id, status, data, ended_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO NOTHING`,
		run.ID, workflowID, string(run.Status), string(data), sqliteTS(ended),
	)
	return eris.Wrapf(err, "sqlite: append history %s", run.ID)
}

func (s *SQLiteStore) History(ctx context.Context, workflowID string, limit int) ([]model.Run, error) {
	return sqliteList[model.Run](ctx, s.db, "history",
		`SELECT data FROM run_history WHERE workflow_id = ? ORDER BY ended_at DESC LIMIT ?`,
		workflowID, limitOr(limit),
	)
}

// UpdateStatistics adds one run's contribution to the workflow counters in a
// single statement.
func (s *SQLiteStore) UpdateStatistics(ctx context.Context, workflowID string, d model.StatsDelta) error {
	inc := statsIncrement(d)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_stats (workflow_id, total_executions, successful_executions, failed_executions,
		   cancelled_executions, total_duration_ms, quality_sum, quality_count, last_run_at, last_success_at, last_failure_at)
		 SELECT ?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11
		 WHERE EXISTS (SELECT 1 FROM workflows WHERE id = ?1)
		 ON CONFLICT(workflow_id) DO UPDATE SET
		   total_executions      = workflow_stats.total_executions + excluded.total_executions,
		   successful_executions = workflow_stats.successful_executions + excluded.successful_executions,
		   failed_executions     = workflow_stats.failed_executions + excluded.failed_executions,
		   cancelled_executions  = workflow_stats.cancelled_executions + excluded.cancelled_executions,
		   total_duration_ms     = workflow_stats.total_duration_ms + excluded.total_duration_ms,
		   quality_sum           = workflow_stats.quality_sum + excluded.quality_sum,
		   quality_count         = workflow_stats.quality_count + excluded.quality_count,
		   last_run_at           = CASE WHEN workflow_stats.last_run_at IS NULL OR excluded.last_run_at > workflow_stats.last_run_at
		                                THEN excluded.last_run_at ELSE workflow_stats.last_run_at END,
		   last_success_at       = COALESCE(excluded.last_success_at, workflow_stats.last_success_at),
		   last_failure_at       = COALESCE(excluded.last_failure_at, workflow_stats.last_failure_at)`,
		workflowID, inc.TotalExecutions, inc.SuccessfulExecutions, inc.FailedExecutions,
		inc.CancelledExecutions, inc.TotalDurationMs, inc.QualitySum, inc.QualityCount,
		sqliteNullTS(inc.LastRunAt), sqliteNullTS(inc.LastSuccessAt), sqliteNullTS(inc.LastFailureAt),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update statistics %s", workflowID)
	}
	return checkRowsAffected(res, "workflow", workflowID)
}

func (s *SQLiteStore) SaveAlert(ctx context.Context, a model.Alert) error {
	data, err := marshal(a, "alert")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, status, workflow_id, run_id, data, created_at) VALUES (?1, ?2, ?3, ?4, ?5, ?6)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		a.ID, string(a.Status), a.WorkflowID, a.RunID, string(data), sqliteTS(a.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: save alert %s", a.ID)
}

func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	return sqliteGet[model.Alert](ctx, s.db, `SELECT data FROM alerts WHERE id = ?`, "alert", id)
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error) {
	query := `SELECT data FROM alerts WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limitOr(filter.Limit))
	return sqliteList[model.Alert](ctx, s.db, "alerts", query, args...)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
