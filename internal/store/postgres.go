package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/orchestrator/internal/model"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore. pgxmock pools
// satisfy it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Repository using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
	nowFunc func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, nowFunc: time.Now}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS providers (
	id         TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sources (
	id         TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS workflows (
	id         TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS workflow_stats (
	workflow_id           TEXT PRIMARY KEY REFERENCES workflows(id),
	total_executions      BIGINT NOT NULL DEFAULT 0,
	successful_executions BIGINT NOT NULL DEFAULT 0,
	failed_executions     BIGINT NOT NULL DEFAULT 0,
	cancelled_executions  BIGINT NOT NULL DEFAULT 0,
	total_duration_ms     BIGINT NOT NULL DEFAULT 0,
	quality_sum           DOUBLE PRECISION NOT NULL DEFAULT 0,
	quality_count         BIGINT NOT NULL DEFAULT 0,
	last_run_at           TIMESTAMPTZ,
	last_success_at       TIMESTAMPTZ,
	last_failure_at       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS quality_monitors (
	id         TEXT PRIMARY KEY,
	scope_type TEXT NOT NULL,
	target_id  TEXT NOT NULL DEFAULT '',
	enabled    BOOLEAN NOT NULL DEFAULT true,
	data       JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	data        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_history (
	run_id      TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	data        JSONB NOT NULL,
	ended_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	workflow_id TEXT NOT NULL DEFAULT '',
	run_id      TEXT NOT NULL DEFAULT '',
	data        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_monitors_scope ON quality_monitors(scope_type, target_id);
CREATE INDEX IF NOT EXISTS idx_runs_workflow_status ON runs(workflow_id, status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_run_history_workflow ON run_history(workflow_id, ended_at DESC);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) now() time.Time {
	if s.nowFunc == nil {
		return time.Now().UTC()
	}
	return s.nowFunc().UTC()
}

func (s *PostgresStore) putDoc(ctx context.Context, table, id string, v any) error {
	data, err := marshal(v, table)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+table+` (id, data, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		id, data, s.now(),
	)
	return eris.Wrapf(err, "postgres: save %s %s", table, id)
}

func pgGet[T any](ctx context.Context, pool Pool, query, what, id string) (*T, error) {
	var data []byte
	err := pool.QueryRow(ctx, query, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "%s %s", what, id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get %s %s", what, id)
	}
	return unmarshal[T](data, what)
}

func pgList[T any](ctx context.Context, pool Pool, what, query string, args ...any) ([]T, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s", what)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", what)
		}
		v, err := unmarshal[T](data, what)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: list %s iterate", what)
}

func (s *PostgresStore) SaveProvider(ctx context.Context, p model.Provider) error {
	return s.putDoc(ctx, "providers", p.ID, p)
}

func (s *PostgresStore) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	return pgGet[model.Provider](ctx, s.pool, `SELECT data FROM providers WHERE id = $1`, "provider", id)
}

func (s *PostgresStore) ListProviders(ctx context.Context) ([]model.Provider, error) {
	return pgList[model.Provider](ctx, s.pool, "providers", `SELECT data FROM providers ORDER BY id`)
}

func (s *PostgresStore) UpdateProviderHealth(ctx context.Context, id string, h model.Health) error {
	data, err := marshal(h, "health")
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE providers SET data = jsonb_set(data, '{health}', $1::jsonb), updated_at = $2 WHERE id = $3`,
		data, s.now(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update provider health %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "provider %s", id)
	}
	return nil
}

func (s *PostgresStore) SaveSource(ctx context.Context, src model.Source) error {
	return s.putDoc(ctx, "sources", src.ID, src)
}

func (s *PostgresStore) GetSource(ctx context.Context, id string) (*model.Source, error) {
	return pgGet[model.Source](ctx, s.pool, `SELECT data FROM sources WHERE id = $1`, "source", id)
}

func (s *PostgresStore) ListSources(ctx context.Context) ([]model.Source, error) {
	return pgList[model.Source](ctx, s.pool, "sources", `SELECT data FROM sources ORDER BY id`)
}

func (s *PostgresStore) SaveWorkflow(ctx context.Context, wf *model.Workflow) error {
	return s.putDoc(ctx, "workflows", wf.ID, wf)
}

func (s *PostgresStore) LoadWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	wf, err := pgGet[model.Workflow](ctx, s.pool, `SELECT data FROM workflows WHERE id = $1`, "workflow", id)
	if err != nil {
		return nil, err
	}
	if wf.Stats, err = s.loadStats(ctx, id); err != nil {
		return nil, err
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]model.Workflow, error) {
	wfs, err := pgList[model.Workflow](ctx, s.pool, "workflows", `SELECT data FROM workflows ORDER BY id`)
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

func (s *PostgresStore) loadStats(ctx context.Context, workflowID string) (model.WorkflowStats, error) {
	var st model.WorkflowStats
	err := s.pool.QueryRow(ctx,
		`SELECT total_executions, successful_executions, failed_executions, cancelled_executions,
		        total_duration_ms, quality_sum, quality_count, last_run_at, last_success_at, last_failure_at
		 FROM workflow_stats WHERE workflow_id = $1`,
		workflowID,
	).Scan(&st.TotalExecutions, &st.SuccessfulExecutions, &st.FailedExecutions, &st.CancelledExecutions,
		&st.TotalDurationMs, &st.QualitySum, &st.QualityCount, &st.LastRunAt, &st.LastSuccessAt, &st.LastFailureAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowStats{}, nil
	}
	return st, eris.Wrapf(err, "postgres: load stats %s", workflowID)
}

func (s *PostgresStore) SaveMonitor(ctx context.Context, m model.QualityMonitor) error {
	data, err := marshal(m, "monitor")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO quality_monitors (id, scope_type, target_id, enabled, data) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET scope_type = EXCLUDED.scope_type, target_id = EXCLUDED.target_id,
		   enabled = EXCLUDED.enabled, data = EXCLUDED.data`,
		m.ID, string(m.Scope.Type), m.Scope.TargetID, m.Enabled, data,
	)
	return eris.Wrapf(err, "postgres: save monitor %s", m.ID)
}

func (s *PostgresStore) LoadQualityRules(ctx context.Context, scope model.Scope) ([]model.QualityRule, error) {
	monitors, err := pgList[model.QualityMonitor](ctx, s.pool, "monitors",
		`SELECT data FROM quality_monitors
		 WHERE enabled AND scope_type = $1 AND (scope_type = 'global' OR target_id = $2)
		 ORDER BY id`,
		string(scope.Type), scope.TargetID,
	)
	if err != nil {
		return nil, err
	}
	return monitorRules(monitors, scope), nil
}

// SaveRun upserts the run unless the stored copy is already terminal.
func (s *PostgresStore) SaveRun(ctx context.Context, run *model.Run) error {
	data, err := marshal(run, "run")
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, workflow_id, status, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
		 WHERE runs.status NOT IN ('completed', 'failed', 'cancelled')`,
		run.ID, run.WorkflowID, string(run.Status), data, run.CreatedAt.UTC(), s.now(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunImmutable, "run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	return pgGet[model.Run](ctx, s.pool, `SELECT data FROM runs WHERE id = $1`, "run", id)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT data FROM runs WHERE 1=1`
	var args []any
	argN := 1

	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ` + placeholder(argN)
		args = append(args, filter.WorkflowID)
		argN++
	}
	if filter.Status != "" {
		query += ` AND status = ` + placeholder(argN)
		args = append(args, string(filter.Status))
		argN++
	}
	query += ` ORDER BY created_at DESC, id LIMIT ` + placeholder(argN)
	args = append(args, limitOr(filter.Limit))
	argN++

	if filter.Offset > 0 {
		query += ` OFFSET ` + placeholder(argN)
		args = append(args, filter.Offset)
	}
	return pgList[model.Run](ctx, s.pool, "runs", query, args...)
}

func (s *PostgresStore) CountActiveRuns(ctx context.Context, workflowID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE workflow_id = $1 AND status = ANY($2)`,
		workflowID, activeStatuses,
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count active runs %s", workflowID)
}

func (s *PostgresStore) AppendHistory(ctx context.Context, workflowID string, run *model.Run) error {
	data, err := marshal(run, "run")
	if err != nil {
		return err
	}
	ended := s.now()
	if run.EndedAt != nil {
		ended = run.EndedAt.UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_history (run_id, workflow_id, status, data, ended_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id) DO NOTHING`,
		run.ID, workflowID, string(run.Status), data, ended,
	)
	return eris.Wrapf(err, "postgres: append history %s", run.ID)
}

func (s *PostgresStore) History(ctx context.Context, workflowID string, limit int) ([]model.Run, error) {
	return pgList[model.Run](ctx, s.pool, "history",
		`SELECT data FROM run_history WHERE workflow_id = $1 ORDER BY ended_at DESC LIMIT $2`,
		workflowID, limitOr(limit),
	)
}

// UpdateStatistics adds one run's contribution to the workflow counters in a
// single statement.
func (s *PostgresStore) UpdateStatistics(ctx context.Context, workflowID string, d model.StatsDelta) error {
	inc := statsIncrement(d)
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_stats (workflow_id, total_executions, successful_executions, failed_executions,
		   cancelled_executions, total_duration_ms, quality_sum, quality_count, last_run_at, last_success_at, last_failure_at)
		 SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		 WHERE EXISTS (SELECT 1 FROM workflows WHERE id = $1)
		 ON CONFLICT (workflow_id) DO UPDATE SET
		   total_executions      = workflow_stats.total_executions + EXCLUDED.total_executions,
		   successful_executions = workflow_stats.successful_executions + EXCLUDED.successful_executions,
		   failed_executions     = workflow_stats.failed_executions + EXCLUDED.failed_executions,
		   cancelled_executions  = workflow_stats.cancelled_executions + EXCLUDED.cancelled_executions,
		   total_duration_ms     = workflow_stats.total_duration_ms + EXCLUDED.total_duration_ms,
		   quality_sum           = workflow_stats.quality_sum + EXCLUDED.quality_sum,
		   quality_count         = workflow_stats.quality_count + EXCLUDED.quality_count,
		   last_run_at           = GREATEST(workflow_stats.last_run_at, EXCLUDED.last_run_at),
		   last_success_at       = COALESCE(EXCLUDED.last_success_at, workflow_stats.last_success_at),
		   last_failure_at       = COALESCE(EXCLUDED.last_failure_at, workflow_stats.last_failure_at)`,
		workflowID, inc.TotalExecutions, inc.SuccessfulExecutions, inc.FailedExecutions,
		inc.CancelledExecutions, inc.TotalDurationMs, inc.QualitySum, inc.QualityCount,
		nullTime(inc.LastRunAt), nullTime(inc.LastSuccessAt), nullTime(inc.LastFailureAt),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update statistics %s", workflowID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "workflow %s", workflowID)
	}
	return nil
}

func (s *PostgresStore) SaveAlert(ctx context.Context, a model.Alert) error {
	data, err := marshal(a, "alert")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO alerts (id, status, workflow_id, run_id, data, created_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data`,
		a.ID, string(a.Status), a.WorkflowID, a.RunID, data, a.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save alert %s", a.ID)
}

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	return pgGet[model.Alert](ctx, s.pool, `SELECT data FROM alerts WHERE id = $1`, "alert", id)
}

func (s *PostgresStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error) {
	query := `SELECT data FROM alerts WHERE 1=1`
	var args []any
	argN := 1
	for _, c := range []struct{ col, val string }{
		{"status", string(filter.Status)},
		{"workflow_id", filter.WorkflowID},
		{"run_id", filter.RunID},
	} {
		if c.val == "" {
			continue
		}
		query += ` AND ` + c.col + ` = ` + placeholder(argN)
		args = append(args, c.val)
		argN++
	}
	query += ` ORDER BY created_at DESC, id LIMIT ` + placeholder(argN)
	args = append(args, limitOr(filter.Limit))
	return pgList[model.Alert](ctx, s.pool, "alerts", query, args...)
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}
