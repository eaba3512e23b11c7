package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/model"
)

// Collection names.
const (
	colProviders = "providers"
	colSources   = "sources"
	colWorkflows = "workflows"
	colStats     = "workflow_stats"
	colMonitors  = "quality_monitors"
	colRuns      = "runs"
	colHistory   = "run_history"
	colAlerts    = "alerts"
)

// envelope wraps an entity with the fields used for filtering and sorting.
// Entities are encoded with their json tags.
type envelope[T any] struct {
	ID         string    `bson:"_id"`
	WorkflowID string    `bson:"workflow_id,omitempty"`
	RunID      string    `bson:"run_id,omitempty"`
	Status     string    `bson:"status,omitempty"`
	ScopeType  string    `bson:"scope_type,omitempty"`
	TargetID   string    `bson:"target_id,omitempty"`
	Enabled    bool      `bson:"enabled"`
	At         time.Time `bson:"at"`
	Data       T         `bson:"data"`
}

type statsDoc struct {
	ID                   string     `bson:"_id"`
	TotalExecutions      int64      `bson:"total_executions"`
	SuccessfulExecutions int64      `bson:"successful_executions"`
	FailedExecutions     int64      `bson:"failed_executions"`
	CancelledExecutions  int64      `bson:"cancelled_executions"`
	TotalDurationMs      int64      `bson:"total_duration_ms"`
	QualitySum           float64    `bson:"quality_sum"`
	QualityCount         int64      `bson:"quality_count"`
	LastRunAt            *time.Time `bson:"last_run_at,omitempty"`
	LastSuccessAt        *time.Time `bson:"last_success_at,omitempty"`
	LastFailureAt        *time.Time `bson:"last_failure_at,omitempty"`
}

func (d statsDoc) stats() model.WorkflowStats {
	return model.WorkflowStats{
		TotalExecutions:      d.TotalExecutions,
		SuccessfulExecutions: d.SuccessfulExecutions,
		FailedExecutions:     d.FailedExecutions,
		CancelledExecutions:  d.CancelledExecutions,
		TotalDurationMs:      d.TotalDurationMs,
		QualitySum:           d.QualitySum,
		QualityCount:         d.QualityCount,
		LastRunAt:            d.LastRunAt,
		LastSuccessAt:        d.LastSuccessAt,
		LastFailureAt:        d.LastFailureAt,
	}
}

// MongoStore implements Repository on MongoDB.
type MongoStore struct {
	client  *mongo.Client
	db      *mongo.Database
	nowFunc func() time.Time
}

// NewMongo connects to uri and opens database dbName.
func NewMongo(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Client().
		ApplyURI(uri).
		SetBSONOptions(&options.BSONOptions{UseJSONStructTags: true, DefaultDocumentM: true})
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, eris.Wrap(err, "mongo: connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, eris.Wrap(err, "mongo: ping")
	}
	return &MongoStore{client: client, db: client.Database(dbName), nowFunc: time.Now}, nil
}

func (s *MongoStore) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// Migrate creates the indexes used by run, history, alert and monitor
// queries.
func (s *MongoStore) Migrate(ctx context.Context) error {
	indexes := []struct {
		col  string
		keys bson.D
	}{
		{colRuns, bson.D{{Key: "workflow_id", Value: 1}, {Key: "status", Value: 1}}},
		{colRuns, bson.D{{Key: "at", Value: -1}}},
		{colHistory, bson.D{{Key: "workflow_id", Value: 1}, {Key: "at", Value: -1}}},
		{colAlerts, bson.D{{Key: "status", Value: 1}}},
		{colAlerts, bson.D{{Key: "at", Value: -1}}},
		{colMonitors, bson.D{{Key: "scope_type", Value: 1}, {Key: "target_id", Value: 1}}},
	}
	for _, i := range indexes {
		if _, err := s.col(i.col).Indexes().CreateOne(ctx, mongo.IndexModel{Keys: i.keys}); err != nil {
			return eris.Wrapf(err, "mongo: create index on %s", i.col)
		}
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// wrapError maps driver errors to store sentinels.
func wrapError(err error, what, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return eris.Wrapf(ErrNotFound, "%s %s", what, id)
	}
	return eris.Wrapf(err, "mongo: %s %s", what, id)
}

func mongoGet[T any](ctx context.Context, col *mongo.Collection, what, id string) (*T, error) {
	var env envelope[T]
	if err := col.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&env); err != nil {
		return nil, wrapError(err, what, id)
	}
	return &env.Data, nil
}

func mongoList[T any](ctx context.Context, col *mongo.Collection, what string, filter bson.D, opts ...options.Lister[options.FindOptions]) ([]T, error) {
	cursor, err := col.Find(ctx, filter, opts...)
	if err != nil {
		return nil, eris.Wrapf(err, "mongo: list %s", what)
	}
	defer cursor.Close(ctx) //nolint:errcheck

	var out []T
	for cursor.Next(ctx) {
		var env envelope[T]
		if err := cursor.Decode(&env); err != nil {
			return nil, eris.Wrapf(err, "mongo: decode %s", what)
		}
		out = append(out, env.Data)
	}
	return out, eris.Wrapf(cursor.Err(), "mongo: list %s iterate", what)
}

func (s *MongoStore) replace(ctx context.Context, col string, env any, id string) error {
	_, err := s.col(col).ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, env, options.Replace().SetUpsert(true))
	return wrapError(err, col, id)
}

func byID() *options.FindOptionsBuilder {
	return options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
}

func newestFirst(limit int) *options.FindOptionsBuilder {
	return options.Find().
		SetSort(bson.D{{Key: "at", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limitOr(limit)))
}

func (s *MongoStore) SaveProvider(ctx context.Context, p model.Provider) error {
	return s.replace(ctx, colProviders, envelope[model.Provider]{ID: p.ID, At: s.nowFunc().UTC(), Data: p}, p.ID)
}

func (s *MongoStore) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	return mongoGet[model.Provider](ctx, s.col(colProviders), "provider", id)
}

func (s *MongoStore) ListProviders(ctx context.Context) ([]model.Provider, error) {
	return mongoList[model.Provider](ctx, s.col(colProviders), "providers", bson.D{}, byID())
}

func (s *MongoStore) UpdateProviderHealth(ctx context.Context, id string, h model.Health) error {
	res, err := s.col(colProviders).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "data.health", Value: h},
			{Key: "at", Value: s.nowFunc().UTC()},
		}}},
	)
	if err != nil {
		return wrapError(err, "provider", id)
	}
	if res.MatchedCount == 0 {
		return eris.Wrapf(ErrNotFound, "provider %s", id)
	}
	return nil
}

func (s *MongoStore) SaveSource(ctx context.Context, src model.Source) error {
	return s.replace(ctx, colSources, envelope[model.Source]{ID: src.ID, At: s.nowFunc().UTC(), Data: src}, src.ID)
}

func (s *MongoStore) GetSource(ctx context.Context, id string) (*model.Source, error) {
	return mongoGet[model.Source](ctx, s.col(colSources), "source", id)
}

func (s *MongoStore) ListSources(ctx context.Context) ([]model.Source, error) {
	return mongoList[model.Source](ctx, s.col(colSources), "sources", bson.D{}, byID())
}

func (s *MongoStore) SaveWorkflow(ctx context.Context, wf *model.Workflow) error {
	return s.replace(ctx, colWorkflows, envelope[model.Workflow]{ID: wf.ID, At: s.nowFunc().UTC(), Data: *wf}, wf.ID)
}

func (s *MongoStore) LoadWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	wf, err := mongoGet[model.Workflow](ctx, s.col(colWorkflows), "workflow", id)
	if err != nil {
		return nil, err
	}
	if wf.Stats, err = s.loadStats(ctx, id); err != nil {
		return nil, err
	}
	return wf, nil
}

func (s *MongoStore) ListWorkflows(ctx context.Context) ([]model.Workflow, error) {
	wfs, err := mongoList[model.Workflow](ctx, s.col(colWorkflows), "workflows", bson.D{}, byID())
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

func (s *MongoStore) loadStats(ctx context.Context, workflowID string) (model.WorkflowStats, error) {
	var d statsDoc
	err := s.col(colStats).FindOne(ctx, bson.D{{Key: "_id", Value: workflowID}}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.WorkflowStats{}, nil
	}
	if err != nil {
		return model.WorkflowStats{}, wrapError(err, "stats", workflowID)
	}
	return d.stats(), nil
}

func (s *MongoStore) SaveMonitor(ctx context.Context, m model.QualityMonitor) error {
	return s.replace(ctx, colMonitors, envelope[model.QualityMonitor]{
		ID:        m.ID,
		ScopeType: string(m.Scope.Type),
		TargetID:  m.Scope.TargetID,
		Enabled:   m.Enabled,
		At:        s.nowFunc().UTC(),
		Data:      m,
	}, m.ID)
}

func (s *MongoStore) LoadQualityRules(ctx context.Context, scope model.Scope) ([]model.QualityRule, error) {
	filter := bson.D{
		{Key: "enabled", Value: true},
		{Key: "scope_type", Value: string(scope.Type)},
	}
	if scope.Type != model.ScopeGlobal {
		filter = append(filter, bson.E{Key: "target_id", Value: scope.TargetID})
	}
	monitors, err := mongoList[model.QualityMonitor](ctx, s.col(colMonitors), "monitors", filter, byID())
	if err != nil {
		return nil, err
	}
	return monitorRules(monitors, scope), nil
}

// SaveRun upserts the run unless the stored copy is already terminal. A
// terminal match excludes the document from the filter, so the upsert
// collides on _id.
func (s *MongoStore) SaveRun(ctx context.Context, run *model.Run) error {
	env := envelope[model.Run]{
		ID:         run.ID,
		WorkflowID: run.WorkflowID,
		Status:     string(run.Status),
		At:         run.CreatedAt.UTC(),
		Data:       *run,
	}
	filter := bson.D{
		{Key: "_id", Value: run.ID},
		{Key: "status", Value: bson.D{{Key: "$nin", Value: terminalStatuses}}},
	}
	_, err := s.col(colRuns).ReplaceOne(ctx, filter, env, options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return eris.Wrapf(ErrRunImmutable, "run %s", run.ID)
	}
	return wrapError(err, "run", run.ID)
}

func (s *MongoStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	return mongoGet[model.Run](ctx, s.col(colRuns), "run", id)
}

func (s *MongoStore) ListRuns(ctx context.Context, f RunFilter) ([]model.Run, error) {
	filter := bson.D{}
	if f.WorkflowID != "" {
		filter = append(filter, bson.E{Key: "workflow_id", Value: f.WorkflowID})
	}
	if f.Status != "" {
		filter = append(filter, bson.E{Key: "status", Value: string(f.Status)})
	}
	opts := newestFirst(f.Limit)
	if f.Offset > 0 {
		opts.SetSkip(int64(f.Offset))
	}
	return mongoList[model.Run](ctx, s.col(colRuns), "runs", filter, opts)
}

func (s *MongoStore) CountActiveRuns(ctx context.Context, workflowID string) (int, error) {
	n, err := s.col(colRuns).CountDocuments(ctx, bson.D{
		{Key: "workflow_id", Value: workflowID},
		{Key: "status", Value: bson.D{{Key: "$in", Value: activeStatuses}}},
	})
	if err != nil {
		return 0, eris.Wrapf(err, "mongo: count active runs %s", workflowID)
	}
	return int(n), nil
}

func (s *MongoStore) AppendHistory(ctx context.Context, workflowID string, run *model.Run) error {
	ended := s.nowFunc().UTC()
	if run.EndedAt != nil {
		ended = run.EndedAt.UTC()
	}
	_, err := s.col(colHistory).InsertOne(ctx, envelope[model.Run]{
		ID:         run.ID,
		WorkflowID: workflowID,
		Status:     string(run.Status),
		At:         ended,
		Data:       *run,
	})
	if mongo.IsDuplicateKeyError(err) {
		zap.L().Debug("mongo: history entry already recorded", zap.String("run_id", run.ID))
		return nil
	}
	return wrapError(err, "history", run.ID)
}

func (s *MongoStore) History(ctx context.Context, workflowID string, limit int) ([]model.Run, error) {
	return mongoList[model.Run](ctx, s.col(colHistory), "history",
		bson.D{{Key: "workflow_id", Value: workflowID}}, newestFirst(limit))
}

// UpdateStatistics applies one run's contribution with a single $inc.
func (s *MongoStore) UpdateStatistics(ctx context.Context, workflowID string, d model.StatsDelta) error {
	n, err := s.col(colWorkflows).CountDocuments(ctx, bson.D{{Key: "_id", Value: workflowID}})
	if err != nil {
		return wrapError(err, "workflow", workflowID)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "workflow %s", workflowID)
	}

	inc := statsIncrement(d)
	update := bson.D{
		{Key: "$inc", Value: bson.D{
			{Key: "total_executions", Value: inc.TotalExecutions},
			{Key: "successful_executions", Value: inc.SuccessfulExecutions},
			{Key: "failed_executions", Value: inc.FailedExecutions},
			{Key: "cancelled_executions", Value: inc.CancelledExecutions},
			{Key: "total_duration_ms", Value: inc.TotalDurationMs},
			{Key: "quality_sum", Value: inc.QualitySum},
			{Key: "quality_count", Value: inc.QualityCount},
		}},
		{Key: "$max", Value: bson.D{{Key: "last_run_at", Value: inc.LastRunAt}}},
	}
	var set bson.D
	if inc.LastSuccessAt != nil {
		set = append(set, bson.E{Key: "last_success_at", Value: *inc.LastSuccessAt})
	}
	if inc.LastFailureAt != nil {
		set = append(set, bson.E{Key: "last_failure_at", Value: *inc.LastFailureAt})
	}
	if len(set) > 0 {
		update = append(update, bson.E{Key: "$set", Value: set})
	}
	_, err = s.col(colStats).UpdateOne(ctx, bson.D{{Key: "_id", Value: workflowID}}, update,
		options.UpdateOne().SetUpsert(true))
	return wrapError(err, "stats", workflowID)
}

func (s *MongoStore) SaveAlert(ctx context.Context, a model.Alert) error {
	return s.replace(ctx, colAlerts, envelope[model.Alert]{
		ID:         a.ID,
		WorkflowID: a.WorkflowID,
		RunID:      a.RunID,
		Status:     string(a.Status),
		At:         a.CreatedAt.UTC(),
		Data:       a,
	}, a.ID)
}

func (s *MongoStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	return mongoGet[model.Alert](ctx, s.col(colAlerts), "alert", id)
}

func (s *MongoStore) ListAlerts(ctx context.Context, f AlertFilter) ([]model.Alert, error) {
	filter := bson.D{}
	if f.Status != "" {
		filter = append(filter, bson.E{Key: "status", Value: string(f.Status)})
	}
	if f.WorkflowID != "" {
		filter = append(filter, bson.E{Key: "workflow_id", Value: f.WorkflowID})
	}
	if f.RunID != "" {
		filter = append(filter, bson.E{Key: "run_id", Value: f.RunID})
	}
	return mongoList[model.Alert](ctx, s.col(colAlerts), "alerts", filter, newestFirst(f.Limit))
}
