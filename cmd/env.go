package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/catalog"
	"github.com/sells-group/orchestrator/internal/config"
	"github.com/sells-group/orchestrator/internal/cost"
	"github.com/sells-group/orchestrator/internal/engine"
	"github.com/sells-group/orchestrator/internal/events"
	"github.com/sells-group/orchestrator/internal/fetcher"
	"github.com/sells-group/orchestrator/internal/gateway"
	"github.com/sells-group/orchestrator/internal/metrics"
	"github.com/sells-group/orchestrator/internal/model"
	"github.com/sells-group/orchestrator/internal/monitoring"
	"github.com/sells-group/orchestrator/internal/output"
	"github.com/sells-group/orchestrator/internal/pipeline"
	"github.com/sells-group/orchestrator/internal/quality"
	"github.com/sells-group/orchestrator/internal/router"
	"github.com/sells-group/orchestrator/internal/store"
)

// appEnv holds the store, engine, and supporting services shared by the
// serve, run, and schedule commands.
type appEnv struct {
	Store   store.Repository
	Metrics *metrics.Metrics
	Hub     *events.Hub
	Redis   *events.RedisPublisher // may be nil
	Gateway *gateway.Gateway
	Engine  *engine.Engine
	Alerts  *monitoring.AlertManager
	Sink    monitoring.Sink
}

// Close releases resources held by the environment.
func (a *appEnv) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
}

// initStore opens the configured repository. Callers migrate it.
func initStore(ctx context.Context) (store.Repository, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return store.NewMemory(), nil
	case config.DriverSQLite:
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "orchestrator.db"
		}
		return store.NewSQLite(dsn)
	case config.DriverPostgres:
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case config.DriverMongo:
		return store.NewMongo(ctx, cfg.Store.DatabaseURL, cfg.Store.Database)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the configured repository.
func openStore(ctx context.Context) (store.Repository, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// buildOutputs registers a dispatcher for every configured output type.
func buildOutputs(ctx context.Context, c *config.Config) (*output.Registry, error) {
	reg := output.NewRegistry()
	reg.Register(model.OutputFile, output.NewFileDispatcher(c.Outputs.FileDir))
	reg.Register(model.OutputLog, output.NewLogDispatcher(nil))
	reg.Register(model.OutputWebhook, output.NewWebhookDispatcher(nil))

	if c.Outputs.S3.Endpoint != "" {
		s3, err := output.NewS3Dispatcher(output.S3Config{
			Endpoint:  c.Outputs.S3.Endpoint,
			AccessKey: c.Outputs.S3.AccessKey,
			SecretKey: c.Outputs.S3.SecretKey,
			Bucket:    c.Outputs.S3.Bucket,
			UseSSL:    c.Outputs.S3.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		reg.Register(model.OutputS3, s3)
		zap.L().Info("s3 output enabled", zap.String("endpoint", c.Outputs.S3.Endpoint))
	} else {
		zap.L().Debug("ORCH_OUTPUTS_S3_ENDPOINT not set, s3 output disabled")
	}
	return reg, nil
}

// buildAlertSink persists and logs every alert and forwards severe ones to
// the monitoring webhook when configured.
func buildAlertSink(repo store.Repository, c config.MonitoringConfig) monitoring.Sink {
	sinks := monitoring.MultiSink{
		monitoring.NewStoreSink(repo),
		monitoring.NewLogSink(nil),
	}
	if c.WebhookURL != "" {
		sinks = append(sinks, monitoring.NewWebhookSink(c.WebhookURL, model.Severity(c.MinSeverity)))
	}
	return sinks
}

// initEnv opens the store and builds the engine with its gateway, pipeline,
// outputs, alert sinks, and event publishers. Callers should defer
// env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{
		Store:   st,
		Metrics: metrics.New(cfg.Metrics.Namespace),
		Hub:     events.NewHub(),
		Alerts:  monitoring.NewAlertManager(st),
		Sink:    buildAlertSink(st, cfg.Monitoring),
	}

	var publisher events.Publisher = env.Hub
	if cfg.Redis.URL != "" {
		env.Redis, err = events.NewRedisPublisher(ctx, cfg.Redis.URL, cfg.Redis.StreamPrefix)
		if err != nil {
			zap.L().Warn("redis event stream unavailable, using in-process events only", zap.Error(err))
		} else {
			publisher = events.Multi{env.Hub, env.Redis}
		}
	}

	outputs, err := buildOutputs(ctx, cfg)
	if err != nil {
		env.Close()
		return nil, err
	}

	executor := pipeline.NewExecutor(nil)
	if cfg.Catalog.Path != "" {
		cat, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			env.Close()
			return nil, err
		}
		cat.RegisterEnrichers(executor)
	}

	client := fetcher.NewClient(fetcher.Options{
		HTTP: fetcher.HTTPOptions{
			UserAgent:    cfg.Fetcher.UserAgent,
			Timeout:      time.Duration(cfg.Fetcher.TimeoutMs) * time.Millisecond,
			MaxBodyBytes: cfg.Fetcher.MaxBodyBytes,
		},
		FTP: fetcher.FTPOptions{
			Timeout: time.Duration(cfg.Fetcher.TimeoutMs) * time.Millisecond,
		},
	})
	env.Gateway = gateway.New(client, gateway.Options{
		Defaults:    cfg.Resilience,
		HealthStore: st,
		Observer:    env.Metrics,
	})

	env.Engine = engine.New(engine.Options{
		Repo:       st,
		Router:     router.New(cfg.Router, env.Gateway.Health()),
		Gateway:    env.Gateway,
		Executor:   executor,
		Gate:       quality.NewGate(),
		Calculator: cost.NewCalculator(cfg.Pricing),
		Alerts:     env.Sink,
		Events:     publisher,
		Outputs:    outputs,
		Recorder:   env.Metrics,
	})
	return env, nil
}

// drain waits for in-flight runs up to the configured drain timeout.
func (a *appEnv) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Engine.DrainTimeoutSecs)*time.Second)
	defer cancel()
	if err := a.Engine.Drain(ctx); err != nil {
		zap.L().Warn("runs still in flight at shutdown", zap.Error(err))
	}
}
