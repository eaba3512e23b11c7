package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/orchestrator/internal/api"
	"github.com/sells-group/orchestrator/internal/metrics"
	"github.com/sells-group/orchestrator/internal/monitoring"
	"github.com/sells-group/orchestrator/internal/scheduler"
)

var (
	servePort          int
	serveNoScheduler   bool
	serveImportCatalog bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server, scheduler, and health checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if serveImportCatalog {
			if cfg.Catalog.Path == "" {
				return eris.New("--import-catalog requires catalog.path (ORCH_CATALOG_PATH)")
			}
			if _, err := importCatalog(ctx, env.Store, cfg.Catalog.Path); err != nil {
				return err
			}
		}

		var apiMetrics *metrics.Metrics
		if cfg.Metrics.Enabled {
			apiMetrics = env.Metrics
		}
		handler := api.New(api.Options{
			Engine:      env.Engine,
			Repo:        env.Store,
			Alerts:      env.Alerts,
			Hub:         env.Hub,
			Metrics:     apiMetrics,
			CORSOrigins: cfg.Server.CORSOrigins,
		}).Handler()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		if cfg.Scheduler.Enabled && !serveNoScheduler {
			sched := scheduler.New(env.Store, env.Engine, scheduler.Options{
				PollInterval: time.Duration(cfg.Scheduler.PollIntervalSecs) * time.Second,
				Observer:     env.Metrics,
			})
			g.Go(func() error {
				return sched.Run(gctx)
			})
		}

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store),
			monitoring.NewAlerter(cfg.Monitoring),
			env.Alerts,
			env.Sink,
			cfg.Monitoring,
		)
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		err = g.Wait()
		env.drain()
		if err != nil && !eris.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "disable the background scheduler")
	serveCmd.Flags().BoolVar(&serveImportCatalog, "import-catalog", false, "import the configured catalog before serving")
	rootCmd.AddCommand(serveCmd)
}
