package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/config"
)

// Checker runs periodic health checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	manager   *AlertManager
	sink      Sink
	cfg       config.MonitoringConfig
}

// NewChecker creates a background health checker. Alerts already open for
// the same check are not raised again.
func NewChecker(collector *Collector, alerter *Alerter, manager *AlertManager, sink Sink, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		manager:   manager,
		sink:      sink,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check collects one snapshot and raises any new alerts. It returns the
// number raised.
func (c *Checker) Check(ctx context.Context) int {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return 0
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return 0
	}

	raised := 0
	for _, a := range alerts {
		if c.manager != nil {
			open, err := c.manager.Open(ctx, a.Type, a.Component)
			if err != nil {
				log.Warn("monitoring: check open alerts", zap.Error(err))
			} else if open {
				continue
			}
		}
		c.sink.Raise(ctx, a)
		raised++
	}
	log.Info("monitoring: health check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_raised", raised),
	)
	return raised
}
