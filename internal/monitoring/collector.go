package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orchestrator/internal/model"
	"github.com/sells-group/orchestrator/internal/store"
)

// Snapshot holds a point-in-time view of run health.
type Snapshot struct {
	// Run metrics (within lookback window).
	RunsTotal     int     `json:"runs_total"`
	RunsCompleted int     `json:"runs_completed"`
	RunsFailed    int     `json:"runs_failed"`
	RunsCancelled int     `json:"runs_cancelled"`
	RunsActive    int     `json:"runs_active"`
	FailRate      float64 `json:"fail_rate"`
	Cost          float64 `json:"cost"`
	AvgQuality    float64 `json:"avg_quality"`
	Failovers     int     `json:"failovers"`

	// Alerts not yet resolved.
	OpenAlerts int `json:"open_alerts"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunSource abstracts the repository methods the collector reads.
type RunSource interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListAlerts(ctx context.Context, filter store.AlertFilter) ([]model.Alert, error)
}

const collectLimit = 10000

// Collector gathers run statistics from the repository.
type Collector struct {
	repo RunSource
	now  func() time.Time
}

// NewCollector creates a new Collector.
func NewCollector(repo RunSource) *Collector {
	return &Collector{repo: repo, now: time.Now}
}

// Collect gathers a snapshot of runs created within the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.repo.ListRuns(ctx, store.RunFilter{Limit: collectLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	var totalQuality float64
	var scored int
	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch {
		case r.Status == model.RunCompleted:
			snap.RunsCompleted++
		case r.Status == model.RunFailed:
			snap.RunsFailed++
		case r.Status == model.RunCancelled:
			snap.RunsCancelled++
		case r.Status.Active():
			snap.RunsActive++
		}
		snap.Cost += r.Cost.Total
		snap.Failovers += len(r.Failovers)
		if r.Quality != nil {
			totalQuality += r.Quality.Overall
			scored++
		}
	}

	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if scored > 0 {
		snap.AvgQuality = totalQuality / float64(scored)
	}

	for _, status := range []model.AlertStatus{model.AlertActive, model.AlertAcknowledged} {
		alerts, err := c.repo.ListAlerts(ctx, store.AlertFilter{Status: status, Limit: collectLimit})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list alerts")
		}
		snap.OpenAlerts += len(alerts)
	}

	return snap, nil
}
