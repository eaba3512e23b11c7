package monitoring

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/orchestrator/internal/config"
	"github.com/sells-group/orchestrator/internal/model"
)

// minFinishedRuns is the sample size below which failure rate is not judged.
const minFinishedRuns = 5

// Alerter evaluates a Snapshot against configured thresholds.
type Alerter struct {
	cfg config.MonitoringConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{cfg: cfg}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []model.Alert {
	var alerts []model.Alert
	now := snap.CollectedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// Check run failure rate.
	finished := snap.RunsCompleted + snap.RunsFailed
	if finished >= minFinishedRuns && a.cfg.FailureRateThreshold > 0 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, newAlert(model.AlertRun, model.SeverityHigh, now,
			fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
		))
	}

	// Check cost overrun.
	if a.cfg.CostThreshold > 0 && snap.Cost > a.cfg.CostThreshold {
		alerts = append(alerts, newAlert(model.AlertBudget, model.SeverityHigh, now,
			fmt.Sprintf(
				"Run cost %.2f exceeds threshold %.2f in last %dh",
				snap.Cost, a.cfg.CostThreshold, snap.LookbackHours,
			),
			map[string]any{
				"cost":       snap.Cost,
				"threshold":  a.cfg.CostThreshold,
				"runs_total": snap.RunsTotal,
			},
		))
	}

	return alerts
}

func newAlert(typ model.AlertType, sev model.Severity, now time.Time, msg string, details map[string]any) model.Alert {
	return model.Alert{
		ID:        uuid.NewString(),
		Type:      typ,
		Severity:  sev,
		Status:    model.AlertActive,
		Component: Component,
		Message:   msg,
		Details:   details,
		CreatedAt: now,
	}
}
