package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/model"
	"github.com/sells-group/orchestrator/internal/store"
)

// ErrInvalidTransition is returned when an alert cannot move to the
// requested state.
var ErrInvalidTransition = eris.New("monitoring: invalid alert transition")

// AlertRepository abstracts the alert persistence methods.
type AlertRepository interface {
	SaveAlert(ctx context.Context, a model.Alert) error
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	ListAlerts(ctx context.Context, filter store.AlertFilter) ([]model.Alert, error)
}

// AlertManager drives the alert lifecycle. An alert's state is independent
// of the run that raised it.
type AlertManager struct {
	repo AlertRepository
	now  func() time.Time
}

// NewAlertManager creates an AlertManager.
func NewAlertManager(repo AlertRepository) *AlertManager {
	return &AlertManager{repo: repo, now: time.Now}
}

// List returns alerts matching filter, newest first.
func (m *AlertManager) List(ctx context.Context, filter store.AlertFilter) ([]model.Alert, error) {
	return m.repo.ListAlerts(ctx, filter)
}

// Acknowledge moves an active alert to acknowledged.
func (m *AlertManager) Acknowledge(ctx context.Context, id string) (*model.Alert, error) {
	return m.transition(ctx, id, "acknowledge", (*model.Alert).Acknowledge)
}

// Resolve closes an active or acknowledged alert.
func (m *AlertManager) Resolve(ctx context.Context, id string) (*model.Alert, error) {
	return m.transition(ctx, id, "resolve", (*model.Alert).Resolve)
}

func (m *AlertManager) transition(ctx context.Context, id, verb string, fn func(*model.Alert, time.Time) error) (*model.Alert, error) {
	a, err := m.repo.GetAlert(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: %s alert %s", verb, id)
	}
	if err := fn(a, m.now().UTC()); err != nil {
		return nil, eris.Wrap(ErrInvalidTransition, err.Error())
	}
	if err := m.repo.SaveAlert(ctx, *a); err != nil {
		return nil, eris.Wrapf(err, "monitoring: %s alert %s", verb, id)
	}
	zap.L().Info("monitoring: alert "+verb+"d",
		zap.String("alert_id", a.ID),
		zap.String("status", string(a.Status)),
	)
	return a, nil
}

// Open reports whether an unresolved alert of typ from component exists.
func (m *AlertManager) Open(ctx context.Context, typ model.AlertType, component string) (bool, error) {
	for _, status := range []model.AlertStatus{model.AlertActive, model.AlertAcknowledged} {
		alerts, err := m.repo.ListAlerts(ctx, store.AlertFilter{Status: status, Limit: collectLimit})
		if err != nil {
			return false, eris.Wrap(err, "monitoring: list alerts")
		}
		for _, a := range alerts {
			if a.Type == typ && a.Component == component {
				return true, nil
			}
		}
	}
	return false, nil
}
