package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// AlertStatus is the alert lifecycle state.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// AlertType classifies what raised the alert.
type AlertType string

const (
	AlertQuality    AlertType = "quality"
	AlertBudget     AlertType = "budget"
	AlertEscalation AlertType = "escalation"
	AlertRun        AlertType = "run"
)

// Alert is raised by the quality gate or cost tracker. Its lifecycle is
// independent of the run that raised it.
type Alert struct {
	ID             string         `json:"id"`
	Type           AlertType      `json:"type"`
	Severity       Severity       `json:"severity"`
	Status         AlertStatus    `json:"status"`
	Component      string         `json:"component"`
	WorkflowID     string         `json:"workflow_id,omitempty"`
	RunID          string         `json:"run_id,omitempty"`
	RuleID         string         `json:"rule_id,omitempty"`
	Message        string         `json:"message"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// Acknowledge moves an active alert to acknowledged.
func (a *Alert) Acknowledge(now time.Time) error {
	if a.Status != AlertActive {
		return eris.Errorf("alert %s: cannot acknowledge from %s", a.ID, a.Status)
	}
	a.Status = AlertAcknowledged
	a.AcknowledgedAt = &now
	return nil
}

// Resolve closes an active or acknowledged alert.
func (a *Alert) Resolve(now time.Time) error {
	if a.Status == AlertResolved {
		return eris.Errorf("alert %s: already resolved", a.ID)
	}
	a.Status = AlertResolved
	a.ResolvedAt = &now
	return nil
}
