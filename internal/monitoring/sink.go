package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/model"
)

// Component is the alert component name for checks raised by this package.
const Component = "monitoring"

// Sink receives alerts. Implementations log delivery failures rather than
// returning them.
type Sink interface {
	Raise(ctx context.Context, a model.Alert)
}

// AlertSaver persists alerts.
type AlertSaver interface {
	SaveAlert(ctx context.Context, a model.Alert) error
}

// MultiSink fans an alert out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Raise(ctx context.Context, a model.Alert) {
	for _, s := range m {
		if s != nil {
			s.Raise(ctx, a)
		}
	}
}

// StoreSink persists alerts so they can be acknowledged and resolved.
type StoreSink struct {
	repo AlertSaver
}

// NewStoreSink creates a StoreSink.
func NewStoreSink(repo AlertSaver) *StoreSink {
	return &StoreSink{repo: repo}
}

func (s *StoreSink) Raise(ctx context.Context, a model.Alert) {
	if a.Status == "" {
		a.Status = model.AlertActive
	}
	if err := s.repo.SaveAlert(ctx, a); err != nil {
		zap.L().Error("monitoring: failed to save alert",
			zap.String("alert_id", a.ID),
			zap.String("type", string(a.Type)),
			zap.Error(err),
		)
	}
}

// LogSink writes alerts to a zap logger at a level matching severity.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a LogSink. A nil logger uses zap.L().
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Raise(_ context.Context, a model.Alert) {
	log := s.log
	if log == nil {
		log = zap.L()
	}
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("severity", string(a.Severity)),
		zap.String("component", a.Component),
		zap.String("workflow_id", a.WorkflowID),
		zap.String("run_id", a.RunID),
		zap.String("message", a.Message),
	}
	if a.Severity.Rank() >= model.SeverityHigh.Rank() {
		log.Error("monitoring: alert raised", fields...)
		return
	}
	log.Warn("monitoring: alert raised", fields...)
}

// WebhookSink posts alerts at or above a minimum severity to a URL.
type WebhookSink struct {
	url         string
	minSeverity model.Severity
	client      *http.Client
}

// NewWebhookSink creates a WebhookSink. An empty minSeverity forwards
// every alert.
func NewWebhookSink(url string, minSeverity model.Severity) *WebhookSink {
	return &WebhookSink{
		url:         url,
		minSeverity: minSeverity,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Raise(ctx context.Context, a model.Alert) {
	if s.url == "" || a.Severity.Rank() < s.minSeverity.Rank() {
		return
	}
	if err := s.send(ctx, a); err != nil {
		zap.L().Error("monitoring: failed to send alert",
			zap.String("type", string(a.Type)),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("monitoring: alert sent",
		zap.String("type", string(a.Type)),
		zap.String("severity", string(a.Severity)),
	)
}

// send posts a single alert to the webhook URL.
func (s *WebhookSink) send(ctx context.Context, a model.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
