package output

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orchestrator/internal/model"
)

// WebhookPayload is the body POSTed by WebhookDispatcher.
type WebhookPayload struct {
	WorkflowID string         `json:"workflow_id"`
	RunID      string         `json:"run_id"`
	Output     string         `json:"output"`
	Count      int            `json:"count"`
	Records    []model.Record `json:"records"`
	SentAt     time.Time      `json:"sent_at"`
}

// WebhookDispatcher POSTs records as JSON. Binding config keys: "url"
// (required) and "token" (sent as a bearer token).
type WebhookDispatcher struct {
	client *http.Client
}

// NewWebhookDispatcher creates a WebhookDispatcher. A nil client gets a
// 30 second timeout.
func NewWebhookDispatcher(client *http.Client) *WebhookDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookDispatcher{client: client}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, run *model.Run, binding model.OutputBinding, batch model.Batch) (model.OutputResult, error) {
	url := binding.Config["url"]
	if url == "" {
		return model.OutputResult{}, eris.New("output: webhook url is required")
	}
	records := []model.Record(batch)
	if records == nil {
		records = []model.Record{}
	}
	body, err := json.Marshal(WebhookPayload{
		WorkflowID: run.WorkflowID,
		RunID:      run.ID,
		Output:     binding.Name,
		Count:      len(batch),
		Records:    records,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return model.OutputResult{}, eris.Wrap(err, "output: marshal webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return model.OutputResult{}, eris.Wrap(err, "output: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := binding.Config["token"]; tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return model.OutputResult{}, eris.Wrap(err, "output: send webhook")
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.OutputResult{}, eris.Errorf("output: webhook returned status %d", resp.StatusCode)
	}
	return model.OutputResult{Location: url}, nil
}
