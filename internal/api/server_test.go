package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/engine"
	"github.com/sells-group/orchestrator/internal/events"
	"github.com/sells-group/orchestrator/internal/fetcher"
	"github.com/sells-group/orchestrator/internal/gateway"
	"github.com/sells-group/orchestrator/internal/metrics"
	"github.com/sells-group/orchestrator/internal/model"
	"github.com/sells-group/orchestrator/internal/output"
	"github.com/sells-group/orchestrator/internal/store"
)

type testEnv struct {
	repo    *store.MemoryStore
	engine  *engine.Engine
	hub     *events.Hub
	metrics *metrics.Metrics
	srv     *httptest.Server
}

func newTestEnv(t *testing.T, fetch fetcher.Func) *testEnv {
	t.Helper()
	if fetch == nil {
		fetch = func(context.Context, fetcher.Request) (model.Batch, error) {
			return model.Batch{{"id": "1"}, {"id": "2"}}, nil
		}
	}
	env := &testEnv{
		repo:    store.NewMemory(),
		hub:     events.NewHub(),
		metrics: metrics.New("test"),
	}
	outputs := output.NewRegistry()
	outputs.Register(model.OutputLog, output.NewLogDispatcher(zap.NewNop()))

	env.engine = engine.New(engine.Options{
		Repo:     env.repo,
		Gateway:  gateway.New(fetch, gateway.Options{Observer: env.metrics}),
		Events:   env.hub,
		Outputs:  outputs,
		Recorder: env.metrics,
	})
	env.srv = httptest.NewServer(New(Options{
		Engine:  env.engine,
		Repo:    env.repo,
		Hub:     env.hub,
		Metrics: env.metrics,
	}).Handler())
	t.Cleanup(env.srv.Close)

	ctx := context.Background()
	require.NoError(t, env.repo.SaveProvider(ctx, model.Provider{ID: "p1", Kind: model.ProviderKindStatic, Status: model.StatusActive,
		Resilience: model.ResilienceSettings{MaxRetries: -1, TimeoutMs: 5000}}))
	require.NoError(t, env.repo.SaveSource(ctx, model.Source{ID: "s1", Providers: []model.ProviderMapping{{ProviderID: "p1", Priority: 1}}}))
	require.NoError(t, env.repo.SaveWorkflow(ctx, &model.Workflow{
		ID:      "wf-1",
		Inputs:  []model.InputBinding{{SourceID: "s1"}},
		Outputs: []model.OutputBinding{{Name: "main", Type: model.OutputLog}},
		Schedule: model.Schedule{Type: model.ScheduleInterval, Enabled: true, IntervalMs: 60000},
	}))
	require.NoError(t, env.repo.SaveWorkflow(ctx, &model.Workflow{ID: "empty"}))
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) trigger(t *testing.T) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/v1/workflows/wf-1/runs", TriggerBody{Parameters: map[string]any{"day": "mon"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out["run_id"])
	return out["run_id"]
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","watchers":0}`, string(body))
}

func TestTriggerAndInspectRun(t *testing.T) {
	env := newTestEnv(t, nil)
	runID := env.trigger(t)

	run, err := env.engine.Wait(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, run.Status)

	resp, body := env.do(t, http.MethodGet, "/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.Run
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, model.RunCompleted, got.Status)
	assert.Equal(t, model.TriggerAPI, got.Trigger)
	assert.Equal(t, "mon", got.Parameters["day"])

	resp, body = env.do(t, http.MethodGet, "/v1/runs/"+runID+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view engine.RunStatusView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, 2, view.Metrics.RecordsOut)
	assert.InDelta(t, 100.0, view.Progress, 1e-9)

	resp, body = env.do(t, http.MethodGet, "/v1/runs?workflow_id=wf-1&status=completed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []model.Run
	require.NoError(t, json.Unmarshal(body, &runs))
	assert.Len(t, runs, 1)

	resp, body = env.do(t, http.MethodGet, "/v1/workflows/wf-1/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &runs))
	assert.Len(t, runs, 1)

	resp, body = env.do(t, http.MethodGet, "/v1/workflows/wf-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var wf WorkflowView
	require.NoError(t, json.Unmarshal(body, &wf))
	assert.Equal(t, int64(1), wf.Stats.TotalExecutions)
	require.NotNil(t, wf.NextRunAt)
}

func TestTriggerErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodPost, "/v1/workflows/missing/runs", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/workflows/empty/runs", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/v1/workflows/wf-1/runs", strings.NewReader("{not json"))
	require.NoError(t, err)
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	r.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/runs?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestControlRun(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(ctx context.Context, _ fetcher.Request) (model.Batch, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return model.Batch{{"id": "1"}}, nil
	})
	runID := env.trigger(t)

	resp, body := env.do(t, http.MethodPost, "/v1/runs/"+runID+"/explode", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, string(body))

	require.Eventually(t, func() bool {
		v, err := env.engine.GetRun(context.Background(), runID)
		return err == nil && v.Status == model.RunRunning
	}, 2*time.Second, 5*time.Millisecond)

	resp, body = env.do(t, http.MethodPost, "/v1/runs/"+runID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	close(release)

	run, err := env.engine.Wait(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCancelled, run.Status)

	resp, _ = env.do(t, http.MethodPost, "/v1/runs/"+runID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/runs/nope/pause", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAlerts(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.repo.SaveAlert(context.Background(), model.Alert{
		ID: "a1", Type: model.AlertQuality, Severity: model.SeverityHigh, Status: model.AlertActive, WorkflowID: "wf-1",
	}))

	resp, body := env.do(t, http.MethodGet, "/v1/alerts?status=active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var alerts []model.Alert
	require.NoError(t, json.Unmarshal(body, &alerts))
	require.Len(t, alerts, 1)

	resp, body = env.do(t, http.MethodPost, "/v1/alerts/a1/acknowledge", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var a model.Alert
	require.NoError(t, json.Unmarshal(body, &a))
	assert.Equal(t, model.AlertAcknowledged, a.Status)

	resp, _ = env.do(t, http.MethodPost, "/v1/alerts/a1/acknowledge", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/alerts/a1/resolve", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/alerts/ghost/resolve", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkflowsAndProviders(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodGet, "/v1/workflows", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var wfs []WorkflowView
	require.NoError(t, json.Unmarshal(body, &wfs))
	assert.Len(t, wfs, 2)

	resp, body = env.do(t, http.MethodGet, "/v1/providers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var providers []model.Provider
	require.NoError(t, json.Unmarshal(body, &providers))
	require.Len(t, providers, 1)
	assert.Equal(t, "p1", providers[0].ID)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/health", nil)

	resp, body := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `test_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, nil)
	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/v1/workflows", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func wsURL(env *testEnv, runID string) string {
	return "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/runs/" + runID + "/watch"
}

func TestWatchRun_Live(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(ctx context.Context, _ fetcher.Request) (model.Batch, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return model.Batch{{"id": "1"}}, nil
	})
	runID := env.trigger(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env, runID), nil)
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck

	var first WatchMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "status", first.Type)

	close(release)

	var last events.Type
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg struct {
			Type string       `json:"type"`
			Data events.Event `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		assert.Equal(t, "event", msg.Type)
		assert.Equal(t, runID, msg.Data.RunID)
		last = msg.Data.Type
	}
	assert.Equal(t, events.RunCompleted, last)
}

func TestWatchRun_Finished(t *testing.T) {
	env := newTestEnv(t, nil)
	runID := env.trigger(t)
	_, err := env.engine.Wait(context.Background(), runID)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env, runID), nil)
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck

	var msg struct {
		Type string               `json:"type"`
		Data engine.RunStatusView `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "status", msg.Type)
	assert.Equal(t, model.RunCompleted, msg.Data.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	resp, _ := env.do(t, http.MethodGet, "/v1/runs/unknown/watch", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
