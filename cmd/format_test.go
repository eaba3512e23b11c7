package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orchestrator/internal/catalog"
	"github.com/sells-group/orchestrator/internal/model"
	"github.com/sells-group/orchestrator/internal/monitoring"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:         "abc12345-6789-0000-0000-000000000000",
			WorkflowID: "firms-daily",
			Trigger:    model.TriggerScheduled,
			Status:     model.RunCompleted,
			CreatedAt:  now,
			DurationMs: 125000,
			RecordsIn:  10,
			RecordsOut: 8,
			Cost:       model.CostSummary{Total: 0.25},
		},
		{
			ID:         "def12345-6789-0000-0000-000000000000",
			WorkflowID: "a-workflow-with-a-very-long-identifier",
			Trigger:    model.TriggerAPI,
			Status:     model.RunRunning,
			CreatedAt:  now.Add(-time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	out := buf.String()
	assert.Contains(t, out, "WORKFLOW")
	assert.Contains(t, out, "abc12345")
	assert.Contains(t, out, "firms-daily")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "8/10")
	assert.Contains(t, out, "$0.2500")
	assert.Contains(t, out, "2m5s")
	assert.Contains(t, out, "2025-06-15 10:30")
	assert.Contains(t, out, "a-workflow-with-a-very-long...")
	assert.Contains(t, out, "running")
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, &monitoring.Snapshot{
		LookbackHours: 24,
		RunsTotal:     4,
		RunsCompleted: 3,
		RunsFailed:    1,
		FailRate:      0.25,
		Cost:          1.5,
		AvgQuality:    0.9,
		OpenAlerts:    2,
	})

	out := buf.String()
	assert.Contains(t, out, "24h")
	assert.Contains(t, out, "25.0%")
	assert.Contains(t, out, "$1.5000")
	assert.Contains(t, out, "0.900")
	assert.Contains(t, out, "Open alerts:")
}

func TestFormatSchedule(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	last := now.Add(-30 * time.Minute)
	wfs := []model.Workflow{
		{ID: "hourly", Schedule: model.Schedule{Type: model.ScheduleInterval, Enabled: true, IntervalMs: 3600000}, Stats: model.WorkflowStats{LastRunAt: &last}},
		{ID: "nightly", Schedule: model.Schedule{Type: model.ScheduleCron, Enabled: true, Cron: "0 2 * * *"}},
		{ID: "manual", Schedule: model.Schedule{Type: model.ScheduleManual}},
		{ID: "broken", Schedule: model.Schedule{Type: model.ScheduleCron, Enabled: true, Cron: "not a cron"}},
	}

	var buf bytes.Buffer
	formatSchedule(&buf, wfs, now)

	out := buf.String()
	assert.Contains(t, out, "hourly")
	assert.Contains(t, out, "1h0m0s")
	assert.Contains(t, out, "2025-06-15 10:30")
	assert.Contains(t, out, "nightly")
	assert.Contains(t, out, "0 2 * * *")
	assert.NotContains(t, out, "manual")
	assert.Contains(t, out, "error:")
}

func TestFormatAlertsList(t *testing.T) {
	alerts := []model.Alert{{
		ID:         "alert-123456789",
		Type:       model.AlertQuality,
		Severity:   model.SeverityHigh,
		Status:     model.AlertActive,
		WorkflowID: "firms-daily",
		Message:    "completeness dropped below the critical threshold for the crd field on every run",
		CreatedAt:  time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
	}}

	var buf bytes.Buffer
	formatAlertsList(&buf, alerts)

	out := buf.String()
	assert.Contains(t, out, "alert-12")
	assert.Contains(t, out, "high")
	assert.Contains(t, out, "firms-daily")
	assert.Contains(t, out, "...")
}

func TestFormatCatalogSummary(t *testing.T) {
	var buf bytes.Buffer
	formatCatalogSummary(&buf, "Imported", catalog.Summary{Providers: 2, Sources: 1, Workflows: 3})
	assert.Contains(t, buf.String(), "Imported catalog:")
	assert.Contains(t, buf.String(), "Workflows:")
}

func TestParseParams(t *testing.T) {
	got := parseParams(map[string]string{
		"limit":  "25",
		"dry":    "true",
		"states": `["CA","NY"]`,
		"name":   "acme",
		"quoted": `"42"`,
	})
	assert.Equal(t, float64(25), got["limit"])
	assert.Equal(t, true, got["dry"])
	assert.Equal(t, []any{"CA", "NY"}, got["states"])
	assert.Equal(t, "acme", got["name"])
	assert.Equal(t, `"42"`, got["quoted"])

	assert.Nil(t, parseParams(nil))
}

func TestReadBatchFile(t *testing.T) {
	dir := t.TempDir()

	arrayPath := filepath.Join(dir, "array.json")
	require.NoError(t, os.WriteFile(arrayPath, []byte(`[{"id":1},{"id":2}]`), 0o644))
	batch, err := readBatchFile(arrayPath)
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	linesPath := filepath.Join(dir, "lines.jsonl")
	require.NoError(t, os.WriteFile(linesPath, []byte("{\"id\":1}\n{\"id\":2}\n{\"id\":3}\n"), 0o644))
	batch, err = readBatchFile(linesPath)
	require.NoError(t, err)
	assert.Len(t, batch, 3)
	assert.Equal(t, float64(3), batch[2]["id"])

	badPath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte(`[{"id":`), 0o644))
	_, err = readBatchFile(badPath)
	assert.Error(t, err)

	_, err = readBatchFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestSummarizeRun(t *testing.T) {
	run := &model.Run{
		ID:         "r1",
		WorkflowID: "wf",
		Status:     model.RunCompleted,
		RecordsIn:  3,
		RecordsOut: 2,
		Cost:       model.CostSummary{Total: 0.5},
		Quality:    &model.QualityReport{Overall: 0.8},
	}
	s := summarizeRun(run)
	require.NotNil(t, s.Quality)
	assert.InDelta(t, 0.8, *s.Quality, 1e-9)
	assert.Equal(t, 2, s.RecordsOut)
}
