package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orchestrator/internal/model"
	"github.com/sells-group/orchestrator/internal/scheduler"
)

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	rootCmd.SetOut(nil)
	return out.String(), err
}

func setupFlowEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ORCH_STORE_DRIVER", "sqlite")
	t.Setenv("ORCH_STORE_DATABASE_URL", filepath.Join(t.TempDir(), "orchestrator.db"))
	t.Setenv("ORCH_CATALOG_PATH", "testdata/catalog.yaml")
	t.Setenv("ORCH_OUTPUTS_FILE_DIR", t.TempDir())
	t.Setenv("ORCH_LOG_LEVEL", "error")
}

func TestCatalogImportRunAndInspect(t *testing.T) {
	setupFlowEnv(t)

	out, err := execute(t, "catalog", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Valid catalog:")

	out, err = execute(t, "catalog", "import")
	require.NoError(t, err)
	assert.Contains(t, out, "Imported catalog:")

	out, err = execute(t, "schedule", "next")
	require.NoError(t, err)
	assert.Contains(t, out, "firms-daily")
	assert.Contains(t, out, "never")

	out, err = execute(t, "schedule", "tick")
	require.NoError(t, err)
	var emitted []scheduler.Emission
	require.NoError(t, json.Unmarshal([]byte(out), &emitted))
	require.Len(t, emitted, 1)
	assert.Equal(t, "firms-daily", emitted[0].WorkflowID)

	out, err = execute(t, "run", "firms-daily", "--param", "region=west")
	require.NoError(t, err)
	var sum runSummary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, model.RunCompleted, sum.Status)
	assert.Equal(t, 3, sum.RecordsIn)
	assert.Equal(t, 2, sum.RecordsOut)
	require.Len(t, sum.Outputs, 1)
	assert.Equal(t, "main", sum.Outputs[0].Name)

	out, err = execute(t, "runs", "show", sum.RunID)
	require.NoError(t, err)
	var run model.Run
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, "west", run.Parameters["region"])
	assert.Equal(t, model.TriggerManual, run.Trigger)

	out, err = execute(t, "runs", "list", "--workflow", "firms-daily")
	require.NoError(t, err)
	assert.Contains(t, out, truncateID(sum.RunID))
	assert.Contains(t, out, truncateID(emitted[0].RunID))

	out, err = execute(t, "runs", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Total runs:")

	out, err = execute(t, "alerts", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "Raised 0 alert(s).")
}

func TestRunUnknownWorkflow(t *testing.T) {
	setupFlowEnv(t)

	_, err := execute(t, "migrate")
	require.NoError(t, err)

	_, err = execute(t, "run", "missing")
	assert.Error(t, err)
}

func TestAlertsAckUnknown(t *testing.T) {
	setupFlowEnv(t)

	_, err := execute(t, "alerts", "ack", "nope")
	assert.Error(t, err)
}
