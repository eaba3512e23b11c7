package main

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/engine"
	"github.com/sells-group/orchestrator/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run <workflow-id>",
	Short: "Execute a workflow once and wait for it to finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		params, _ := cmd.Flags().GetStringToString("param")
		inputFiles, _ := cmd.Flags().GetStringToString("input")

		req := engine.TriggerRequest{
			Trigger:    model.TriggerManual,
			Parameters: parseParams(params),
		}
		if len(inputFiles) > 0 {
			req.Inputs = make(map[string]model.Batch, len(inputFiles))
			for alias, path := range inputFiles {
				batch, err := readBatchFile(path)
				if err != nil {
					return err
				}
				req.Inputs[alias] = batch
			}
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Engine.Execute(ctx, args[0], req)
		if err != nil {
			return eris.Wrapf(err, "run workflow %s", args[0])
		}

		zap.L().Info("run finished",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
			zap.Float64("cost", run.Cost.Total),
		)
		if err := writeRunSummary(cmd.OutOrStdout(), run); err != nil {
			return err
		}
		if run.Status != model.RunCompleted {
			return eris.Errorf("run %s ended %s", run.ID, run.Status)
		}
		return nil
	},
}

// runSummary is the compact result printed by the run command.
type runSummary struct {
	RunID      string               `json:"run_id"`
	WorkflowID string               `json:"workflow_id"`
	Status     model.RunStatus      `json:"status"`
	DurationMs int64                `json:"duration_ms"`
	RecordsIn  int                  `json:"records_in"`
	RecordsOut int                  `json:"records_out"`
	Cost       float64              `json:"cost"`
	Quality    *float64             `json:"quality_score,omitempty"`
	Outputs    []model.OutputResult `json:"outputs,omitempty"`
	Issues     []model.Issue        `json:"issues,omitempty"`
}

func summarizeRun(run *model.Run) runSummary {
	s := runSummary{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Status:     run.Status,
		DurationMs: run.DurationMs,
		RecordsIn:  run.RecordsIn,
		RecordsOut: run.RecordsOut,
		Cost:       run.Cost.Total,
		Outputs:    run.Outputs,
		Issues:     run.Issues,
	}
	if run.Quality != nil {
		score := run.Quality.Overall
		s.Quality = &score
	}
	return s
}

func writeRunSummary(w io.Writer, run *model.Run) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summarizeRun(run))
}

// parseParams converts flag values to run parameters. JSON literals
// (numbers, booleans, arrays, objects) are decoded; anything else stays a
// string.
func parseParams(raw map[string]string) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		var decoded any
		trimmed := strings.TrimSpace(v)
		if trimmed != "" && !strings.HasPrefix(trimmed, `"`) && json.Unmarshal([]byte(trimmed), &decoded) == nil {
			out[k] = decoded
			continue
		}
		out[k] = v
	}
	return out
}

// readBatchFile reads a JSON array of records or JSON Lines.
func readBatchFile(path string) (model.Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read input %s", path)
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var batch model.Batch
		if err := json.Unmarshal([]byte(trimmed), &batch); err != nil {
			return nil, eris.Wrapf(err, "parse input %s", path)
		}
		return batch, nil
	}

	var batch model.Batch
	dec := json.NewDecoder(strings.NewReader(trimmed))
	for dec.More() {
		var rec model.Record
		if err := dec.Decode(&rec); err != nil {
			return nil, eris.Wrapf(err, "parse input %s", path)
		}
		batch = append(batch, rec)
	}
	return batch, nil
}

func init() {
	runCmd.Flags().StringToString("param", nil, "run parameter as key=value (repeatable)")
	runCmd.Flags().StringToString("input", nil, "inline input as alias=path to a JSON or JSONL file (repeatable)")
	rootCmd.AddCommand(runCmd)
}
