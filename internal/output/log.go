package output

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/model"
)

const defaultLogSample = 5

// LogDispatcher logs a batch summary and a sample of its records.
// Binding config key: "sample" (records to log, default 5).
type LogDispatcher struct {
	log *zap.Logger
}

// NewLogDispatcher creates a LogDispatcher. A nil logger uses zap.L().
func NewLogDispatcher(log *zap.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) Dispatch(_ context.Context, run *model.Run, binding model.OutputBinding, batch model.Batch) (model.OutputResult, error) {
	log := d.log
	if log == nil {
		log = zap.L()
	}
	sample := defaultLogSample
	if s, err := strconv.Atoi(binding.Config["sample"]); err == nil && s >= 0 {
		sample = s
	}
	if sample > len(batch) {
		sample = len(batch)
	}

	log.Info("output: records",
		zap.String("workflow_id", run.WorkflowID),
		zap.String("run_id", run.ID),
		zap.String("output", binding.Name),
		zap.Int("records", len(batch)),
		zap.Any("sample", []model.Record(batch[:sample])),
	)
	return model.OutputResult{Location: "log"}, nil
}
