// Package output delivers a run's final records to their destinations.
package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orchestrator/internal/model"
)

// ErrUnknownType is returned for an output binding with no registered
// dispatcher.
var ErrUnknownType = eris.New("output: unknown type")

// Dispatcher writes one batch to one destination. The batch handed to a
// Dispatcher has already had engine metadata stripped.
type Dispatcher interface {
	Dispatch(ctx context.Context, run *model.Run, binding model.OutputBinding, batch model.Batch) (model.OutputResult, error)
}

// Registry routes output bindings to dispatchers by type.
type Registry struct {
	dispatchers map[model.OutputType]Dispatcher
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{dispatchers: make(map[model.OutputType]Dispatcher)}
}

// Register adds or replaces the dispatcher for typ.
func (r *Registry) Register(typ model.OutputType, d Dispatcher) {
	r.dispatchers[typ] = d
}

// Types returns the registered output types in sorted order.
func (r *Registry) Types() []model.OutputType {
	out := make([]model.OutputType, 0, len(r.dispatchers))
	for t := range r.dispatchers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch implements engine.OutputDispatcher.
func (r *Registry) Dispatch(ctx context.Context, run *model.Run, binding model.OutputBinding, batch model.Batch) (model.OutputResult, error) {
	res := model.OutputResult{Name: binding.Name, Type: string(binding.Type), Records: len(batch)}
	d, ok := r.dispatchers[binding.Type]
	if !ok {
		err := eris.Wrapf(ErrUnknownType, "output %s: type %q", binding.Name, binding.Type)
		res.Error = err.Error()
		return res, err
	}
	got, err := d.Dispatch(ctx, run, binding, batch.Stripped())
	got.Name, got.Type, got.Records = res.Name, res.Type, res.Records
	if err != nil {
		got.Error = err.Error()
		return got, eris.Wrapf(err, "output %s", binding.Name)
	}
	return got, nil
}

// objectName expands {workflow}, {run}, and {output} placeholders.
func objectName(pattern string, run *model.Run, binding model.OutputBinding) string {
	return strings.NewReplacer(
		"{workflow}", run.WorkflowID,
		"{run}", run.ID,
		"{output}", binding.Name,
	).Replace(pattern)
}

func defaultObjectName(run *model.Run, binding model.OutputBinding, ext string) string {
	return fmt.Sprintf("%s/%s-%s.%s", run.WorkflowID, run.ID, binding.Name, ext)
}

// encodeJSONL renders one JSON object per line.
func encodeJSONL(batch model.Batch) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, rec := range batch {
		if err := enc.Encode(rec); err != nil {
			return nil, eris.Wrapf(err, "output: encode record %d", i)
		}
	}
	return buf.Bytes(), nil
}

// columns returns the union of record keys in sorted order.
func columns(batch model.Batch) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, rec := range batch {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
