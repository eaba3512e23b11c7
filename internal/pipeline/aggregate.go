package pipeline

import (
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orchestrator/internal/model"
)

type group struct {
	key     model.Record
	records model.Batch
}

// aggregate groups records by GroupBy (in order of first appearance) and
// emits one record per group carrying the group fields and metrics.
func aggregate(batch model.Batch, cfg model.AggregateConfig) (stepOutput, error) {
	for _, m := range cfg.Metrics {
		switch m.Func {
		case "count", "first", "last":
		case "sum", "avg", "min", "max":
			if m.Field == "" {
				return stepOutput{}, eris.Errorf("aggregate: %s requires a field", m.Func)
			}
		default:
			return stepOutput{}, eris.Errorf("aggregate: unknown func %q", m.Func)
		}
	}

	groups := make(map[string]*group)
	var order []string
	for _, rec := range batch {
		k := groupKey(rec, cfg.GroupBy)
		g, ok := groups[k]
		if !ok {
			g = &group{key: make(model.Record, len(cfg.GroupBy))}
			for _, f := range cfg.GroupBy {
				if v, present := rec[f]; present {
					g.key[f] = v
				}
			}
			groups[k] = g
			order = append(order, k)
		}
		g.records = append(g.records, rec)
	}

	out := stepOutput{batch: make(model.Batch, 0, len(order))}
	for _, k := range order {
		g := groups[k]
		row := g.key.Clone()
		for _, m := range cfg.Metrics {
			row[metricName(m)] = computeMetric(g.records, m)
		}
		out.batch = append(out.batch, row)
	}
	return out, nil
}

func groupKey(rec model.Record, fields []string) string {
	key := ""
	for _, f := range fields {
		key += fmt.Sprint(rec[f]) + "\x1f"
	}
	return key
}

func metricName(m model.Metric) string {
	if m.As != "" {
		return m.As
	}
	if m.Field == "" {
		return m.Func
	}
	return m.Func + "_" + m.Field
}

func computeMetric(records model.Batch, m model.Metric) any {
	switch m.Func {
	case "count":
		if m.Field == "" {
			return int64(len(records))
		}
		var n int64
		for _, r := range records {
			if !model.IsEmpty(r[m.Field]) {
				n++
			}
		}
		return n
	case "first":
		for _, r := range records {
			if v, ok := r[m.Field]; ok && !model.IsEmpty(v) {
				return v
			}
		}
		return nil
	case "last":
		for i := len(records) - 1; i >= 0; i-- {
			if v, ok := records[i][m.Field]; ok && !model.IsEmpty(v) {
				return v
			}
		}
		return nil
	}

	var sum, lo, hi float64
	n := 0
	for _, r := range records {
		f, ok := model.ToFloat(r[m.Field])
		if !ok {
			continue
		}
		if n == 0 || f < lo {
			lo = f
		}
		if n == 0 || f > hi {
			hi = f
		}
		sum += f
		n++
	}
	switch m.Func {
	case "sum":
		return sum
	case "avg":
		if n == 0 {
			return nil
		}
		return sum / float64(n)
	case "min":
		if n == 0 {
			return nil
		}
		return lo
	default:
		if n == 0 {
			return nil
		}
		return hi
	}
}
