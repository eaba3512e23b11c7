package pipeline

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orchestrator/internal/model"
)

func transform(batch model.Batch, cfg model.TransformConfig) (stepOutput, error) {
	for _, op := range cfg.Operations {
		switch op.Op {
		case "rename", "copy", "set", "default", "remove", "concat", "lowercase", "uppercase", "trim", "cast":
		default:
			return stepOutput{}, eris.Errorf("transform: unknown op %q", op.Op)
		}
	}

	out := stepOutput{batch: make(model.Batch, 0, len(batch))}
	for _, rec := range batch {
		if err := transformRecord(rec, cfg.Operations); err != nil {
			out.failed++
			if out.failedErr == nil {
				out.failedErr = err
			}
			continue
		}
		out.batch = append(out.batch, rec)
	}
	return out, nil
}

func transformRecord(rec model.Record, ops []model.TransformOp) error {
	for _, op := range ops {
		switch op.Op {
		case "rename":
			if v, ok := rec[op.Field]; ok {
				delete(rec, op.Field)
				rec[op.Target] = v
			}
		case "copy":
			if v, ok := rec[op.Field]; ok {
				rec[op.Target] = v
			}
		case "set":
			rec[op.Field] = op.Value
		case "default":
			if model.IsEmpty(rec[op.Field]) {
				rec[op.Field] = op.Value
			}
		case "remove":
			delete(rec, op.Field)
			for _, f := range op.Fields {
				delete(rec, f)
			}
		case "concat":
			parts := make([]string, 0, len(op.Fields))
			for _, f := range op.Fields {
				if v, ok := rec[f]; ok && !model.IsEmpty(v) {
					parts = append(parts, fmt.Sprint(v))
				}
			}
			rec[op.Target] = strings.Join(parts, op.Separator)
		case "lowercase", "uppercase", "trim":
			s, ok := rec[op.Field].(string)
			if !ok {
				continue
			}
			switch op.Op {
			case "lowercase":
				rec[op.Field] = strings.ToLower(s)
			case "uppercase":
				rec[op.Field] = strings.ToUpper(s)
			default:
				rec[op.Field] = strings.TrimSpace(s)
			}
		case "cast":
			v, ok := rec[op.Field]
			if !ok || v == nil {
				continue
			}
			cast, err := castValue(v, op.Type)
			if err != nil {
				return eris.Wrapf(err, "transform: cast %s", op.Field)
			}
			rec[op.Field] = cast
		}
	}
	return nil
}

func castValue(v any, typ string) (any, error) {
	switch typ {
	case "string":
		return fmt.Sprint(v), nil
	case "number", "float":
		f, ok := model.ToFloat(v)
		if !ok {
			return nil, eris.Errorf("%v is not a number", v)
		}
		return f, nil
	case "integer", "int":
		f, ok := model.ToFloat(v)
		if !ok || f != math.Trunc(f) {
			return nil, eris.Errorf("%v is not an integer", v)
		}
		return int64(f), nil
	case "boolean", "bool":
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(t))
			if err != nil {
				return nil, eris.Errorf("%q is not a boolean", t)
			}
			return b, nil
		}
		return nil, eris.Errorf("%v is not a boolean", v)
	default:
		return nil, eris.Errorf("unknown cast type %q", typ)
	}
}

func filter(batch model.Batch, cfg model.FilterConfig) (stepOutput, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = "all"
	}
	if mode != "all" && mode != "any" {
		return stepOutput{}, eris.Errorf("filter: unknown mode %q", cfg.Mode)
	}
	preds := make([]func(model.Record) bool, len(cfg.Conditions))
	for i, c := range cfg.Conditions {
		p, err := predicate(c)
		if err != nil {
			return stepOutput{}, err
		}
		preds[i] = p
	}

	out := stepOutput{batch: make(model.Batch, 0, len(batch))}
	for _, rec := range batch {
		keep := mode == "all"
		for _, p := range preds {
			ok := p(rec)
			if mode == "all" && !ok {
				keep = false
				break
			}
			if mode == "any" && ok {
				keep = true
				break
			}
		}
		if len(preds) == 0 {
			keep = true
		}
		if keep {
			out.batch = append(out.batch, rec)
		} else {
			out.rejected++
		}
	}
	return out, nil
}

// compare orders a and b numerically when both are numeric, otherwise as
// strings.
func compare(a, b any) int {
	fa, okA := model.ToFloat(a)
	fb, okB := model.ToFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func predicate(c model.Condition) (func(model.Record) bool, error) {
	switch c.Operator {
	case "exists":
		return func(r model.Record) bool { return !model.IsEmpty(r[c.Field]) }, nil
	case "not_exists":
		return func(r model.Record) bool { return model.IsEmpty(r[c.Field]) }, nil
	case "eq", "":
		return func(r model.Record) bool {
			v, ok := r[c.Field]
			return ok && compare(v, c.Value) == 0
		}, nil
	case "ne":
		return func(r model.Record) bool {
			v, ok := r[c.Field]
			return !ok || compare(v, c.Value) != 0
		}, nil
	case "gt", "gte", "lt", "lte":
		return func(r model.Record) bool {
			v, ok := r[c.Field]
			if !ok || model.IsEmpty(v) {
				return false
			}
			cmp := compare(v, c.Value)
			switch c.Operator {
			case "gt":
				return cmp > 0
			case "gte":
				return cmp >= 0
			case "lt":
				return cmp < 0
			}
			return cmp <= 0
		}, nil
	case "contains":
		needle := strings.ToLower(fmt.Sprint(c.Value))
		return func(r model.Record) bool {
			v, ok := r[c.Field]
			return ok && strings.Contains(strings.ToLower(fmt.Sprint(v)), needle)
		}, nil
	case "in":
		list, ok := c.Value.([]any)
		if !ok {
			if ss, isStrings := c.Value.([]string); isStrings {
				for _, s := range ss {
					list = append(list, s)
				}
			} else {
				return nil, eris.Errorf("filter: %s in requires a list", c.Field)
			}
		}
		return func(r model.Record) bool {
			v, ok := r[c.Field]
			if !ok {
				return false
			}
			for _, item := range list {
				if compare(v, item) == 0 {
					return true
				}
			}
			return false
		}, nil
	case "regex":
		re, err := regexp.Compile(fmt.Sprint(c.Value))
		if err != nil {
			return nil, eris.Wrapf(err, "filter: %s regex", c.Field)
		}
		return func(r model.Record) bool {
			v, ok := r[c.Field]
			return ok && re.MatchString(fmt.Sprint(v))
		}, nil
	default:
		return nil, eris.Errorf("filter: unknown operator %q", c.Operator)
	}
}
