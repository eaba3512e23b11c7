package pipeline

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orchestrator/internal/model"
)

// keyOf builds the tuple key of rec over keys. ok is false when any key
// field is missing or empty.
func keyOf(rec model.Record, keys []string) (string, bool) {
	parts := make([]string, len(keys))
	for i, k := range keys {
		v, present := rec[k]
		if !present || model.IsEmpty(v) {
			return "", false
		}
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "\x1f"), true
}

// Deduplicate keeps the first record of each key tuple, preserving order.
// With no keys the whole record (minus metadata) is the key. Records with a
// missing key field are compared by their whole data instead.
func Deduplicate(batch model.Batch, keys []string) model.Batch {
	seen := make(map[string]bool, len(batch))
	out := make(model.Batch, 0, len(batch))
	for _, rec := range batch {
		var key string
		if k, ok := keyOf(rec, keys); ok && len(keys) > 0 {
			key = "k:" + k
		} else {
			key = "r:" + rec.Canonical()
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rec)
	}
	return out
}

// partition splits a batch by the _source alias in fold order.
func partition(batch model.Batch, order []string) ([]string, map[string]model.Batch) {
	parts := make(map[string]model.Batch)
	var seen []string
	for _, rec := range batch {
		alias := rec.Source()
		if _, ok := parts[alias]; !ok {
			seen = append(seen, alias)
		}
		parts[alias] = append(parts[alias], rec)
	}
	if len(order) == 0 {
		return seen, parts
	}
	// Configured order first, then any remaining aliases as seen.
	out := make([]string, 0, len(seen))
	listed := make(map[string]bool, len(order))
	for _, a := range order {
		listed[a] = true
		if _, ok := parts[a]; ok {
			out = append(out, a)
		}
	}
	for _, a := range seen {
		if !listed[a] {
			out = append(out, a)
		}
	}
	return out, parts
}

// combine copies right's fields into left where left lacks them.
func combine(left, right model.Record) model.Record {
	out := left.Clone()
	for k, v := range right {
		if model.IsMetaField(k) {
			continue
		}
		if cur, ok := out[k]; !ok || model.IsEmpty(cur) {
			out[k] = v
		}
	}
	return out
}

func index(batch model.Batch, keys []string) map[string]model.Record {
	idx := make(map[string]model.Record, len(batch))
	for _, rec := range batch {
		if k, ok := keyOf(rec, keys); ok {
			if _, dup := idx[k]; !dup {
				idx[k] = rec
			}
		}
	}
	return idx
}

// Merge combines the batch's source partitions pairwise in fold order.
func Merge(batch model.Batch, cfg model.MergeConfig) (stepOutput, error) {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = model.MergeUnion
	}
	if strategy != model.MergeUnion && len(cfg.Keys) == 0 {
		return stepOutput{}, eris.Errorf("merge: %s requires keys", strategy)
	}

	order, parts := partition(batch, cfg.Sources)
	if len(order) == 0 {
		return stepOutput{batch: model.Batch{}}, nil
	}

	acc := parts[order[0]]
	for _, alias := range order[1:] {
		right := parts[alias]
		switch strategy {
		case model.MergeUnion:
			acc = append(append(model.Batch{}, acc...), right...)
		case model.MergeIntersection:
			acc = joinInner(acc, right, cfg.Keys)
		case model.MergeLeftJoin:
			acc = joinLeft(acc, right, cfg.Keys, false)
		case model.MergeRightJoin:
			acc = joinLeft(right, acc, cfg.Keys, false)
		case model.MergeFullJoin:
			acc = joinLeft(acc, right, cfg.Keys, true)
		default:
			return stepOutput{}, eris.Errorf("merge: unknown strategy %q", strategy)
		}
	}

	if strategy == model.MergeUnion && len(cfg.Keys) > 0 {
		acc = Deduplicate(acc, cfg.Keys)
	}
	rejected := len(batch) - len(acc)
	if rejected < 0 {
		rejected = 0
	}
	return stepOutput{batch: acc, rejected: rejected}, nil
}

func joinInner(left, right model.Batch, keys []string) model.Batch {
	idx := index(right, keys)
	out := make(model.Batch, 0, len(left))
	for _, rec := range left {
		k, ok := keyOf(rec, keys)
		if !ok {
			continue
		}
		if match, found := idx[k]; found {
			out = append(out, combine(rec, match))
		}
	}
	return out
}

// joinLeft keeps every left record, filling from the first right match. When
// full is set, unmatched right records are appended.
func joinLeft(left, right model.Batch, keys []string, full bool) model.Batch {
	idx := index(right, keys)
	matched := make(map[string]bool, len(idx))
	out := make(model.Batch, 0, len(left)+len(right))
	for _, rec := range left {
		k, ok := keyOf(rec, keys)
		if match, found := idx[k]; ok && found {
			matched[k] = true
			out = append(out, combine(rec, match))
			continue
		}
		out = append(out, rec)
	}
	if full {
		for _, rec := range right {
			if k, ok := keyOf(rec, keys); ok && matched[k] {
				continue
			}
			out = append(out, rec)
		}
	}
	return out
}
